package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/companion/internal/companion"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/gateway"
	"github.com/stellarlinkco/companion/internal/llm"
)

// AppOptions carries injectable dependencies (for testing)
type AppOptions struct {
	CompletionsFactory gateway.CompletionsFactory
	// Serve replaces running the gateway.
	Serve func(ctx context.Context, cfg *config.Config) error
}

func (o AppOptions) completions(cfg *config.Config) (llm.Completions, error) {
	if o.CompletionsFactory != nil {
		return o.CompletionsFactory(cfg)
	}
	return llm.NewCompletions(cfg)
}

func main() {
	if err := newRootCmd(AppOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts AppOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "companion - a desktop chat companion that remembers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var message string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the companion in single message or REPL mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, message)
		},
	}
	chatCmd.Flags().StringVarP(&message, "message", "m", "", "Single message to send")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (web UI, Telegram, scheduled memory updates)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and data directory",
		Args:  cobra.NoArgs,
		RunE:  runOnboard,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show companion status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	root.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd, newMemoryCmd(opts))
	return root
}

// cliPresenter prints status tips on stderr.
type cliPresenter struct {
	w io.Writer
}

func (p cliPresenter) ShowTip(text string) {
	if text == "..." {
		return
	}
	fmt.Fprintf(p.w, "[%s]\n", text)
}

func (cliPresenter) Hide(time.Duration) {}

func openSession(cmd *cobra.Command, opts AppOptions) (*gateway.Core, *companion.Session, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	chat, err := opts.completions(cfg)
	if err != nil {
		return nil, nil, err
	}
	core, err := gateway.OpenCore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return core, core.NewSession(chat, cliPresenter{w: cmd.ErrOrStderr()}), nil
}

func runChat(cmd *cobra.Command, opts AppOptions, message string) error {
	core, session, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := commandContext(cmd)
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	// A conversation left idle since the last run is consolidated first.
	if session.ShouldUpdateMemory() {
		if _, err := session.UpdateMemory(ctx); err != nil {
			fmt.Fprintf(stderr, "Memory update failed: %v\n", err)
		}
	}

	say := func(text string) error {
		_, err := session.Submit(ctx, text, func(chunk string) {
			fmt.Fprint(stdout, chunk)
		})
		fmt.Fprintln(stdout)
		return err
	}

	// Single message mode
	if message != "" {
		if err := say(message); err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		return nil
	}

	// REPL mode
	name := session.Store().Profile().SelfName
	fmt.Fprintf(stdout, "%s is here (type 'exit' to quit, '/update' to update memory)\n", name)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/update":
			if _, err := session.UpdateMemory(ctx); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
			}
			continue
		}
		if err := say(input); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func runServe(cmd *cobra.Command, opts AppOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := commandContext(cmd)
	if opts.Serve != nil {
		return opts.Serve(ctx, cfg)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{CompletionsFactory: opts.CompletionsFactory})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and the companion's profile\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set COMPANION_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'companion chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Memory model: %s\n", cfg.ConsolidationModel())
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Storage: %s (%s)\n", cfg.Memory.Storage, cfg.MemoryDBPath())
	fmt.Fprintf(out, "Index: %s\n", cfg.Memory.Index)
	fmt.Fprintf(out, "Weather: enabled=%v\n", cfg.Plugins.Weather.APIKey != "")
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	core, err := gateway.OpenCore(cfg)
	if err != nil {
		fmt.Fprintf(out, "Memory: error (%v)\n", err)
		return nil
	}
	defer core.Close()

	st := core.Store.Stats()
	p := core.Store.Profile()
	fmt.Fprintf(out, "Companion: %s, talking with %s\n", p.SelfName, p.UserName)
	fmt.Fprintf(out, "Memory: %d short-term, %d long-term (%d unindexed), %d archived\n",
		st.ShortTerm, st.LongTerm, st.LongTermNoVec, st.Archived)
	if !st.FirstContactAt.IsZero() {
		fmt.Fprintf(out, "First met: %s\n", st.FirstContactAt.Format(time.DateTime))
	}
	if !st.LastTurnAt.IsZero() {
		fmt.Fprintf(out, "Last turn: %s\n", st.LastTurnAt.Format(time.DateTime))
	}
	fmt.Fprintf(out, "Memory update due: %v\n", core.Store.ShouldUpdateMemory(time.Now()))
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
