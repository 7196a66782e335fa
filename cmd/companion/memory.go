package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/gateway"
	"github.com/stellarlinkco/companion/internal/memory"
)

func newMemoryCmd(opts AppOptions) *cobra.Command {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the companion's memory",
	}

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export all memory as JSON (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withCore(func(cmd *cobra.Command, core *gateway.Core, args []string) error {
			data, err := core.Store.ExportAllMemory()
			if err != nil {
				return err
			}
			if len(args) == 0 || args[0] == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			if err := os.WriteFile(args[0], data, 0600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported memory to %s\n", args[0])
			return nil
		}),
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace all memory with an exported JSON file ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: withCore(func(cmd *cobra.Command, core *gateway.Core, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}
			if err := core.Store.ImportAllMemory(data); err != nil {
				var fe *memory.FormatError
				if errors.As(err, &fe) {
					return fmt.Errorf("import rejected, memory unchanged: %w", err)
				}
				return err
			}
			st := core.Store.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d long-term, %d short-term, %d archived entries\n",
				st.LongTerm, st.ShortTerm, st.Archived)
			return nil
		}),
	}

	var yes bool
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Erase all memory and restore the configured profile",
		Args:  cobra.NoArgs,
		RunE: withCore(func(cmd *cobra.Command, core *gateway.Core, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to erase memory without --yes")
			}
			if err := core.Store.ResetAllMemory(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Memory reset.")
			return nil
		}),
	}
	resetCmd.Flags().BoolVar(&yes, "yes", false, "Confirm erasing all memory")

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Consolidate the current conversation into long-term memory now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, session, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer core.Close()

			c, err := session.UpdateMemory(commandContext(cmd))
			if errors.Is(err, memory.ErrNothingToConsolidate) {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to consolidate.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d turn(s) into %d new memories (%d tokens)\n",
				len(c.Batch), len(c.NewMemories), c.Tokens)
			for _, m := range c.NewMemories {
				fmt.Fprintf(cmd.OutOrStdout(), "  + %s\n", m.Summary)
			}
			return nil
		},
	}

	forgetCmd := &cobra.Command{
		Use:   "forget <uuid>",
		Short: "Delete one long-term memory",
		Args:  cobra.ExactArgs(1),
		RunE: withCore(func(cmd *cobra.Command, core *gateway.Core, args []string) error {
			id := strings.TrimSpace(args[0])
			found := false
			for _, m := range core.Store.LongTermMemory() {
				if m.UUID == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("no long-term memory with uuid %s", id)
			}
			if err := core.Store.DeleteLongTermMemory(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", id)
			return nil
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List long-term memories, newest first",
		Args:  cobra.NoArgs,
		RunE: withCore(func(cmd *cobra.Command, core *gateway.Core, args []string) error {
			out := cmd.OutOrStdout()
			lt := core.Store.LongTermMemory()
			if len(lt) == 0 {
				fmt.Fprintln(out, "No long-term memories.")
				return nil
			}
			for _, m := range lt {
				marker := ""
				if len(m.Vector) == 0 {
					marker = " (unindexed)"
				}
				fmt.Fprintf(out, "%s  %s  %s%s\n", m.UUID, span(m), m.Summary, marker)
			}
			return nil
		}),
	}

	searchCmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find long-term memories related to a description",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCore(func(cmd *cobra.Command, core *gateway.Core, args []string) error {
			query := strings.Join(args, " ")
			session := core.NewSession(nil, nil)
			hits, err := session.RetrieveByDescription(commandContext(cmd), query)
			if err != nil {
				return fmt.Errorf("search %q: %w; check the embedding settings", query, err)
			}
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, "No related memories were found.")
				return nil
			}
			for _, h := range hits {
				fmt.Fprintf(out, "%.3f  %s  %s  %s\n", h.Similarity, h.UUID, span(h.LongTermMemory), h.Summary)
			}
			return nil
		}),
	}

	memCmd.AddCommand(exportCmd, importCmd, resetCmd, updateCmd, forgetCmd, listCmd, searchCmd)
	return memCmd
}

// withCore opens the memory store for commands that need no chat model.
func withCore(fn func(cmd *cobra.Command, core *gateway.Core, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		core, err := gateway.OpenCore(cfg)
		if err != nil {
			return err
		}
		defer core.Close()
		return fn(cmd, core, args)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func span(m memory.LongTermMemory) string {
	const layout = "2006-01-02 15:04"
	return memory.Time(m.StartTime).Format(layout) + " ~ " + memory.Time(m.EndTime).Format(layout)
}
