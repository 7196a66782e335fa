package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/channel"
	"github.com/stellarlinkco/companion/internal/companion"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/llm"
	"github.com/stellarlinkco/companion/internal/memory"
)

const autoUpdateJob = "memory-auto-update"

// CompletionsFactory creates the chat client (allows mocking in tests).
type CompletionsFactory func(cfg *config.Config) (llm.Completions, error)

// Options for creating a Gateway
type Options struct {
	CompletionsFactory CompletionsFactory
	SignalChan         chan os.Signal // for testing signal handling
}

// Gateway serves one companion over every enabled channel. All channels
// share the same memory and conversation.
type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	core       *Core
	session    *companion.Session
	presenter  *busPresenter
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal
	cancel     context.CancelFunc
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	factory := opts.CompletionsFactory
	if factory == nil {
		factory = llm.NewCompletions
	}
	chat, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	core, err := OpenCore(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		core:       core,
		signalChan: opts.SignalChan,
	}

	var ctx context.Context
	ctx, g.cancel = context.WithCancel(context.Background())

	// Memory updates started by cron have no chat of their own; the web UI
	// shows their tips to every connected client.
	var fallback bus.OutboundMessage
	if cfg.Channels.WebUI.Enabled {
		fallback.Channel = "webui"
	}
	g.presenter = newBusPresenter(ctx, g.bus, fallback)
	g.session = core.NewSession(chat, g.presenter)

	g.cron = cron.NewService()
	if spec := strings.TrimSpace(cfg.Memory.AutoUpdate); spec != "" {
		if err := g.cron.AddJob(autoUpdateJob, spec, g.autoUpdate); err != nil {
			g.cancel()
			_ = core.Close()
			return nil, fmt.Errorf("schedule memory auto-update: %w", err)
		}
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		g.cancel()
		_ = core.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) Session() *companion.Session { return g.session }

// autoUpdate consolidates memory once the conversation has been idle past
// the configured threshold.
func (g *Gateway) autoUpdate(ctx context.Context) (string, error) {
	if !g.session.ShouldUpdateMemory() {
		return "", nil
	}
	c, err := g.session.UpdateMemory(ctx)
	switch {
	case errors.Is(err, companion.ErrBusy):
		return "skipped: companion busy", nil
	case errors.Is(err, memory.ErrNothingToConsolidate):
		return "", nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("archived %d turn(s), %d new memories", len(c.Batch), len(c.NewMemories)), nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	reply := func(kind, content string) {
		g.bus.Publish(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Kind:    kind,
			Content: content,
		})
	}

	release := g.presenter.use(msg.Channel, msg.ChatID)
	defer release()

	if msg.IsUpdateRequest() {
		log.Printf("[gateway] memory update requested from %s/%s", msg.Channel, msg.SenderID)
		if _, err := g.session.UpdateMemory(ctx); err != nil {
			if errors.Is(err, memory.ErrNothingToConsolidate) {
				reply(bus.OutMessage, "Nothing new to remember yet.")
				return
			}
			reply(bus.OutError, err.Error())
		}
		return
	}

	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
	res, err := g.session.Submit(ctx, msg.Content, func(chunk string) {
		reply(bus.OutChunk, chunk)
	})
	if err != nil {
		log.Printf("[gateway] turn error: %v", err)
		reply(bus.OutError, err.Error())
		return
	}
	reply(bus.OutMessage, res.Text)
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	for _, j := range g.cron.ListJobs() {
		log.Printf("[cron] job %s: %d run(s), last status %q", j.Name, j.State.Runs, j.State.LastStatus)
	}
	_ = g.channels.StopAll()
	if g.cancel != nil {
		g.cancel()
	}
	if err := g.core.Close(); err != nil {
		log.Printf("[gateway] close memory warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
