package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/llm"
	"github.com/stellarlinkco/companion/internal/llm/llmtest"
	"github.com/stellarlinkco/companion/internal/memory"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func embeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "memory.db")
	cfg.Memory.Embedding.BaseURL = embeddingServer(t).URL
	cfg.Memory.Embedding.CacheSize = 0
	cfg.Memory.AutoUpdate = ""
	cfg.Channels = config.ChannelsConfig{}
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, fake *llmtest.Completions) *Gateway {
	t.Helper()
	g, err := NewWithOptions(cfg, Options{
		CompletionsFactory: func(*config.Config) (llm.Completions, error) { return fake, nil },
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func drain(b *bus.MessageBus) []bus.OutboundMessage {
	var out []bus.OutboundMessage
	for {
		select {
		case m := <-b.Outbound:
			out = append(out, m)
		default:
			return out
		}
	}
}

func kinds(msgs []bus.OutboundMessage) []string {
	k := make([]string, len(msgs))
	for i, m := range msgs {
		k[i] = m.Kind
	}
	return k
}

func TestNewWithOptions_FactoryError(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(cfg, Options{
		CompletionsFactory: func(*config.Config) (llm.Completions, error) {
			return nil, errors.New("no key")
		},
	})
	if err == nil || err.Error() != "no key" {
		t.Fatalf("err = %v, want factory error", err)
	}
}

func TestNewWithOptions_DefaultFactoryNeedsKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.APIKey = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestNewWithOptions_BadAutoUpdateSpec(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.AutoUpdate = "every now and then"
	_, err := NewWithOptions(cfg, Options{
		CompletionsFactory: func(*config.Config) (llm.Completions, error) { return &llmtest.Completions{}, nil },
	})
	if err == nil || !strings.Contains(err.Error(), "auto-update") {
		t.Fatalf("err = %v, want auto-update schedule error", err)
	}
}

func TestGateway_HandleMessageStreamsReply(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(12, "Hello ", "there")}}
	g := newTestGateway(t, testConfig(t), fake)

	g.handle(context.Background(), bus.InboundMessage{
		Channel: "webui", Kind: bus.KindMessage, ChatID: "webui-1", SenderID: "webui-1", Content: "hi",
	})

	out := drain(g.bus)
	if len(out) == 0 {
		t.Fatal("no outbound messages")
	}
	for _, m := range out {
		if m.Channel != "webui" || m.ChatID != "webui-1" {
			t.Errorf("message routed to %s/%s, want webui/webui-1", m.Channel, m.ChatID)
		}
	}

	var streamed strings.Builder
	for _, m := range out {
		if m.Kind == bus.OutChunk {
			streamed.WriteString(m.Content)
		}
	}
	if streamed.String() != "Hello there" {
		t.Errorf("streamed = %q, want %q", streamed.String(), "Hello there")
	}

	last := out[len(out)-1]
	if last.Kind != bus.OutMessage || last.Content != "Hello there" {
		t.Errorf("last = %+v, want final message", last)
	}
	if out[0].Kind != bus.OutTip {
		t.Errorf("first kind = %q, want tip (all kinds %v)", out[0].Kind, kinds(out))
	}

	if n := len(g.Session().Store().ShortTermMemory()); n != 2 {
		t.Errorf("short-term turns = %d, want 2", n)
	}
}

func TestGateway_HandleMessageError(t *testing.T) {
	fake := &llmtest.Completions{}
	g := newTestGateway(t, testConfig(t), fake)

	g.handle(context.Background(), bus.InboundMessage{
		Channel: "telegram", Kind: bus.KindMessage, ChatID: "42", Content: "hi",
	})

	out := drain(g.bus)
	last := out[len(out)-1]
	if last.Kind != bus.OutError || last.ChatID != "42" {
		t.Errorf("last = %+v, want error frame for chat 42", last)
	}
	if n := len(g.Session().Store().ShortTermMemory()); n != 0 {
		t.Errorf("failed turn persisted %d turns", n)
	}
}

func TestGateway_HandleUpdateRequest(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{
		llmtest.Text(1, "Nice to meet you!"),
		llmtest.Text(40, `{"newAiInfo":"I met someone new.","newHumanInfo":"The user likes tea.","newMemories":["The user said they like tea."]}`),
	}}
	g := newTestGateway(t, testConfig(t), fake)
	ctx := context.Background()

	update := bus.InboundMessage{Channel: "webui", Kind: bus.KindUpdateMemory, ChatID: "webui-1"}
	g.handle(ctx, update)
	out := drain(g.bus)
	if len(out) != 1 || out[0].Content != "Nothing new to remember yet." {
		t.Fatalf("empty update replies = %+v", out)
	}

	g.handle(ctx, bus.InboundMessage{Channel: "webui", Kind: bus.KindMessage, ChatID: "webui-1", Content: "I like tea"})
	drain(g.bus)

	g.handle(ctx, update)
	out = drain(g.bus)
	for _, m := range out {
		if m.Kind == bus.OutError {
			t.Fatalf("update failed: %s", m.Content)
		}
	}

	store := g.Session().Store()
	if len(store.ShortTermMemory()) != 0 {
		t.Error("short-term memory should be archived")
	}
	lt := store.LongTermMemory()
	if len(lt) != 1 || lt[0].Summary != "The user said they like tea." {
		t.Fatalf("long-term = %+v", lt)
	}
	if len(lt[0].Vector) != 2 {
		t.Errorf("vector = %v, want embedding from server", lt[0].Vector)
	}
	if store.Profile().MemoryAboutUser != "The user likes tea." {
		t.Errorf("user profile = %q", store.Profile().MemoryAboutUser)
	}
}

func TestGateway_AutoUpdate(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{
		llmtest.Text(40, `{"newAiInfo":"","newHumanInfo":"","newMemories":["We said hello."]}`),
	}}
	cfg := testConfig(t)
	cfg.Channels.WebUI.Enabled = true
	cfg.Gateway.Port = 19890
	g := newTestGateway(t, cfg, fake)
	ctx := context.Background()

	result, err := g.autoUpdate(ctx)
	if err != nil || result != "" {
		t.Fatalf("autoUpdate on empty memory = %q, %v", result, err)
	}

	store := g.Session().Store()
	old := time.Now().Add(-9 * time.Hour)
	if err := store.SetShortTermMemory([]memory.ShortTermMemory{
		memory.NewTurn(memory.RoleUser, "hello", old),
		memory.NewTurn(memory.RoleAssistant, "hi!", old.Add(time.Second)),
	}); err != nil {
		t.Fatal(err)
	}

	result, err = g.autoUpdate(ctx)
	if err != nil {
		t.Fatalf("autoUpdate: %v", err)
	}
	if !strings.Contains(result, "archived 2 turn(s)") {
		t.Errorf("result = %q", result)
	}
	if fake.CallCount() != 1 {
		t.Errorf("model calls = %d, want 1", fake.CallCount())
	}

	// Tips from a background update go to the web UI as a broadcast.
	out := drain(g.bus)
	if len(out) == 0 {
		t.Fatal("expected tip frames for background update")
	}
	for _, m := range out {
		if m.Channel != "webui" || m.ChatID != "" {
			t.Errorf("background tip routed to %s/%q", m.Channel, m.ChatID)
		}
	}
}

func TestGateway_RunAndSignalShutdown(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, "pong")}}
	cfg := testConfig(t)
	cfg.Memory.AutoUpdate = config.DefaultMemoryAutoUpdate

	g, err := NewWithOptions(cfg, Options{
		CompletionsFactory: func(*config.Config) (llm.Completions, error) { return fake, nil },
		SignalChan:         sigCh,
	})
	if err != nil {
		t.Fatal(err)
	}
	if jobs := g.cron.ListJobs(); len(jobs) != 1 || jobs[0].Name != autoUpdateJob {
		t.Fatalf("cron jobs = %v", jobs)
	}

	// A subscriber for the test channel so dispatch has somewhere to go.
	got := make(chan bus.OutboundMessage, 16)
	g.bus.SubscribeOutbound("test", func(m bus.OutboundMessage) { got <- m })

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	g.bus.Inbound <- bus.InboundMessage{Channel: "test", Kind: bus.KindMessage, ChatID: "c1", Content: "ping"}

	deadline := time.After(3 * time.Second)
	for final := false; !final; {
		select {
		case m := <-got:
			final = m.Kind == bus.OutMessage
			if final && m.Content != "pong" {
				t.Errorf("reply = %q, want pong", m.Content)
			}
		case <-deadline:
			t.Fatal("timeout waiting for reply")
		}
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}

func TestBusPresenter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ctx := context.Background()

	silent := newBusPresenter(ctx, b, bus.OutboundMessage{})
	silent.ShowTip("nobody sees this")
	if out := drain(b); len(out) != 0 {
		t.Fatalf("presenter without target published %v", out)
	}

	p := newBusPresenter(ctx, b, bus.OutboundMessage{Channel: "webui"})
	release := p.use("telegram", "42")
	p.ShowTip("thinking")
	release()
	p.Hide(5 * time.Second)

	out := drain(b)
	if len(out) != 2 {
		t.Fatalf("published %d messages, want 2", len(out))
	}
	if out[0].Channel != "telegram" || out[0].ChatID != "42" || out[0].Kind != bus.OutTip || out[0].Content != "thinking" {
		t.Errorf("tip = %+v", out[0])
	}
	if out[1].Channel != "webui" || out[1].Kind != bus.OutHide || out[1].HideAfter != 5*time.Second {
		t.Errorf("hide = %+v", out[1])
	}
}

func TestOpenCore_BackendsAndPersistence(t *testing.T) {
	for _, tc := range []struct {
		storage string
		index   string
	}{
		{config.StorageSQLite, config.IndexLinear},
		{config.StorageBolt, config.IndexChromem},
	} {
		t.Run(tc.storage+"/"+tc.index, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Memory.Storage = tc.storage
			cfg.Memory.Index = tc.index

			core, err := OpenCore(cfg)
			if err != nil {
				t.Fatal(err)
			}
			if err := core.Store.SetLongTermMemory([]memory.LongTermMemory{
				{UUID: "cat", Summary: "The user has a cat.", Vector: []float32{1, 0}},
			}); err != nil {
				t.Fatal(err)
			}
			hits := core.Index.Retrieve(context.Background(), core.Embed(context.Background(), "cat"), core.Store.LongTermMemory(), nil)
			if len(hits) != 1 || hits[0].UUID != "cat" {
				t.Errorf("hits = %+v", hits)
			}
			if err := core.Close(); err != nil {
				t.Fatal(err)
			}

			reopened, err := OpenCore(cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer reopened.Close()
			if n := len(reopened.Store.LongTermMemory()); n != 1 {
				t.Errorf("reopened long-term = %d, want 1", n)
			}
			if reopened.Store.Profile().SelfName != config.DefaultSelfName {
				t.Errorf("self name = %q", reopened.Store.Profile().SelfName)
			}
		})
	}
}
