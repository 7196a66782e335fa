package companion

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/companion/internal/kv"
	"github.com/stellarlinkco/companion/internal/llm/llmtest"
	"github.com/stellarlinkco/companion/internal/memory"
)

type recordingPresenter struct {
	mu    sync.Mutex
	tips  []string
	hides []time.Duration
}

func (p *recordingPresenter) ShowTip(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tips = append(p.tips, text)
}

func (p *recordingPresenter) Hide(after time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hides = append(p.hides, after)
}

func newTestSession(t *testing.T, fake *llmtest.Completions) (*Session, *memory.Store, *recordingPresenter) {
	t.Helper()
	backing, err := kv.Open("bolt", filepath.Join(t.TempDir(), "memory.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	store, err := memory.NewStore(backing, memory.Profile{SelfName: "Hiyori", UserName: "Ken"}, 0)
	require.NoError(t, err)
	require.NoError(t, store.SetLongTermMemory(longTerm()))

	pres := &recordingPresenter{}
	s := NewSession(Options{
		Store:     store,
		Chat:      fake,
		Model:     "chat-model",
		Embed:     embedAlways(1, 0),
		Presenter: pres,
		Now:       clock,
	})
	return s, store, pres
}

func TestSession_SubmitPersistsTurns(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{
		llmtest.ToolCall(1, "call_1", ToolGetMemory, `{"memoryDescription":"cat"}`),
		llmtest.Text(1, "Mochi!"),
	}}
	s, store, pres := newTestSession(t, fake)

	res, err := s.Submit(context.Background(), "  remember my cat?  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "Mochi!", res.Text)

	st := store.ShortTermMemory()
	require.Len(t, st, 4)
	assert.Equal(t, "remember my cat?", st[0].Content)
	assert.Equal(t, memory.RoleTool, st[2].Role)
	assert.Equal(t, "Mochi!", st[3].Content)
	assert.Contains(t, pres.hides, time.Duration(0))
}

func TestSession_SubmitFailureKeepsStoreUntouched(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{
		llmtest.ToolCall(1, "call_1", ToolGetMemory, `{"memoryDescription": 123}`),
	}}
	s, store, pres := newTestSession(t, fake)

	_, err := s.Submit(context.Background(), "hi", nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, store.ShortTermMemory())
	require.NotEmpty(t, pres.tips)
	assert.Contains(t, pres.tips[len(pres.tips)-1], "protocol error")

	_, err = s.Submit(context.Background(), "   ", nil)
	require.Error(t, err)
}

func TestSession_BusyGuard(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, "done")}}
	s, store, _ := newTestSession(t, fake)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Submit(context.Background(), "first", func(string) {
			close(started)
			<-release
		})
		assert.NoError(t, err)
	}()

	<-started
	_, err := s.Submit(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.UpdateMemory(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	wg.Wait()
	assert.Len(t, store.ShortTermMemory(), 2)
}

func TestSession_UpdateMemory(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{
		llmtest.Text(1, "hello there"),
		llmtest.Text(50, `{"newAiInfo":"I enjoy greetings.","newHumanInfo":"The user says hello.","newMemories":["The user greeted me."]}`),
	}}
	s, store, pres := newTestSession(t, fake)

	_, err := s.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)

	c, err := s.UpdateMemory(context.Background())
	require.NoError(t, err)
	assert.Len(t, c.NewMemories, 1)
	assert.Equal(t, "chat-model", fake.Calls[1].Model)

	assert.Empty(t, store.ShortTermMemory())
	assert.Len(t, store.ArchivedMemory(), 2)
	assert.Equal(t, "The user greeted me.", store.LongTermMemory()[0].Summary)
	assert.Equal(t, []float32{1, 0}, store.LongTermMemory()[0].Vector)
	assert.Equal(t, "I enjoy greetings.", store.Profile().MemoryAboutSelf)
	assert.Contains(t, pres.tips, "Memory updated.")
}

func TestSession_UpdateMemoryEmpty(t *testing.T) {
	fake := &llmtest.Completions{}
	s, _, _ := newTestSession(t, fake)
	_, err := s.UpdateMemory(context.Background())
	require.ErrorIs(t, err, memory.ErrNothingToConsolidate)
	assert.Zero(t, fake.CallCount())
}

func TestSession_UpdateMemoryMalformedLeavesStore(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{
		llmtest.Text(1, "hello there"),
		llmtest.Text(1, "Sorry, I can't summarise that."),
	}}
	s, store, _ := newTestSession(t, fake)
	_, err := s.Submit(context.Background(), "hello", nil)
	require.NoError(t, err)
	before := store.Snapshot()

	_, err = s.UpdateMemory(context.Background())
	require.ErrorIs(t, err, memory.ErrMalformedOutput)
	assert.Equal(t, before, store.Snapshot())
}

func TestSession_ShouldUpdateMemory(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, "hey")}}
	s, _, _ := newTestSession(t, fake)
	assert.False(t, s.ShouldUpdateMemory())

	_, err := s.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.False(t, s.ShouldUpdateMemory())

	s.opts.Now = func() time.Time { return fixedNow.Add(8 * time.Hour) }
	assert.True(t, s.ShouldUpdateMemory())
}

func TestSession_RetrieveByDescription(t *testing.T) {
	s, _, _ := newTestSession(t, &llmtest.Completions{})
	hits, err := s.RetrieveByDescription(context.Background(), "my cat")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "cat", hits[0].UUID)

	s.opts.Embed = embedAlways()
	_, err = s.RetrieveByDescription(context.Background(), "my cat")
	require.Error(t, err)
}
