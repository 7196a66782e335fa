package companion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/companion/internal/llm"
	"github.com/stellarlinkco/companion/internal/memory"
	"github.com/stellarlinkco/companion/internal/weather"
)

const tipLinger = 5 * time.Second

// Options wires a Session to its collaborators.
type Options struct {
	Store *memory.Store
	Chat  llm.Completions

	Model              string
	ConsolidationModel string
	MaxTokens          int
	Temperature        float64

	Index     *memory.Index
	Embed     memory.EmbedFunc
	Weather   weather.Plugin
	Presenter Presenter
	Now       func() time.Time
}

// Session owns one companion conversation. Submit and UpdateMemory both
// rewrite short-term memory, so at most one of them runs at a time; a
// call made while another is in flight fails with ErrBusy.
type Session struct {
	opts Options
	busy sync.Mutex
}

func NewSession(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Index == nil {
		opts.Index = memory.NewIndex(nil, 0, memory.Thresholds{})
	}
	if opts.ConsolidationModel == "" {
		opts.ConsolidationModel = opts.Model
	}
	if opts.Presenter == nil {
		opts.Presenter = nopPresenter{}
	}
	return &Session{opts: opts}
}

func (s *Session) Store() *memory.Store { return s.opts.Store }

// Submit sends one user message and returns the reply. The user turn and
// every turn the protocol produced are persisted only when the turn
// completes.
func (s *Session) Submit(ctx context.Context, text string, onChunk func(string)) (*ConverseResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}
	if !s.busy.TryLock() {
		return nil, ErrBusy
	}
	defer s.busy.Unlock()

	store := s.opts.Store
	prior := store.ShortTermMemory()
	history := append(prior, memory.NewTurn(memory.RoleUser, text, s.opts.Now()))
	first, _ := store.FirstInteraction()

	s.opts.Presenter.ShowTip("...")
	res, err := Converse(ctx, ConverseRequest{
		Chat:              s.opts.Chat,
		Model:             s.opts.Model,
		MaxTokens:         s.opts.MaxTokens,
		Temperature:       s.opts.Temperature,
		History:           history,
		Profile:           store.Profile(),
		LongTerm:          store.LongTermMemory(),
		FirstInteraction:  first,
		Index:             s.opts.Index,
		Embed:             s.opts.Embed,
		Weather:           s.opts.Weather,
		AllowMemoryLookup: true,
		OnChunk:           onChunk,
		Now:               s.opts.Now,
	})
	if err != nil {
		s.fail(err)
		return nil, err
	}

	if err := store.AppendShortTermMemory(res.History[len(prior):]...); err != nil {
		s.fail(err)
		return nil, fmt.Errorf("save conversation: %w", err)
	}
	s.opts.Presenter.Hide(0)
	return res, nil
}

// UpdateMemory consolidates the whole short-term conversation into
// long-term memory and the two profiles.
func (s *Session) UpdateMemory(ctx context.Context) (*memory.Consolidation, error) {
	if !s.busy.TryLock() {
		return nil, ErrBusy
	}
	defer s.busy.Unlock()

	store := s.opts.Store
	batch := store.ShortTermMemory()
	if len(batch) == 0 {
		return nil, memory.ErrNothingToConsolidate
	}

	s.opts.Presenter.ShowTip("Updating memory...")
	profile := store.Profile()
	c, err := memory.Consolidate(ctx, s.opts.Chat, s.opts.ConsolidationModel, batch,
		profile.MemoryAboutSelf, profile.MemoryAboutUser, s.opts.Embed)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	if err := store.ApplyConsolidation(c); err != nil {
		s.fail(err)
		return nil, err
	}

	log.Printf("[companion] memory updated: %d turn(s) archived, %d new memories, %d tokens",
		len(c.Batch), len(c.NewMemories), c.Tokens)
	s.opts.Presenter.ShowTip("Memory updated.")
	s.opts.Presenter.Hide(tipLinger)
	return c, nil
}

// ShouldUpdateMemory reports whether the current conversation has gone
// quiet long enough to consolidate.
func (s *Session) ShouldUpdateMemory() bool {
	return s.opts.Store.ShouldUpdateMemory(s.opts.Now())
}

// RetrieveByDescription looks up long-term memories the way the get_memory
// tool does, without any exclusions.
func (s *Session) RetrieveByDescription(ctx context.Context, description string) ([]memory.ScoredMemory, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("empty description")
	}
	if s.opts.Embed == nil {
		return nil, errors.New("embedding is not configured")
	}
	vec := s.opts.Embed(ctx, description)
	if vec == nil {
		return nil, errors.New("embedding unavailable")
	}
	return s.opts.Index.Retrieve(ctx, vec, s.opts.Store.LongTermMemory(), nil), nil
}

func (s *Session) fail(err error) {
	log.Printf("[companion] %v", err)
	s.opts.Presenter.ShowTip(err.Error())
	s.opts.Presenter.Hide(tipLinger)
}
