package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemScorer delegates nearest-neighbour scoring to an in-process chromem
// database. Documents are kept in one collection per vector dimension and are
// synced with the corpus by UUID on every query.
type ChromemScorer struct {
	mu          sync.Mutex
	db          *chromem.DB
	collections map[int]*chromem.Collection
	dims        map[string]int // uuid -> dimension of its collection
}

func NewChromemScorer() *ChromemScorer {
	return &ChromemScorer{
		db:          chromem.NewDB(),
		collections: make(map[int]*chromem.Collection),
		dims:        make(map[string]int),
	}
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("long-term memories carry their own vectors")
}

func (s *ChromemScorer) collection(dim int) (*chromem.Collection, error) {
	if c, ok := s.collections[dim]; ok {
		return c, nil
	}
	c, err := s.db.CreateCollection("long-term-"+strconv.Itoa(dim), nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[dim] = c
	return c, nil
}

func (s *ChromemScorer) sync(ctx context.Context, corpus []LongTermMemory) error {
	want := make(map[string]LongTermMemory, len(corpus))
	for _, m := range corpus {
		if m.UUID == "" || !usableVector(m.Vector) {
			continue
		}
		want[m.UUID] = m
	}

	for id, dim := range s.dims {
		if _, ok := want[id]; ok {
			continue
		}
		if err := s.collections[dim].Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		delete(s.dims, id)
	}

	for id, m := range want {
		if _, ok := s.dims[id]; ok {
			continue
		}
		col, err := s.collection(len(m.Vector))
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        id,
			Content:   m.Summary,
			Embedding: append([]float32(nil), m.Vector...),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add %s: %w", id, err)
		}
		s.dims[id] = len(m.Vector)
	}
	return nil
}

func (s *ChromemScorer) Score(ctx context.Context, query []float32, corpus []LongTermMemory) ([]ScoredMemory, error) {
	if !usableVector(query) {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx, corpus); err != nil {
		return nil, err
	}
	col, ok := s.collections[len(query)]
	if !ok || col.Count() == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, query, col.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	byID := make(map[string]LongTermMemory, len(corpus))
	for _, m := range corpus {
		byID[m.UUID] = m
	}
	scored := make([]ScoredMemory, 0, len(results))
	for _, r := range results {
		m, ok := byID[r.ID]
		if !ok {
			continue
		}
		scored = append(scored, ScoredMemory{LongTermMemory: m, Similarity: float64(r.Similarity)})
	}
	return scored, nil
}
