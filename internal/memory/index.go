package memory

import (
	"context"
	"log"
	"sort"
)

const (
	DefaultMaxCount        = 5
	DefaultSimilarityFloor = 0.6
	DefaultHighConfidence  = 0.7
)

// Thresholds control retrieval selection. Similarity must be strictly above
// Floor to surface at all; strictly above High counts as high confidence.
type Thresholds struct {
	Floor float64
	High  float64
}

var DefaultThresholds = Thresholds{Floor: DefaultSimilarityFloor, High: DefaultHighConfidence}

// Retrieve ranks corpus against query with the default thresholds.
// It never fails: unusable entries are skipped and no match yields nil.
func Retrieve(query []float32, corpus []LongTermMemory, maxCount int) []ScoredMemory {
	return Select(ScoreAll(query, corpus), maxCount, DefaultThresholds)
}

// ScoreAll computes cosine similarity for every entry whose vector is present
// and has the query's dimension.
func ScoreAll(query []float32, corpus []LongTermMemory) []ScoredMemory {
	if !usableVector(query) {
		return nil
	}
	scored := make([]ScoredMemory, 0, len(corpus))
	for _, m := range corpus {
		if len(m.Vector) != len(query) {
			continue
		}
		sim, err := CosineSimilarity(query, m.Vector)
		if err != nil {
			continue
		}
		scored = append(scored, ScoredMemory{LongTermMemory: m, Similarity: sim})
	}
	return scored
}

// Select applies the tiered policy:
//   - drop everything at or below th.Floor;
//   - if the high-confidence subset is non-empty and fits in maxCount, return it;
//   - else if everything above the floor fits, return that;
//   - else return the top maxCount.
//
// Output is ordered by similarity, descending.
func Select(scored []ScoredMemory, maxCount int, th Thresholds) []ScoredMemory {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}

	var above, high []ScoredMemory
	for _, s := range scored {
		if s.Similarity <= th.Floor {
			continue
		}
		above = append(above, s)
		if s.Similarity > th.High {
			high = append(high, s)
		}
	}
	sortBySimilarity(above)
	sortBySimilarity(high)

	switch {
	case len(high) > 0 && len(high) <= maxCount:
		return high
	case len(above) <= maxCount:
		return above
	default:
		return above[:maxCount]
	}
}

func sortBySimilarity(s []ScoredMemory) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Similarity > s[j].Similarity })
}

// Scorer computes similarities between a query and the eligible part of a
// corpus.
type Scorer interface {
	Score(ctx context.Context, query []float32, corpus []LongTermMemory) ([]ScoredMemory, error)
}

// LinearScorer is an exact scan over the corpus.
type LinearScorer struct{}

func (LinearScorer) Score(_ context.Context, query []float32, corpus []LongTermMemory) ([]ScoredMemory, error) {
	return ScoreAll(query, corpus), nil
}

// Index binds a scorer to selection settings.
type Index struct {
	scorer   Scorer
	maxCount int
	th       Thresholds
}

func NewIndex(scorer Scorer, maxCount int, th Thresholds) *Index {
	if scorer == nil {
		scorer = LinearScorer{}
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	if th.Floor <= 0 {
		th.Floor = DefaultSimilarityFloor
	}
	if th.High <= 0 {
		th.High = DefaultHighConfidence
	}
	return &Index{scorer: scorer, maxCount: maxCount, th: th}
}

// Retrieve scores the corpus minus excluded UUIDs and selects hits. Scorer
// errors fall back to the linear scan.
func (ix *Index) Retrieve(ctx context.Context, query []float32, corpus []LongTermMemory, exclude map[string]bool) []ScoredMemory {
	candidates := corpus
	if len(exclude) > 0 {
		candidates = make([]LongTermMemory, 0, len(corpus))
		for _, m := range corpus {
			if !exclude[m.UUID] {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	scored, err := ix.scorer.Score(ctx, query, candidates)
	if err != nil {
		log.Printf("[memory] scorer failed, falling back to linear scan: %v", err)
		scored = ScoreAll(query, candidates)
	}
	return Select(scored, ix.maxCount, ix.th)
}
