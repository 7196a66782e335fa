package gateway

import (
	"fmt"
	"log"

	"github.com/stellarlinkco/companion/internal/companion"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/kv"
	"github.com/stellarlinkco/companion/internal/llm"
	"github.com/stellarlinkco/companion/internal/memory"
	"github.com/stellarlinkco/companion/internal/weather"
)

// Core is the persistent memory side of the companion: storage, the
// similarity index and the embedder. It needs no chat credentials, so the
// memory CLI commands open it on their own.
type Core struct {
	cfg      *config.Config
	kv       kv.Store
	Store    *memory.Store
	Index    *memory.Index
	Embed    memory.EmbedFunc
	embedder memory.Embedder
}

func OpenCore(cfg *config.Config) (*Core, error) {
	backing, err := kv.Open(cfg.Memory.Storage, cfg.MemoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open memory storage: %w", err)
	}

	defaults := memory.Profile{
		SelfName:        cfg.Profile.SelfName,
		UserName:        cfg.Profile.UserName,
		MemoryAboutSelf: cfg.Profile.MemoryAboutSelf,
		MemoryAboutUser: cfg.Profile.MemoryAboutUser,
	}
	store, err := memory.NewStore(backing, defaults, cfg.UpdateThreshold())
	if err != nil {
		_ = backing.Close()
		return nil, fmt.Errorf("load memory: %w", err)
	}

	var scorer memory.Scorer
	if cfg.Memory.Index == config.IndexChromem {
		scorer = memory.NewChromemScorer()
	}
	index := memory.NewIndex(scorer, cfg.Memory.RetrieveLimit, memory.Thresholds{
		Floor: cfg.Memory.SimilarityFloor,
		High:  cfg.Memory.HighConfidence,
	})

	embedder := memory.NewEmbedder(cfg)
	return &Core{
		cfg:      cfg,
		kv:       backing,
		Store:    store,
		Index:    index,
		Embed:    memory.SoftEmbed(embedder),
		embedder: embedder,
	}, nil
}

// NewSession binds a conversation to this memory. Weather is attached when
// the plugin is configured.
func (c *Core) NewSession(chat llm.Completions, presenter companion.Presenter) *companion.Session {
	opts := companion.Options{
		Store:              c.Store,
		Chat:               chat,
		Model:              c.cfg.Agent.Model,
		ConsolidationModel: c.cfg.ConsolidationModel(),
		MaxTokens:          c.cfg.Agent.MaxTokens,
		Temperature:        c.cfg.Agent.Temperature,
		Index:              c.Index,
		Embed:              c.Embed,
		Presenter:          presenter,
	}
	if w := weather.New(c.cfg.Plugins.Weather); w != nil {
		opts.Weather = w
	}
	return companion.NewSession(opts)
}

func (c *Core) Close() error {
	if cached, ok := c.embedder.(*memory.CachedEmbedder); ok {
		cached.Close()
	}
	if err := c.kv.Close(); err != nil {
		log.Printf("[gateway] close memory storage warning: %v", err)
		return err
	}
	return nil
}
