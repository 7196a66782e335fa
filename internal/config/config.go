package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.8
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 18790
	DefaultBufSize     = 100

	DefaultSelfName        = "Companion"
	DefaultUserName        = "User"
	DefaultMemoryAboutSelf = "I am a cheerful virtual companion who lives on the user's desktop and enjoys chatting with them."
	DefaultMemoryAboutUser = ""

	StorageSQLite = "sqlite"
	StorageBolt   = "bolt"

	IndexLinear  = "linear"
	IndexChromem = "chromem"

	DefaultRetrieveLimit          = 5
	DefaultSimilarityFloor        = 0.6
	DefaultHighConfidence         = 0.7
	DefaultMemoryUpdateAfter      = "8h"
	DefaultMemoryAutoUpdate       = "0 */10 * * * *"
	DefaultEmbeddingProvider      = "api"
	DefaultEmbeddingModel         = "text-embedding-3-small"
	DefaultMemoryEmbeddingTimeout = 15000
	DefaultEmbeddingCacheSize     = 1024

	DefaultWeatherBaseURL = "https://api.openweathermap.org"
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Agent    AgentConfig    `json:"agent"`
	Profile  ProfileConfig  `json:"profile"`
	Memory   MemoryConfig   `json:"memory"`
	Plugins  PluginsConfig  `json:"plugins"`
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AgentConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

// ProfileConfig holds the values ResetAllMemory restores.
type ProfileConfig struct {
	SelfName        string `json:"selfName"`
	UserName        string `json:"userName"`
	MemoryAboutSelf string `json:"memoryAboutSelf"`
	MemoryAboutUser string `json:"memoryAboutUser"`
}

type MemoryConfig struct {
	Storage         string          `json:"storage"`
	DBPath          string          `json:"dbPath,omitempty"`
	Index           string          `json:"index"`
	Model           string          `json:"model,omitempty"`
	RetrieveLimit   int             `json:"retrieveLimit"`
	SimilarityFloor float64         `json:"similarityFloor"`
	HighConfidence  float64         `json:"highConfidence"`
	UpdateAfter     string          `json:"updateAfter"`
	AutoUpdate      string          `json:"autoUpdate,omitempty"`
	Embedding       EmbeddingConfig `json:"embedding"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "api" (default) or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	CacheSize int    `json:"cacheSize,omitempty"`
}

type PluginsConfig struct {
	Weather WeatherConfig `json:"weather"`
}

type WeatherConfig struct {
	APIKey   string `json:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
	Location string `json:"location,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ChannelsConfig struct {
	WebUI    WebUIConfig    `json:"webui"`
	Telegram TelegramConfig `json:"telegram"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Profile: ProfileConfig{
			SelfName:        DefaultSelfName,
			UserName:        DefaultUserName,
			MemoryAboutSelf: DefaultMemoryAboutSelf,
			MemoryAboutUser: DefaultMemoryAboutUser,
		},
		Memory: MemoryConfig{
			Storage:         StorageSQLite,
			Index:           IndexLinear,
			RetrieveLimit:   DefaultRetrieveLimit,
			SimilarityFloor: DefaultSimilarityFloor,
			HighConfidence:  DefaultHighConfidence,
			UpdateAfter:     DefaultMemoryUpdateAfter,
			AutoUpdate:      DefaultMemoryAutoUpdate,
			Embedding: EmbeddingConfig{
				Provider:  DefaultEmbeddingProvider,
				Model:     DefaultEmbeddingModel,
				TimeoutMs: DefaultMemoryEmbeddingTimeout,
				CacheSize: DefaultEmbeddingCacheSize,
			},
		},
		Plugins: PluginsConfig{
			Weather: WeatherConfig{BaseURL: DefaultWeatherBaseURL},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Enabled: true},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".companion")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// MemoryDBPath resolves the persistence file for the configured backend.
func (c *Config) MemoryDBPath() string {
	if p := strings.TrimSpace(c.Memory.DBPath); p != "" {
		return p
	}
	name := "memory.db"
	if c.Memory.Storage == StorageBolt {
		name = "memory.bolt"
	}
	return filepath.Join(ConfigDir(), "data", name)
}

// UpdateThreshold parses Memory.UpdateAfter, falling back to 8h.
func (c *Config) UpdateThreshold() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Memory.UpdateAfter))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultMemoryUpdateAfter)
	}
	return d
}

// ConsolidationModel is the model used for memory updates.
func (c *Config) ConsolidationModel() string {
	if m := strings.TrimSpace(c.Memory.Model); m != "" {
		return m
	}
	return c.Agent.Model
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("COMPANION_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("COMPANION_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("COMPANION_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if storage := os.Getenv("COMPANION_MEMORY_STORAGE"); storage != "" {
		cfg.Memory.Storage = strings.ToLower(storage)
	}
	if dbPath := os.Getenv("COMPANION_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if index := os.Getenv("COMPANION_MEMORY_INDEX"); index != "" {
		cfg.Memory.Index = strings.ToLower(index)
	}
	if model := os.Getenv("COMPANION_MEMORY_MODEL"); model != "" {
		cfg.Memory.Model = model
	}
	if after := os.Getenv("COMPANION_MEMORY_UPDATE_AFTER"); after != "" {
		cfg.Memory.UpdateAfter = after
	}
	if limit := os.Getenv("COMPANION_MEMORY_RETRIEVE_LIMIT"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			cfg.Memory.RetrieveLimit = parsed
		}
	}
	if key := os.Getenv("COMPANION_EMBEDDING_API_KEY"); key != "" {
		cfg.Memory.Embedding.APIKey = key
	}
	if url := os.Getenv("COMPANION_EMBEDDING_BASE_URL"); url != "" {
		cfg.Memory.Embedding.BaseURL = url
	}
	if model := os.Getenv("COMPANION_EMBEDDING_MODEL"); model != "" {
		cfg.Memory.Embedding.Model = model
	}
	if key := os.Getenv("COMPANION_WEATHER_API_KEY"); key != "" {
		cfg.Plugins.Weather.APIKey = key
	}
	if token := os.Getenv("COMPANION_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if cfg.Memory.Storage == "" {
		cfg.Memory.Storage = StorageSQLite
	}
	if cfg.Memory.Index == "" {
		cfg.Memory.Index = IndexLinear
	}
	if cfg.Memory.RetrieveLimit <= 0 {
		cfg.Memory.RetrieveLimit = DefaultRetrieveLimit
	}
	if cfg.Memory.SimilarityFloor <= 0 {
		cfg.Memory.SimilarityFloor = DefaultSimilarityFloor
	}
	if cfg.Memory.HighConfidence <= 0 {
		cfg.Memory.HighConfidence = DefaultHighConfidence
	}
	if cfg.Memory.UpdateAfter == "" {
		cfg.Memory.UpdateAfter = DefaultMemoryUpdateAfter
	}
	if cfg.Memory.Embedding.TimeoutMs <= 0 {
		cfg.Memory.Embedding.TimeoutMs = DefaultMemoryEmbeddingTimeout
	}
	if cfg.Plugins.Weather.BaseURL == "" {
		cfg.Plugins.Weather.BaseURL = DefaultWeatherBaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Memory.Storage {
	case StorageSQLite, StorageBolt:
	default:
		return fmt.Errorf("invalid memory.storage %q (want %s or %s)", c.Memory.Storage, StorageSQLite, StorageBolt)
	}
	switch c.Memory.Index {
	case IndexLinear, IndexChromem:
	default:
		return fmt.Errorf("invalid memory.index %q (want %s or %s)", c.Memory.Index, IndexLinear, IndexChromem)
	}
	if c.Memory.HighConfidence < c.Memory.SimilarityFloor {
		return fmt.Errorf("memory.highConfidence %.2f below similarityFloor %.2f", c.Memory.HighConfidence, c.Memory.SimilarityFloor)
	}
	if _, err := time.ParseDuration(c.Memory.UpdateAfter); err != nil {
		return fmt.Errorf("invalid memory.updateAfter %q: %w", c.Memory.UpdateAfter, err)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
