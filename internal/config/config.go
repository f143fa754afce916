package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultReflectionModel  = "gpt-4o-mini"
	DefaultClaimsModel      = "gpt-4o-mini"
	DefaultMaxTokens        = 4096
	DefaultEmbeddingModel   = "text-embedding-3-small"
	DefaultEmbeddingTimeout = 15000

	DefaultNeighborCount      = 10
	DefaultAssociativeMin     = 0.78
	DefaultStructuralMin      = 0.85
	DefaultDecayFactor        = 0.995
	DefaultDecayFloor         = 0.01
	DefaultDecayInterval      = "1h"
	DefaultSnapshotInterval   = "10m"
	DefaultReflectionInterval = "5m"
	DefaultReflectionMinHeat  = 2
	DefaultReflectionCluster  = 5
	DefaultSearchResultCount  = 5
)

type Config struct {
	Workspace  string           `json:"workspace"`
	Provider   ProviderConfig   `json:"provider"`
	Models     ModelsConfig     `json:"models"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Graph      GraphConfig      `json:"graph"`
	Reflection ReflectionConfig `json:"reflection"`
	Search     SearchConfig     `json:"search"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ModelsConfig struct {
	Reflection       string `json:"reflection"`
	ReflectionBackup string `json:"reflectionBackup,omitempty"`
	Claims           string `json:"claims"`
	MaxTokens        int    `json:"maxTokens,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "api" (default) or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type GraphConfig struct {
	SnapshotPath     string  `json:"snapshotPath,omitempty"`
	NeighborCount    int     `json:"neighborCount,omitempty"`
	AssociativeMin   float64 `json:"associativeMin,omitempty"`
	StructuralMin    float64 `json:"structuralMin,omitempty"`
	DecayFactor      float64 `json:"decayFactor,omitempty"`
	DecayFloor       float64 `json:"decayFloor,omitempty"`
	DecayInterval    string  `json:"decayInterval,omitempty"`
	SnapshotInterval string  `json:"snapshotInterval,omitempty"`
}

type ReflectionConfig struct {
	Interval    string `json:"interval,omitempty"`
	MinHeat     int    `json:"minHeat,omitempty"`
	ClusterSize int    `json:"clusterSize,omitempty"`
}

type SearchConfig struct {
	ResultCount int `json:"resultCount,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	ws := filepath.Join(home, ".mindgraph")
	return &Config{
		Workspace: ws,
		Provider:  ProviderConfig{},
		Models: ModelsConfig{
			Reflection: DefaultReflectionModel,
			Claims:     DefaultClaimsModel,
			MaxTokens:  DefaultMaxTokens,
		},
		Embedding: EmbeddingConfig{
			Model:     DefaultEmbeddingModel,
			TimeoutMs: DefaultEmbeddingTimeout,
		},
		Graph: GraphConfig{
			SnapshotPath:     filepath.Join(ws, "mind_graph.json"),
			NeighborCount:    DefaultNeighborCount,
			AssociativeMin:   DefaultAssociativeMin,
			StructuralMin:    DefaultStructuralMin,
			DecayFactor:      DefaultDecayFactor,
			DecayFloor:       DefaultDecayFloor,
			DecayInterval:    DefaultDecayInterval,
			SnapshotInterval: DefaultSnapshotInterval,
		},
		Reflection: ReflectionConfig{
			Interval:    DefaultReflectionInterval,
			MinHeat:     DefaultReflectionMinHeat,
			ClusterSize: DefaultReflectionCluster,
		},
		Search: SearchConfig{
			ResultCount: DefaultSearchResultCount,
		},
	}
}

// DBPath is the canonical store sqlite file inside the workspace.
func (c *Config) DBPath() string {
	return filepath.Join(c.Workspace, "memory.db")
}

// VectorPath is the chromem persistence directory inside the workspace.
func (c *Config) VectorPath() string {
	return filepath.Join(c.Workspace, "vectors")
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mindgraph")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
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
	if key := os.Getenv("MINDGRAPH_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("MINDGRAPH_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if ws := os.Getenv("MINDGRAPH_WORKSPACE"); ws != "" {
		cfg.Workspace = ws
	}
	if model := os.Getenv("MINDGRAPH_REFLECTION_MODEL"); model != "" {
		cfg.Models.Reflection = model
	}
	if model := os.Getenv("MINDGRAPH_CLAIMS_MODEL"); model != "" {
		cfg.Models.Claims = model
	}
	if interval := os.Getenv("MINDGRAPH_REFLECTION_INTERVAL"); interval != "" {
		cfg.Reflection.Interval = interval
	}
	if minHeat := os.Getenv("MINDGRAPH_REFLECTION_MIN_HEAT"); minHeat != "" {
		if parsed, err := strconv.Atoi(minHeat); err == nil {
			cfg.Reflection.MinHeat = parsed
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.Models.Reflection == "" {
		cfg.Models.Reflection = DefaultReflectionModel
	}
	if cfg.Models.Claims == "" {
		cfg.Models.Claims = DefaultClaimsModel
	}
	if cfg.Models.MaxTokens <= 0 {
		cfg.Models.MaxTokens = DefaultMaxTokens
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultEmbeddingModel
	}
	if cfg.Embedding.TimeoutMs <= 0 {
		cfg.Embedding.TimeoutMs = DefaultEmbeddingTimeout
	}
	if cfg.Graph.SnapshotPath == "" {
		cfg.Graph.SnapshotPath = filepath.Join(cfg.Workspace, "mind_graph.json")
	}
	if cfg.Graph.NeighborCount <= 0 {
		cfg.Graph.NeighborCount = DefaultNeighborCount
	}
	if cfg.Graph.AssociativeMin <= 0 {
		cfg.Graph.AssociativeMin = DefaultAssociativeMin
	}
	if cfg.Graph.StructuralMin <= 0 {
		cfg.Graph.StructuralMin = DefaultStructuralMin
	}
	if cfg.Graph.DecayFactor <= 0 || cfg.Graph.DecayFactor >= 1 {
		cfg.Graph.DecayFactor = DefaultDecayFactor
	}
	if cfg.Graph.DecayFloor <= 0 {
		cfg.Graph.DecayFloor = DefaultDecayFloor
	}
	if cfg.Graph.DecayInterval == "" {
		cfg.Graph.DecayInterval = DefaultDecayInterval
	}
	if cfg.Graph.SnapshotInterval == "" {
		cfg.Graph.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Reflection.Interval == "" {
		cfg.Reflection.Interval = DefaultReflectionInterval
	}
	if cfg.Reflection.MinHeat <= 0 {
		cfg.Reflection.MinHeat = DefaultReflectionMinHeat
	}
	if cfg.Reflection.ClusterSize <= 0 {
		cfg.Reflection.ClusterSize = DefaultReflectionCluster
	}
	if cfg.Search.ResultCount <= 0 {
		cfg.Search.ResultCount = DefaultSearchResultCount
	}
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
