package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`
	Logging struct {
		Level   string `json:"level"`
		Console bool   `json:"console"`
	} `json:"logging"`
	Postgres struct {
		DSN string `json:"dsn"`
	} `json:"postgres"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	Qdrant struct {
		Host   string `json:"host"`
		Port   int    `json:"port"`
		APIKey string `json:"api_key"`
		UseTLS bool   `json:"use_tls"`
	} `json:"qdrant"`
	Embedding struct {
		URL            string `json:"url"`
		APIKey         string `json:"api_key"`
		Model          string `json:"model"`
		Dimensions     int    `json:"dimensions"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		CacheMaxCost   int64  `json:"cache_max_cost"`
	} `json:"embedding"`
	Scoring struct {
		URL            string `json:"url"`
		APIKey         string `json:"api_key"`
		Model          string `json:"model"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"scoring"`
	Memory struct {
		ImportanceCacheTTLHours int     `json:"importance_cache_ttl_hours"`
		RetrieveLambda          float64 `json:"retrieve_lambda"`
		RecencyDecayRate        float64 `json:"recency_decay_rate"`
		RetentionDays           int     `json:"retention_days"`
		RetentionImportanceMax  float64 `json:"retention_importance_max"`
	} `json:"memory"`
	Personality struct {
		DriftRate           float64 `json:"drift_rate"`
		QuirkIncrement      float64 `json:"quirk_increment"`
		QuirkDecay          float64 `json:"quirk_decay"`
		QuirkStalenessDays  int     `json:"quirk_staleness_days"`
		QuirkFloor          float64 `json:"quirk_floor"`
		QuirkMatchThreshold float64 `json:"quirk_match_threshold"`
	} `json:"personality"`
	Consolidation struct {
		Schedule            string  `json:"schedule"`
		RecencySchedule     string  `json:"recency_schedule"`
		RetentionSchedule   string  `json:"retention_schedule"`
		WindowHours         int     `json:"window_hours"`
		ClusterLambda       float64 `json:"cluster_lambda"`
		SimilarityThreshold float64 `json:"similarity_threshold"`
		MinClusterSize      int     `json:"min_cluster_size"`
		MaxSeeds            int     `json:"max_seeds"`
		ConflictThreshold   float64 `json:"conflict_threshold"`
		LockTTLMinutes      int     `json:"lock_ttl_minutes"`
		Workers             int     `json:"workers"`
	} `json:"consolidation"`
}

// Load reads and validates a config file. It is a pure function; callers own
// the returned struct and pass it down explicitly.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid config format: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8085
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 15
	}
	if c.Embedding.CacheMaxCost == 0 {
		c.Embedding.CacheMaxCost = 64 << 20
	}
	if c.Scoring.TimeoutSeconds == 0 {
		c.Scoring.TimeoutSeconds = 30
	}
	if c.Memory.ImportanceCacheTTLHours == 0 {
		c.Memory.ImportanceCacheTTLHours = 72
	}
	if c.Memory.RetrieveLambda == 0 {
		c.Memory.RetrieveLambda = 0.7
	}
	if c.Memory.RecencyDecayRate == 0 {
		c.Memory.RecencyDecayRate = 0.02
	}
	if c.Memory.RetentionDays == 0 {
		c.Memory.RetentionDays = 90
	}
	if c.Memory.RetentionImportanceMax == 0 {
		c.Memory.RetentionImportanceMax = 0.3
	}
	if c.Personality.DriftRate == 0 {
		c.Personality.DriftRate = 0.01
	}
	if c.Personality.QuirkIncrement == 0 {
		c.Personality.QuirkIncrement = 0.1
	}
	if c.Personality.QuirkDecay == 0 {
		c.Personality.QuirkDecay = 0.05
	}
	if c.Personality.QuirkStalenessDays == 0 {
		c.Personality.QuirkStalenessDays = 7
	}
	if c.Personality.QuirkFloor == 0 {
		c.Personality.QuirkFloor = 0.1
	}
	if c.Personality.QuirkMatchThreshold == 0 {
		c.Personality.QuirkMatchThreshold = 0.6
	}
	if c.Consolidation.Schedule == "" {
		c.Consolidation.Schedule = "0 3 * * *"
	}
	if c.Consolidation.RecencySchedule == "" {
		c.Consolidation.RecencySchedule = "0 * * * *"
	}
	if c.Consolidation.RetentionSchedule == "" {
		c.Consolidation.RetentionSchedule = "30 4 * * *"
	}
	if c.Consolidation.WindowHours == 0 {
		c.Consolidation.WindowHours = 48
	}
	if c.Consolidation.ClusterLambda == 0 {
		c.Consolidation.ClusterLambda = 0.3
	}
	if c.Consolidation.SimilarityThreshold == 0 {
		c.Consolidation.SimilarityThreshold = 0.55
	}
	if c.Consolidation.MinClusterSize == 0 {
		c.Consolidation.MinClusterSize = 3
	}
	if c.Consolidation.MaxSeeds == 0 {
		c.Consolidation.MaxSeeds = 8
	}
	if c.Consolidation.ConflictThreshold == 0 {
		c.Consolidation.ConflictThreshold = 0.7
	}
	if c.Consolidation.LockTTLMinutes == 0 {
		c.Consolidation.LockTTLMinutes = 30
	}
	if c.Consolidation.Workers == 0 {
		c.Consolidation.Workers = 4
	}
}

func (c *Config) validate() error {
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn must be set in config")
	}
	if c.Embedding.URL == "" {
		return errors.New("embedding.url must be set in config")
	}
	if c.Scoring.URL == "" {
		return errors.New("scoring.url must be set in config")
	}
	if c.Memory.RetrieveLambda < 0 || c.Memory.RetrieveLambda > 1 {
		return fmt.Errorf("memory.retrieve_lambda must be in [0,1], got %f", c.Memory.RetrieveLambda)
	}
	return nil
}
