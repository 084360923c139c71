// lyractl is the operator CLI: manual consolidation, personality
// snapshots, recency decay, conflict review and user purge, run against
// the same backing stores as the server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/spf13/cobra"

	"lyra-core/internal/analysis"
	"lyra-core/internal/config"
	"lyra-core/internal/consolidation"
	"lyra-core/internal/db"
	"lyra-core/internal/embedding"
	"lyra-core/internal/llm"
	"lyra-core/internal/logging"
	"lyra-core/internal/memory"
	"lyra-core/internal/personality"
	"lyra-core/internal/redisdb"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "lyractl",
	Short:        "Operate the lyra-core memory and personality stores",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $LYRA_CONFIG or config.json)")
	rootCmd.AddCommand(consolidateCmd, snapshotCmd, decayRecencyCmd, conflictsCmd, purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired services the commands draw on.
type app struct {
	cfg      *config.Config
	memories *memory.Manager
	persona  *personality.Manager
	runs     *consolidation.Store
	engine   *consolidation.Engine
}

func openApp() (*app, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("LYRA_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Setup("warn", true)

	gdb, err := db.Open(cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	rdb := redisdb.NewClient(cfg)

	qdrantClient, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
		UseTLS: cfg.Qdrant.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}

	embedder, err := embedding.NewClient(
		cfg.Embedding.URL,
		cfg.Embedding.APIKey,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
		time.Duration(cfg.Embedding.TimeoutSeconds)*time.Second,
		cfg.Embedding.CacheMaxCost,
	)
	if err != nil {
		return nil, err
	}

	analyzer := analysis.NewAnalyzer(llm.NewClient(
		cfg.Scoring.URL,
		cfg.Scoring.APIKey,
		cfg.Scoring.Model,
		time.Duration(cfg.Scoring.TimeoutSeconds)*time.Second,
	))

	vectorStore := memory.NewVectorStore(qdrantClient, cfg.Embedding.Dimensions)
	scorer := memory.NewImportanceScorer(analyzer, redisdb.NewScoreCache(rdb, time.Duration(cfg.Memory.ImportanceCacheTTLHours)*time.Hour))
	memories := memory.NewManager(vectorStore, embedder, scorer, nil, memory.Options{
		RetrieveLambda:         cfg.Memory.RetrieveLambda,
		RecencyDecayRate:       cfg.Memory.RecencyDecayRate,
		RetentionDays:          cfg.Memory.RetentionDays,
		RetentionImportanceMax: cfg.Memory.RetentionImportanceMax,
	})

	persona := personality.NewManager(personality.NewStore(gdb), analyzer, personality.Options{
		DriftRate:           cfg.Personality.DriftRate,
		QuirkIncrement:      cfg.Personality.QuirkIncrement,
		QuirkDecay:          cfg.Personality.QuirkDecay,
		QuirkStalenessDays:  cfg.Personality.QuirkStalenessDays,
		QuirkFloor:          cfg.Personality.QuirkFloor,
		QuirkMatchThreshold: cfg.Personality.QuirkMatchThreshold,
	})

	runs := consolidation.NewStore(gdb)
	engine := consolidation.NewEngine(runs, vectorStore, embedder, persona, analyzer, redisdb.NewLocker(rdb), consolidation.Options{
		Window:              time.Duration(cfg.Consolidation.WindowHours) * time.Hour,
		ClusterLambda:       cfg.Consolidation.ClusterLambda,
		MaxSeeds:            cfg.Consolidation.MaxSeeds,
		SimilarityThreshold: cfg.Consolidation.SimilarityThreshold,
		MinClusterSize:      cfg.Consolidation.MinClusterSize,
		ConflictThreshold:   cfg.Consolidation.ConflictThreshold,
		LockTTL:             time.Duration(cfg.Consolidation.LockTTLMinutes) * time.Minute,
	})

	return &app{cfg: cfg, memories: memories, persona: persona, runs: runs, engine: engine}, nil
}
