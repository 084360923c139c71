package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"lyra-core/internal/analysis"
	"lyra-core/internal/api"
	"lyra-core/internal/config"
	"lyra-core/internal/consolidation"
	"lyra-core/internal/db"
	"lyra-core/internal/embedding"
	"lyra-core/internal/llm"
	"lyra-core/internal/logging"
	"lyra-core/internal/memory"
	"lyra-core/internal/personality"
	"lyra-core/internal/redisdb"
	"lyra-core/internal/scheduler"
)

const deferredQueueKey = "lyra:deferred-stores"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lyra-core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("LYRA_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Console)

	gdb, err := db.Open(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	rdb := redisdb.NewClient(cfg)

	qdrantClient, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
		UseTLS: cfg.Qdrant.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("connect to qdrant: %w", err)
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
		return err
	}

	scoringClient := llm.NewClient(
		cfg.Scoring.URL,
		cfg.Scoring.APIKey,
		cfg.Scoring.Model,
		time.Duration(cfg.Scoring.TimeoutSeconds)*time.Second,
	)
	analyzer := analysis.NewAnalyzer(scoringClient)

	scoreCache := redisdb.NewScoreCache(rdb, time.Duration(cfg.Memory.ImportanceCacheTTLHours)*time.Hour)
	scorer := memory.NewImportanceScorer(analyzer, scoreCache)

	vectorStore := memory.NewVectorStore(qdrantClient, cfg.Embedding.Dimensions)
	deferredQueue := redisdb.NewQueue(rdb, deferredQueueKey)
	deferredWriter := memory.NewDeferredWriter(deferredQueue, vectorStore, embedder)
	memories := memory.NewManager(vectorStore, embedder, scorer, deferredWriter, memory.Options{
		RetrieveLambda:         cfg.Memory.RetrieveLambda,
		RecencyDecayRate:       cfg.Memory.RecencyDecayRate,
		RetentionDays:          cfg.Memory.RetentionDays,
		RetentionImportanceMax: cfg.Memory.RetentionImportanceMax,
	})

	personaStore := personality.NewStore(gdb)
	persona := personality.NewManager(personaStore, analyzer, personality.Options{
		DriftRate:           cfg.Personality.DriftRate,
		QuirkIncrement:      cfg.Personality.QuirkIncrement,
		QuirkDecay:          cfg.Personality.QuirkDecay,
		QuirkStalenessDays:  cfg.Personality.QuirkStalenessDays,
		QuirkFloor:          cfg.Personality.QuirkFloor,
		QuirkMatchThreshold: cfg.Personality.QuirkMatchThreshold,
	})

	runStore := consolidation.NewStore(gdb)
	engine := consolidation.NewEngine(runStore, vectorStore, embedder, persona, analyzer, redisdb.NewLocker(rdb), consolidation.Options{
		Window:              time.Duration(cfg.Consolidation.WindowHours) * time.Hour,
		ClusterLambda:       cfg.Consolidation.ClusterLambda,
		MaxSeeds:            cfg.Consolidation.MaxSeeds,
		SimilarityThreshold: cfg.Consolidation.SimilarityThreshold,
		MinClusterSize:      cfg.Consolidation.MinClusterSize,
		ConflictThreshold:   cfg.Consolidation.ConflictThreshold,
		LockTTL:             time.Duration(cfg.Consolidation.LockTTLMinutes) * time.Minute,
	})

	sched, err := scheduler.New(persona, engine, memories, scheduler.Options{
		ConsolidationSpec: cfg.Consolidation.Schedule,
		RecencySpec:       cfg.Consolidation.RecencySchedule,
		RetentionSpec:     cfg.Consolidation.RetentionSchedule,
		Workers:           cfg.Consolidation.Workers,
	})
	if err != nil {
		return fmt.Errorf("schedule background jobs: %w", err)
	}

	deferredWriter.Start()
	sched.Start()

	idem := redisdb.NewIdempotencyCache(rdb, 24*time.Hour)
	handlers := api.NewHandlers(memories, persona, runStore, engine, idem)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.SetupRouter(handlers),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("lyra-core listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	sched.Stop()
	deferredWriter.Stop()
	return nil
}
