// Package scheduler wires the background cadences: nightly consolidation,
// hourly recency decay and daily retention cleanup. Each sweep walks every
// initialized user through a bounded worker pool; one user's failure never
// stops the sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"lyra-core/internal/consolidation"
)

const sweepTimeout = 2 * time.Hour

// UserLister enumerates users for a sweep. Satisfied by
// *personality.Manager.
type UserLister interface {
	Users(ctx context.Context) ([]string, error)
}

// Consolidator runs one user's nightly pass. Satisfied by
// *consolidation.Engine.
type Consolidator interface {
	RunForUser(ctx context.Context, userID string) (*consolidation.Run, error)
}

// MemoryMaintainer covers the scheduled memory upkeep. Satisfied by
// *memory.Manager.
type MemoryMaintainer interface {
	RefreshRecency(ctx context.Context, userID string) (int, error)
	EnforceRetention(ctx context.Context, userID string) (int, error)
}

// Options carries the cron expressions and pool size from config.
type Options struct {
	ConsolidationSpec string
	RecencySpec       string
	RetentionSpec     string
	Workers           int
}

type Scheduler struct {
	cron     *cron.Cron
	users    UserLister
	engine   Consolidator
	memories MemoryMaintainer
	workers  int
}

// New registers the three sweeps on their cron specs. Call Start to begin.
func New(users UserLister, engine Consolidator, memories MemoryMaintainer, opts Options) (*Scheduler, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	s := &Scheduler{
		cron:     cron.New(),
		users:    users,
		engine:   engine,
		memories: memories,
		workers:  opts.Workers,
	}

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"consolidation", opts.ConsolidationSpec, s.ConsolidateAll},
		{"recency-decay", opts.RecencySpec, s.RefreshRecencyAll},
		{"retention", opts.RetentionSpec, s.EnforceRetentionAll},
	}
	for _, job := range jobs {
		fn := job.fn
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			fn(ctx)
		}); err != nil {
			return nil, err
		}
		log.Info().Str("component", "scheduler").Str("job", job.name).Str("spec", job.spec).Msg("job scheduled")
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ConsolidateAll runs the nightly consolidation pass for every user.
func (s *Scheduler) ConsolidateAll(ctx context.Context) {
	s.sweep(ctx, "consolidation", func(ctx context.Context, userID string) error {
		_, err := s.engine.RunForUser(ctx, userID)
		return err
	})
}

// RefreshRecencyAll recomputes recency scores for every user.
func (s *Scheduler) RefreshRecencyAll(ctx context.Context) {
	s.sweep(ctx, "recency-decay", func(ctx context.Context, userID string) error {
		_, err := s.memories.RefreshRecency(ctx, userID)
		return err
	})
}

// EnforceRetentionAll deletes expired low-importance episodic memories
// for every user.
func (s *Scheduler) EnforceRetentionAll(ctx context.Context) {
	s.sweep(ctx, "retention", func(ctx context.Context, userID string) error {
		_, err := s.memories.EnforceRetention(ctx, userID)
		return err
	})
}

// sweep applies fn to every user with at most workers in flight. Users
// never contend with each other, so the pool only bounds load on the
// shared dependencies.
func (s *Scheduler) sweep(ctx context.Context, name string, fn func(ctx context.Context, userID string) error) {
	start := time.Now()
	users, err := s.users.Users(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Str("job", name).Msg("user listing failed, sweep aborted")
		return
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	sem := make(chan struct{}, s.workers)
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, userID); err != nil {
				log.Error().Err(err).Str("component", "scheduler").Str("job", name).Str("user_id", userID).Msg("sweep step failed")
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(userID)
	}
	wg.Wait()

	log.Info().
		Str("component", "scheduler").
		Str("job", name).
		Int("users", len(users)).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("sweep finished")
}
