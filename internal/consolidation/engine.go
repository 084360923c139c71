package consolidation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"lyra-core/internal/analysis"
	"lyra-core/internal/embedding"
	"lyra-core/internal/lyraerr"
	"lyra-core/internal/memory"
	"lyra-core/internal/metrics"
	"lyra-core/internal/personality"
)

// MemoryStore is the slice of the vector store consolidation drives.
// Satisfied by *memory.VectorStore.
type MemoryStore interface {
	UnconsolidatedSince(ctx context.Context, userID string, since time.Time, limit int) ([]memory.Memory, error)
	Insert(ctx context.Context, m *memory.Memory) error
	MarkConsolidated(ctx context.Context, userID string, ids []string) error
	Search(ctx context.Context, q memory.ScopedQuery) ([]memory.ScoredMemory, error)
}

// PersonalityService is the nightly personality surface. Satisfied by
// *personality.Manager.
type PersonalityService interface {
	ApplyBaselineDrift(ctx context.Context, userID string) (*personality.State, error)
	EvolveQuirks(ctx context.Context, userID string, transcript []string) (*personality.QuirkEvolution, error)
	DecayNeeds(ctx context.Context, userID string) (int, error)
	Traits(ctx context.Context, userID string) (personality.BigFive, error)
}

// Analyzer covers the two structured-analysis calls consolidation makes.
// Satisfied by *analysis.Analyzer.
type Analyzer interface {
	Text(ctx context.Context, tmpl analysis.Template, data interface{}) (string, error)
	JSON(ctx context.Context, tmpl analysis.Template, data interface{}, out interface{}) error
}

// Embedder embeds the semantic summaries.
type Embedder interface {
	EmbedOne(ctx context.Context, text string, intent embedding.Intent) ([]float32, error)
}

// Locker is the per-user in-progress marker. Satisfied by *redisdb.Locker.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

// Options carries the engine's tuning knobs.
type Options struct {
	Window              time.Duration
	ClusterLambda       float64
	MaxSeeds            int
	SimilarityThreshold float64
	MinClusterSize      int
	ConflictThreshold   float64
	ConflictCandidates  int
	LockTTL             time.Duration
	FetchLimit          int
}

// Engine runs the nightly per-user consolidation pass: cluster recent
// episodic memories, fold each sufficiently large cluster into one
// semantic memory, then let the personality drift, evolve quirks, decay
// needs and flag contradictions. Idempotent across reruns because
// consolidated sources are excluded from the next fetch.
type Engine struct {
	runs     *Store
	memories MemoryStore
	embedder Embedder
	persona  PersonalityService
	analyzer Analyzer
	locks    Locker
	opts     Options

	// user_id -> context.CancelFunc for in-flight runs.
	running sync.Map
}

func NewEngine(runs *Store, memories MemoryStore, embedder Embedder, persona PersonalityService, analyzer Analyzer, locks Locker, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = 48 * time.Hour
	}
	if opts.ClusterLambda <= 0 {
		opts.ClusterLambda = 0.3
	}
	if opts.MaxSeeds <= 0 {
		opts.MaxSeeds = 8
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.55
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = 3
	}
	if opts.ConflictThreshold <= 0 {
		opts.ConflictThreshold = 0.7
	}
	if opts.ConflictCandidates <= 0 {
		opts.ConflictCandidates = 5
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 4096
	}
	return &Engine{
		runs:     runs,
		memories: memories,
		embedder: embedder,
		persona:  persona,
		analyzer: analyzer,
		locks:    locks,
		opts:     opts,
	}
}

// RunForUser executes one consolidation pass. If another run holds the
// user's marker the pass is skipped and (nil, nil) is returned. The
// returned Run carries the terminal status and counters; on failure the
// error is returned alongside the failed Run.
func (e *Engine) RunForUser(ctx context.Context, userID string) (*Run, error) {
	if userID == "" {
		return nil, lyraerr.Validation("user_id", "must not be empty")
	}

	release, ok, err := e.locks.Acquire(ctx, lockKey(userID), e.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info().Str("user_id", userID).Msg("consolidation already in progress, skipping")
		metrics.ConsolidationRuns.WithLabelValues("skipped").Inc()
		return nil, nil
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	e.running.Store(userID, cancel)
	defer func() {
		cancel()
		e.running.Delete(userID)
	}()

	run := &Run{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Str("run_id", run.ID).Msg("consolidation started")

	runErr := e.consolidate(ctx, run)

	now := time.Now()
	run.FinishedAt = &now
	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = StatusCompleted
	}
	// The terminal write must land even when the run was cancelled.
	if err := e.runs.FinishRun(context.Background(), run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("failed to record run outcome")
	}

	metrics.ConsolidationRuns.WithLabelValues(run.Status).Inc()
	metrics.ConsolidationDuration.Observe(now.Sub(run.StartedAt).Seconds())
	log.Info().
		Str("user_id", userID).
		Str("run_id", run.ID).
		Str("status", run.Status).
		Int("episodics", run.EpisodicsExamined).
		Int("clusters", run.ClustersFormed).
		Int("semantics", run.SemanticsCreated).
		Int("conflicts", run.ConflictsFlagged).
		Msg("consolidation finished")
	return run, runErr
}

// Cancel aborts the user's in-flight run, if any. Called when a user is
// deleted mid-consolidation; the run exits at its next checkpoint.
func (e *Engine) Cancel(userID string) {
	if cancel, ok := e.running.Load(userID); ok {
		cancel.(context.CancelFunc)()
	}
}

func (e *Engine) consolidate(ctx context.Context, run *Run) error {
	userID := run.UserID
	since := time.Now().Add(-e.opts.Window)

	episodics, err := e.memories.UnconsolidatedSince(ctx, userID, since, e.opts.FetchLimit)
	if err != nil {
		return err
	}
	run.EpisodicsExamined = len(episodics)

	var created []memory.Memory
	if len(episodics) >= e.opts.MinClusterSize {
		for _, cluster := range e.cluster(episodics) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(cluster) < e.opts.MinClusterSize {
				continue
			}
			run.ClustersFormed++

			semantic, err := e.summarize(ctx, userID, cluster)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).
					Str("user_id", userID).
					Int("members", len(cluster)).
					Msg("cluster consolidation failed, sources stay eligible")
				continue
			}
			created = append(created, *semantic)
			run.SemanticsCreated++
			metrics.SemanticMemoriesCreated.Inc()
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Personality follows memory. A user with memories but no initialized
	// personality skips these steps.
	if _, err := e.persona.ApplyBaselineDrift(ctx, userID); err != nil {
		if !lyraerr.IsNotFound(err) {
			return err
		}
		log.Debug().Str("user_id", userID).Msg("no personality state, skipping drift and quirks")
	} else {
		if _, err := e.persona.EvolveQuirks(ctx, userID, agentLines(episodics)); err != nil {
			return err
		}
		if _, err := e.persona.DecayNeeds(ctx, userID); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	flagged, err := e.detectConflicts(ctx, userID, created)
	run.ConflictsFlagged = flagged
	return err
}

// cluster picks mutually distinct seeds with diversity-weighted MMR and
// groups every other memory to its nearest seed above the similarity
// threshold. Memories near no seed stay unclustered and unconsolidated.
// The first member of each group is its seed.
func (e *Engine) cluster(episodics []memory.Memory) [][]memory.Memory {
	candidates := make([]memory.Candidate, len(episodics))
	for i, m := range episodics {
		candidates[i] = memory.Candidate{
			Vector:    m.Embedding,
			Relevance: m.Importance,
			CreatedAt: m.CreatedAt,
		}
	}
	seeds := memory.RankMMR(candidates, e.opts.MaxSeeds, e.opts.ClusterLambda)

	groups := make([][]memory.Memory, len(seeds))
	seedSlot := make(map[int]int, len(seeds))
	for slot, idx := range seeds {
		seedSlot[idx] = slot
		groups[slot] = []memory.Memory{episodics[idx]}
	}

	for i := range episodics {
		if _, isSeed := seedSlot[i]; isSeed {
			continue
		}
		best, bestSim := -1, 0.0
		for slot, idx := range seeds {
			if sim := memory.CosineSimilarity(episodics[i].Embedding, episodics[idx].Embedding); sim > bestSim {
				best, bestSim = slot, sim
			}
		}
		if best >= 0 && bestSim >= e.opts.SimilarityThreshold {
			groups[best] = append(groups[best], episodics[i])
		}
	}
	return groups
}

// summarize folds one cluster into a semantic memory and marks the
// sources. Sources are marked only after the semantic row is written, so
// a failed insert leaves them eligible for the next run.
func (e *Engine) summarize(ctx context.Context, userID string, cluster []memory.Memory) (*memory.Memory, error) {
	var sb strings.Builder
	ids := make([]string, len(cluster))
	importance := 0.0
	for i, m := range cluster {
		fmt.Fprintf(&sb, "- %s\n", m.Content)
		ids[i] = m.ID
		if m.Importance > importance {
			importance = m.Importance
		}
	}

	summary, err := e.analyzer.Text(ctx, analysis.ClusterSummary, analysis.SummaryData{
		Count:    len(cluster),
		Episodes: sb.String(),
	})
	if err != nil {
		return nil, err
	}

	vector, err := e.embedder.EmbedOne(ctx, summary, embedding.IntentDocument)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	semantic := &memory.Memory{
		ID:                uuid.NewString(),
		UserID:            userID,
		Class:             memory.ClassSemantic,
		Content:           summary,
		Importance:        importance,
		RecencyScore:      1.0,
		CreatedAt:         now,
		LastAccessed:      now,
		Confidence:        cohesion(cluster),
		SourceEpisodicIDs: ids,
		ConsolidatedAt:    now,
		Embedding:         vector,
	}
	if err := e.memories.Insert(ctx, semantic); err != nil {
		return nil, err
	}
	if err := e.memories.MarkConsolidated(ctx, userID, ids); err != nil {
		return nil, fmt.Errorf("semantic %s written but sources unmarked: %w", semantic.ID, err)
	}
	return semantic, nil
}

// cohesion is the mean similarity of non-seed members to the seed, used
// as the semantic memory's confidence.
func cohesion(cluster []memory.Memory) float64 {
	if len(cluster) < 2 {
		return 1
	}
	seed := cluster[0]
	total := 0.0
	for _, m := range cluster[1:] {
		total += memory.CosineSimilarity(seed.Embedding, m.Embedding)
	}
	c := total / float64(len(cluster)-1)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// agentLines pulls the companion's own lines from the window; quirk
// extraction looks at how the companion speaks, not the user.
func agentLines(episodics []memory.Memory) []string {
	var lines []string
	for _, m := range episodics {
		if m.Speaker == "assistant" {
			lines = append(lines, m.Content)
		}
	}
	return lines
}

func lockKey(userID string) string {
	return "lyra:consolidation:" + userID
}
