package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lyra-core/internal/embedding"
	"lyra-core/internal/lyraerr"
	"lyra-core/internal/metrics"
)

const (
	maxContentLen = 8192

	// Retrieval over-fetches candidateFactor*k per class before MMR picks
	// the final k.
	candidateFactor = 2

	scrollPageSize = 4096
)

// Store is the slice of the vector store the manager drives. Satisfied by
// *VectorStore.
type Store interface {
	Insert(ctx context.Context, m *Memory) error
	Search(ctx context.Context, q ScopedQuery) ([]ScoredMemory, error)
	TouchAccess(ctx context.Context, class Class, userID, id string, accessCount int, at time.Time) error
	All(ctx context.Context, class Class, userID string, limit int) ([]Memory, error)
	ExpiredEpisodic(ctx context.Context, userID string, cutoff time.Time, importanceMax float64, limit int) ([]Memory, error)
	UpdateRecency(ctx context.Context, class Class, userID, id string, score float64) error
	Delete(ctx context.Context, class Class, userID string, ids []string) error
	DropUser(ctx context.Context, userID string) error
}

// Embedder produces embeddings for documents and queries.
type Embedder interface {
	EmbedOne(ctx context.Context, text string, intent embedding.Intent) ([]float32, error)
}

// Scorer rates content importance. Total; never fails.
type Scorer interface {
	Score(ctx context.Context, content string, class Class) float64
}

// DeferredSink parks writes the vector store could not take.
type DeferredSink interface {
	Enqueue(ctx context.Context, w PendingWrite) error
}

// Options carries the tuning knobs the manager reads from config.
type Options struct {
	RetrieveLambda         float64
	RecencyDecayRate       float64
	RetentionDays          int
	RetentionImportanceMax float64
}

// Manager is the consumer-facing memory API: validated stores with
// importance scoring, and retrieval with MMR reranking. Vector-store
// outages degrade (deferred write, empty retrieval) instead of failing
// the conversational path.
type Manager struct {
	store    Store
	embedder Embedder
	scorer   Scorer
	deferred DeferredSink

	retrieveLambda         float64
	decayRate              float64
	retentionDays          int
	retentionImportanceMax float64
}

// NewManager wires the memory manager. deferred may be nil, which
// disables store degradation (failures surface to the caller instead).
func NewManager(store Store, embedder Embedder, scorer Scorer, deferred DeferredSink, opts Options) *Manager {
	if opts.RetrieveLambda <= 0 || opts.RetrieveLambda > 1 {
		opts.RetrieveLambda = 0.7
	}
	if opts.RecencyDecayRate <= 0 {
		opts.RecencyDecayRate = 0.02
	}
	return &Manager{
		store:                  store,
		embedder:               embedder,
		scorer:                 scorer,
		deferred:               deferred,
		retrieveLambda:         opts.RetrieveLambda,
		decayRate:              opts.RecencyDecayRate,
		retentionDays:          opts.RetentionDays,
		retentionImportanceMax: opts.RetentionImportanceMax,
	}
}

// DefaultLambda is the configured retrieval relevance/diversity balance,
// used when a caller does not supply one.
func (m *Manager) DefaultLambda() float64 {
	return m.retrieveLambda
}

// Store validates, scores, embeds and writes one memory. Embedding
// failures surface as transient errors the caller may retry; a
// vector-store failure parks the write on the deferred queue and the
// result carries Deferred=true.
func (m *Manager) Store(ctx context.Context, userID, content string, class Class, sc StoreContext) (*StoreResult, error) {
	if err := validateStore(userID, content, class); err != nil {
		metrics.MemoryStores.WithLabelValues(string(class), "rejected").Inc()
		return nil, err
	}

	importance := m.scorer.Score(ctx, content, class)

	vector, err := m.embedder.EmbedOne(ctx, content, embedding.IntentDocument)
	if err != nil {
		metrics.MemoryStores.WithLabelValues(string(class), "failed").Inc()
		return nil, fmt.Errorf("embed memory content: %w", err)
	}

	mem := newMemory(userID, content, class, sc, importance)
	mem.Embedding = vector

	if err := m.store.Insert(ctx, mem); err != nil {
		if m.deferred != nil && lyraerr.IsTransient(err) {
			qerr := m.deferred.Enqueue(ctx, PendingWrite{
				UserID:     userID,
				Content:    content,
				Class:      class,
				Context:    sc,
				Importance: importance,
				EnqueuedAt: mem.CreatedAt,
			})
			if qerr == nil {
				metrics.MemoryStores.WithLabelValues(string(class), "deferred").Inc()
				metrics.Degradations.WithLabelValues("vector-store").Inc()
				log.Warn().Str("user_id", userID).Err(err).Msg("vector store unavailable, memory write deferred")
				return &StoreResult{Deferred: true}, nil
			}
			log.Error().Str("user_id", userID).Err(qerr).Msg("deferred enqueue failed")
		}
		metrics.MemoryStores.WithLabelValues(string(class), "failed").Inc()
		return nil, err
	}

	metrics.MemoryStores.WithLabelValues(string(class), "stored").Inc()
	log.Debug().
		Str("user_id", userID).
		Str("memory_id", mem.ID).
		Str("class", string(class)).
		Float64("importance", importance).
		Msg("memory stored")
	return &StoreResult{Memory: mem}, nil
}

// Retrieve embeds the query with query intent, gathers 2k candidates per
// class for the user, ranks them by similarity * importance *
// recency_score and MMR-selects the final k. A vector-store or embedding
// outage yields an empty result, never an error on the conversational
// path.
func (m *Manager) Retrieve(ctx context.Context, userID, query string, k int, lambda float64) ([]ScoredMemory, error) {
	start := time.Now()

	if userID == "" {
		return nil, lyraerr.Validation("user_id", "must not be empty")
	}
	if strings.TrimSpace(query) == "" {
		return nil, lyraerr.Validation("query", "must not be empty")
	}
	if k <= 0 {
		return nil, lyraerr.Validation("k", "must be positive")
	}
	if lambda < 0 || lambda > 1 {
		return nil, lyraerr.Validation("lambda", "must be in [0,1]")
	}

	vector, err := m.embedder.EmbedOne(ctx, query, embedding.IntentQuery)
	if err != nil {
		metrics.MemoryRetrievals.WithLabelValues("degraded").Inc()
		metrics.Degradations.WithLabelValues("embedding").Inc()
		log.Warn().Str("user_id", userID).Err(err).Msg("query embedding unavailable, retrieval degraded to empty")
		return []ScoredMemory{}, nil
	}

	candidates := make([]ScoredMemory, 0, 2*candidateFactor*k)
	for _, class := range Classes {
		hits, err := m.store.Search(ctx, ScopedQuery{
			UserID: userID,
			Class:  class,
			Vector: vector,
			Limit:  candidateFactor * k,
		})
		if err != nil {
			if lyraerr.IsValidation(err) {
				return nil, err
			}
			metrics.MemoryRetrievals.WithLabelValues("degraded").Inc()
			metrics.Degradations.WithLabelValues("vector-store").Inc()
			log.Warn().Str("user_id", userID).Err(err).Msg("vector store unavailable, retrieval degraded to empty")
			return []ScoredMemory{}, nil
		}
		candidates = append(candidates, hits...)
	}

	ranked := make([]Candidate, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		c.Relevance = c.Similarity * c.Importance * c.RecencyScore
		ranked[i] = Candidate{Vector: c.Embedding, Relevance: c.Relevance, CreatedAt: c.CreatedAt}
	}

	order := RankMMR(ranked, k, lambda)
	results := make([]ScoredMemory, 0, len(order))
	for _, idx := range order {
		results = append(results, candidates[idx])
	}

	m.touchAsync(results)

	metrics.MemoryRetrievals.WithLabelValues("ok").Inc()
	metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	return results, nil
}

// RefreshRecency recomputes recency_score for all of a user's memories
// from elapsed time since last access:
//
//	recency = exp(-decay_rate * days_since_last_access)
//
// Returns how many rows changed.
func (m *Manager) RefreshRecency(ctx context.Context, userID string) (int, error) {
	updated := 0
	now := time.Now()

	for _, class := range Classes {
		rows, err := m.store.All(ctx, class, userID, scrollPageSize)
		if err != nil {
			return updated, err
		}
		for _, row := range rows {
			days := now.Sub(row.LastAccessed).Hours() / 24
			if days < 0 {
				days = 0
			}
			score := math.Exp(-m.decayRate * days)
			if math.Abs(score-row.RecencyScore) < 0.001 {
				continue
			}
			if err := m.store.UpdateRecency(ctx, class, userID, row.ID, score); err != nil {
				return updated, err
			}
			updated++
		}
	}
	return updated, nil
}

// EnforceRetention deletes episodic memories past the retention horizon
// that were already consolidated and never mattered much. Semantic
// memories are never deleted here. Returns how many rows were removed.
func (m *Manager) EnforceRetention(ctx context.Context, userID string) (int, error) {
	if m.retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -m.retentionDays)
	rows, err := m.store.ExpiredEpisodic(ctx, userID, cutoff, m.retentionImportanceMax, scrollPageSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := m.store.Delete(ctx, ClassEpisodic, userID, ids); err != nil {
		return 0, err
	}

	log.Info().Str("user_id", userID).Int("deleted", len(ids)).Msg("retention cleanup removed expired episodic memories")
	return len(ids), nil
}

// PurgeUser drops every memory the user has, both classes. Admin only.
func (m *Manager) PurgeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return lyraerr.Validation("user_id", "must not be empty")
	}
	return m.store.DropUser(ctx, userID)
}

// PurgeBefore deletes the user's memories created before the cutoff,
// both classes, regardless of importance or consolidation state. Admin
// only. Returns how many rows were removed.
func (m *Manager) PurgeBefore(ctx context.Context, userID string, before time.Time) (int, error) {
	if userID == "" {
		return 0, lyraerr.Validation("user_id", "must not be empty")
	}
	if before.IsZero() {
		return 0, lyraerr.Validation("before", "must be a valid timestamp")
	}

	deleted := 0
	for _, class := range Classes {
		rows, err := m.store.All(ctx, class, userID, scrollPageSize)
		if err != nil {
			return deleted, err
		}
		var ids []string
		for _, row := range rows {
			if row.CreatedAt.Before(before) {
				ids = append(ids, row.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if err := m.store.Delete(ctx, class, userID, ids); err != nil {
			return deleted, err
		}
		deleted += len(ids)
	}

	if deleted > 0 {
		log.Info().Str("user_id", userID).Time("before", before).Int("deleted", deleted).Msg("bounded purge removed memories")
	}
	return deleted, nil
}

// touchAsync bumps access metadata off the interactive path.
func (m *Manager) touchAsync(hits []ScoredMemory) {
	if len(hits) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		now := time.Now()
		for _, h := range hits {
			if err := m.store.TouchAccess(ctx, h.Class, h.UserID, h.ID, h.AccessCount+1, now); err != nil {
				log.Debug().Str("memory_id", h.ID).Err(err).Msg("access touch failed")
			}
		}
	}()
}

func newMemory(userID, content string, class Class, sc StoreContext, importance float64) *Memory {
	now := time.Now()
	m := &Memory{
		ID:           uuid.NewString(),
		UserID:       userID,
		Class:        class,
		Content:      content,
		Importance:   importance,
		RecencyScore: 1.0,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if class == ClassEpisodic {
		m.Speaker = sc.Speaker
		m.ConversationID = sc.ConversationID
		m.TurnIndex = sc.TurnIndex
		m.EmotionContext = sc.EmotionContext
	}
	return m
}

func validateStore(userID, content string, class Class) error {
	if userID == "" {
		return lyraerr.Validation("user_id", "must not be empty")
	}
	if strings.TrimSpace(content) == "" {
		return lyraerr.Validation("content", "must not be empty")
	}
	if len(content) > maxContentLen {
		return lyraerr.Validation("content", fmt.Sprintf("exceeds %d bytes", maxContentLen))
	}
	if !class.Valid() {
		return lyraerr.Validation("class", fmt.Sprintf("unknown memory class %q", class))
	}
	return nil
}
