package personality

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"lyra-core/internal/lyraerr"
	"lyra-core/internal/metrics"
)

const driftWindow = 7 * 24 * time.Hour

// Options carries the tuning knobs the manager reads from config.
type Options struct {
	DriftRate           float64
	QuirkIncrement      float64
	QuirkDecay          float64
	QuirkStalenessDays  int
	QuirkFloor          float64
	QuirkMatchThreshold float64
}

// Manager owns personality state transitions. Writes for one user
// serialize through a keyed mutex so a second interaction cannot read
// stale PAD while the first is mid-write; different users never contend.
type Manager struct {
	store    *Store
	analyzer PatternAnalyzer
	locks    userLocks

	driftRate float64
	quirks    quirkTuning
}

// NewManager wires the personality manager. analyzer may be nil, which
// disables quirk extraction (decay still runs).
func NewManager(store *Store, analyzer PatternAnalyzer, opts Options) *Manager {
	if opts.DriftRate <= 0 {
		opts.DriftRate = 0.01
	}
	if opts.QuirkIncrement <= 0 {
		opts.QuirkIncrement = 0.1
	}
	if opts.QuirkDecay <= 0 {
		opts.QuirkDecay = 0.05
	}
	if opts.QuirkStalenessDays <= 0 {
		opts.QuirkStalenessDays = 7
	}
	if opts.QuirkFloor <= 0 {
		opts.QuirkFloor = 0.1
	}
	if opts.QuirkMatchThreshold <= 0 {
		opts.QuirkMatchThreshold = 0.6
	}
	return &Manager{
		store:     store,
		analyzer:  analyzer,
		locks:     userLocks{m: make(map[string]*sync.Mutex)},
		driftRate: opts.DriftRate,
		quirks: quirkTuning{
			increment:      opts.QuirkIncrement,
			decay:          opts.QuirkDecay,
			staleness:      time.Duration(opts.QuirkStalenessDays) * 24 * time.Hour,
			floor:          opts.QuirkFloor,
			matchThreshold: opts.QuirkMatchThreshold,
		},
	}
}

// InitializeUser creates the first personality row and seeds default
// needs. Big Five traits are fixed here for the lifetime of the user.
// Idempotent: an already-initialized user gets their existing state back
// untouched.
func (m *Manager) InitializeUser(ctx context.Context, userID string, traits BigFive) (*State, error) {
	if userID == "" {
		return nil, lyraerr.Validation("user_id", "must not be empty")
	}
	if err := validateTraits(traits); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	existing, err := m.store.Current(ctx, userID)
	if err == nil {
		log.Debug().Str("user_id", userID).Msg("user already initialized")
		return existing, nil
	}
	if !lyraerr.IsNotFound(err) {
		return nil, err
	}

	baseline := baselineFromTraits(traits)
	state := &State{
		UserID:       userID,
		BigFive:      traits,
		PAD:          baseline,
		Baseline:     baseline,
		EmotionLabel: EmotionLabel(baseline),
		Source:       SourceInit,
		Reason:       "initialized",
	}
	if err := m.store.AppendCurrent(ctx, state); err != nil {
		return nil, err
	}
	if err := m.store.CreateNeeds(ctx, defaultNeeds(userID)); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("emotion", state.EmotionLabel).Msg("personality initialized")
	return state, nil
}

// ApplyInteractionDelta shifts the user's PAD state by the given deltas,
// clamping each dimension independently to [-1,1], and appends the result
// as the new current row. The only path that mutates short-term PAD.
func (m *Manager) ApplyInteractionDelta(ctx context.Context, userID string, delta PAD, reason string) (*State, error) {
	if userID == "" {
		return nil, lyraerr.Validation("user_id", "must not be empty")
	}
	if err := validateDelta(delta); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	cur, err := m.store.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := newRevision(cur)
	next.PAD = clampPAD(PAD{
		Pleasure:  cur.PAD.Pleasure + delta.Pleasure,
		Arousal:   cur.PAD.Arousal + delta.Arousal,
		Dominance: cur.PAD.Dominance + delta.Dominance,
	})
	next.EmotionLabel = EmotionLabel(next.PAD)
	next.Source = SourceInteraction
	next.Reason = reason

	if err := m.store.AppendCurrent(ctx, next); err != nil {
		return nil, err
	}

	metrics.PADDeltas.Inc()
	log.Debug().
		Str("user_id", userID).
		Str("emotion", next.EmotionLabel).
		Float64("pleasure", next.PAD.Pleasure).
		Float64("arousal", next.PAD.Arousal).
		Float64("dominance", next.PAD.Dominance).
		Msg("interaction delta applied")
	return next, nil
}

// ApplyBaselineDrift nudges the PAD baseline toward the mean of the
// trailing week's interaction states:
//
//	new = old + (recent_avg - old) * drift_rate
//
// A small drift rate makes the baseline a slow moving average, never a
// jump. No interactions in the window means no drift. Big Five traits
// are copied through untouched.
func (m *Manager) ApplyBaselineDrift(ctx context.Context, userID string) (*State, error) {
	if userID == "" {
		return nil, lyraerr.Validation("user_id", "must not be empty")
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	cur, err := m.store.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	history, err := m.store.InteractionHistory(ctx, userID, time.Now().Add(-driftWindow))
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		log.Debug().Str("user_id", userID).Msg("no interactions in drift window, baseline unchanged")
		return cur, nil
	}

	var sum PAD
	for _, h := range history {
		sum.Pleasure += h.PAD.Pleasure
		sum.Arousal += h.PAD.Arousal
		sum.Dominance += h.PAD.Dominance
	}
	n := float64(len(history))
	avg := PAD{Pleasure: sum.Pleasure / n, Arousal: sum.Arousal / n, Dominance: sum.Dominance / n}

	next := newRevision(cur)
	next.Baseline = clampPAD(PAD{
		Pleasure:  cur.Baseline.Pleasure + (avg.Pleasure-cur.Baseline.Pleasure)*m.driftRate,
		Arousal:   cur.Baseline.Arousal + (avg.Arousal-cur.Baseline.Arousal)*m.driftRate,
		Dominance: cur.Baseline.Dominance + (avg.Dominance-cur.Baseline.Dominance)*m.driftRate,
	})
	next.Source = SourceDrift
	next.Reason = fmt.Sprintf("nightly drift over %d interactions", len(history))

	if err := m.store.AppendCurrent(ctx, next); err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Float64("baseline_pleasure", next.Baseline.Pleasure).
		Float64("baseline_arousal", next.Baseline.Arousal).
		Float64("baseline_dominance", next.Baseline.Dominance).
		Msg("baseline drift applied")
	return next, nil
}

// GetSnapshot returns the current state with active quirks and needs.
// Unknown users yield ErrNotFound; an initialized user with no quirks or
// needs yet is a valid empty snapshot, not an error.
func (m *Manager) GetSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return nil, lyraerr.Validation("user_id", "must not be empty")
	}

	cur, err := m.store.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	quirks, err := m.store.ActiveQuirks(ctx, userID)
	if err != nil {
		return nil, err
	}
	needs, err := m.store.Needs(ctx, userID)
	if err != nil {
		return nil, err
	}

	if quirks == nil {
		quirks = []Quirk{}
	}
	if needs == nil {
		needs = []Need{}
	}
	return &Snapshot{
		UserID:       userID,
		BigFive:      cur.BigFive,
		PAD:          cur.PAD,
		Baseline:     cur.Baseline,
		EmotionLabel: cur.EmotionLabel,
		Quirks:       quirks,
		Needs:        needs,
		UpdatedAt:    cur.CreatedAt,
	}, nil
}

// Traits returns the user's fixed Big Five profile.
func (m *Manager) Traits(ctx context.Context, userID string) (BigFive, error) {
	if userID == "" {
		return BigFive{}, lyraerr.Validation("user_id", "must not be empty")
	}
	cur, err := m.store.Current(ctx, userID)
	if err != nil {
		return BigFive{}, err
	}
	return cur.BigFive, nil
}

// Users lists every initialized user, for the nightly schedulers.
func (m *Manager) Users(ctx context.Context) ([]string, error) {
	return m.store.UserIDs(ctx)
}

// PurgeUser removes all personality rows for a user. Admin only.
func (m *Manager) PurgeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return lyraerr.Validation("user_id", "must not be empty")
	}
	unlock := m.locks.lock(userID)
	defer unlock()
	return m.store.DeleteUser(ctx, userID)
}

// newRevision copies the current row into a fresh unsaved one; gorm fills
// ID and CreatedAt on insert.
func newRevision(cur *State) *State {
	next := *cur
	next.ID = 0
	next.CreatedAt = time.Time{}
	return &next
}

func validateTraits(t BigFive) error {
	traits := map[string]float64{
		"openness":          t.Openness,
		"conscientiousness": t.Conscientiousness,
		"extraversion":      t.Extraversion,
		"agreeableness":     t.Agreeableness,
		"neuroticism":       t.Neuroticism,
	}
	for name, v := range traits {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return lyraerr.Validation(name, "must be in [0,1]")
		}
	}
	return nil
}

func validateDelta(d PAD) error {
	dims := map[string]float64{
		"pleasure":  d.Pleasure,
		"arousal":   d.Arousal,
		"dominance": d.Dominance,
	}
	for name, v := range dims {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return lyraerr.Validation(name, "must be finite")
		}
	}
	return nil
}

// userLocks is a keyed mutex registry; one mutex per user, created on
// first use.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	lock, ok := l.m[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.m[userID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
