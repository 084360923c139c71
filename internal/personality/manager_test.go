package personality

import (
	"context"
	"math"
	"testing"

	"lyra-core/internal/lyraerr"
)

func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store, nil, Options{}), store
}

func neutralTraits() BigFive {
	return BigFive{Openness: 0.5, Conscientiousness: 0.5, Extraversion: 0.5, Agreeableness: 0.5, Neuroticism: 0.5}
}

func within(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestInitializeUserSeedsStateAndNeeds(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	state, err := mgr.InitializeUser(ctx, "amy", neutralTraits())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if state.PAD != (PAD{}) || state.Baseline != (PAD{}) {
		t.Errorf("neutral traits gave pad %+v baseline %+v, want the origin", state.PAD, state.Baseline)
	}
	if state.EmotionLabel != "exuberant" {
		t.Errorf("emotion = %s, want exuberant", state.EmotionLabel)
	}
	if state.Source != SourceInit {
		t.Errorf("source = %s, want %s", state.Source, SourceInit)
	}

	needs, err := store.Needs(ctx, "amy")
	if err != nil {
		t.Fatalf("needs failed: %v", err)
	}
	if len(needs) != 4 {
		t.Fatalf("seeded needs = %d, want 4", len(needs))
	}
	for _, n := range needs {
		if n.CurrentLevel != n.Baseline {
			t.Errorf("need %s starts at %v, want its baseline %v", n.NeedType, n.CurrentLevel, n.Baseline)
		}
	}
}

func TestInitializeUserIsIdempotent(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.InitializeUser(ctx, "amy", BigFive{Openness: 0.8, Conscientiousness: 0.4, Extraversion: 0.7, Agreeableness: 0.6, Neuroticism: 0.3})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	// A second call, even with different traits, returns the existing row.
	again, err := mgr.InitializeUser(ctx, "amy", neutralTraits())
	if err != nil {
		t.Fatalf("re-initialize failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("re-initialize created row %d, want existing row %d", again.ID, first.ID)
	}
	if again.BigFive != first.BigFive {
		t.Errorf("traits changed on re-initialize: %+v -> %+v", first.BigFive, again.BigFive)
	}

	var needs int64
	if err := store.db.Model(&Need{}).Where("user_id = ?", "amy").Count(&needs).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if needs != 4 {
		t.Errorf("needs after double initialize = %d, want 4", needs)
	}
}

func TestInitializeUserRejectsOutOfRangeTraits(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.InitializeUser(context.Background(), "amy", BigFive{Openness: 1.5, Conscientiousness: 0.5, Extraversion: 0.5, Agreeableness: 0.5, Neuroticism: 0.5})
	if !lyraerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyInteractionDeltaClampsToBounds(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.InitializeUser(ctx, "amy", neutralTraits()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if _, err := mgr.ApplyInteractionDelta(ctx, "amy", PAD{Pleasure: 0.9}, "good news"); err != nil {
		t.Fatalf("delta failed: %v", err)
	}

	// An oversized delta is legal input and clamps, never overshoots.
	state, err := mgr.ApplyInteractionDelta(ctx, "amy", PAD{Pleasure: 5.0, Arousal: -5.0}, "overwhelming news")
	if err != nil {
		t.Fatalf("delta failed: %v", err)
	}
	if state.PAD.Pleasure != 1.0 {
		t.Errorf("pleasure = %v, want exactly 1.0", state.PAD.Pleasure)
	}
	if state.PAD.Arousal != -1.0 {
		t.Errorf("arousal = %v, want exactly -1.0", state.PAD.Arousal)
	}
	if state.EmotionLabel != "relaxed" {
		t.Errorf("emotion = %s, want relaxed for (+,-,+/0)", state.EmotionLabel)
	}
	if state.Source != SourceInteraction {
		t.Errorf("source = %s, want %s", state.Source, SourceInteraction)
	}
}

func TestApplyInteractionDeltaRejectsNonFinite(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.InitializeUser(ctx, "amy", neutralTraits()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	for _, bad := range []PAD{
		{Pleasure: math.NaN()},
		{Arousal: math.Inf(1)},
		{Dominance: math.Inf(-1)},
	} {
		if _, err := mgr.ApplyInteractionDelta(ctx, "amy", bad, "corrupt"); !lyraerr.IsValidation(err) {
			t.Errorf("delta %+v: expected validation error, got %v", bad, err)
		}
	}
}

func TestApplyInteractionDeltaUnknownUser(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.ApplyInteractionDelta(context.Background(), "nobody", PAD{Pleasure: 0.1}, "hello")
	if !lyraerr.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestApplyBaselineDriftExactSmallStep(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.InitializeUser(ctx, "amy", neutralTraits()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if _, err := mgr.ApplyInteractionDelta(ctx, "amy", PAD{Pleasure: 0.5, Arousal: 0.3, Dominance: -0.2}, "long chat"); err != nil {
		t.Fatalf("delta failed: %v", err)
	}

	state, err := mgr.ApplyBaselineDrift(ctx, "amy")
	if err != nil {
		t.Fatalf("drift failed: %v", err)
	}

	// old=(0,0,0), recent avg=(0.5,0.3,-0.2), rate=0.01.
	if !within(state.Baseline.Pleasure, 0.005, 1e-12) {
		t.Errorf("baseline pleasure = %v, want 0.005", state.Baseline.Pleasure)
	}
	if !within(state.Baseline.Arousal, 0.003, 1e-12) {
		t.Errorf("baseline arousal = %v, want 0.003", state.Baseline.Arousal)
	}
	if !within(state.Baseline.Dominance, -0.002, 1e-12) {
		t.Errorf("baseline dominance = %v, want -0.002", state.Baseline.Dominance)
	}

	// Drift moves the baseline only; current PAD and traits ride along.
	if state.PAD != (PAD{Pleasure: 0.5, Arousal: 0.3, Dominance: -0.2}) {
		t.Errorf("pad after drift = %+v, want unchanged", state.PAD)
	}
	if state.BigFive != neutralTraits() {
		t.Errorf("traits after drift = %+v, want unchanged", state.BigFive)
	}
	if state.Source != SourceDrift {
		t.Errorf("source = %s, want %s", state.Source, SourceDrift)
	}
}

func TestApplyBaselineDriftWithoutInteractionsIsNoop(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	init, err := mgr.InitializeUser(ctx, "amy", neutralTraits())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	state, err := mgr.ApplyBaselineDrift(ctx, "amy")
	if err != nil {
		t.Fatalf("drift failed: %v", err)
	}
	if state.ID != init.ID {
		t.Errorf("drift with no interactions appended row %d, want existing row %d", state.ID, init.ID)
	}

	var total int64
	if err := store.db.Model(&State{}).Where("user_id = ?", "amy").Count(&total).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 1 {
		t.Errorf("state rows = %d, want 1", total)
	}
}

func TestBigFiveImmutableAcrossTransitions(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	traits := BigFive{Openness: 0.8, Conscientiousness: 0.3, Extraversion: 0.6, Agreeableness: 0.7, Neuroticism: 0.2}
	if _, err := mgr.InitializeUser(ctx, "amy", traits); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if _, err := mgr.ApplyInteractionDelta(ctx, "amy", PAD{Pleasure: 0.4, Arousal: 0.2}, "chat"); err != nil {
		t.Fatalf("delta failed: %v", err)
	}
	if _, err := mgr.ApplyBaselineDrift(ctx, "amy"); err != nil {
		t.Fatalf("drift failed: %v", err)
	}

	snap, err := mgr.GetSnapshot(ctx, "amy")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.BigFive != traits {
		t.Errorf("traits drifted: %+v, want %+v", snap.BigFive, traits)
	}
}

func TestGetSnapshotIncludesQuirksAndNeeds(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.InitializeUser(ctx, "amy", neutralTraits()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	active := &Quirk{UserID: "amy", Description: "uses cooking metaphors", Strength: 0.6, IsActive: true}
	if err := store.SaveQuirk(ctx, active); err != nil {
		t.Fatalf("save quirk failed: %v", err)
	}
	retired := &Quirk{UserID: "amy", Description: "quotes old movies", Strength: 0.05, IsActive: false}
	if err := store.SaveQuirk(ctx, retired); err != nil {
		t.Fatalf("save quirk failed: %v", err)
	}

	snap, err := mgr.GetSnapshot(ctx, "amy")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Quirks) != 1 || snap.Quirks[0].Description != "uses cooking metaphors" {
		t.Errorf("snapshot quirks = %+v, want only the active one", snap.Quirks)
	}
	if len(snap.Needs) != 4 {
		t.Errorf("snapshot needs = %d, want 4", len(snap.Needs))
	}
	if snap.EmotionLabel == "" {
		t.Error("snapshot emotion label is empty")
	}
}

func TestGetSnapshotUnknownUser(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.GetSnapshot(context.Background(), "nobody")
	if !lyraerr.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestPurgeUserRemovesEverything(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.InitializeUser(ctx, "amy", neutralTraits()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := store.SaveQuirk(ctx, &Quirk{UserID: "amy", Description: "hums while thinking", Strength: 0.4, IsActive: true}); err != nil {
		t.Fatalf("save quirk failed: %v", err)
	}

	if err := mgr.PurgeUser(ctx, "amy"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	if _, err := mgr.GetSnapshot(ctx, "amy"); !lyraerr.IsNotFound(err) {
		t.Errorf("expected not-found after purge, got %v", err)
	}
	users, err := mgr.Users(ctx)
	if err != nil {
		t.Fatalf("users failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("users after purge = %v, want none", users)
	}
}
