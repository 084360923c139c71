package personality

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// On satisfaction a need falls halfway back toward its baseline rather
// than resetting fully.
const satisfactionRelief = 0.5

// defaultNeeds seeds a new user's homeostatic drives. Decay rates are per
// elapsed hour.
func defaultNeeds(userID string) []Need {
	now := time.Now()
	needs := []Need{
		{NeedType: "social_interaction", Baseline: 0.3, DecayRate: 0.02, TriggerThreshold: 0.7},
		{NeedType: "intellectual_stimulation", Baseline: 0.2, DecayRate: 0.015, TriggerThreshold: 0.75},
		{NeedType: "creative_expression", Baseline: 0.2, DecayRate: 0.01, TriggerThreshold: 0.8},
		{NeedType: "rest", Baseline: 0.1, DecayRate: 0.025, TriggerThreshold: 0.65},
	}
	for i := range needs {
		needs[i].UserID = userID
		needs[i].CurrentLevel = needs[i].Baseline
		needs[i].LastSatisfied = now
		needs[i].LastUpdated = now
	}
	return needs
}

// DecayNeeds advances every need by elapsed time since its last update:
//
//	current_level += decay_rate * elapsed_hours
//
// capped at 1.0. Returns how many needs changed.
func (m *Manager) DecayNeeds(ctx context.Context, userID string) (int, error) {
	needs, err := m.store.Needs(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	updated := 0
	for i := range needs {
		n := &needs[i]
		elapsed := now.Sub(n.LastUpdated).Hours()
		if elapsed <= 0 {
			continue
		}

		level := n.CurrentLevel + n.DecayRate*elapsed
		if level > 1 {
			level = 1
		}
		n.CurrentLevel = level
		n.LastUpdated = now
		if err := m.store.SaveNeed(ctx, n); err != nil {
			return updated, err
		}
		updated++
	}

	if updated > 0 {
		log.Debug().Str("user_id", userID).Int("updated", updated).Msg("needs decayed")
	}
	return updated, nil
}

// SatisfyNeed registers a satisfaction event: the level drops partially
// back toward baseline and last_satisfied is stamped.
func (m *Manager) SatisfyNeed(ctx context.Context, userID, needType string) (*Need, error) {
	need, err := m.store.NeedByType(ctx, userID, needType)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	need.CurrentLevel = need.Baseline + (need.CurrentLevel-need.Baseline)*satisfactionRelief
	need.LastSatisfied = now
	need.LastUpdated = now
	if err := m.store.SaveNeed(ctx, need); err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", userID).
		Str("need", needType).
		Float64("level", need.CurrentLevel).
		Msg("need satisfied")
	return need, nil
}
