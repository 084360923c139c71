package personality

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"lyra-core/internal/analysis"
)

// New quirks enter at this strength, comfortably above the deactivation
// floor so one stale window cannot kill a freshly observed pattern.
const newQuirkStrength = 0.3

// Candidates below this confidence are noise and ignored.
const minCandidateConfidence = 0.3

// PatternAnalyzer extracts behavioral pattern candidates from transcript
// text. Satisfied by *analysis.Analyzer.
type PatternAnalyzer interface {
	JSON(ctx context.Context, tmpl analysis.Template, data interface{}, out interface{}) error
}

type quirkTuning struct {
	increment      float64
	decay          float64
	staleness      time.Duration
	floor          float64
	matchThreshold float64
}

// QuirkEvolution summarizes one evolve pass.
type QuirkEvolution struct {
	Reinforced  int `json:"reinforced"`
	Created     int `json:"created"`
	Decayed     int `json:"decayed"`
	Deactivated int `json:"deactivated"`
}

// EvolveQuirks runs the nightly quirk lifecycle: candidate patterns
// extracted from recent agent outputs reinforce matching active quirks or
// become new ones; separately, quirks not reinforced in this run that
// have gone stale decay and deactivate below the floor. The two passes
// operate on disjoint sets, so a quirk reinforced tonight is exempt from
// tonight's decay.
func (m *Manager) EvolveQuirks(ctx context.Context, userID string, transcript []string) (*QuirkEvolution, error) {
	unlock := m.locks.lock(userID)
	defer unlock()

	active, err := m.store.ActiveQuirks(ctx, userID)
	if err != nil {
		return nil, err
	}

	evo := &QuirkEvolution{}
	now := time.Now()
	reinforced := make(map[uint]bool)

	for _, cand := range m.extractCandidates(ctx, transcript) {
		if cand.Confidence < minCandidateConfidence {
			continue
		}

		best := -1
		bestSim := 0.0
		for i := range active {
			if reinforced[active[i].ID] {
				continue
			}
			if sim := descriptionSimilarity(cand.Description, active[i].Description); sim > bestSim {
				best = i
				bestSim = sim
			}
		}

		evidence, _ := json.Marshal(cand)
		if best >= 0 && bestSim >= m.quirks.matchThreshold {
			q := &active[best]
			q.Strength = clampStrength(q.Strength + m.quirks.increment)
			q.TimesExpressed++
			q.LastExpressed = now
			q.Evidence = datatypes.JSON(evidence)
			if err := m.store.SaveQuirk(ctx, q); err != nil {
				return evo, err
			}
			reinforced[q.ID] = true
			evo.Reinforced++
			continue
		}

		q := &Quirk{
			UserID:        userID,
			Description:   cand.Description,
			Strength:      newQuirkStrength,
			LastExpressed: now,
			IsActive:      true,
			Evidence:      datatypes.JSON(evidence),
		}
		if err := m.store.SaveQuirk(ctx, q); err != nil {
			return evo, err
		}
		evo.Created++
	}

	// Decay pass over the quirks this run did not reinforce.
	for i := range active {
		q := &active[i]
		if reinforced[q.ID] {
			continue
		}
		if now.Sub(q.LastExpressed) < m.quirks.staleness {
			continue
		}
		q.Strength -= m.quirks.decay
		if q.Strength < m.quirks.floor {
			q.IsActive = false
			evo.Deactivated++
		}
		if err := m.store.SaveQuirk(ctx, q); err != nil {
			return evo, err
		}
		evo.Decayed++
	}

	log.Info().
		Str("user_id", userID).
		Int("reinforced", evo.Reinforced).
		Int("created", evo.Created).
		Int("decayed", evo.Decayed).
		Int("deactivated", evo.Deactivated).
		Msg("quirk evolution complete")
	return evo, nil
}

// extractCandidates asks the scoring provider for behavioral patterns in
// the transcript. Extraction failures degrade to no candidates; the decay
// pass still runs.
func (m *Manager) extractCandidates(ctx context.Context, transcript []string) []analysis.PatternCandidate {
	if m.analyzer == nil || len(transcript) == 0 {
		return nil
	}

	var candidates []analysis.PatternCandidate
	err := m.analyzer.JSON(ctx, analysis.Patterns, analysis.PatternData{
		Transcript: strings.Join(transcript, "\n"),
	}, &candidates)
	if err != nil {
		log.Warn().Err(err).Msg("pattern extraction failed, skipping quirk reinforcement")
		return nil
	}
	return candidates
}

// descriptionSimilarity is the token Jaccard overlap of two quirk
// descriptions, case-insensitive, short words dropped.
func descriptionSimilarity(a, b string) float64 {
	aw := tokenSet(a)
	bw := tokenSet(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}

	inter := 0
	for w := range aw {
		if bw[w] {
			inter++
		}
	}
	union := len(aw) + len(bw) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

func clampStrength(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
