package consolidation

import (
	"context"

	"github.com/rs/zerolog/log"

	"lyra-core/internal/analysis"
	"lyra-core/internal/lyraerr"
	"lyra-core/internal/memory"
	"lyra-core/internal/personality"
)

// traitExpectation is a statement the user's fixed Big Five profile
// implies about them. MemoryID2 on a trait conflict carries the marker
// instead of a memory id.
type traitExpectation struct {
	Marker    string
	Statement string
}

// detectConflicts compares each newly consolidated semantic memory
// against its nearest existing semantic memories and against
// trait-implied expectations. Contradictions above the confidence
// threshold are recorded as pending conflicts; nothing is ever resolved
// here. Returns how many conflicts were flagged.
func (e *Engine) detectConflicts(ctx context.Context, userID string, created []memory.Memory) (int, error) {
	if len(created) == 0 {
		return 0, nil
	}

	expectations := []traitExpectation{}
	traits, err := e.persona.Traits(ctx, userID)
	if err == nil {
		expectations = traitExpectations(traits)
	} else if !lyraerr.IsNotFound(err) {
		return 0, err
	}

	createdIDs := make(map[string]bool, len(created))
	for _, m := range created {
		createdIDs[m.ID] = true
	}

	flagged := 0
	for _, m := range created {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}

		hits, err := e.memories.Search(ctx, memory.ScopedQuery{
			UserID: userID,
			Class:  memory.ClassSemantic,
			Vector: m.Embedding,
			Limit:  e.opts.ConflictCandidates + len(created),
		})
		if err != nil {
			return flagged, err
		}

		checked := 0
		for _, hit := range hits {
			if hit.ID == m.ID || createdIDs[hit.ID] {
				continue
			}
			if checked >= e.opts.ConflictCandidates {
				break
			}
			checked++

			n, err := e.flagIfContradicting(ctx, userID, m.ID, hit.ID, m.Content, hit.Content)
			if err != nil {
				return flagged, err
			}
			flagged += n
		}

		for _, exp := range expectations {
			if err := ctx.Err(); err != nil {
				return flagged, err
			}
			n, err := e.flagIfContradicting(ctx, userID, m.ID, exp.Marker, m.Content, exp.Statement)
			if err != nil {
				return flagged, err
			}
			flagged += n
		}
	}
	return flagged, nil
}

// flagIfContradicting runs the contradiction check on one pair and
// records a pending conflict when it lands above the threshold. An
// analysis failure skips the pair; a missed conflict is recoverable on
// the next run, a failed run is not.
func (e *Engine) flagIfContradicting(ctx context.Context, userID, id1, id2, a, b string) (int, error) {
	exists, err := e.runs.ConflictExists(ctx, userID, id1, id2)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	var verdict analysis.ConflictVerdict
	if err := e.analyzer.JSON(ctx, analysis.Conflict, analysis.ConflictData{A: a, B: b}, &verdict); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("memory_id_1", id1).
			Str("memory_id_2", id2).
			Msg("conflict check failed, pair skipped")
		return 0, nil
	}
	if !verdict.Conflict || verdict.Confidence < e.opts.ConflictThreshold {
		return 0, nil
	}

	conflictType := verdict.Type
	if conflictType == "" || conflictType == "none" {
		conflictType = "fact"
	}
	if err := e.runs.CreateConflict(ctx, &MemoryConflict{
		UserID:       userID,
		MemoryID1:    id1,
		MemoryID2:    id2,
		ConflictType: conflictType,
		Confidence:   verdict.Confidence,
		Status:       ConflictPending,
	}); err != nil {
		return 0, err
	}

	log.Info().
		Str("user_id", userID).
		Str("memory_id_1", id1).
		Str("memory_id_2", id2).
		Str("conflict_type", conflictType).
		Float64("confidence", verdict.Confidence).
		Msg("memory conflict flagged")
	return 1, nil
}

// traitExpectations turns strongly expressed Big Five traits into
// statements a semantic memory can contradict. Middling traits imply
// nothing worth checking.
func traitExpectations(t personality.BigFive) []traitExpectation {
	const low, high = 0.2, 0.8

	var out []traitExpectation
	add := func(marker, statement string) {
		out = append(out, traitExpectation{Marker: marker, Statement: statement})
	}

	if t.Openness >= high {
		add("trait:openness", "The user is curious and seeks out new experiences and ideas.")
	} else if t.Openness <= low {
		add("trait:openness", "The user prefers familiar routines over novelty.")
	}
	if t.Conscientiousness >= high {
		add("trait:conscientiousness", "The user is organized, disciplined and follows through on plans.")
	} else if t.Conscientiousness <= low {
		add("trait:conscientiousness", "The user is spontaneous and rarely plans ahead.")
	}
	if t.Extraversion >= high {
		add("trait:extraversion", "The user is outgoing and energized by social settings.")
	} else if t.Extraversion <= low {
		add("trait:extraversion", "The user is reserved and prefers solitude over social settings.")
	}
	if t.Agreeableness >= high {
		add("trait:agreeableness", "The user is cooperative and avoids confrontation.")
	} else if t.Agreeableness <= low {
		add("trait:agreeableness", "The user is blunt and readily argues their position.")
	}
	if t.Neuroticism >= high {
		add("trait:neuroticism", "The user is sensitive to stress and worries easily.")
	} else if t.Neuroticism <= low {
		add("trait:neuroticism", "The user stays calm under pressure.")
	}
	return out
}
