package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"lyra-core/internal/analysis"
	"lyra-core/internal/metrics"
)

// ScoreCache is the persistent importance cache. The Redis-backed
// implementation lives in internal/redisdb.
type ScoreCache interface {
	Get(ctx context.Context, key string) (float64, bool)
	Set(ctx context.Context, key string, score float64)
}

// FloatAnalyzer is the slice of the analysis client the scorer uses.
type FloatAnalyzer interface {
	Float(ctx context.Context, tmpl analysis.Template, data interface{}) (float64, error)
}

// ImportanceScorer rates how much a piece of content matters on [0,1].
// Scoring is total: cache first, then the scoring provider, then a
// length heuristic when the provider fails or returns garbage. The
// resolved value is written back to the cache whichever path produced it.
type ImportanceScorer struct {
	analyzer FloatAnalyzer
	cache    ScoreCache
}

func NewImportanceScorer(analyzer FloatAnalyzer, cache ScoreCache) *ImportanceScorer {
	return &ImportanceScorer{analyzer: analyzer, cache: cache}
}

// Score never fails. Provider errors and unparseable replies degrade to
// the length heuristic; out-of-range values are clamped.
func (s *ImportanceScorer) Score(ctx context.Context, content string, class Class) float64 {
	key := scoreKey(content, class)
	if v, ok := s.cache.Get(ctx, key); ok {
		metrics.ScoreCacheHits.WithLabelValues("hit").Inc()
		return clamp01(v)
	}
	metrics.ScoreCacheHits.WithLabelValues("miss").Inc()

	v, err := s.analyzer.Float(ctx, analysis.Importance, analysis.ImportanceData{
		Class:   string(class),
		Content: content,
	})
	if err != nil {
		metrics.Degradations.WithLabelValues("scoring").Inc()
		log.Warn().Err(err).Msg("importance scoring degraded to length heuristic")
		v = fallbackScore(content)
	}
	v = clamp01(v)

	s.cache.Set(ctx, key, v)
	return v
}

// scoreKey hashes the content so identical text maps to one cache entry
// per class.
func scoreKey(content string, class Class) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%s", class, hex.EncodeToString(sum[:]))
}

// fallbackScore buckets importance by content length: short throwaway
// lines land in a low band, long detailed passages at most mid-high.
func fallbackScore(content string) float64 {
	switch n := len(content); {
	case n < 20:
		return 0.3
	case n < 80:
		return 0.4
	case n < 200:
		return 0.5
	case n < 500:
		return 0.6
	default:
		return 0.7
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
