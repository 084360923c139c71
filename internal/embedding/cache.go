package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// vectorCache keeps recently embedded texts in process. Keys carry model,
// dimensions, and intent so document- and query-space vectors for the same
// text never collide.
type vectorCache struct {
	inner *ristretto.Cache
}

func newVectorCache(maxCost int64) (*vectorCache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &vectorCache{inner: inner}, nil
}

func cacheKey(model string, dimensions int, intent Intent, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%d:%s:%s", model, dimensions, intent, hex.EncodeToString(sum[:]))
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (c *vectorCache) set(key string, vec []float32) {
	// Cost is the vector's byte size so MaxCost bounds actual memory.
	c.inner.Set(key, vec, int64(len(vec)*4))
}
