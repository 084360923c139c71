// Package embedding is the embedding-provider client: an OpenAI-compatible
// /v1/embeddings endpoint consumed as embed(texts, intent) -> vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lyra-core/internal/lyraerr"
)

// Intent selects the provider-side optimization for the vector. Query and
// document embeddings live in differently tuned spaces and must never be
// conflated; the cache key includes the intent for the same reason.
type Intent string

const (
	IntentDocument Intent = "document"
	IntentQuery    Intent = "query"
)

const (
	maxRetries     = 2
	baseRetryDelay = 500 * time.Millisecond
)

type Client struct {
	url        string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
	cache      *vectorCache
	retryBase  time.Duration
}

func NewClient(url, apiKey, model string, dimensions int, timeout time.Duration, cacheMaxCost int64) (*Client, error) {
	cache, err := newVectorCache(cacheMaxCost)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: timeout},
		cache:      cache,
		retryBase:  baseRetryDelay,
	}, nil
}

func (c *Client) Dimensions() int {
	return c.dimensions
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string, intent Intent) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text}, intent)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed maps texts to vectors, preserving input order. Cached texts are
// served from memory; the remainder goes out in one batch request. Rate
// limits and 5xx are retried twice with doubling delay, then the call fails
// with a TransientError so the caller can degrade.
func (c *Client) Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.cache.get(cacheKey(c.model, c.dimensions, intent, text)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.embedWithRetry(ctx, missTexts, intent)
	if err != nil {
		return nil, err
	}

	for j, vec := range vecs {
		if len(vec) != c.dimensions {
			return nil, fmt.Errorf("embedding provider returned %d dimensions, expected %d", len(vec), c.dimensions)
		}
		c.cache.set(cacheKey(c.model, c.dimensions, intent, missTexts[j]), vec)
		out[missIdx[j]] = vec
	}
	return out, nil
}

func (c *Client) embedWithRetry(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	delay := c.retryBase
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, lyraerr.Transient("embedding", ctx.Err())
			}
			delay *= 2
		}

		vecs, retryable, err := c.doOnce(ctx, texts, intent)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lyraerr.Transient("embedding", lastErr)
}

func (c *Client) doOnce(ctx context.Context, texts []string, intent Intent) ([][]float32, bool, error) {
	// input_type is the task hint; providers without per-task spaces ignore it.
	reqBody := map[string]interface{}{
		"input":      texts,
		"model":      c.model,
		"dimensions": c.dimensions,
		"input_type": string(intent),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return nil, true, fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, false, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	// Place by index; batch order is part of the contract.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, false, fmt.Errorf("embedding provider returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, false, fmt.Errorf("embedding provider returned no vector for input %d", i)
		}
	}
	return vecs, false, nil
}
