// Package llm is the scoring-provider client: a chat-completion HTTP service
// consumed as complete(prompt, max_tokens, temperature) -> string. All
// structured parsing of the returned text lives in internal/analysis.
package llm

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

const (
	maxRetries     = 2
	baseRetryDelay = 500 * time.Millisecond
)

type Client struct {
	url       string
	apiKey    string
	model     string
	client    *http.Client
	breaker   *CircuitBreaker
	retryBase time.Duration
}

func NewClient(url, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		url:       url,
		apiKey:    apiKey,
		model:     model,
		client:    &http.Client{Timeout: timeout},
		breaker:   NewCircuitBreaker(3, time.Minute),
		retryBase: baseRetryDelay,
	}
}

// Complete sends one chat-completion request and returns the first choice's
// text. Rate limits and 5xx responses are retried twice with doubling delay;
// after that (or while the breaker is open) a TransientError is returned so
// the caller can take its degraded path.
func (c *Client) Complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	var content string
	err := c.breaker.Call(func() error {
		var callErr error
		content, callErr = c.completeWithRetry(ctx, system, prompt, maxTokens, temperature)
		return callErr
	})
	if err == ErrCircuitOpen {
		return "", lyraerr.Transient("scoring", err)
	}
	return content, err
}

func (c *Client) completeWithRetry(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	delay := c.retryBase
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", lyraerr.Transient("scoring", ctx.Err())
			}
			delay *= 2
		}

		content, retryable, err := c.doOnce(ctx, system, prompt, maxTokens, temperature)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lyraerr.Transient("scoring", lastErr)
}

// doOnce performs a single request. retryable marks failures worth another
// attempt (timeouts, 429, 5xx); malformed responses are not.
func (c *Client) doOnce(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, bool, error) {
	reqBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"stream":      false,
		"temperature": temperature,
	}
	if maxTokens > 0 {
		reqBody["max_tokens"] = maxTokens
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return "", true, fmt.Errorf("scoring provider returned status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("scoring provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", false, fmt.Errorf("no choices returned from scoring provider")
	}

	return result.Choices[0].Message.Content, false, nil
}
