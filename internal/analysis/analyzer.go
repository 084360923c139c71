// Package analysis is the single structured-text-analysis capability over
// the scoring provider. Every LLM-dependent decision (importance scoring,
// behavioral-pattern extraction, cluster summarization, conflict detection)
// renders a typed template and parses the reply through one of three typed
// parsers, so fence stripping and failure handling exist exactly once.
package analysis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"encoding/json"
)

// CompletionClient is satisfied by *llm.Client.
type CompletionClient interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error)
}

// Template pairs a system line with a user-prompt template and the sampling
// parameters the task needs.
type Template struct {
	Name        string
	System      string
	User        *template.Template
	MaxTokens   int
	Temperature float64
}

func mustTemplate(name, system, user string, maxTokens int, temperature float64) Template {
	return Template{
		Name:        name,
		System:      system,
		User:        template.Must(template.New(name).Parse(user)),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

type Analyzer struct {
	client CompletionClient
}

func NewAnalyzer(client CompletionClient) *Analyzer {
	return &Analyzer{client: client}
}

func (a *Analyzer) run(ctx context.Context, tmpl Template, data interface{}) (string, error) {
	var sb strings.Builder
	if err := tmpl.User.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", tmpl.Name, err)
	}
	reply, err := a.client.Complete(ctx, tmpl.System, sb.String(), tmpl.MaxTokens, tmpl.Temperature)
	if err != nil {
		return "", err
	}
	return stripFences(reply), nil
}

// Float renders tmpl and parses the reply as one bare number. Out-of-range
// values are returned as-is; clamping is the caller's policy.
func (a *Analyzer) Float(ctx context.Context, tmpl Template, data interface{}) (float64, error) {
	reply, err := a.run(ctx, tmpl, data)
	if err != nil {
		return 0, err
	}
	f, err := parseFloat(reply)
	if err != nil {
		return 0, fmt.Errorf("%s returned non-numeric output: %w (content: %s)", tmpl.Name, err, reply)
	}
	return f, nil
}

// JSON renders tmpl and unmarshals the (possibly fenced) JSON reply into out.
func (a *Analyzer) JSON(ctx context.Context, tmpl Template, data interface{}, out interface{}) error {
	reply, err := a.run(ctx, tmpl, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(reply), out); err != nil {
		return fmt.Errorf("failed to parse %s JSON: %w (content: %s)", tmpl.Name, err, reply)
	}
	return nil
}

// Text renders tmpl and returns the fence-stripped reply verbatim.
func (a *Analyzer) Text(ctx context.Context, tmpl Template, data interface{}) (string, error) {
	reply, err := a.run(ctx, tmpl, data)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("%s returned empty output", tmpl.Name)
	}
	return reply, nil
}

// stripFences removes markdown code fences models wrap JSON in despite
// instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseFloat accepts a bare number, falling back to the first numeric token
// for models that cannot resist prose.
func parseFloat(s string) (float64, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	for _, field := range strings.Fields(s) {
		field = strings.Trim(field, ".,:;()")
		if f, err := strconv.ParseFloat(field, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("no numeric token in %q", s)
}
