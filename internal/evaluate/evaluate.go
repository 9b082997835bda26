// Package evaluate scores sales call transcripts with an LLM.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

var ErrNotConfigured = errors.New("llm gateway not configured")

// GatewayError is a rate limit or billing failure reported by the LLM provider.
// Status is passed straight through to the HTTP caller.
type GatewayError struct {
	Status  int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("llm gateway %d: %s", e.Status, e.Message)
}

// Generator returns the raw text completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Evaluation struct {
	Score        float64  `json:"score"`
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	Sentiment    string   `json:"sentiment"`
}

// Map is the form stored on the call row.
func (e Evaluation) Map() map[string]any {
	return map[string]any{
		"score":        e.Score,
		"summary":      e.Summary,
		"strengths":    e.Strengths,
		"improvements": e.Improvements,
		"sentiment":    e.Sentiment,
	}
}

type CallContext struct {
	LeadName        string
	DurationSeconds int
	Transcript      string
}

var promptTemplate = template.Must(template.New("evaluation").Parse(`You are a sales coach for a real-estate agency.
Evaluate the following call between an agent and {{if .LeadName}}the lead {{.LeadName}}{{else}}a prospective buyer{{end}}{{if .DurationSeconds}} ({{.DurationSeconds}} seconds){{end}}.

Respond with JSON only, using exactly these keys:
{"score": number from 0 to 10, "summary": string, "strengths": [string], "improvements": [string], "sentiment": "positive" | "neutral" | "negative"}

Transcript:
{{.Transcript}}
`))

func BuildPrompt(call CallContext) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, call); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

type Evaluator struct {
	generator Generator
}

// NewEvaluator accepts a nil generator; Evaluate then reports ErrNotConfigured.
func NewEvaluator(generator Generator) *Evaluator {
	return &Evaluator{generator: generator}
}

func (e *Evaluator) Evaluate(ctx context.Context, call CallContext) (Evaluation, error) {
	if e == nil || e.generator == nil {
		return Evaluation{}, ErrNotConfigured
	}
	if strings.TrimSpace(call.Transcript) == "" {
		return Evaluation{}, errors.New("call has no transcript")
	}
	prompt, err := BuildPrompt(call)
	if err != nil {
		return Evaluation{}, err
	}
	text, err := e.generator.Generate(ctx, prompt)
	if err != nil {
		return Evaluation{}, err
	}
	return ParseEvaluation(text)
}

// ParseEvaluation reads the model reply, tolerating a markdown code fence around the JSON.
func ParseEvaluation(text string) (Evaluation, error) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var out Evaluation
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if out.Score < 0 {
		out.Score = 0
	}
	if out.Score > 10 {
		out.Score = 10
	}
	if out.Strengths == nil {
		out.Strengths = []string{}
	}
	if out.Improvements == nil {
		out.Improvements = []string{}
	}
	switch out.Sentiment {
	case "positive", "neutral", "negative":
	default:
		out.Sentiment = "neutral"
	}
	return out, nil
}
