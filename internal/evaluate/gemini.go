package evaluate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// Gemini generates completions through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini returns nil when no API key is configured.
func NewGemini(ctx context.Context, apiKey, model string, httpOptions genai.HTTPOptions) (*Gemini, error) {
	if apiKey == "" {
		return nil, nil
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: httpOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	temperature := float32(0.2)
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", gatewayError(err)
	}
	return result.Text(), nil
}

func gatewayError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return &GatewayError{Status: apiErr.Code, Message: "rate limit exceeded, try again later"}
		case http.StatusPaymentRequired:
			return &GatewayError{Status: apiErr.Code, Message: "llm credits exhausted"}
		}
	}
	return fmt.Errorf("generate content: %w", err)
}
