// Package whatsapp talks to the WhatsApp Business Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("whatsapp not configured")

type Config struct {
	Token         string
	PhoneNumberID string
	VerifyToken   string
	APIBase       string
}

type Client struct {
	config Config
	http   *http.Client
}

func NewClient(config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{config: config, http: httpClient}
}

func (c *Client) Configured() bool {
	return c != nil && c.config.Token != "" && c.config.PhoneNumberID != ""
}

// Outbound is either a free-form text or a pre-approved template message.
type Outbound struct {
	To               string
	Text             string
	TemplateName     string
	TemplateLanguage string
	TemplateParams   []string
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one message and returns the WhatsApp message id.
func (c *Client) Send(ctx context.Context, msg Outbound) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	to := strings.TrimPrefix(strings.TrimSpace(msg.To), "+")
	if to == "" {
		return "", errors.New("recipient phone is required")
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	if msg.TemplateName != "" {
		language := msg.TemplateLanguage
		if language == "" {
			language = "en"
		}
		template := map[string]any{
			"name":     msg.TemplateName,
			"language": map[string]string{"code": language},
		}
		if len(msg.TemplateParams) > 0 {
			params := make([]map[string]string, 0, len(msg.TemplateParams))
			for _, p := range msg.TemplateParams {
				params = append(params, map[string]string{"type": "text", "text": p})
			}
			template["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		payload["type"] = "template"
		payload["template"] = template
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": msg.Text, "preview_url": false}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode whatsapp message: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(c.config.APIBase, "/"), c.config.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("whatsapp returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("whatsapp returned %d", resp.StatusCode)
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode whatsapp response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", errors.New("whatsapp response had no message id")
	}
	return out.Messages[0].ID, nil
}
