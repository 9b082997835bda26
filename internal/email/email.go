// Package email sends campaign mail through Resend, or plain SMTP when Resend is not configured.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers one message and returns the provider message id when there is one.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Recipient is the data available to campaign templates.
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// Render expands a campaign body such as "Hi {{.Name}}" for one recipient.
func Render(body string, data Recipient) (string, error) {
	tmpl, err := template.New("campaign").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse campaign template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render campaign template: %w", err)
	}
	return buf.String(), nil
}

func formatFrom(name, address string) string {
	if strings.TrimSpace(name) == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

// Fallback tries each configured sender in order.
type Fallback []Sender

func (f Fallback) Send(ctx context.Context, msg Message) (string, error) {
	var errs []error
	for _, sender := range f {
		if sender == nil {
			continue
		}
		id, err := sender.Send(ctx, msg)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrNotConfigured
	}
	return "", errors.Join(errs...)
}
