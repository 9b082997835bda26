package whatsapp

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Verify answers the subscription handshake. It returns the challenge to echo
// back and whether the request carried our verify token.
func (c *Client) Verify(mode, token, challenge string) (string, bool) {
	if c == nil || c.config.VerifyToken == "" || mode != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.config.VerifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

type InboundMessage struct {
	ID        string
	From      string
	Name      string
	Type      string
	Text      string
	Timestamp time.Time
}

type StatusUpdate struct {
	MessageID   string
	RecipientID string
	Status      string
	Timestamp   time.Time
}

type Event struct {
	Messages []InboundMessage
	Statuses []StatusUpdate
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Button struct {
						Text string `json:"text"`
					} `json:"button"`
				} `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					RecipientID string `json:"recipient_id"`
					Timestamp   string `json:"timestamp"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook flattens a webhook delivery into inbound messages and delivery statuses.
// Sender numbers are returned in E.164 form.
func ParseWebhook(body []byte) (Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Object != "" && payload.Object != "whatsapp_business_account" {
		return Event{}, fmt.Errorf("unexpected webhook object %q", payload.Object)
	}

	event := Event{Messages: []InboundMessage{}, Statuses: []StatusUpdate{}}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, m := range change.Value.Messages {
				text := m.Text.Body
				if text == "" {
					text = m.Button.Text
				}
				event.Messages = append(event.Messages, InboundMessage{
					ID:        m.ID,
					From:      "+" + m.From,
					Name:      names[m.From],
					Type:      m.Type,
					Text:      text,
					Timestamp: unixSeconds(m.Timestamp),
				})
			}
			for _, s := range change.Value.Statuses {
				event.Statuses = append(event.Statuses, StatusUpdate{
					MessageID:   s.ID,
					RecipientID: s.RecipientID,
					Status:      s.Status,
					Timestamp:   unixSeconds(s.Timestamp),
				})
			}
		}
	}
	return event, nil
}

func unixSeconds(value string) time.Time {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
