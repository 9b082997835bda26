// Package calendar books CRM tasks as Google Calendar events.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var ErrNotConfigured = errors.New("google calendar not configured")

type Event struct {
	Summary     string
	Description string
	Start       time.Time
	Duration    time.Duration
	// TaskID is stored as a private extended property so events can be traced back.
	TaskID string
}

type Service struct {
	events     *gcal.EventsService
	calendarID string
}

func New(ctx context.Context, calendarID string, opts ...option.ClientOption) (*Service, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Service{events: svc.Events, calendarID: calendarID}, nil
}

// NewFromCredentials uses a service account key. Empty credentials return nil.
func NewFromCredentials(ctx context.Context, credentialsJSON, calendarID string) (*Service, error) {
	if credentialsJSON == "" {
		return nil, nil
	}
	return New(ctx, calendarID,
		option.WithCredentialsJSON([]byte(credentialsJSON)),
		option.WithScopes(gcal.CalendarEventsScope),
	)
}

// CreateEvent inserts the event and returns its calendar id.
func (s *Service) CreateEvent(ctx context.Context, event Event) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	if event.Start.IsZero() {
		return "", errors.New("event start is required")
	}
	duration := event.Duration
	if duration <= 0 {
		duration = 30 * time.Minute
	}

	body := &gcal.Event{
		Summary:     event.Summary,
		Description: event.Description,
		Start:       &gcal.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: event.Start.Add(duration).UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	if event.TaskID != "" {
		body.ExtendedProperties = &gcal.EventExtendedProperties{Private: map[string]string{"crm_task_id": event.TaskID}}
	}

	created, err := s.events.Insert(s.calendarID, body).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert calendar event: %w", err)
	}
	return created.Id, nil
}
