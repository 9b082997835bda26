package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func TestCreateEvent(t *testing.T) {
	var got gcal.Event
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt_123"}`))
	}))
	defer server.Close()

	svc, err := New(context.Background(), "team@example.com",
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	id, err := svc.CreateEvent(context.Background(), Event{Summary: "Site visit", Start: start, TaskID: "task_1"})
	require.NoError(t, err)

	assert.Equal(t, "evt_123", id)
	assert.Equal(t, "/calendars/team@example.com/events", gotPath)
	assert.Equal(t, "Site visit", got.Summary)
	assert.Equal(t, "2024-03-05T04:30:00Z", got.Start.DateTime)
	assert.Equal(t, "2024-03-05T05:00:00Z", got.End.DateTime)
	assert.Equal(t, "task_1", got.ExtendedProperties.Private["crm_task_id"])
}

func TestCreateEventValidation(t *testing.T) {
	var svc *Service
	_, err := svc.CreateEvent(context.Background(), Event{Start: time.Now()})
	assert.True(t, errors.Is(err, ErrNotConfigured))

	nilSvc, err := NewFromCredentials(context.Background(), "", "")
	require.NoError(t, err)
	assert.Nil(t, nilSvc)

	configured := &Service{calendarID: "primary"}
	_, err = configured.CreateEvent(context.Background(), Event{Summary: "No start"})
	assert.Error(t, err)
}
