package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recorder struct {
	name string
	err  error

	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, event types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) received() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

func TestDispatcherFanOut(t *testing.T) {
	ok := &recorder{name: "ok"}
	broken := &recorder{name: "broken", err: errors.New("connection refused")}
	d := NewDispatcher("production", time.Second, ok)
	d.Register(broken)

	// a failing channel never surfaces to the caller
	d.Emit(context.Background(), types.SeverityCritical, "cascade exhausted for %s", "blue")

	for _, r := range []*recorder{ok, broken} {
		events := r.received()
		require.Len(t, events, 1, r.name)
		assert.Equal(t, types.SeverityCritical, events[0].Severity)
		assert.Equal(t, "production", events[0].Environment)
		assert.Equal(t, "cascade exhausted for blue", events[0].Message)
		assert.False(t, events[0].Timestamp.IsZero())
	}

	err := d.Test(context.Background(), types.Event{Severity: types.SeverityInfo, Message: "test"})
	assert.ErrorIs(t, err, types.ErrNotification)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"ok", "broken"}, d.Channels())
}

func TestWebhookJSONPayload(t *testing.T) {
	var got types.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	hook, err := NewWebhook(server.URL, FormatJSON)
	require.NoError(t, err)

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, hook.Notify(context.Background(), types.Event{
		Severity:    types.SeverityWarning,
		Environment: "staging",
		Message:     "rollback started",
		Timestamp:   at,
	}))
	assert.Equal(t, types.SeverityWarning, got.Severity)
	assert.Equal(t, "staging", got.Environment)
	assert.Equal(t, "rollback started", got.Message)
	assert.True(t, at.Equal(got.Timestamp))
}

func TestWebhookSlackPayload(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer server.Close()

	hook, err := NewWebhook(server.URL, FormatSlack)
	require.NoError(t, err)
	require.NoError(t, hook.Notify(context.Background(), types.Event{
		Severity:    types.SeverityCritical,
		Environment: "production",
		Message:     "manual intervention required",
	}))
	assert.Contains(t, body["text"], ":rotating_light:")
	assert.Contains(t, body["text"], "production")
	assert.Contains(t, body["text"], "manual intervention required")
}

func TestWebhookRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   bool
	}{
		{name: "server errors are retried", status: http.StatusBadGateway, wantCalls: 3, wantErr: true},
		{name: "client errors are not retried", status: http.StatusBadRequest, wantCalls: 1, wantErr: true},
		{name: "success", status: http.StatusOK, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			hook, err := NewWebhook(server.URL, FormatJSON)
			require.NoError(t, err)
			hook.WithRetry(3, time.Millisecond)

			err = hook.Notify(context.Background(), types.Event{Message: "x"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestNewWebhookRejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://hooks.example.com", "not a url", "https://"} {
		_, err := NewWebhook(raw, FormatJSON)
		assert.ErrorIs(t, err, types.ErrConfiguration, raw)
	}
}

func TestWebhookNameHidesPath(t *testing.T) {
	hook, err := NewWebhook("https://hooks.slack.com/services/T000/B000/secret", FormatSlack)
	require.NoError(t, err)
	assert.Equal(t, "slack:hooks.slack.com", hook.Name())
}

func TestWebhookRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook, err := NewWebhook(server.URL, FormatJSON)
	require.NoError(t, err)
	hook.WithRetry(3, time.Millisecond).WithRateLimit(rate.Every(time.Hour), 1)

	require.NoError(t, hook.Notify(context.Background(), types.Event{Message: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = hook.Notify(ctx, types.Event{Message: "second"})
	assert.ErrorContains(t, err, "rate limited")
	assert.Equal(t, int32(1), calls.Load())
}
