package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/cuemby/shepherd/pkg/types"
	"golang.org/x/time/rate"
)

// Format selects the request body a webhook receives
type Format string

const (
	// FormatJSON posts the event as {severity, environment, message, timestamp}
	FormatJSON Format = "json"

	// FormatSlack posts a Slack incoming-webhook {"text": ...} payload
	FormatSlack Format = "slack"
)

var severityEmoji = map[types.Severity]string{
	types.SeverityInfo:     ":information_source:",
	types.SeverityWarning:  ":warning:",
	types.SeverityError:    ":x:",
	types.SeverityCritical: ":rotating_light:",
}

// Webhook posts events to an HTTP endpoint
type Webhook struct {
	url        string
	format     Format
	client     *http.Client
	attempts   uint
	retryDelay time.Duration
	limiter    *rate.Limiter
}

// NewWebhook creates a webhook channel. The endpoint must be an absolute
// http or https URL.
func NewWebhook(endpoint string, format Format) (*Webhook, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid webhook URL %q", types.ErrConfiguration, endpoint)
	}
	return &Webhook{
		url:        endpoint,
		format:     format,
		client:     &http.Client{},
		attempts:   3,
		retryDelay: time.Second,
		// Slack throttles incoming webhooks at about one message per second
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// WithRetry sets the number of delivery attempts and the initial backoff
func (w *Webhook) WithRetry(attempts uint, delay time.Duration) *Webhook {
	w.attempts = attempts
	w.retryDelay = delay
	return w
}

// WithRateLimit bounds deliveries, retries included, to r per second with
// bursts of up to burst requests
func (w *Webhook) WithRateLimit(r rate.Limit, burst int) *Webhook {
	w.limiter = rate.NewLimiter(r, burst)
	return w
}

// Name returns the channel name with the host only, so credentials embedded in
// the path never reach logs or metric labels
func (w *Webhook) Name() string {
	u, err := url.Parse(w.url)
	if err != nil {
		return string(w.format)
	}
	return string(w.format) + ":" + u.Host
}

func (w *Webhook) Notify(ctx context.Context, event types.Event) error {
	body, err := w.payload(event)
	if err != nil {
		return err
	}

	return retry.New(
		retry.Context(ctx),
		retry.Attempts(w.attempts),
		retry.Delay(w.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		if err := w.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(fmt.Errorf("webhook rate limited: %w", err))
		}
		return w.post(ctx, body)
	})
}

func (w *Webhook) payload(event types.Event) ([]byte, error) {
	if w.format == FormatSlack {
		emoji := severityEmoji[event.Severity]
		text := fmt.Sprintf("%s [%s] %s: %s", emoji, event.Severity, event.Environment, event.Message)
		return json.Marshal(map[string]string{"text": text})
	}
	return json.Marshal(event)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return retry.Unrecoverable(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
