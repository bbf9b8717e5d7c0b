package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier delivers events to one channel
type Notifier interface {
	// Name identifies the channel in logs and metrics
	Name() string
	Notify(ctx context.Context, event types.Event) error
}

// Dispatcher fans an event out to every registered channel. Delivery failures
// are logged and counted, never returned to the caller.
type Dispatcher struct {
	environment string
	timeout     time.Duration
	logger      zerolog.Logger

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewDispatcher creates a dispatcher stamping events with environment. Each
// delivery is bounded by timeout.
func NewDispatcher(environment string, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		environment: environment,
		timeout:     timeout,
		logger:      log.WithEnvironment("notify", environment),
		notifiers:   notifiers,
	}
}

// Register adds a channel
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers = append(d.notifiers, n)
}

// Channels returns the names of the registered channels
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Emit builds an event and publishes it
func (d *Dispatcher) Emit(ctx context.Context, severity types.Severity, format string, args ...interface{}) {
	d.Publish(ctx, types.Event{
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Publish delivers event to every channel concurrently and waits for all of
// them. It never fails.
func (d *Dispatcher) Publish(ctx context.Context, event types.Event) {
	_ = d.deliver(ctx, event)
}

// Test delivers event and reports failed channels as a types.ErrNotification
func (d *Dispatcher) Test(ctx context.Context, event types.Event) error {
	return d.deliver(ctx, event)
}

func (d *Dispatcher) deliver(ctx context.Context, event types.Event) error {
	if event.Environment == "" {
		event.Environment = d.environment
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	notifiers := append([]Notifier(nil), d.notifiers...)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(notifiers))
	for i, n := range notifiers {
		wg.Add(1)
		go func(i int, n Notifier) {
			defer wg.Done()
			nctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			if err := n.Notify(nctx, event); err != nil {
				metrics.NotificationsFailedTotal.WithLabelValues(n.Name()).Inc()
				d.logger.Warn().
					Err(err).
					Str("channel", n.Name()).
					Str("severity", string(event.Severity)).
					Msg("Notification delivery failed")
				errs[i] = fmt.Errorf("%w: %s: %v", types.ErrNotification, n.Name(), err)
			}
		}(i, n)
	}
	wg.Wait()
	return errors.Join(errs...)
}
