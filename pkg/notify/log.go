package notify

import (
	"context"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// LogNotifier writes events to the controller log. It is always registered so
// every event leaves a trace even without configured webhooks.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log channel
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("events")}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) Notify(_ context.Context, event types.Event) error {
	var e *zerolog.Event
	switch event.Severity {
	case types.SeverityCritical, types.SeverityError:
		e = l.logger.Error()
	case types.SeverityWarning:
		e = l.logger.Warn()
	default:
		e = l.logger.Info()
	}
	e.Str("severity", string(event.Severity)).
		Str("environment", event.Environment).
		Time("event_time", event.Timestamp).
		Msg(event.Message)
	return nil
}
