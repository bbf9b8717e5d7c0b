/*
Package notify delivers controller events to operators.

Every event carries {severity, environment, message, timestamp}. A Dispatcher
fans each event out to the configured channels concurrently:

	d := notify.NewDispatcher("production", 10*time.Second,
		notify.NewLogNotifier(),
	)
	hook, _ := notify.NewWebhook("https://hooks.slack.com/services/...", notify.FormatSlack)
	d.Register(hook)
	d.Emit(ctx, types.SeverityCritical, "rollback cascade exhausted")

Webhook deliveries are retried with exponential backoff on network errors, 429
and 5xx responses. A channel that still fails is logged and counted in
shepherd_notifications_failed_total; the failure never reaches the caller.
*/
package notify
