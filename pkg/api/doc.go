/*
Package api serves the HTTP endpoints exposed while shepherd monitors an
environment.

	GET /health   liveness, 503 when a controller component reports unhealthy
	GET /ready    readiness, 503 until the watchdog has completed an evaluation
	GET /metrics  Prometheus exposition
	GET /status   traffic split, latest verdict and watchdog failure streak

The server is started by the monitor command next to the watchdog and is shut
down when monitoring stops.
*/
package api
