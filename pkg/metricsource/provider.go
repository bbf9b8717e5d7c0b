package metricsource

import (
	"context"
	"time"
)

// Query selects the pods of one release
type Query struct {
	Namespace string
	App       string
	Label     string
}

// Usage is the average per-pod resource consumption of a release
type Usage struct {
	CPUCores    float64
	MemoryBytes float64
}

// Provider reads aggregate service metrics for a release
type Provider interface {
	// ErrorRate returns the fraction of failed requests over window, 0-1
	ErrorRate(ctx context.Context, q Query, window time.Duration) (float64, error)

	// LatencyP95 returns the 95th percentile request latency over window in milliseconds
	LatencyP95(ctx context.Context, q Query, window time.Duration) (float64, error)

	// ResourceUsage returns current CPU and memory usage averaged across pods
	ResourceUsage(ctx context.Context, q Query) (Usage, error)
}
