package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/metricsource"
	"github.com/cuemby/shepherd/pkg/orchestrator"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// checkOrder is the order failed checks are reported in
var checkOrder = []types.CheckName{
	types.CheckApplication,
	types.CheckReadiness,
	types.CheckErrorRate,
	types.CheckLatency,
	types.CheckCPU,
	types.CheckMemory,
}

// Thresholds are the pass limits of the metric checks
type Thresholds struct {
	ErrorRate     float64
	LatencyP95Ms  float64
	CPUPercent    float64
	MemoryPercent float64
}

// Limits are the per-pod resource limits usage is compared against
type Limits struct {
	CPUCores    float64
	MemoryBytes float64
}

// EvaluatorConfig configures an Evaluator
type EvaluatorConfig struct {
	Namespace string
	App       string

	ProbeType       CheckType
	ProbeTimeout    time.Duration
	ProbeRetries    int
	ProbeRetryDelay time.Duration

	// CheckTimeout bounds each of the four sub-checks, EvaluationTimeout the whole round
	CheckTimeout      time.Duration
	EvaluationTimeout time.Duration
	MetricsWindow     time.Duration

	Thresholds Thresholds
	Limits     Limits
}

// Target is the release an evaluation runs against
type Target struct {
	Label string

	// URL of the application health endpoint, or host:port for TCP probes
	URL string
}

// Evaluator produces health verdicts. Evaluate has no side effects besides
// logging and metrics, so it is safe to call repeatedly.
type Evaluator struct {
	cfg       EvaluatorConfig
	readiness orchestrator.ReadinessReader
	provider  metricsource.Provider
	logger    zerolog.Logger
}

// NewEvaluator creates an evaluator reading pod readiness from readiness and
// service metrics from provider
func NewEvaluator(cfg EvaluatorConfig, readiness orchestrator.ReadinessReader, provider metricsource.Provider) *Evaluator {
	if cfg.ProbeType == "" {
		cfg.ProbeType = CheckTypeHTTP
	}
	if cfg.ProbeRetries < 1 {
		cfg.ProbeRetries = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Minute
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 3 * time.Minute
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 5 * time.Minute
	}
	return &Evaluator{
		cfg:       cfg,
		readiness: readiness,
		provider:  provider,
		logger:    log.WithComponent("health"),
	}
}

// outcome is what one sub-check hands back: the checks it failed and the
// observed values it wants recorded on the verdict
type outcome struct {
	failed  map[types.CheckName]string
	observe func(v *types.HealthVerdict)
}

func (o *outcome) fail(name types.CheckName, format string, args ...interface{}) {
	if o.failed == nil {
		o.failed = make(map[types.CheckName]string)
	}
	o.failed[name] = fmt.Sprintf(format, args...)
}

// Evaluate runs the application, readiness, traffic metric and resource
// checks concurrently and blocks until all of them returned or timed out.
// A sub-check that times out counts as failed.
func (e *Evaluator) Evaluate(ctx context.Context, target Target) types.HealthVerdict {
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
	defer cancel()

	subChecks := []struct {
		names []types.CheckName
		run   func(ctx context.Context, target Target) outcome
	}{
		{[]types.CheckName{types.CheckApplication}, e.checkApplication},
		{[]types.CheckName{types.CheckReadiness}, e.checkReadiness},
		{[]types.CheckName{types.CheckErrorRate, types.CheckLatency}, e.checkTraffic},
		{[]types.CheckName{types.CheckCPU, types.CheckMemory}, e.checkResources},
	}

	outcomes := make([]outcome, len(subChecks))
	var g errgroup.Group
	for i, sc := range subChecks {
		g.Go(func() error {
			outcomes[i] = e.bounded(ctx, sc.names, func(ctx context.Context) outcome {
				return sc.run(ctx, target)
			})
			return nil
		})
	}
	_ = g.Wait()

	verdict := types.HealthVerdict{
		Timestamp:        time.Now(),
		EnvironmentLabel: target.Label,
		Reasons:          make(map[types.CheckName]string),
	}
	for _, o := range outcomes {
		if o.observe != nil {
			o.observe(&verdict)
		}
		for name, reason := range o.failed {
			verdict.Reasons[name] = reason
		}
	}
	for _, name := range checkOrder {
		if _, failed := verdict.Reasons[name]; failed {
			verdict.FailedChecks = append(verdict.FailedChecks, name)
			metrics.HealthCheckFailuresTotal.WithLabelValues(string(name)).Inc()
		}
	}
	verdict.Passed = len(verdict.FailedChecks) == 0

	timer.ObserveDuration(metrics.HealthEvaluationDuration)
	result := "pass"
	if !verdict.Passed {
		result = "fail"
	}
	metrics.HealthEvaluationsTotal.WithLabelValues(result).Inc()

	event := e.logger.Debug()
	if !verdict.Passed {
		event = e.logger.Warn()
	}
	event.Str("label", target.Label).
		Bool("passed", verdict.Passed).
		Float64("error_rate", verdict.ErrorRate).
		Float64("p95_latency_ms", verdict.P95LatencyMs).
		Dur("duration", timer.Duration()).
		Msg(verdict.Reason())

	return verdict
}

// bounded runs fn with the sub-check timeout. fn runs in its own goroutine so
// a probe that ignores cancellation cannot hold up the verdict.
func (e *Evaluator) bounded(ctx context.Context, names []types.CheckName, fn func(ctx context.Context) outcome) outcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		ch <- fn(ctx)
	}()

	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		var o outcome
		for _, name := range names {
			o.fail(name, "timed out: %v", ctx.Err())
		}
		return o
	}
}

// Probe builds the application probe for target
func (e *Evaluator) Probe(target Target) (Checker, error) {
	switch e.cfg.ProbeType {
	case CheckTypeTCP:
		addr, err := TCPAddress(target.URL)
		if err != nil {
			return nil, err
		}
		return NewTCPChecker(addr).WithTimeout(e.cfg.ProbeTimeout), nil
	default:
		return NewHTTPChecker(target.URL).WithTimeout(e.cfg.ProbeTimeout), nil
	}
}

func (e *Evaluator) checkApplication(ctx context.Context, target Target) outcome {
	var o outcome
	probe, err := e.Probe(target)
	if err != nil {
		o.fail(types.CheckApplication, "%v", err)
		return o
	}

	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(e.cfg.ProbeRetries)),
		retry.Delay(e.cfg.ProbeRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		result := probe.Check(ctx)
		if !result.Healthy {
			return errors.New(result.Message)
		}
		return nil
	})
	if err != nil {
		o.fail(types.CheckApplication, "%v", err)
	}
	return o
}

func (e *Evaluator) checkReadiness(ctx context.Context, target Target) outcome {
	var o outcome
	ready, total, err := e.readiness.PodReadiness(ctx, target.Label)
	if err != nil {
		o.fail(types.CheckReadiness, "readiness unavailable: %v", err)
		return o
	}
	o.observe = func(v *types.HealthVerdict) {
		v.ReadyPods = ready
		v.TotalPods = total
	}
	switch {
	case total == 0:
		o.fail(types.CheckReadiness, "no pods match release %s", target.Label)
	case ready < total:
		o.fail(types.CheckReadiness, "%d/%d pods ready", ready, total)
	}
	return o
}

func (e *Evaluator) checkTraffic(ctx context.Context, target Target) outcome {
	var o outcome
	q := e.query(target)

	rate, rateErr := e.provider.ErrorRate(ctx, q, e.cfg.MetricsWindow)
	switch {
	case rateErr != nil:
		o.fail(types.CheckErrorRate, "metrics unavailable: %v", rateErr)
	case rate > e.cfg.Thresholds.ErrorRate:
		o.fail(types.CheckErrorRate, "error rate %.2f%% exceeds %.2f%%", rate*100, e.cfg.Thresholds.ErrorRate*100)
	}

	latency, latencyErr := e.provider.LatencyP95(ctx, q, e.cfg.MetricsWindow)
	switch {
	case latencyErr != nil:
		o.fail(types.CheckLatency, "metrics unavailable: %v", latencyErr)
	case latency > e.cfg.Thresholds.LatencyP95Ms:
		o.fail(types.CheckLatency, "p95 latency %.0fms exceeds %.0fms", latency, e.cfg.Thresholds.LatencyP95Ms)
	}

	o.observe = func(v *types.HealthVerdict) {
		if rateErr == nil {
			v.ErrorRate = rate
		}
		if latencyErr == nil {
			v.P95LatencyMs = latency
		}
	}
	return o
}

func (e *Evaluator) checkResources(ctx context.Context, target Target) outcome {
	var o outcome
	usage, err := e.provider.ResourceUsage(ctx, e.query(target))
	if err != nil {
		o.fail(types.CheckCPU, "metrics unavailable: %v", err)
		o.fail(types.CheckMemory, "metrics unavailable: %v", err)
		return o
	}

	cpu := percentOf(usage.CPUCores, e.cfg.Limits.CPUCores)
	mem := percentOf(usage.MemoryBytes, e.cfg.Limits.MemoryBytes)
	if cpu > e.cfg.Thresholds.CPUPercent {
		o.fail(types.CheckCPU, "cpu %.1f%% of limit exceeds %.0f%%", cpu, e.cfg.Thresholds.CPUPercent)
	}
	if mem > e.cfg.Thresholds.MemoryPercent {
		o.fail(types.CheckMemory, "memory %.1f%% of limit exceeds %.0f%%", mem, e.cfg.Thresholds.MemoryPercent)
	}
	o.observe = func(v *types.HealthVerdict) {
		v.CPUPercent = cpu
		v.MemoryPercent = mem
	}
	return o
}

func (e *Evaluator) query(target Target) metricsource.Query {
	return metricsource.Query{
		Namespace: e.cfg.Namespace,
		App:       e.cfg.App,
		Label:     target.Label,
	}
}

func percentOf(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return value / limit * 100
}
