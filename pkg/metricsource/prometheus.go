package metricsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"text/template"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
)

// Default PromQL templates. Each is rendered with Namespace, App, Label and Window.
const (
	DefaultErrorRateQuery = `sum(rate(http_requests_total{namespace="{{.Namespace}}",app="{{.App}}",track="{{.Label}}",status=~"5.."}[{{.Window}}]))` +
		` / sum(rate(http_requests_total{namespace="{{.Namespace}}",app="{{.App}}",track="{{.Label}}"}[{{.Window}}]))`

	DefaultLatencyQuery = `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket{namespace="{{.Namespace}}",app="{{.App}}",track="{{.Label}}"}[{{.Window}}]))) * 1000`

	DefaultCPUQuery = `avg(sum by (pod) (rate(container_cpu_usage_seconds_total{namespace="{{.Namespace}}",pod=~"{{.App}}-{{.Label}}-.*",container!=""}[{{.Window}}])))`

	DefaultMemoryQuery = `avg(sum by (pod) (container_memory_working_set_bytes{namespace="{{.Namespace}}",pod=~"{{.App}}-{{.Label}}-.*",container!=""}))`
)

// resourceWindow is the rate window of the CPU query
const resourceWindow = time.Minute

// PrometheusConfig configures the Prometheus provider. Empty queries use the defaults.
type PrometheusConfig struct {
	Address        string
	Timeout        time.Duration
	RetryAttempts  uint
	RetryDelay     time.Duration
	ErrorRateQuery string
	LatencyQuery   string
	CPUQuery       string
	MemoryQuery    string
}

// Prometheus reads metrics through the Prometheus HTTP API
type Prometheus struct {
	api       promv1.API
	cfg       PrometheusConfig
	errorRate *template.Template
	latency   *template.Template
	cpu       *template.Template
	memory    *template.Template
	logger    zerolog.Logger
}

type queryData struct {
	Namespace string
	App       string
	Label     string
	Window    string
}

// NewPrometheus creates a provider for the server at cfg.Address
func NewPrometheus(cfg PrometheusConfig) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid prometheus address %q: %v", types.ErrConfiguration, cfg.Address, err)
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	p := &Prometheus{
		api:    promv1.NewAPI(client),
		cfg:    cfg,
		logger: log.WithComponent("metricsource"),
	}

	parse := func(name, text, fallback string) (*template.Template, error) {
		if text == "" {
			text = fallback
		}
		t, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s query template: %v", types.ErrConfiguration, name, err)
		}
		return t, nil
	}
	if p.errorRate, err = parse("errorRate", cfg.ErrorRateQuery, DefaultErrorRateQuery); err != nil {
		return nil, err
	}
	if p.latency, err = parse("latency", cfg.LatencyQuery, DefaultLatencyQuery); err != nil {
		return nil, err
	}
	if p.cpu, err = parse("cpu", cfg.CPUQuery, DefaultCPUQuery); err != nil {
		return nil, err
	}
	if p.memory, err = parse("memory", cfg.MemoryQuery, DefaultMemoryQuery); err != nil {
		return nil, err
	}
	return p, nil
}

// ErrorRate implements Provider
func (p *Prometheus) ErrorRate(ctx context.Context, q Query, window time.Duration) (float64, error) {
	return p.query(ctx, p.errorRate, q, window)
}

// LatencyP95 implements Provider
func (p *Prometheus) LatencyP95(ctx context.Context, q Query, window time.Duration) (float64, error) {
	return p.query(ctx, p.latency, q, window)
}

// ResourceUsage implements Provider
func (p *Prometheus) ResourceUsage(ctx context.Context, q Query) (Usage, error) {
	cpu, err := p.query(ctx, p.cpu, q, resourceWindow)
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.query(ctx, p.memory, q, resourceWindow)
	if err != nil {
		return Usage{}, err
	}
	return Usage{CPUCores: cpu, MemoryBytes: mem}, nil
}

// Ping runs a trivial query to verify the server is reachable
func (p *Prometheus) Ping(ctx context.Context) error {
	_, _, err := p.api.Query(ctx, "vector(1)", time.Now(), promv1.WithTimeout(p.cfg.Timeout))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (p *Prometheus) query(ctx context.Context, tmpl *template.Template, q Query, window time.Duration) (float64, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, queryData{
		Namespace: q.Namespace,
		App:       q.App,
		Label:     q.Label,
		Window:    model.Duration(window).String(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to render %s query: %v", types.ErrConfiguration, tmpl.Name(), err)
	}
	promql := buf.String()

	var value float64
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.RetryAttempts),
		retry.Delay(p.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, types.ErrTransientInfra)
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug().Err(err).Str("query", tmpl.Name()).Uint("attempt", n+1).Msg("Prometheus query failed, retrying")
		}),
	).Do(func() error {
		result, warnings, err := p.api.Query(ctx, promql, time.Now(), promv1.WithTimeout(p.cfg.Timeout))
		if err != nil {
			return classify(err)
		}
		for _, w := range warnings {
			p.logger.Debug().Str("query", tmpl.Name()).Str("warning", w).Msg("Prometheus query warning")
		}
		value, err = firstSample(result)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prometheus %s query failed: %w", tmpl.Name(), err)
	}
	return value, nil
}

// firstSample reads the first sample of an instant query result. An empty
// vector or NaN reads as 0 since there is no traffic to judge.
func firstSample(result model.Value) (float64, error) {
	var f float64
	switch v := result.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, nil
		}
		f = float64(v[0].Value)
	case *model.Scalar:
		f = float64(v.Value)
	default:
		return 0, fmt.Errorf("unexpected result type %T", result)
	}
	if math.IsNaN(f) {
		return 0, nil
	}
	return f, nil
}

// classify marks connection and server-side failures as transient
func classify(err error) error {
	var apiErr *promv1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case promv1.ErrBadData, promv1.ErrExec, promv1.ErrBadResponse:
			return err
		}
	}
	return fmt.Errorf("%w: %w", types.ErrTransientInfra, err)
}
