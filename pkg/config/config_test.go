package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	cfg := Default()
	cfg.App = "checkout"
	cfg.Image = "registry.example.com/checkout"
	return cfg
}

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.05, cfg.Thresholds.ErrorRate)
	assert.Equal(t, float64(2000), cfg.Thresholds.LatencyP95Ms)
	assert.Equal(t, float64(80), cfg.Thresholds.CPUPercent)
	assert.Equal(t, float64(85), cfg.Thresholds.MemoryPercent)
	assert.Equal(t, 3, cfg.Thresholds.FailureCount)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Rollback.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Rollout.Timeout)
	assert.Equal(t, []int{10, 25, 50, 75, 100}, cfg.Canary.Steps)
	assert.Equal(t, 5*time.Minute, cfg.Canary.StepDuration)
	assert.Equal(t, 30*time.Second, cfg.Canary.SampleInterval)
	assert.Equal(t, 30*time.Second, cfg.BlueGreen.StabilizationWait)
	assert.Equal(t, 5*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, 10, cfg.Health.ProbeRetries)
	assert.Equal(t, 5*time.Second, cfg.Health.ProbeRetryDelay)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing app", mutate: func(c *Config) { c.App = "" }, wantErr: true},
		{name: "missing image", mutate: func(c *Config) { c.Image = "" }, wantErr: true},
		{name: "error rate above 1", mutate: func(c *Config) { c.Thresholds.ErrorRate = 5 }, wantErr: true},
		{name: "zero latency threshold", mutate: func(c *Config) { c.Thresholds.LatencyP95Ms = 0 }, wantErr: true},
		{name: "cpu above 100", mutate: func(c *Config) { c.Thresholds.CPUPercent = 120 }, wantErr: true},
		{name: "zero failure count", mutate: func(c *Config) { c.Thresholds.FailureCount = 0 }, wantErr: true},
		{name: "bad cpu limit", mutate: func(c *Config) { c.Limits.CPU = "lots" }, wantErr: true},
		{name: "unknown probe type", mutate: func(c *Config) { c.Health.ProbeType = "grpc" }, wantErr: true},
		{name: "zero interval", mutate: func(c *Config) { c.Health.Interval = 0 }, wantErr: true},
		{name: "zero stabilization wait allowed", mutate: func(c *Config) { c.BlueGreen.StabilizationWait = 0 }},
		{name: "canary steps not ending at 100", mutate: func(c *Config) { c.Canary.Steps = []int{10, 50} }, wantErr: true},
		{name: "canary steps decreasing", mutate: func(c *Config) { c.Canary.Steps = []int{50, 25, 100} }, wantErr: true},
		{name: "sample interval beyond step", mutate: func(c *Config) { c.Canary.SampleInterval = time.Hour }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shepherd.yaml")
	content := `
environment: staging
namespace: shop
app: checkout
image: registry.example.com/checkout
thresholds:
  errorRate: 0.02
canary:
  steps: [20, 60, 100]
  stepDuration: 2m
rollback:
  stableRevisions: ["blue:4", "blue:3"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("SHEPHERD_THRESHOLDS_LATENCYP95MS", "1500")
	t.Setenv("SHEPHERD_NAMESPACE", "shop-override")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "shop-override", cfg.Namespace)
	assert.Equal(t, 0.02, cfg.Thresholds.ErrorRate)
	assert.Equal(t, float64(1500), cfg.Thresholds.LatencyP95Ms)
	assert.Equal(t, []int{20, 60, 100}, cfg.Canary.Steps)
	assert.Equal(t, 2*time.Minute, cfg.Canary.StepDuration)
	assert.Equal(t, []string{"blue:4", "blue:3"}, cfg.Rollback.StableRevisions)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Thresholds.FailureCount)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestLoadRejectsInvalidResult(t *testing.T) {
	// app and image have no defaults
	_, err := Load(NewViper(), "")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestLimits(t *testing.T) {
	cfg := validConfig()
	cfg.Limits.CPU = "500m"
	cfg.Limits.Memory = "512Mi"

	cores, err := cfg.CPULimitCores()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cores, 1e-9)

	mem, err := cfg.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, float64(512*1024*1024), mem)
}

func TestHealthURLAndImageRef(t *testing.T) {
	cfg := validConfig()
	cfg.Namespace = "shop"

	assert.Equal(t, "http://checkout-green.shop.svc.cluster.local/health", cfg.HealthURL("green"))
	assert.Equal(t, "registry.example.com/checkout:v2", cfg.ImageRef("v2"))
	assert.Equal(t, "registry.example.com/checkout", cfg.ImageRef(""))
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := validConfig()
	out, err := cfg.YAML()
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, cfg.Canary.Steps, decoded.Canary.Steps)
	assert.Equal(t, cfg.Health.Interval, decoded.Health.Interval)
	assert.Contains(t, string(out), "interval: 30s")
}
