package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix is the prefix of every environment variable read by Shepherd
const EnvPrefix = "SHEPHERD"

// Config is the complete controller configuration for one environment
type Config struct {
	Environment  string `yaml:"environment" mapstructure:"environment"`
	Namespace    string `yaml:"namespace" mapstructure:"namespace"`
	App          string `yaml:"app" mapstructure:"app"`
	Image        string `yaml:"image" mapstructure:"image"`
	Replicas     int    `yaml:"replicas" mapstructure:"replicas"`
	Port         int    `yaml:"port" mapstructure:"port"`
	PrimaryLabel string `yaml:"primaryLabel" mapstructure:"primaryLabel"`
	Kubeconfig   string `yaml:"kubeconfig,omitempty" mapstructure:"kubeconfig"`
	DataDir      string `yaml:"dataDir" mapstructure:"dataDir"`

	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Thresholds ThresholdConfig  `yaml:"thresholds" mapstructure:"thresholds"`
	Limits     LimitsConfig     `yaml:"limits" mapstructure:"limits"`
	BlueGreen  BlueGreenConfig  `yaml:"blueGreen" mapstructure:"blueGreen"`
	Canary     CanaryConfig     `yaml:"canary" mapstructure:"canary"`
	Rollout    RolloutConfig    `yaml:"rollout" mapstructure:"rollout"`
	Rollback   RollbackConfig   `yaml:"rollback" mapstructure:"rollback"`
	Prometheus PrometheusConfig `yaml:"prometheus" mapstructure:"prometheus"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
}

// LogConfig controls logger output
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// HealthConfig controls the application probe and evaluation cadence
type HealthConfig struct {
	// URL of the application health endpoint. {app}, {label} and {namespace}
	// are substituted per evaluated release.
	URL               string        `yaml:"url" mapstructure:"url"`
	ProbeType         string        `yaml:"probeType" mapstructure:"probeType"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout" mapstructure:"probeTimeout"`
	ProbeRetries      int           `yaml:"probeRetries" mapstructure:"probeRetries"`
	ProbeRetryDelay   time.Duration `yaml:"probeRetryDelay" mapstructure:"probeRetryDelay"`
	CheckTimeout      time.Duration `yaml:"checkTimeout" mapstructure:"checkTimeout"`
	EvaluationTimeout time.Duration `yaml:"evaluationTimeout" mapstructure:"evaluationTimeout"`
	Interval          time.Duration `yaml:"interval" mapstructure:"interval"`
	MetricsWindow     time.Duration `yaml:"metricsWindow" mapstructure:"metricsWindow"`
}

// ThresholdConfig holds the pass/fail limits of the health gate
type ThresholdConfig struct {
	ErrorRate     float64 `yaml:"errorRate" mapstructure:"errorRate"`
	LatencyP95Ms  float64 `yaml:"latencyP95Ms" mapstructure:"latencyP95Ms"`
	CPUPercent    float64 `yaml:"cpuPercent" mapstructure:"cpuPercent"`
	MemoryPercent float64 `yaml:"memoryPercent" mapstructure:"memoryPercent"`
	FailureCount  int     `yaml:"failureCount" mapstructure:"failureCount"`
}

// LimitsConfig holds per-pod resource limits as Kubernetes quantities
type LimitsConfig struct {
	CPU    string `yaml:"cpu" mapstructure:"cpu"`
	Memory string `yaml:"memory" mapstructure:"memory"`
}

// BlueGreenConfig controls the blue-green strategy
type BlueGreenConfig struct {
	StabilizationWait time.Duration `yaml:"stabilizationWait" mapstructure:"stabilizationWait"`
	CleanupPrevious   bool          `yaml:"cleanupPrevious" mapstructure:"cleanupPrevious"`
}

// CanaryConfig controls the canary strategy
type CanaryConfig struct {
	Steps          []int         `yaml:"steps" mapstructure:"steps"`
	StepDuration   time.Duration `yaml:"stepDuration" mapstructure:"stepDuration"`
	SampleInterval time.Duration `yaml:"sampleInterval" mapstructure:"sampleInterval"`
}

// RolloutConfig controls orchestration calls made while rolling out
type RolloutConfig struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts" mapstructure:"retryAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay" mapstructure:"retryDelay"`
}

// RollbackConfig controls the recovery cascade
type RollbackConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	StableRevisions []string      `yaml:"stableRevisions" mapstructure:"stableRevisions"`
}

// PrometheusConfig points the metrics provider at a Prometheus server
type PrometheusConfig struct {
	Address        string        `yaml:"address" mapstructure:"address"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ErrorRateQuery string        `yaml:"errorRateQuery,omitempty" mapstructure:"errorRateQuery"`
	LatencyQuery   string        `yaml:"latencyQuery,omitempty" mapstructure:"latencyQuery"`
	CPUQuery       string        `yaml:"cpuQuery,omitempty" mapstructure:"cpuQuery"`
	MemoryQuery    string        `yaml:"memoryQuery,omitempty" mapstructure:"memoryQuery"`
}

// NotifyConfig lists notification channels
type NotifyConfig struct {
	Webhooks      []string      `yaml:"webhooks" mapstructure:"webhooks"`
	SlackWebhooks []string      `yaml:"slackWebhooks" mapstructure:"slackWebhooks"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Default returns a Config with the documented defaults
func Default() *Config {
	return &Config{
		Environment:  "production",
		Namespace:    "default",
		Replicas:     3,
		Port:         8080,
		PrimaryLabel: "blue",
		DataDir:      "./shepherd-data",
		Log: LogConfig{
			Level: "info",
		},
		Health: HealthConfig{
			URL:               "http://{app}-{label}.{namespace}.svc.cluster.local/health",
			ProbeType:         "http",
			ProbeTimeout:      5 * time.Second,
			ProbeRetries:      10,
			ProbeRetryDelay:   5 * time.Second,
			CheckTimeout:      2 * time.Minute,
			EvaluationTimeout: 3 * time.Minute,
			Interval:          30 * time.Second,
			MetricsWindow:     5 * time.Minute,
		},
		Thresholds: ThresholdConfig{
			ErrorRate:     0.05,
			LatencyP95Ms:  2000,
			CPUPercent:    80,
			MemoryPercent: 85,
			FailureCount:  3,
		},
		Limits: LimitsConfig{
			CPU:    "1",
			Memory: "1Gi",
		},
		BlueGreen: BlueGreenConfig{
			StabilizationWait: 30 * time.Second,
			CleanupPrevious:   true,
		},
		Canary: CanaryConfig{
			Steps:          []int{10, 25, 50, 75, 100},
			StepDuration:   5 * time.Minute,
			SampleInterval: 30 * time.Second,
		},
		Rollout: RolloutConfig{
			Timeout:       10 * time.Minute,
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
		},
		Rollback: RollbackConfig{
			Timeout: 10 * time.Minute,
		},
		Prometheus: PrometheusConfig{
			Address: "http://prometheus.monitoring.svc.cluster.local:9090",
			Timeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// NewViper returns a viper instance preloaded with defaults and bound to
// SHEPHERD_* environment variables. Nested keys use underscores, e.g.
// SHEPHERD_THRESHOLDS_ERRORRATE.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("environment", d.Environment)
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("app", d.App)
	v.SetDefault("image", d.Image)
	v.SetDefault("replicas", d.Replicas)
	v.SetDefault("port", d.Port)
	v.SetDefault("primaryLabel", d.PrimaryLabel)
	v.SetDefault("kubeconfig", d.Kubeconfig)
	v.SetDefault("dataDir", d.DataDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	v.SetDefault("health.url", d.Health.URL)
	v.SetDefault("health.probeType", d.Health.ProbeType)
	v.SetDefault("health.probeTimeout", d.Health.ProbeTimeout)
	v.SetDefault("health.probeRetries", d.Health.ProbeRetries)
	v.SetDefault("health.probeRetryDelay", d.Health.ProbeRetryDelay)
	v.SetDefault("health.checkTimeout", d.Health.CheckTimeout)
	v.SetDefault("health.evaluationTimeout", d.Health.EvaluationTimeout)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.metricsWindow", d.Health.MetricsWindow)

	v.SetDefault("thresholds.errorRate", d.Thresholds.ErrorRate)
	v.SetDefault("thresholds.latencyP95Ms", d.Thresholds.LatencyP95Ms)
	v.SetDefault("thresholds.cpuPercent", d.Thresholds.CPUPercent)
	v.SetDefault("thresholds.memoryPercent", d.Thresholds.MemoryPercent)
	v.SetDefault("thresholds.failureCount", d.Thresholds.FailureCount)

	v.SetDefault("limits.cpu", d.Limits.CPU)
	v.SetDefault("limits.memory", d.Limits.Memory)

	v.SetDefault("blueGreen.stabilizationWait", d.BlueGreen.StabilizationWait)
	v.SetDefault("blueGreen.cleanupPrevious", d.BlueGreen.CleanupPrevious)

	v.SetDefault("canary.steps", d.Canary.Steps)
	v.SetDefault("canary.stepDuration", d.Canary.StepDuration)
	v.SetDefault("canary.sampleInterval", d.Canary.SampleInterval)

	v.SetDefault("rollout.timeout", d.Rollout.Timeout)
	v.SetDefault("rollout.retryAttempts", d.Rollout.RetryAttempts)
	v.SetDefault("rollout.retryDelay", d.Rollout.RetryDelay)

	v.SetDefault("rollback.timeout", d.Rollback.Timeout)
	v.SetDefault("rollback.stableRevisions", d.Rollback.StableRevisions)

	v.SetDefault("prometheus.address", d.Prometheus.Address)
	v.SetDefault("prometheus.timeout", d.Prometheus.Timeout)
	v.SetDefault("prometheus.errorRateQuery", "")
	v.SetDefault("prometheus.latencyQuery", "")
	v.SetDefault("prometheus.cpuQuery", "")
	v.SetDefault("prometheus.memoryQuery", "")

	v.SetDefault("notify.webhooks", d.Notify.Webhooks)
	v.SetDefault("notify.slackWebhooks", d.Notify.SlackWebhooks)
	v.SetDefault("notify.timeout", d.Notify.Timeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the optional config file into v, decodes and validates the result
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file %s: %v", types.ErrConfiguration, configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %v", types.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field the controller depends on
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Environment == "" {
		invalid("environment is required")
	}
	if c.Namespace == "" {
		invalid("namespace is required")
	}
	if c.App == "" {
		invalid("app is required")
	}
	if c.Image == "" {
		invalid("image is required")
	}
	if c.Replicas < 1 {
		invalid("replicas must be at least 1, got %d", c.Replicas)
	}
	if c.Port < 1 || c.Port > 65535 {
		invalid("port must be within 1-65535, got %d", c.Port)
	}
	if c.PrimaryLabel == "" {
		invalid("primaryLabel is required")
	}
	if c.DataDir == "" {
		invalid("dataDir is required")
	}

	if c.Health.URL == "" {
		invalid("health.url is required")
	}
	if c.Health.ProbeType != "http" && c.Health.ProbeType != "tcp" {
		invalid("health.probeType must be http or tcp, got %q", c.Health.ProbeType)
	}
	if c.Health.ProbeRetries < 1 {
		invalid("health.probeRetries must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"health.probeTimeout":      c.Health.ProbeTimeout,
		"health.checkTimeout":      c.Health.CheckTimeout,
		"health.evaluationTimeout": c.Health.EvaluationTimeout,
		"health.interval":          c.Health.Interval,
		"health.metricsWindow":     c.Health.MetricsWindow,
		"canary.stepDuration":      c.Canary.StepDuration,
		"canary.sampleInterval":    c.Canary.SampleInterval,
		"rollout.timeout":          c.Rollout.Timeout,
		"rollback.timeout":         c.Rollback.Timeout,
		"prometheus.timeout":       c.Prometheus.Timeout,
		"notify.timeout":           c.Notify.Timeout,
	} {
		if d <= 0 {
			invalid("%s must be positive", name)
		}
	}
	if c.Health.ProbeRetryDelay < 0 {
		invalid("health.probeRetryDelay must not be negative")
	}
	if c.BlueGreen.StabilizationWait < 0 {
		invalid("blueGreen.stabilizationWait must not be negative")
	}

	if c.Thresholds.ErrorRate < 0 || c.Thresholds.ErrorRate > 1 {
		invalid("thresholds.errorRate must be within 0-1, got %v", c.Thresholds.ErrorRate)
	}
	if c.Thresholds.LatencyP95Ms <= 0 {
		invalid("thresholds.latencyP95Ms must be positive")
	}
	if c.Thresholds.CPUPercent <= 0 || c.Thresholds.CPUPercent > 100 {
		invalid("thresholds.cpuPercent must be within 1-100, got %v", c.Thresholds.CPUPercent)
	}
	if c.Thresholds.MemoryPercent <= 0 || c.Thresholds.MemoryPercent > 100 {
		invalid("thresholds.memoryPercent must be within 1-100, got %v", c.Thresholds.MemoryPercent)
	}
	if c.Thresholds.FailureCount < 1 {
		invalid("thresholds.failureCount must be at least 1")
	}

	if _, err := c.CPULimitCores(); err != nil {
		invalid("limits.cpu: %v", err)
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		invalid("limits.memory: %v", err)
	}

	if err := ValidateSteps(c.Canary.Steps); err != nil {
		invalid("canary.steps: %v", err)
	}
	if c.Canary.SampleInterval > c.Canary.StepDuration {
		invalid("canary.sampleInterval must not exceed canary.stepDuration")
	}

	if c.Rollout.RetryAttempts < 1 {
		invalid("rollout.retryAttempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", types.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ValidateSteps checks a canary weight sequence is strictly increasing
// within 1-100 and ends at 100
func ValidateSteps(steps []int) error {
	if len(steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	prev := 0
	for _, w := range steps {
		if w < 1 || w > 100 {
			return fmt.Errorf("weight %d out of range 1-100", w)
		}
		if w <= prev {
			return fmt.Errorf("weights must be strictly increasing, %d follows %d", w, prev)
		}
		prev = w
	}
	if prev != 100 {
		return fmt.Errorf("last weight must be 100, got %d", prev)
	}
	return nil
}

// CPULimitCores parses the per-pod CPU limit into cores
func (c *Config) CPULimitCores() (float64, error) {
	q, err := resource.ParseQuantity(c.Limits.CPU)
	if err != nil {
		return 0, err
	}
	if q.Sign() <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return float64(q.MilliValue()) / 1000, nil
}

// MemoryLimitBytes parses the per-pod memory limit into bytes
func (c *Config) MemoryLimitBytes() (float64, error) {
	q, err := resource.ParseQuantity(c.Limits.Memory)
	if err != nil {
		return 0, err
	}
	if q.Sign() <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return float64(q.Value()), nil
}

// HealthURL renders the health endpoint of the release carrying label
func (c *Config) HealthURL(label string) string {
	return strings.NewReplacer(
		"{app}", c.App,
		"{label}", label,
		"{namespace}", c.Namespace,
	).Replace(c.Health.URL)
}

// ImageRef joins the configured image repository with a tag
func (c *Config) ImageRef(tag string) string {
	if tag == "" {
		return c.Image
	}
	return c.Image + ":" + tag
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
