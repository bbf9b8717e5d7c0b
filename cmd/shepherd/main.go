package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/controller"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errSilent marks failures that were already reported to the user
var errSilent = errors.New("")

var (
	v          = config.NewViper()
	configFile string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Shepherd - deployment orchestration with automated rollback",
	Long: `Shepherd rolls out new images with blue-green, canary or rolling
strategies, gates every step on health evidence and rolls back
automatically when a release keeps failing.

Configuration is read from --config, then SHEPHERD_* environment
variables, then command line flags.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shepherd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML config file")
	flags.StringP("environment", "e", "", "Environment name")
	flags.StringP("namespace", "n", "", "Kubernetes namespace")
	flags.String("app", "", "Application name")
	flags.String("image", "", "Image repository new tags are appended to")
	flags.String("kubeconfig", "", "Path to kubeconfig (in-cluster config when empty)")
	flags.String("data-dir", "", "Directory of the local state store")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON")

	flags.Float64("error-rate-threshold", 0, "Maximum error rate (0-1)")
	flags.Float64("latency-threshold", 0, "Maximum p95 latency in milliseconds")
	flags.Float64("cpu-threshold", 0, "Maximum CPU usage in percent of the limit")
	flags.Float64("memory-threshold", 0, "Maximum memory usage in percent of the limit")
	flags.Duration("check-interval", 0, "Interval between watchdog evaluations")
	flags.Int("failure-threshold", 0, "Consecutive failed evaluations that trigger a rollback")
	flags.Duration("rollback-timeout", 0, "Deadline of one rollback cascade")
	flags.StringSlice("stable-revision", nil, "Known good revision, tried in order (repeatable)")
	flags.StringSlice("webhook", nil, "JSON webhook endpoint (repeatable)")
	flags.StringSlice("slack-webhook", nil, "Slack incoming webhook endpoint (repeatable)")

	bindFlags(v, map[string]string{
		"environment":          "environment",
		"namespace":            "namespace",
		"app":                  "app",
		"image":                "image",
		"kubeconfig":           "kubeconfig",
		"data-dir":             "dataDir",
		"log-level":            "log.level",
		"log-json":             "log.json",
		"error-rate-threshold": "thresholds.errorRate",
		"latency-threshold":    "thresholds.latencyP95Ms",
		"cpu-threshold":        "thresholds.cpuPercent",
		"memory-threshold":     "thresholds.memoryPercent",
		"check-interval":       "health.interval",
		"failure-threshold":    "thresholds.failureCount",
		"rollback-timeout":     "rollback.timeout",
		"stable-revision":      "rollback.stableRevisions",
		"webhook":              "notify.webhooks",
		"slack-webhook":        "notify.slackWebhooks",
	})

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(emergencyCmd)
	rootCmd.AddCommand(testRollbackCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(configCmd)
}

// bindFlags binds persistent flags to config keys. Unset flags do not
// override file or environment values.
func bindFlags(v *viper.Viper, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	cfg = loaded

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return nil
}

// newController connects to the cluster described by the loaded config
func newController() (*controller.Controller, error) {
	ctrl, err := controller.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
