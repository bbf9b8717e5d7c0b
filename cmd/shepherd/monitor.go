package main

import (
	"fmt"

	"github.com/cuemby/shepherd/pkg/controller"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate the active release once",
	Long: `Run every health check against the active release and print the
verdict. Exits 1 when any check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		verdict := ctrl.Check(ctx)
		fmt.Printf("Release %s in %s\n", verdict.EnvironmentLabel, cfg.Environment)
		fmt.Printf("  Error rate: %.4f\n", verdict.ErrorRate)
		fmt.Printf("  p95 latency: %.0f ms\n", verdict.P95LatencyMs)
		fmt.Printf("  CPU: %.1f%%\n", verdict.CPUPercent)
		fmt.Printf("  Memory: %.1f%%\n", verdict.MemoryPercent)
		fmt.Printf("  Ready pods: %d/%d\n", verdict.ReadyPods, verdict.TotalPods)
		fmt.Println()

		if !verdict.Passed {
			for _, name := range verdict.FailedChecks {
				fmt.Printf("✗ %s: %s\n", name, verdict.Reasons[name])
			}
			return errSilent
		}
		fmt.Println("✓ All checks passed")
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the active release and roll back on sustained failure",
	Long: `Evaluate the active release every check interval. When the configured
number of consecutive evaluations fail, one rollback cascade runs and
counting starts over. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Monitoring %s every %s (rollback after %d failures)\n",
			cfg.Environment, cfg.Health.Interval, cfg.Thresholds.FailureCount)
		if listen != "" {
			fmt.Printf("  Endpoints: http://%s/health /ready /metrics /status\n", listen)
		}
		fmt.Println("Press Ctrl+C to stop.")

		if err := ctrl.Monitor(ctx, controller.MonitorOptions{Listen: listen, Version: Version}); err != nil {
			return err
		}
		fmt.Println("\n✓ Monitoring stopped")
		return nil
	},
}

func init() {
	monitorCmd.Flags().String("listen", "127.0.0.1:9102", "Address of the health and metrics endpoints (empty to disable)")
}
