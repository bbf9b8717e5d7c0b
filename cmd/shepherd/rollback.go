package main

import (
	"fmt"

	"github.com/cuemby/shepherd/pkg/controller"
	"github.com/cuemby/shepherd/pkg/rollback"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the active release",
	Long: `Roll back the active release.

Without --to the recovery cascade runs: previous revision, known stable
revisions, the latest backup, and finally scale to zero. With --to only
the given revision is tried. A backup is taken first in both cases.

The active release is health checked first and the rollback is refused
when it passes, unless --force is given.

Examples:
  # Roll back a failing release
  shepherd rollback

  # Return to a specific revision regardless of health
  shepherd rollback --to blue:12 --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		force, _ := cmd.Flags().GetBool("force")

		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Rolling back %s...\n", cfg.Environment)
		result, err := ctrl.Rollback(ctx, controller.RollbackOptions{To: to, Force: force})
		printResult(result)
		if err != nil {
			return err
		}
		fmt.Println("✓ Rollback completed")
		return nil
	},
}

var emergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Run the full recovery cascade immediately",
	Long: `Run the full recovery cascade against the active release without
waiting for consecutive health check failures.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Emergency recovery of %s...\n", cfg.Environment)
		result, err := ctrl.Emergency(ctx)
		printResult(result)
		if err != nil {
			return err
		}
		fmt.Println("✓ Recovery completed")
		return nil
	},
}

var testRollbackCmd = &cobra.Command{
	Use:   "test-rollback",
	Short: "Verify that a rollback could run, without changing the live release",
	Long: `Check cluster connectivity, that a previous revision exists, that the
metrics provider answers, that a backup can be written and read back,
and that notifications are delivered. The live release is not changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		report := ctrl.TestRollback(ctx)
		for _, check := range report.Checks {
			mark := "✓"
			if !check.Passed {
				mark = "✗"
			}
			fmt.Printf("%s %-18s %s\n", mark, check.Name, check.Message)
		}
		if !report.Passed() {
			return errSilent
		}
		return nil
	},
}

func init() {
	rollbackCmd.Flags().String("to", "", "Revision to roll back to (e.g. blue:12)")
	rollbackCmd.Flags().Bool("force", false, "Roll back even when the active release is healthy")
}

func printResult(result *rollback.Result) {
	if result == nil {
		return
	}
	for _, a := range result.Attempts {
		source := a.SourceRevision
		if source == "" {
			source = "-"
		}
		fmt.Printf("  %-20s %-14s %-8s %s\n", a.StrategyTried, source, a.Outcome, a.Message)
	}
	if result.Recovered {
		fmt.Printf("  Recovered with %s, active release %s\n", result.Strategy, result.Traffic.ActiveVersion)
	}
	fmt.Println()
}
