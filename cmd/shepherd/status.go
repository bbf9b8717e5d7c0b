package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show traffic, revisions, the latest backup and recent rollbacks",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := ctrl.Status(ctx)
		if err != nil {
			return err
		}
		if output != "text" {
			return printStructured(output, report)
		}

		fmt.Printf("Environment: %s\n", report.Environment)
		fmt.Printf("  Active: %s\n", orDash(report.Traffic.ActiveVersion))
		if report.Traffic.CandidateVersion != "" {
			fmt.Printf("  Candidate: %s (%d%%)\n", report.Traffic.CandidateVersion, report.Traffic.CandidateWeight)
		}
		fmt.Printf("  Current revision: %s\n", orDash(report.CurrentRevision))
		fmt.Printf("  Previous revision: %s\n", orDash(report.PreviousRevision))
		if b := report.LatestBackup; b != nil {
			fmt.Printf("  Restore point: %s (%s, %s)\n", b.ID, orDash(b.RevisionBeforeChange), b.CreatedAt.Format(time.RFC3339))
		}
		if v := report.LastVerdict; v != nil {
			result := "passed"
			if !v.Passed {
				result = v.Reason()
			}
			fmt.Printf("  Last check: %s at %s\n", result, v.Timestamp.Format(time.RFC3339))
		}
		if len(report.RecentAttempts) > 0 {
			fmt.Println()
			fmt.Println("Recent rollback attempts:")
			printAttempts(report.RecentAttempts)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit trail of rollouts, rollbacks and health checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		history, err := ctrl.History(limit)
		if err != nil {
			return err
		}
		if output != "text" {
			return printStructured(output, history)
		}

		fmt.Println("Revisions:")
		for _, rev := range history.Revisions {
			fmt.Printf("  %s  %-10s %-36s %-14s %s\n",
				rev.UpdatedAt.Format(time.RFC3339), rev.Strategy, rev.ImageRef, rev.Status, rev.StatusReason)
		}
		fmt.Println()
		fmt.Println("Rollback attempts:")
		printAttempts(history.Attempts)
		fmt.Println()
		fmt.Println("Health verdicts:")
		for _, v := range history.Verdicts {
			result := "pass"
			if !v.Passed {
				result = v.Reason()
			}
			fmt.Printf("  %s  %-8s %s\n", v.Timestamp.Format(time.RFC3339), v.EnvironmentLabel, result)
		}
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage release backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		backups, err := ctrl.Backups()
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups found")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s  %s  %-8s %-12s %s\n", b.ID, b.CreatedAt.Format(time.RFC3339), b.EnvironmentLabel, orDash(string(b.Kind)), orDash(b.RevisionBeforeChange))
		}
		return nil
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune --keep N",
	Short: "Delete all but the newest N backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")

		ctrl, err := newController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		removed, err := ctrl.PruneBackups(keep)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d backups, kept the newest %d\n", removed, keep)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	historyCmd.Flags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	historyCmd.Flags().Int("limit", 20, "Entries per record kind (0 for all)")

	backupsPruneCmd.Flags().Int("keep", 0, "Number of newest backups to keep")
	_ = backupsPruneCmd.MarkFlagRequired("keep")

	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsPruneCmd)
	configCmd.AddCommand(configShowCmd)
}

func printAttempts(attempts []*types.RollbackAttempt) {
	for _, a := range attempts {
		fmt.Printf("  %s  %-18s %-20s %-14s %-8s %s\n",
			a.Timestamp.Format(time.RFC3339), a.TriggerReason, a.StrategyTried, orDash(a.SourceRevision), a.Outcome, a.Message)
	}
}

func printStructured(format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	return fmt.Errorf("unknown output format %q", format)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
