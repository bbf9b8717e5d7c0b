package main

import (
	"fmt"

	"github.com/cuemby/shepherd/pkg/deploy"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy --strategy STRATEGY --image-tag TAG",
	Short: "Roll out a new image",
	Long: `Roll out a new image tag with one of the supported strategies.

Strategies:
  blue-green  deploy to the idle color, verify, switch all traffic at once
  canary      shift traffic to a one replica canary in steps, then promote
  rolling     update the active release in place

Examples:
  # Canary rollout of v2.4.1
  shepherd deploy --strategy canary --image-tag v2.4.1

  # Show what a blue-green rollout would do
  shepherd deploy --strategy blue-green --image-tag v2.4.1 --dry-run`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().String("strategy", "", "Rollout strategy (blue-green, canary, rolling)")
	deployCmd.Flags().String("image-tag", "", "Image tag to deploy")
	deployCmd.Flags().Bool("dry-run", false, "Print the plan and walk it without changing the cluster")
	deployCmd.Flags().Bool("force", false, "Skip the health check of the active release")
	_ = deployCmd.MarkFlagRequired("strategy")
	_ = deployCmd.MarkFlagRequired("image-tag")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("strategy")
	tag, _ := cmd.Flags().GetString("image-tag")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")

	strategy, err := types.ParseStrategy(name)
	if err != nil {
		return err
	}

	ctrl, err := newController()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	fmt.Printf("Deploying %s to %s\n", cfg.ImageRef(tag), cfg.Environment)
	fmt.Printf("  Strategy: %s\n", strategy)
	if dryRun {
		steps, err := ctrl.Plan(strategy)
		if err != nil {
			return err
		}
		fmt.Println("  Plan (dry run):")
		for i, step := range steps {
			fmt.Printf("    %d. %s\n", i+1, step)
		}
	}
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	rev, err := ctrl.Deploy(ctx, deploy.Request{
		Strategy: strategy,
		ImageTag: tag,
		DryRun:   dryRun,
		Force:    force,
	})
	if rev != nil {
		printRevision(rev)
	}
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Println("✓ Dry run complete, no changes made")
	} else {
		fmt.Println("✓ Deployment completed")
	}
	return nil
}

func printRevision(rev *types.DeploymentRevision) {
	fmt.Printf("Revision %s\n", rev.ID)
	fmt.Printf("  Image: %s\n", rev.ImageRef)
	fmt.Printf("  Label: %s\n", rev.EnvironmentLabel)
	fmt.Printf("  Status: %s\n", rev.Status)
	if rev.StatusReason != "" {
		fmt.Printf("  Reason: %s\n", rev.StatusReason)
	}
	fmt.Println()
}
