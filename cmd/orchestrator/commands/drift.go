package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

func newDriftCommand(info buildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection",
		Long: `Detect drift between what completed deployments declared and what the cloud
state reports.

Observed state comes from the executor driver's own view or from a snapshot
file, as configured by cloud_state.source.`,
	}

	cmd.AddCommand(newDriftScanCommand(info))
	cmd.AddCommand(newDriftHistoryCommand(info))

	return cmd
}

func newDriftScanCommand(info buildInfo) *cobra.Command {
	var failOnDrift bool

	cmd := &cobra.Command{
		Use:   "scan [deployment-id]",
		Short: "Scan one or every completed deployment",
		Example: `  # Scan every COMPLETED deployment
  orchestrator drift scan

  # Scan one deployment and print the report as JSON
  orchestrator drift scan 0b6f... --json

  # Exit non-zero when drift is found (for cron jobs)
  orchestrator drift scan --fail-on-drift`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings(info.Version)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, settings, runtimeNeeds{})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			var reports []*engine.DriftReport
			var scanErr error
			if len(args) == 1 {
				report, err := rt.service.ScanDrift(ctx, args[0])
				if err != nil {
					return err
				}
				reports = append(reports, report)
			} else {
				reports, scanErr = rt.service.ScanCompleted(ctx)
				if scanErr != nil {
					log.Warn().Err(scanErr).Msg("Some deployments could not be scanned")
				}
			}

			if jsonOutput {
				if err := printJSON(reports); err != nil {
					return err
				}
			} else {
				printDriftReports(reports)
			}

			drifted := 0
			for _, r := range reports {
				if r.HasDrift() {
					drifted++
				}
			}
			if failOnDrift && drifted > 0 {
				return fmt.Errorf("drift detected in %d deployments", drifted)
			}
			return scanErr
		},
	}

	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit with an error when drift is found")

	return cmd
}

func newDriftHistoryCommand(info buildInfo) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <deployment-id>",
		Short: "List the drift reports of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings(info.Version)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, settings, runtimeNeeds{})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			reports, err := rt.service.DriftReports(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(reports)
			}
			printDriftReports(reports)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of reports to show")

	return cmd
}

func printDriftReports(reports []*engine.DriftReport) {
	if len(reports) == 0 {
		fmt.Println("No drift detected")
		return
	}
	for _, r := range reports {
		fmt.Printf("%s  deployment %s  %s  %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"), r.DeploymentID, r.Severity, r.ScanType)
		fmt.Printf("  %s\n", r.Summary)
		for _, f := range r.Findings {
			fmt.Printf("  - %-8s %-16s %s\n", f.Severity, f.DriftType, f.ResourceID)
		}
	}
}
