package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestrator/pkg/config"
	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/policy"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile     string
		dotFile     string
		reverse     bool
		checkPolicy bool
		policyPaths []string
		maxCost     float64
	)

	cmd := &cobra.Command{
		Use:   "plan <intent-file>",
		Short: "Generate an execution plan for an intent file",
		Long: `Generate the execution plan of an intent without submitting it.

The intent is read from a .cue, .yaml, .yml or .json file and validated. The
plan lists one step per resource in dependency order with its estimated cost
and duration, the execution waves and the risk assessment.`,
		Example: `  # Print the plan
  orchestrator plan intent.cue

  # Save the plan and its dependency graph
  orchestrator plan intent.yaml --out plan.json --dot plan.dot

  # Show the rollback plan and evaluate policies
  orchestrator plan intent.yaml --reverse --policy --policy-path policies/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := config.LoadIntent(args[0])
			if err != nil {
				return err
			}

			plan, err := engine.NewPlanner(nil).Plan(*intent)
			if err != nil {
				return err
			}
			if reverse {
				plan = engine.ReversePlan(plan)
			}

			if dotFile != "" {
				dot, err := plan.DOT()
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT graph: %w", err)
				}
			}

			if checkPolicy {
				if err := evaluatePolicies(cmd, intent, plan, policyPaths, maxCost); err != nil {
					return err
				}
			}

			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create plan file: %w", err)
				}
				defer f.Close()
				if err := writeJSON(f, plan); err != nil {
					return err
				}
				log.Info().Str("out", outFile).Int("steps", len(plan.Steps)).Msg("Plan written")
				return nil
			}

			if jsonOutput {
				return printJSON(plan)
			}
			return printPlan(plan)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format to this file")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "output the rollback plan instead")
	cmd.Flags().BoolVar(&checkPolicy, "policy", false, "evaluate the plan against the policies")
	cmd.Flags().StringSliceVar(&policyPaths, "policy-path", nil, "extra policy files or directories")
	cmd.Flags().Float64Var(&maxCost, "max-monthly-cost", 0, "monthly cost ceiling for the cost policy")

	return cmd
}

func evaluatePolicies(cmd *cobra.Command, intent *engine.Intent, plan *engine.ExecutionPlan, paths []string, maxCost float64) error {
	pe, err := policy.NewEngine(cmd.Context(), policy.Config{Paths: paths, MaxMonthlyCost: maxCost}, log.Logger)
	if err != nil {
		return err
	}
	defer pe.Close()

	d, err := engine.NewDeployment(*intent)
	if err != nil {
		return err
	}
	result, err := pe.EvaluatePlan(cmd.Context(), d, plan)
	if err != nil {
		return err
	}
	for _, v := range result.Violations {
		log.Warn().Str("policy", v.Policy).Str("severity", string(v.Severity)).Msg(v.Message)
	}
	if !result.Allowed {
		log.Warn().Msg("Plan needs manual approval")
	}
	return nil
}

func printPlan(plan *engine.ExecutionPlan) error {
	fmt.Printf("Plan %s (%s risk)\n", plan.PlanID, plan.Risk)
	fmt.Printf("  %d steps, ~%ds, ~$%.2f/month\n\n", len(plan.Steps), plan.EstimatedDurationSeconds, plan.EstimatedMonthlyCost)

	waves, err := plan.Waves()
	if err != nil {
		return err
	}
	for i, wave := range waves {
		fmt.Printf("Wave %d:\n", i+1)
		for _, id := range wave {
			step, _ := plan.Step(id)
			deps := ""
			if len(step.DependsOn) > 0 {
				deps = " (after " + strings.Join(step.DependsOn, ", ") + ")"
			}
			fmt.Printf("  %-8s %s%s\n", step.Action, step.Resource.Identifier(), deps)
		}
	}
	if plan.Reasoning != "" {
		fmt.Printf("\n%s\n", plan.Reasoning)
	}
	return nil
}
