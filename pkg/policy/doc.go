// Package policy gates auto-approval of execution plans with Open Policy Agent.
//
// The Engine compiles a set of Rego modules once and evaluates each against
// every plan the orchestrator produces. A plan is auto-approved only when no
// enabled policy reports a violation of severity error or critical and every
// policy evaluated without error. Warnings are recorded but never block.
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx, policy.Config{
//	    Paths:          []string{"/etc/orchestrator/policies"},
//	    MaxMonthlyCost: 5000,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//
//	allowed, reasons, err := eng.Review(ctx, deployment, plan)
//
// # Built-in Policies
//
//  - production-risk: CRITICAL risk plans against production (critical)
//  - cost-ceiling: estimated monthly cost above Config.MaxMonthlyCost (error)
//  - production-deletes: forward plans deleting production resources (error)
//  - resource-naming: names outside [a-z0-9-] or longer than 63 characters (warning)
//  - required-tags: production resources without an owner tag (warning)
//
// # Custom Policies
//
// Custom policies are .rego files, named after the file, or .json documents
// carrying a Policy. The package must define a deny set:
//
//	# Production databases need a backup window.
//	# severity: error
//	package custom.backups
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.deployment.environment == "production"
//	    some step in input.plan.steps
//	    step.resource.type == "database"
//	    not step.resource.properties.backup_window
//	    violation := {
//	        "message": sprintf("%s has no backup window", [step.resource.name]),
//	        "resource": step.resource.name,
//	    }
//	}
//
// The input document has three keys: deployment (id, name, environment,
// strategy, target_providers, target_regions, auto_approve), plan (the
// ExecutionPlan as JSON) and context (timestamp, operation, max_monthly_cost).
//
// With Config.Watch set, the engine reloads its paths when a policy file is
// written, created, removed or renamed. A reload that fails keeps the previous
// policy set.
package policy
