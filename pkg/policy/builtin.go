package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionRiskPolicy(),
		costCeilingPolicy(),
		productionDeletesPolicy(),
		resourceNamingPolicy(),
		requiredTagsPolicy(),
	}
}

// productionRiskPolicy keeps critical-risk production plans out of auto-approval.
func productionRiskPolicy() Policy {
	return Policy{
		Name:        "production-risk",
		Description: "Critical-risk plans against production need a human approver",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"risk", "production"},
		Rego: `package orchestrator.policies.risk

import rego.v1

deny contains violation if {
	input.deployment.environment == "production"
	input.plan.risk == "CRITICAL"
	violation := {
		"message": sprintf("plan %s is CRITICAL risk against production", [input.plan.plan_id]),
		"severity": "critical",
	}
}
`,
	}
}

// costCeilingPolicy blocks plans whose estimated monthly cost exceeds the configured limit.
func costCeilingPolicy() Policy {
	return Policy{
		Name:        "cost-ceiling",
		Description: "Estimated monthly cost must stay under the configured ceiling",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cost"},
		Rego: `package orchestrator.policies.cost

import rego.v1

deny contains violation if {
	input.context.max_monthly_cost > 0
	input.plan.estimated_monthly_cost > input.context.max_monthly_cost
	violation := {
		"message": sprintf("estimated monthly cost %v exceeds the ceiling of %v", [input.plan.estimated_monthly_cost, input.context.max_monthly_cost]),
		"severity": "error",
	}
}
`,
	}
}

// productionDeletesPolicy requires review for forward plans that delete production resources.
func productionDeletesPolicy() Policy {
	return Policy{
		Name:        "production-deletes",
		Description: "Forward plans must not delete production resources without review",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "production"},
		Rego: `package orchestrator.policies.deletes

import rego.v1

deny contains violation if {
	input.deployment.environment == "production"
	not input.plan.reverse
	some step in input.plan.steps
	step.action == "delete"
	violation := {
		"message": sprintf("step %s deletes %s in production", [step.step_id, step.resource.name]),
		"severity": "error",
		"resource": step.resource.name,
	}
}
`,
	}
}

// resourceNamingPolicy enforces resource naming conventions.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are lowercase letters, digits and inner hyphens",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package orchestrator.policies.naming

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	name := step.resource.name
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("resource name '%s' must be lowercase alphanumeric with inner hyphens", [name]),
		"severity": "warning",
		"resource": name,
	}
}

deny contains violation if {
	some step in input.plan.steps
	name := step.resource.name
	count(name) > 63
	violation := {
		"message": sprintf("resource name '%s' exceeds 63 characters", [name]),
		"severity": "warning",
		"resource": name,
	}
}
`,
	}
}

// requiredTagsPolicy asks for an owner tag on production resources.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Production resources carry an owner tag",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"tagging", "production"},
		Rego: `package orchestrator.policies.tags

import rego.v1

deny contains violation if {
	input.deployment.environment == "production"
	some step in input.plan.steps
	step.action != "delete"
	not step.resource.tags.owner
	violation := {
		"message": sprintf("resource %s has no owner tag", [step.resource.name]),
		"severity": "warning",
		"resource": step.resource.name,
	}
}
`,
	}
}
