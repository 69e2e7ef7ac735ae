package policy

import (
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks auto-approval.
	SeverityWarning Severity = "warning"

	// SeverityError blocks auto-approval.
	SeverityError Severity = "error"

	// SeverityCritical blocks auto-approval.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity keeps a plan from
// being approved automatically.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a "deny" set whose
// members are strings or objects with message, severity and resource keys.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Builtin     bool                   `json:"builtin"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of reviewing one plan.
type Result struct {
	// Allowed is false when any violation is blocking or a policy failed to evaluate.
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Errors            []string      `json:"errors,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Reasons flattens blocking violations and evaluation errors into messages.
func (r *Result) Reasons() []string {
	reasons := make([]string, 0, len(r.Violations)+len(r.Errors))
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			reasons = append(reasons, v.Policy+": "+v.Message)
		}
	}
	reasons = append(reasons, r.Errors...)
	return reasons
}

// Input is the document policies see as "input".
type Input struct {
	Deployment DeploymentInput       `json:"deployment"`
	Plan       *engine.ExecutionPlan `json:"plan"`
	Context    Context               `json:"context"`
}

// DeploymentInput is the subset of a deployment exposed to policies.
type DeploymentInput struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenant_id,omitempty"`
	Name            string             `json:"name"`
	Environment     engine.Environment `json:"environment"`
	Strategy        engine.Strategy    `json:"strategy"`
	TargetProviders []engine.Provider  `json:"target_providers"`
	TargetRegions   []string           `json:"target_regions"`
	AutoApprove     bool               `json:"auto_approve"`
	InitiatedBy     string             `json:"initiated_by,omitempty"`
}

// Context carries evaluation parameters.
type Context struct {
	Timestamp      time.Time `json:"timestamp"`
	Operation      string    `json:"operation"`
	MaxMonthlyCost float64   `json:"max_monthly_cost"`
}

// NewInput builds the policy input for a deployment's plan.
func NewInput(d *engine.Deployment, plan *engine.ExecutionPlan, maxMonthlyCost float64) Input {
	operation := "plan"
	if plan != nil && plan.Reverse {
		operation = "rollback"
	}
	return Input{
		Deployment: DeploymentInput{
			ID:              d.ID,
			TenantID:        d.TenantID,
			Name:            d.Name,
			Environment:     d.Environment,
			Strategy:        d.Strategy,
			TargetProviders: d.TargetProviders,
			TargetRegions:   d.TargetRegions,
			AutoApprove:     d.AutoApprove,
			InitiatedBy:     d.InitiatedBy,
		},
		Plan: plan,
		Context: Context{
			Timestamp:      time.Now().UTC(),
			Operation:      operation,
			MaxMonthlyCost: maxMonthlyCost,
		},
	}
}
