package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PlanStep is one unit of work in an execution plan.
type PlanStep struct {
	// StepID is unique within the plan and shared with its reverse
	StepID string `json:"step_id"`
	Name   string `json:"name"`

	Resource ResourceSpec `json:"resource"`
	Action   Action       `json:"action"`

	// DependsOn lists step IDs that must succeed first
	DependsOn []string `json:"depends_on"`

	// Estimates come from the planner's lookup tables
	EstimatedDurationSeconds int     `json:"estimated_duration_seconds"`
	EstimatedCost            float64 `json:"estimated_monthly_cost"`
}

// ExecutionPlan is an ordered, dependency-annotated list of steps with estimates.
// Dependencies only reference earlier steps.
type ExecutionPlan struct {
	// PlanID is a content hash, so identical intents produce identical IDs
	PlanID string     `json:"plan_id"`
	Steps  []PlanStep `json:"steps"`

	// Risk and Reasoning explain the plan to approvers
	Risk      RiskLevel `json:"risk"`
	Reasoning string    `json:"reasoning"`

	// Totals over all steps
	EstimatedDurationSeconds int     `json:"estimated_duration_seconds"`
	EstimatedMonthlyCost     float64 `json:"estimated_monthly_cost"`

	// Reverse marks a rollback plan built by ReversePlan
	Reverse bool `json:"reverse,omitempty"`
}

// Step returns the step with the given ID.
func (p *ExecutionPlan) Step(id string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// Validate checks that step IDs are unique and dependencies point backwards.
func (p *ExecutionPlan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.StepID == "" {
			return NewPlanningError("plan step has empty ID")
		}
		if seen[s.StepID] {
			return NewPlanningError(fmt.Sprintf("duplicate plan step ID: %s", s.StepID))
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return NewPlanningError(fmt.Sprintf("step %s depends on %s which does not precede it", s.StepID, dep))
			}
		}
		seen[s.StepID] = true
	}
	return nil
}

// Waves groups step IDs into levels that may execute concurrently.
func (p *ExecutionPlan) Waves() ([][]string, error) {
	g, err := p.graph()
	if err != nil {
		return nil, err
	}
	return g.Levels, nil
}

// DOT renders the plan's dependency graph in Graphviz DOT format.
func (p *ExecutionPlan) DOT() (string, error) {
	g, err := p.graph()
	if err != nil {
		return "", err
	}
	return g.ToDOT(p.PlanID, func(id string) string {
		s, _ := p.Step(id)
		return fmt.Sprintf("%s\n%s %s", id, s.Action, s.Resource.Identifier())
	}), nil
}

func (p *ExecutionPlan) graph() (*Graph, error) {
	b := NewDAGBuilder()
	for _, s := range p.Steps {
		if err := b.AddNode(s.StepID, s.DependsOn...); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// ReversePlan builds the plan that undoes p: steps in reverse order, actions
// inverted and dependency edges flipped so dependents are torn down first.
func ReversePlan(p *ExecutionPlan) *ExecutionPlan {
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}

	steps := make([]PlanStep, 0, len(p.Steps))
	total := 0
	for i := len(p.Steps) - 1; i >= 0; i-- {
		orig := p.Steps[i]
		action := orig.Action.Inverse()
		deps := make([]string, 0, len(dependents[orig.StepID]))
		// dependents were appended in forward order; reverse to match the new step order
		for j := len(dependents[orig.StepID]) - 1; j >= 0; j-- {
			deps = append(deps, dependents[orig.StepID][j])
		}
		cost := orig.EstimatedCost
		if action == ActionDelete {
			cost = 0
		}
		steps = append(steps, PlanStep{
			StepID:                   orig.StepID,
			Name:                     stepName(action, orig.Resource),
			Resource:                 orig.Resource,
			Action:                   action,
			DependsOn:                deps,
			EstimatedDurationSeconds: orig.EstimatedDurationSeconds,
			EstimatedCost:            cost,
		})
		total += orig.EstimatedDurationSeconds
	}

	risk := p.Risk
	if risk.Rank() < RiskHigh.Rank() {
		risk = RiskHigh
	}

	var monthly float64
	for _, s := range steps {
		monthly += s.EstimatedCost
	}

	rp := &ExecutionPlan{
		Steps:                    steps,
		Risk:                     risk,
		EstimatedDurationSeconds: p.EstimatedDurationSeconds,
		EstimatedMonthlyCost:     roundCents(monthly),
		Reverse:                  true,
		Reasoning: fmt.Sprintf(
			"Reverse plan for %s: %d steps in reverse order with inverted actions. Risk assessment: %s (destructive changes).",
			p.PlanID, len(steps), risk),
	}
	if rp.EstimatedDurationSeconds == 0 {
		rp.EstimatedDurationSeconds = total
	}
	rp.PlanID = "rollback-" + planDigest(rp)
	return rp
}

func stepName(action Action, r ResourceSpec) string {
	return fmt.Sprintf("%s %s %s", action, r.Type, r.Name)
}

// planDigest hashes the plan content (excluding its ID) into a short stable identifier.
func planDigest(p *ExecutionPlan) string {
	clone := *p
	clone.PlanID = ""
	data, err := json.Marshal(clone)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", clone))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}
