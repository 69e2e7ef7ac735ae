package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// parallelOverhead is the share of a wave's non-critical durations added to its
	// longest step when estimating total duration.
	parallelOverhead = 0.25

	// Resource count and provider diversity thresholds for risk scoring.
	mediumRiskResources = 10
	highRiskResources   = 20
	mediumRiskProviders = 2
	highRiskProviders   = 3
)

// Planner turns a deployment intent into an execution plan.
// It is pure: the same intent always yields the same plan.
type Planner struct {
	catalog *Catalog
}

// NewPlanner creates a planner backed by the given catalog, or the default catalog if nil.
func NewPlanner(catalog *Catalog) *Planner {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Planner{catalog: catalog}
}

// Catalog returns the planner's lookup table.
func (p *Planner) Catalog() *Catalog {
	return p.catalog
}

// Plan builds the execution plan for an intent.
func (p *Planner) Plan(intent Intent) (*ExecutionPlan, error) {
	specs := intent.Resources
	if len(specs) == 0 {
		specs = DefaultResources(intent)
	}
	if len(specs) == 0 {
		return nil, NewPlanningError("intent has no resources and no target providers")
	}

	// Every resource must be supported by its provider before anything is ordered
	entries := make(map[string]CatalogEntry, len(specs))
	for _, r := range specs {
		e, ok := p.catalog.Lookup(r.Type, r.Provider)
		if !ok {
			return nil, NewPlanningError(
				fmt.Sprintf("unsupported resource type %s for provider %s", r.Type, r.Provider),
			).WithResource(r.Identifier())
		}
		entries[r.Identifier()] = e
	}

	// Dependencies come from the type rule table; the DAG rejects cycles and
	// yields a stable topological order
	deps := deriveDependencies(specs)

	b := NewDAGBuilder()
	for _, r := range specs {
		if err := b.AddNode(r.Identifier(), deps[r.Identifier()]...); err != nil {
			return nil, NewPlanningError(err.Error())
		}
	}
	g, err := b.Build()
	if err != nil {
		return nil, NewPlanningError(err.Error())
	}

	byID := make(map[string]ResourceSpec, len(specs))
	for _, r := range specs {
		byID[r.Identifier()] = r
	}

	// Step IDs follow the topological order, so dependencies always point
	// at earlier steps
	stepIDs := make(map[string]string, len(g.Order))
	steps := make([]PlanStep, 0, len(g.Order))
	var monthly float64
	for i, id := range g.Order {
		r := byID[id]
		e := entries[id]
		stepID := fmt.Sprintf("step-%03d", i+1)
		stepIDs[id] = stepID

		depIDs := make([]string, 0, len(deps[id]))
		for _, d := range deps[id] {
			depIDs = append(depIDs, stepIDs[d])
		}
		sort.Strings(depIDs)

		steps = append(steps, PlanStep{
			StepID:                   stepID,
			Name:                     stepName(ActionCreate, r),
			Resource:                 r,
			Action:                   ActionCreate,
			DependsOn:                depIDs,
			EstimatedDurationSeconds: int(e.Duration.Seconds()),
			EstimatedCost:            e.MonthlyCost,
		})
		monthly += e.MonthlyCost
	}

	plan := &ExecutionPlan{
		Steps:                    steps,
		EstimatedDurationSeconds: estimateDuration(g, steps, stepIDs),
		EstimatedMonthlyCost:     roundCents(monthly),
	}

	// Risk, reasoning and the ID are derived last; the ID hashes everything above
	providers := ProviderSet(nil, specs)
	risk, riskReasons := assessRisk(intent, len(steps), len(providers))
	plan.Risk = risk
	plan.Reasoning = buildReasoning(intent, plan, providers, riskReasons)
	plan.PlanID = "plan-" + planDigest(plan)

	return plan, nil
}

// DefaultResources synthesizes a network and a compute resource per target provider
// in the first target region, for intents that declare no resources.
func DefaultResources(intent Intent) []ResourceSpec {
	if len(intent.TargetRegions) == 0 {
		return nil
	}
	region := intent.TargetRegions[0]
	specs := make([]ResourceSpec, 0, 2*len(intent.TargetProviders))
	for _, provider := range intent.TargetProviders {
		for _, t := range []ResourceType{ResourceNetwork, ResourceCompute} {
			specs = append(specs, ResourceSpec{
				Type:     t,
				Provider: provider,
				Region:   region,
				Name:     fmt.Sprintf("%s-%s", intent.Name, t),
			})
		}
	}
	sort.SliceStable(specs, func(i, j int) bool {
		return resourcePriority[specs[i].Type] < resourcePriority[specs[j].Type]
	})
	return specs
}

// deriveDependencies applies the rule table to specs in the same provider and region.
func deriveDependencies(specs []ResourceSpec) map[string][]string {
	deps := make(map[string][]string, len(specs))
	for _, r := range specs {
		for _, requiredType := range dependencyRules[r.Type] {
			for _, other := range specs {
				if other.Type == requiredType &&
					other.Provider == r.Provider &&
					other.Region == r.Region &&
					other.Identifier() != r.Identifier() {
					deps[r.Identifier()] = append(deps[r.Identifier()], other.Identifier())
				}
			}
		}
	}
	return deps
}

// estimateDuration sums per-wave durations: the longest step of each wave plus a
// fraction of the remaining steps of that wave.
func estimateDuration(g *Graph, steps []PlanStep, stepIDs map[string]string) int {
	durations := make(map[string]int, len(steps))
	for _, s := range steps {
		durations[s.StepID] = s.EstimatedDurationSeconds
	}
	total := 0.0
	for _, wave := range g.Levels {
		longest, sum := 0, 0
		for _, id := range wave {
			d := durations[stepIDs[id]]
			sum += d
			if d > longest {
				longest = d
			}
		}
		total += float64(longest) + parallelOverhead*float64(sum-longest)
	}
	return int(math.Round(total))
}

// assessRisk scores a plan. Production without blue/green or canary is always
// CRITICAL; otherwise size, provider count and environment each raise the level.
func assessRisk(intent Intent, steps, providers int) (RiskLevel, []string) {
	if intent.Environment == EnvironmentProduction &&
		intent.Strategy != StrategyBlueGreen && intent.Strategy != StrategyCanary {
		return RiskCritical, []string{
			fmt.Sprintf("production deployment with %s strategy has no traffic-shifting safety net", intent.Strategy),
		}
	}

	risk := RiskLow
	reasons := make([]string, 0)
	raise := func(level RiskLevel, reason string) {
		if level.Rank() > risk.Rank() {
			risk = level
		}
		reasons = append(reasons, reason)
	}

	switch {
	case steps > highRiskResources:
		raise(RiskHigh, fmt.Sprintf("%d resources exceed %d", steps, highRiskResources))
	case steps > mediumRiskResources:
		raise(RiskMedium, fmt.Sprintf("%d resources exceed %d", steps, mediumRiskResources))
	}
	switch {
	case providers >= highRiskProviders:
		raise(RiskHigh, fmt.Sprintf("%d providers involved", providers))
	case providers >= mediumRiskProviders:
		raise(RiskMedium, fmt.Sprintf("%d providers involved", providers))
	}
	if intent.Environment == EnvironmentProduction {
		raise(RiskMedium, "production environment")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "single provider and small change set")
	}
	return risk, reasons
}

// buildReasoning writes the approver-facing explanation of a plan.
func buildReasoning(intent Intent, plan *ExecutionPlan, providers []Provider, riskReasons []string) string {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = string(p)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Generated %d execution steps for deployment to %s using %s strategy in %s environment.",
		len(plan.Steps), strings.Join(names, ", "), intent.Strategy, intent.Environment))

	links := make([]string, 0)
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			d, _ := plan.Step(dep)
			links = append(links, fmt.Sprintf("%s (%s %s) after %s (%s %s)",
				s.StepID, s.Resource.Type, s.Resource.Name, d.StepID, d.Resource.Type, d.Resource.Name))
		}
	}
	if len(links) == 0 {
		sb.WriteString(" Dependencies: none, all steps are independent.")
	} else {
		sb.WriteString(" Dependencies: " + strings.Join(links, "; ") + ".")
	}

	sb.WriteString(fmt.Sprintf(" Estimated duration %ds, estimated monthly cost $%.2f.",
		plan.EstimatedDurationSeconds, plan.EstimatedMonthlyCost))
	sb.WriteString(fmt.Sprintf(" Risk assessment: %s (%s).", plan.Risk, strings.Join(riskReasons, "; ")))
	return sb.String()
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
