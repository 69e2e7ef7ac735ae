package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Provider identifies a cloud provider.
type Provider string

// Supported providers
const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

// Validate checks if the provider is supported.
func (p Provider) Validate() error {
	switch p {
	case ProviderAWS, ProviderAzure, ProviderGCP:
		return nil
	default:
		return fmt.Errorf("invalid provider: %s", p)
	}
}

// ResourceType is the kind of infrastructure a ResourceSpec describes.
type ResourceType string

const (
	ResourceCompute      ResourceType = "compute"
	ResourceStorage      ResourceType = "storage"
	ResourceDatabase     ResourceType = "database"
	ResourceNetwork      ResourceType = "network"
	ResourceContainer    ResourceType = "container"
	ResourceServerless   ResourceType = "serverless"
	ResourceLoadBalancer ResourceType = "load_balancer"
	ResourceDNS          ResourceType = "dns"
	ResourceCDN          ResourceType = "cdn"
	ResourceQueue        ResourceType = "queue"
	ResourceCache        ResourceType = "cache"
)

// Validate checks if the resource type is known.
func (t ResourceType) Validate() error {
	if _, ok := resourcePriority[t]; !ok {
		return fmt.Errorf("invalid resource type: %s", t)
	}
	return nil
}

// Strategy is the rollout strategy of a deployment.
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue_green"
	StrategyCanary    Strategy = "canary"
)

// Validate checks if the strategy is valid.
func (s Strategy) Validate() error {
	switch s {
	case StrategyRolling, StrategyBlueGreen, StrategyCanary:
		return nil
	default:
		return fmt.Errorf("invalid strategy: %s", s)
	}
}

// Environment is the target environment of a deployment.
type Environment string

const (
	EnvironmentDev        Environment = "dev"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	switch e {
	case EnvironmentDev, EnvironmentStaging, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// Action is the operation a plan step performs on its resource.
type Action string

// Plan step actions
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionNoop   Action = "noop"
)

// Inverse returns the action that undoes a.
// Updates are re-applied with the recorded properties, so they invert to themselves.
func (a Action) Inverse() Action {
	switch a {
	case ActionCreate:
		return ActionDelete
	case ActionDelete:
		return ActionCreate
	default:
		return a
	}
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// RiskLevel is the ordinal risk score of a plan.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels from 1 (LOW) to 4 (CRITICAL).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Severity is the ordinal severity of a drift finding.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; NONE is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ResourceSpec describes a single piece of desired infrastructure.
// It is a value object: two specs are equal when all their fields are equal.
type ResourceSpec struct {
	// Type is the kind of resource (compute, network, ...)
	Type ResourceType `json:"type" yaml:"type" validate:"required"`

	// Provider is the cloud the resource lives in
	Provider Provider `json:"provider" yaml:"provider" validate:"required,oneof=aws azure gcp"`

	// Region is the provider region, e.g. us-east-1
	Region string `json:"region" yaml:"region" validate:"required"`

	// Name is unique per provider, region and type
	Name string `json:"name" yaml:"name" validate:"required"`

	// Properties holds provider-specific settings. Values must be primitives.
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Tags are copied onto the provisioned resource and compared by drift scans
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Identifier returns the stable provider/region/type/name identifier of the resource.
func (r ResourceSpec) Identifier() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Provider, r.Region, r.Type, r.Name)
}

// Equal reports whether two specs describe the same resource with the same properties.
func (r ResourceSpec) Equal(other ResourceSpec) bool {
	return r.Type == other.Type &&
		r.Provider == other.Provider &&
		r.Region == other.Region &&
		r.Name == other.Name &&
		reflect.DeepEqual(normalizeProps(r.Properties), normalizeProps(other.Properties)) &&
		reflect.DeepEqual(normalizeTags(r.Tags), normalizeTags(other.Tags))
}

// Validate checks the spec's enums and required fields.
func (r ResourceSpec) Validate() error {
	if err := r.Type.Validate(); err != nil {
		return err
	}
	if err := r.Provider.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Region) == "" {
		return fmt.Errorf("resource %s: region is required", r.Name)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("resource of type %s: name is required", r.Type)
	}
	for k, v := range r.Properties {
		if !isPrimitive(v) {
			return fmt.Errorf("resource %s: property %q must be a string, number or bool", r.Name, k)
		}
	}
	return nil
}

// Intent is a declarative request to deploy a set of resources.
type Intent struct {
	// Name is a human-readable deployment name
	Name string `json:"name" yaml:"name" validate:"required,max=255"`

	// Description is free text shown alongside the deployment
	Description string `json:"description" yaml:"description" validate:"max=4096"`

	// TenantID scopes the deployment for listing
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// InitiatedBy records who submitted the intent
	InitiatedBy string `json:"initiated_by" yaml:"initiated_by"`

	// TargetProviders lists the clouds the deployment may touch
	TargetProviders []Provider `json:"target_providers" yaml:"target_providers" validate:"required,min=1,dive,oneof=aws azure gcp"`

	// TargetRegions lists the regions; the first one is used for default steps
	TargetRegions []string `json:"target_regions" yaml:"target_regions" validate:"required,min=1,dive,required"`

	// Resources is the desired infrastructure. When empty, the planner
	// generates a network and compute pair per provider.
	Resources []ResourceSpec `json:"resources,omitempty" yaml:"resources,omitempty" validate:"dive"`

	// Strategy is the rollout strategy (default rolling)
	Strategy Strategy `json:"strategy" yaml:"strategy" validate:"omitempty,oneof=rolling blue_green canary"`

	// Environment is the target environment (default staging)
	Environment Environment `json:"environment" yaml:"environment" validate:"omitempty,oneof=dev staging production"`

	// AutoApprove skips AWAITING_APPROVAL when the plan gate allows it
	AutoApprove bool `json:"auto_approve" yaml:"auto_approve"`

	// RollbackOnFailure starts a rollback when a task dead-letters (default true)
	RollbackOnFailure *bool `json:"rollback_on_failure,omitempty" yaml:"rollback_on_failure,omitempty"`

	// Parameters are passed through to the executor unchanged
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ApplyDefaults fills the optional fields with their defaults.
func (i *Intent) ApplyDefaults() {
	if i.Strategy == "" {
		i.Strategy = StrategyRolling
	}
	if i.Environment == "" {
		i.Environment = EnvironmentStaging
	}
	if i.RollbackOnFailure == nil {
		v := true
		i.RollbackOnFailure = &v
	}
}

// Validate checks the intent after defaults have been applied.
func (i *Intent) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return NewValidationError("intent name is required", nil)
	}
	if len(i.TargetProviders) == 0 {
		return NewValidationError("at least one target provider is required", nil)
	}
	for _, p := range i.TargetProviders {
		if err := p.Validate(); err != nil {
			return NewValidationError("invalid target provider", err)
		}
	}
	if len(i.TargetRegions) == 0 {
		return NewValidationError("at least one target region is required", nil)
	}
	if err := i.Strategy.Validate(); err != nil {
		return NewValidationError("invalid strategy", err)
	}
	if err := i.Environment.Validate(); err != nil {
		return NewValidationError("invalid environment", err)
	}
	seen := make(map[string]bool, len(i.Resources))
	for _, r := range i.Resources {
		if err := r.Validate(); err != nil {
			return NewValidationError("invalid resource", err)
		}
		if seen[r.Identifier()] {
			return NewValidationError(fmt.Sprintf("duplicate resource %s", r.Identifier()), nil)
		}
		seen[r.Identifier()] = true
	}
	return nil
}

// ProviderSet returns the distinct providers named by the intent and its resources, sorted.
func ProviderSet(providers []Provider, resources []ResourceSpec) []Provider {
	set := make(map[Provider]bool)
	for _, p := range providers {
		set[p] = true
	}
	for _, r := range resources {
		set[r.Provider] = true
	}
	out := make([]Provider, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func isPrimitive(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func normalizeProps(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

func normalizeTags(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
