package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DriftType classifies a drift finding.
type DriftType string

const (
	DriftPropertyChanged DriftType = "property_changed"
	DriftResourceAdded   DriftType = "resource_added"
	DriftResourceRemoved DriftType = "resource_removed"
	DriftTagMismatch     DriftType = "tag_mismatch"
)

// ScanType distinguishes scheduled scans from on-demand ones.
type ScanType string

const (
	ScanOnDemand  ScanType = "on_demand"
	ScanScheduled ScanType = "scheduled"
)

// PropertyDiff is a single property whose observed value differs from the declared one.
type PropertyDiff struct {
	// Path is the property name, or "tags.<key>" for tag differences
	Path     string      `json:"path"`
	Expected interface{} `json:"expected"`
	Observed interface{} `json:"observed"`
	Severity Severity    `json:"severity"`
}

// DriftFinding reports how one resource diverged.
type DriftFinding struct {
	ResourceID   string                 `json:"resource_id"`
	ResourceType ResourceType           `json:"resource_type"`
	DriftType    DriftType              `json:"drift_type"`
	Expected     map[string]interface{} `json:"expected,omitempty"`
	Observed     map[string]interface{} `json:"observed,omitempty"`
	Differences  []PropertyDiff         `json:"differences,omitempty"`

	// Severity is the highest severity among Differences, or the fixed
	// severity of an added or removed resource
	Severity Severity `json:"severity"`
}

// DriftReport is the immutable result of one drift scan.
type DriftReport struct {
	ID           string         `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	ScanType     ScanType       `json:"scan_type"`
	Findings     []DriftFinding `json:"findings"`

	// Severity is the maximum over all findings, NONE for a clean scan
	Severity Severity `json:"severity"`

	// Summary is a one-line human readable account of the findings
	Summary     string    `json:"summary"`
	GeneratedAt time.Time `json:"generated_at"`
}

// HasDrift reports whether the scan found anything.
func (r *DriftReport) HasDrift() bool {
	return len(r.Findings) > 0
}

// CountBySeverity tallies findings per severity.
func (r *DriftReport) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range r.Findings {
		counts[f.Severity]++
	}
	return counts
}

type severityRule struct {
	severity Severity
	keys     []string
}

// propertyRules is checked in order; the first rule with a matching key wins.
// A key matches when its words appear consecutively among the words of the
// property name, so "ami" matches "ami_id" but not "instance_family".
var propertyRules = []severityRule{
	{SeverityCritical, []string{
		"security_group", "security_groups", "firewall", "acl", "ingress", "egress", "iam",
		"policy", "public_access", "publicly_accessible", "encryption", "encrypted",
	}},
	{SeverityHigh, []string{"version", "image", "ami", "runtime", "port", "ports"}},
	{SeverityMedium, []string{
		"instance_type", "machine_type", "size", "sku", "tier", "cpu", "memory",
		"storage_gb", "capacity", "replicas", "node_count", "disk",
	}},
	{SeverityLow, []string{"description"}},
}

// PropertySeverity returns the severity of a change to the named property.
// Properties no rule names are MEDIUM.
func PropertySeverity(name string) Severity {
	words := propertyWords(name)
	for _, rule := range propertyRules {
		for _, k := range rule.keys {
			if containsRun(words, propertyWords(k)) {
				return rule.severity
			}
		}
	}
	return SeverityMedium
}

// propertyWords splits a property name on underscores, dots and dashes.
func propertyWords(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '.' || r == '-'
	})
}

// containsRun reports whether run appears as consecutive elements of words.
func containsRun(words, run []string) bool {
	if len(run) == 0 {
		return false
	}
	for i := 0; i+len(run) <= len(words); i++ {
		match := true
		for j := range run {
			if words[i+j] != run[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// DriftDetector compares declared resources against observed snapshots.
type DriftDetector struct{}

// NewDriftDetector creates a drift detector.
func NewDriftDetector() *DriftDetector {
	return &DriftDetector{}
}

// Detect builds a drift report. It is deterministic and has no side effects:
// the findings only depend on expected and observed, ordered by resource identifier.
//
// A declared resource absent from observed is CRITICAL; an observed resource
// nobody declared is HIGH; declared properties and tags are compared value by value.
func (d *DriftDetector) Detect(deploymentID string, expected, observed []ResourceSpec, at time.Time) *DriftReport {
	observedByID := make(map[string]ResourceSpec, len(observed))
	for _, o := range observed {
		observedByID[o.Identifier()] = o
	}
	expectedIDs := make(map[string]bool, len(expected))

	findings := make([]DriftFinding, 0)
	for _, e := range expected {
		id := e.Identifier()
		expectedIDs[id] = true

		o, ok := observedByID[id]
		if !ok {
			findings = append(findings, DriftFinding{
				ResourceID:   id,
				ResourceType: e.Type,
				DriftType:    DriftResourceRemoved,
				Expected:     copyProps(e.Properties),
				Severity:     SeverityCritical,
			})
			continue
		}

		if diffs := diffProperties(e.Properties, o.Properties); len(diffs) > 0 {
			findings = append(findings, DriftFinding{
				ResourceID:   id,
				ResourceType: e.Type,
				DriftType:    DriftPropertyChanged,
				Expected:     copyProps(e.Properties),
				Observed:     copyProps(o.Properties),
				Differences:  diffs,
				Severity:     maxDiffSeverity(diffs),
			})
		}
		if diffs := diffTags(e.Tags, o.Tags); len(diffs) > 0 {
			findings = append(findings, DriftFinding{
				ResourceID:   id,
				ResourceType: e.Type,
				DriftType:    DriftTagMismatch,
				Differences:  diffs,
				Severity:     SeverityLow,
			})
		}
	}

	for _, o := range observed {
		if expectedIDs[o.Identifier()] {
			continue
		}
		findings = append(findings, DriftFinding{
			ResourceID:   o.Identifier(),
			ResourceType: o.Type,
			DriftType:    DriftResourceAdded,
			Observed:     copyProps(o.Properties),
			Severity:     SeverityHigh,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].ResourceID < findings[j].ResourceID
	})

	overall := SeverityNone
	for _, f := range findings {
		overall = MaxSeverity(overall, f.Severity)
	}

	report := &DriftReport{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		ScanType:     ScanOnDemand,
		Findings:     findings,
		Severity:     overall,
		GeneratedAt:  at.UTC(),
	}
	report.Summary = summarizeDrift(report)
	return report
}

func diffProperties(expected, observed map[string]interface{}) []PropertyDiff {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	diffs := make([]PropertyDiff, 0)
	for _, k := range keys {
		ev := expected[k]
		ov, ok := observed[k]
		if ok && sameValue(ev, ov) {
			continue
		}
		diffs = append(diffs, PropertyDiff{
			Path:     k,
			Expected: ev,
			Observed: ov,
			Severity: PropertySeverity(k),
		})
	}
	return diffs
}

func diffTags(expected, observed map[string]string) []PropertyDiff {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	diffs := make([]PropertyDiff, 0)
	for _, k := range keys {
		ov, ok := observed[k]
		if ok && ov == expected[k] {
			continue
		}
		var observedValue interface{}
		if ok {
			observedValue = ov
		}
		diffs = append(diffs, PropertyDiff{
			Path:     "tags." + k,
			Expected: expected[k],
			Observed: observedValue,
			Severity: SeverityLow,
		})
	}
	return diffs
}

// sameValue compares primitives by their printed form so 16 and 16.0 decoded
// from different sources compare equal.
func sameValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func maxDiffSeverity(diffs []PropertyDiff) Severity {
	s := SeverityNone
	for _, d := range diffs {
		s = MaxSeverity(s, d.Severity)
	}
	return s
}

func summarizeDrift(r *DriftReport) string {
	if !r.HasDrift() {
		return "No drift detected"
	}
	resources := make(map[string]bool)
	for _, f := range r.Findings {
		resources[f.ResourceID] = true
	}
	counts := r.CountBySeverity()
	parts := make([]string, 0, 4)
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], strings.ToLower(string(s))))
		}
	}
	return fmt.Sprintf("%d drift findings across %d resources (%s), overall severity %s",
		len(r.Findings), len(resources), strings.Join(parts, ", "), r.Severity)
}

func copyProps(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExpectedResources returns the resources a completed deployment should have:
// every resource its forward plan creates or updates.
func (d *Deployment) ExpectedResources() []ResourceSpec {
	if d.Plan == nil {
		return append([]ResourceSpec(nil), d.Resources...)
	}
	specs := make([]ResourceSpec, 0, len(d.Plan.Steps))
	for _, s := range d.Plan.Steps {
		if s.Action == ActionCreate || s.Action == ActionUpdate {
			specs = append(specs, s.Resource)
		}
	}
	return specs
}
