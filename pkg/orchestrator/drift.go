package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// ScanDrift compares a COMPLETED deployment's expected resources with the
// cloud state, stores the report and publishes drift.detected when anything
// diverged.
func (s *Service) ScanDrift(ctx context.Context, id string) (*engine.DriftReport, error) {
	return s.scan(ctx, id, engine.ScanOnDemand)
}

// scan runs without the deployment lease: it only reads the deployment and
// appends to the drift history, which no state transition touches.
func (s *Service) scan(ctx context.Context, id string, scanType engine.ScanType) (report *engine.DriftReport, err error) {
	ctx, span := s.tracer.StartDeploymentSpan(ctx, "drift", id)
	defer func() { endSpan(span, err) }()

	if s.cloud == nil {
		return nil, engine.NewPermanentError("no cloud state source configured", nil).WithOperation("drift")
	}
	d, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != engine.DeploymentCompleted {
		return nil, engine.NewValidationError(fmt.Sprintf("drift scans need a COMPLETED deployment, %s is %s", d.ID, d.State), nil)
	}

	expected := d.ExpectedResources()
	observed, err := s.observe(ctx, expected)
	if err != nil {
		return nil, err
	}

	// The report is stored even when clean, so the history shows every scan
	report = s.detector.Detect(d.ID, expected, observed, s.now())
	report.ScanType = scanType
	if err := s.repo.SaveDriftReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save drift report: %w", err)
	}

	// drift type -> severity -> count
	findings := make(map[string]map[string]int)
	for _, f := range report.Findings {
		if findings[string(f.DriftType)] == nil {
			findings[string(f.DriftType)] = make(map[string]int)
		}
		findings[string(f.DriftType)][string(f.Severity)]++
	}
	s.metrics.RecordDriftScan(string(report.Severity), findings)

	if report.HasDrift() {
		s.publish(ctx, []engine.DomainEvent{engine.NewDomainEvent(engine.EventDriftDetected, d.ID, map[string]interface{}{
			"report_id": report.ID,
			"findings":  len(report.Findings),
			"severity":  string(report.Severity),
			"summary":   report.Summary,
			"scan_type": string(scanType),
		})})
	}

	s.logger.Info().
		Str("deployment_id", d.ID).
		Str("scan_type", string(scanType)).
		Int("findings", len(report.Findings)).
		Str("severity", string(report.Severity)).
		Msg("Drift scan completed")
	return report, nil
}

// observe snapshots every expected resource. With ReportUnmanaged set and an
// Inventory-capable cloud state, everything else in the same provider regions
// is added so the detector can report it as unmanaged.
func (s *Service) observe(ctx context.Context, expected []engine.ResourceSpec) ([]engine.ResourceSpec, error) {
	observed := make([]engine.ResourceSpec, 0, len(expected))
	seen := make(map[string]bool, len(expected))
	for _, spec := range expected {
		o, ok, err := s.cloud.Snapshot(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", spec.Identifier(), err)
		}
		if ok {
			observed = append(observed, o)
			seen[o.Identifier()] = true
		}
	}

	// Missing resources simply stay out of observed; the detector reports
	// them as removed. Listing regions is optional.
	inventory, ok := s.cloud.(engine.Inventory)
	if !s.cfg.ReportUnmanaged || !ok {
		return observed, nil
	}
	type region struct {
		provider engine.Provider
		name     string
	}
	listed := make(map[region]bool)
	for _, spec := range expected {
		r := region{provider: spec.Provider, name: spec.Region}
		if listed[r] {
			continue
		}
		listed[r] = true
		all, err := inventory.Inventory(ctx, r.provider, r.name)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", r.provider, r.name, err)
		}
		for _, o := range all {
			if !seen[o.Identifier()] {
				observed = append(observed, o)
				seen[o.Identifier()] = true
			}
		}
	}
	return observed, nil
}

// ScanCompleted runs a scheduled scan of every COMPLETED deployment and
// returns the reports that found drift.
func (s *Service) ScanCompleted(ctx context.Context) ([]*engine.DriftReport, error) {
	completed, err := s.repo.ListDeployments(ctx, engine.DeploymentFilter{State: engine.DeploymentCompleted, Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("failed to list completed deployments: %w", err)
	}
	// One failing deployment does not stop the sweep
	var drifted []*engine.DriftReport
	var errs []error
	for _, d := range completed {
		report, err := s.scan(ctx, d.ID, engine.ScanScheduled)
		if err != nil {
			errs = append(errs, fmt.Errorf("deployment %s: %w", d.ID, err))
			continue
		}
		if report.HasDrift() {
			drifted = append(drifted, report)
		}
	}
	return drifted, errors.Join(errs...)
}

// RunDriftScheduler calls ScanCompleted every DriftInterval until ctx is cancelled.
func (s *Service) RunDriftScheduler(ctx context.Context) error {
	// Disabled schedulers still block so they can sit in an errgroup
	if s.cfg.DriftInterval <= 0 || s.cloud == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.DriftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			drifted, err := s.ScanCompleted(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Scheduled drift scan had failures")
			}
			if len(drifted) > 0 {
				s.logger.Warn().Int("deployments", len(drifted)).Msg("Drift detected")
			}
		}
	}
}

// DriftReports returns the drift history of a deployment, newest first.
func (s *Service) DriftReports(ctx context.Context, id string, limit int) ([]*engine.DriftReport, error) {
	if _, err := s.repo.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListDriftReports(ctx, id, limit)
}
