// Package telemetry provides the observability stack of the orchestrator.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value that the
// command layer builds from configuration and hands to the service and the
// worker agents.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Library packages accept a zerolog.Logger; pass tel.Logger.Zerolog() and
// derive component loggers from it:
//
//	logger := tel.Logger.Component("worker").Zerolog()
//	logger.Info().Str("task_id", task.ID).Msg("Task claimed")
//
// StartOperation stores an operation logger in the context, so handlers can
// log through zerolog.Ctx(ctx).
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartDeploymentSpan(ctx, "plan", deploymentID)
//	defer span.End()
//
// A nil or disabled Tracer yields no-op spans.
//
// # Metrics
//
// Metrics live on a private registry. Every record method is safe to call on
// a nil *Metrics, so components take an optional *Metrics without guarding
// each call site. Handler exposes the registry for /metrics; ServeMetrics runs
// a standalone endpoint for processes without an HTTP API.
package telemetry
