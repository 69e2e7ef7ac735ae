// Package api exposes the orchestration service over HTTP.
//
// All deployment endpoints are versioned under /api/v1. Handlers delegate to
// the service and map engine error kinds to status codes: a refused state
// transition is 409, a deployment whose lease is held elsewhere is 423, an
// unknown deployment is 404, an invalid request is 400 and a plan the planner
// cannot build is 422.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// DeploymentService is the orchestration surface the handlers call.
// orchestrator.Service implements it.
type DeploymentService interface {
	Submit(ctx context.Context, intent engine.Intent) (*engine.Deployment, error)
	Plan(ctx context.Context, id string) (*engine.Deployment, error)
	Approve(ctx context.Context, id, approver string) (*engine.Deployment, error)
	Reject(ctx context.Context, id, rejecter, reason string) (*engine.Deployment, error)
	Execute(ctx context.Context, id string) (*engine.Deployment, error)
	Rollback(ctx context.Context, id string) (*engine.Deployment, error)
	Cancel(ctx context.Context, id, reason string) (*engine.Deployment, error)
	Get(ctx context.Context, id string) (*engine.Deployment, error)
	List(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error)
	Tasks(ctx context.Context, id string) ([]*engine.Task, error)
	Events(ctx context.Context, id string) ([]engine.DomainEvent, error)
	ScanDrift(ctx context.Context, id string) (*engine.DriftReport, error)
	ScanCompleted(ctx context.Context) ([]*engine.DriftReport, error)
	DriftReports(ctx context.Context, id string, limit int) ([]*engine.DriftReport, error)
}

// ReadyFunc reports whether a dependency can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Handler holds the service and provides the HTTP handler methods.
type Handler struct {
	service   DeploymentService
	checks    map[string]ReadyFunc
	version   string
	startTime time.Time
}

// NewHandler creates a Handler. checks are run by the readiness endpoint,
// keyed by the dependency name reported on failure.
func NewHandler(service DeploymentService, version string, checks map[string]ReadyFunc) *Handler {
	if checks == nil {
		checks = map[string]ReadyFunc{}
	}
	return &Handler{
		service:   service,
		checks:    checks,
		version:   version,
		startTime: time.Now().UTC(),
	}
}

// RegisterRoutes sets up all API routes on the given engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)

	v1 := r.Group("/api/v1")
	{
		deployments := v1.Group("/deployments")
		{
			deployments.POST("", h.SubmitDeployment)
			deployments.GET("", h.ListDeployments)
			deployments.GET("/:id", h.GetDeployment)
			deployments.POST("/:id/plan", h.PlanDeployment)
			deployments.POST("/:id/approve", h.ApproveDeployment)
			deployments.POST("/:id/reject", h.RejectDeployment)
			deployments.POST("/:id/execute", h.ExecuteDeployment)
			deployments.POST("/:id/rollback", h.RollbackDeployment)
			deployments.POST("/:id/cancel", h.CancelDeployment)
			deployments.GET("/:id/tasks", h.ListTasks)
			deployments.GET("/:id/events", h.ListEvents)
			deployments.GET("/:id/drift", h.ListDriftReports)
		}

		v1.POST("/drift/scan", h.ScanDrift)
	}
}

// Health returns the overall status of the API process.
func (h *Handler) Health(c *gin.Context) {
	status, failures := h.readiness(c.Request.Context())
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
		"checks":  failures,
	})
}

// Live reports that the process is up.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready reports whether every dependency check passes.
func (h *Handler) Ready(c *gin.Context) {
	status, failures := h.readiness(c.Request.Context())
	if status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handler) readiness(ctx context.Context) (string, map[string]string) {
	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		return "degraded", failures
	}
	return "healthy", failures
}

// --- Deployment Handlers ---

// SubmitDeployment creates a PENDING deployment from an intent.
func (h *Handler) SubmitDeployment(c *gin.Context) {
	var intent engine.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	d, err := h.service.Submit(c.Request.Context(), intent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDeployments returns deployments, newest first. Supports the tenant_id,
// state, limit and offset query parameters.
func (h *Handler) ListDeployments(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	filter := engine.DeploymentFilter{
		TenantID: c.Query("tenant_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if state := c.Query("state"); state != "" {
		filter.State = engine.DeploymentState(state)
		if err := filter.State.Validate(); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	deployments, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments, "count": len(deployments)})
}

// GetDeployment returns a single deployment by ID.
func (h *Handler) GetDeployment(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PlanDeployment generates the execution plan.
func (h *Handler) PlanDeployment(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string) (*engine.Deployment, error) {
		return h.service.Plan(ctx, id)
	})
}

type approveRequest struct {
	Approver string `json:"approver" binding:"required"`
}

// ApproveDeployment approves a plan awaiting approval.
func (h *Handler) ApproveDeployment(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	h.transition(c, func(ctx context.Context, id string) (*engine.Deployment, error) {
		return h.service.Approve(ctx, id, req.Approver)
	})
}

type rejectRequest struct {
	Rejecter string `json:"rejecter" binding:"required"`
	Reason   string `json:"reason"`
}

// RejectDeployment rejects a plan awaiting approval.
func (h *Handler) RejectDeployment(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	h.transition(c, func(ctx context.Context, id string) (*engine.Deployment, error) {
		return h.service.Reject(ctx, id, req.Rejecter, req.Reason)
	})
}

// ExecuteDeployment starts executing an approved plan.
func (h *Handler) ExecuteDeployment(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string) (*engine.Deployment, error) {
		return h.service.Execute(ctx, id)
	})
}

// RollbackDeployment starts reversing the deployment's plan.
func (h *Handler) RollbackDeployment(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string) (*engine.Deployment, error) {
		return h.service.Rollback(ctx, id)
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelDeployment cancels a deployment that has not started executing.
// The body is optional.
func (h *Handler) CancelDeployment(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	h.transition(c, func(ctx context.Context, id string) (*engine.Deployment, error) {
		return h.service.Cancel(ctx, id, req.Reason)
	})
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, id string) (*engine.Deployment, error)) {
	d, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListTasks returns every task of a deployment across plan epochs.
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.service.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// ListEvents returns the persisted event history of a deployment.
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// --- Drift Handlers ---

// ListDriftReports returns the drift history of a deployment, newest first.
func (h *Handler) ListDriftReports(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 20)
	if !ok {
		return
	}
	reports, err := h.service.DriftReports(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

type scanRequest struct {
	DeploymentID string `json:"deployment_id"`
}

// ScanDrift scans one deployment when deployment_id is given, otherwise every
// COMPLETED deployment. The sweep returns only the reports that found drift.
func (h *Handler) ScanDrift(c *gin.Context) {
	var req scanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	if req.DeploymentID != "" {
		report, err := h.service.ScanDrift(c.Request.Context(), req.DeploymentID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	drifted, err := h.service.ScanCompleted(c.Request.Context())
	if err != nil && len(drifted) == 0 {
		respondError(c, err)
		return
	}
	resp := gin.H{"reports": drifted, "drifted": len(drifted)}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
