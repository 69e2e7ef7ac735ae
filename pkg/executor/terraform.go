package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/transports/ssh"
)

const (
	// MainFile is the generated terraform configuration of a workspace.
	MainFile = "main.tf.json"

	// SpecFile records the resource spec a workspace was last applied with.
	SpecFile = "spec.json"

	// StateFile is the local terraform state of a workspace.
	StateFile = "terraform.tfstate"
)

type providerBlock struct {
	name    string
	source  string
	version string
	tagsKey string
}

var providerBlocks = map[engine.Provider]providerBlock{
	engine.ProviderAWS:   {name: "aws", source: "hashicorp/aws", version: "~> 5.0", tagsKey: "tags"},
	engine.ProviderAzure: {name: "azurerm", source: "hashicorp/azurerm", version: "~> 3.0", tagsKey: "tags"},
	engine.ProviderGCP:   {name: "google", source: "hashicorp/google", version: "~> 5.0", tagsKey: "labels"},
}

var labelPattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Terraform applies resources by rendering one terraform workspace per
// resource identifier and running init followed by apply or destroy.
type Terraform struct {
	backend Backend
	root    string
	catalog *engine.Catalog
	logger  zerolog.Logger
	tracer  trace.Tracer
}

var _ engine.Executor = (*Terraform)(nil)

// TerraformOption configures a Terraform executor.
type TerraformOption func(*Terraform)

// WithTracer sets the tracer used for terraform spans.
func WithTracer(tracer trace.Tracer) TerraformOption {
	return func(t *Terraform) {
		if tracer != nil {
			t.tracer = tracer
		}
	}
}

// WithCatalog replaces the default resource catalog.
func WithCatalog(catalog *engine.Catalog) TerraformOption {
	return func(t *Terraform) {
		t.catalog = catalog
	}
}

// NewTerraform returns an executor keeping workspaces under root on backend.
func NewTerraform(backend Backend, root string, logger zerolog.Logger, opts ...TerraformOption) *Terraform {
	t := &Terraform{
		backend: backend,
		root:    root,
		catalog: engine.DefaultCatalog(),
		logger:  logger.With().Str("component", "terraform").Logger(),
		tracer:  noop.NewTracerProvider().Tracer("terraform"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Workspace returns the workspace directory of a resource.
func (t *Terraform) Workspace(spec engine.ResourceSpec) string {
	return WorkspaceDir(t.root, spec)
}

// WorkspaceDir returns root/provider/region/type/name with the name sanitized.
func WorkspaceDir(root string, spec engine.ResourceSpec) string {
	return path.Join(root, string(spec.Provider), spec.Region, string(spec.Type), labelPattern.ReplaceAllString(spec.Name, "_"))
}

// Apply implements engine.Executor.
func (t *Terraform) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	if req.Action == engine.ActionNoop {
		return &engine.ApplyResult{Output: map[string]interface{}{"action": string(engine.ActionNoop)}}, nil
	}

	ctx, span := t.tracer.Start(ctx, "terraform."+string(req.Action),
		trace.WithAttributes(
			attribute.String("resource", req.Resource.Identifier()),
			attribute.String("task_id", req.TaskID),
			attribute.Int("attempt", req.Attempt),
		))
	defer span.End()

	result, err := t.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (t *Terraform) apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	spec := req.Resource
	dir := t.Workspace(spec)
	logger := t.logger.With().
		Str("task_id", req.TaskID).
		Str("resource", spec.Identifier()).
		Str("action", string(req.Action)).
		Int("attempt", req.Attempt).
		Logger()

	doc, address, err := t.Render(spec)
	if err != nil {
		return nil, engine.NewPermanentError("failed to render terraform configuration", err).
			WithCode(engine.ErrCodeExecutorFailed).
			WithResource(spec.Identifier())
	}
	specJSON, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode resource spec", err).WithCode(engine.ErrCodeExecutorFailed)
	}

	if err := t.backend.WriteFile(ctx, path.Join(dir, MainFile), doc); err != nil {
		return nil, t.classify(ctx, "write", err)
	}
	if err := t.backend.WriteFile(ctx, path.Join(dir, SpecFile), specJSON); err != nil {
		return nil, t.classify(ctx, "write", err)
	}

	start := time.Now()
	if _, err := t.backend.Run(ctx, dir, "init", "-input=false", "-no-color"); err != nil {
		return nil, t.classify(ctx, "init", err)
	}

	command := "apply"
	if req.Action == engine.ActionDelete {
		command = "destroy"
	}
	if _, err := t.backend.Run(ctx, dir, command, "-auto-approve", "-input=false", "-no-color"); err != nil {
		logger.Warn().Err(err).Msg("Terraform run failed")
		return nil, t.classify(ctx, command, err)
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Terraform run completed")

	output := map[string]interface{}{
		"action":          string(req.Action),
		"address":         address,
		"workspace":       dir,
		"idempotency_key": req.IdempotencyKey,
	}
	if req.Action == engine.ActionDelete {
		output["destroyed"] = true
		return &engine.ApplyResult{Output: output}, nil
	}

	state, err := t.readState(ctx, dir)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read terraform state")
		return &engine.ApplyResult{Output: output}, nil
	}
	if attrs, ok := state.Attributes(); ok {
		if id, ok := attrs["id"]; ok {
			output["id"] = id
		}
	}
	return &engine.ApplyResult{Output: output}, nil
}

// Render returns the main.tf.json document of spec and its resource address.
func (t *Terraform) Render(spec engine.ResourceSpec) ([]byte, string, error) {
	block, ok := providerBlocks[spec.Provider]
	if !ok {
		return nil, "", fmt.Errorf("unsupported provider %q", spec.Provider)
	}

	tfType := block.name + "_" + string(spec.Type)
	if entry, ok := t.catalog.Lookup(spec.Type, spec.Provider); ok {
		tfType = entry.TerraformType
	}
	label := ResourceLabel(spec.Name)

	body := make(map[string]interface{}, len(spec.Properties)+1)
	for k, v := range spec.Properties {
		body[k] = v
	}
	if len(spec.Tags) > 0 {
		body[block.tagsKey] = spec.Tags
	}

	providerConfig := map[string]interface{}{}
	switch spec.Provider {
	case engine.ProviderAzure:
		providerConfig["features"] = map[string]interface{}{}
		if _, ok := body["location"]; !ok {
			body["location"] = spec.Region
		}
	default:
		providerConfig["region"] = spec.Region
	}

	doc := map[string]interface{}{
		"terraform": map[string]interface{}{
			"required_providers": map[string]interface{}{
				block.name: map[string]string{"source": block.source, "version": block.version},
			},
		},
		"provider": map[string]interface{}{block.name: providerConfig},
		"resource": map[string]interface{}{tfType: map[string]interface{}{label: body}},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return data, tfType + "." + label, nil
}

// ResourceLabel turns a resource name into a valid terraform block label.
func ResourceLabel(name string) string {
	label := labelPattern.ReplaceAllString(name, "_")
	if label == "" || (label[0] >= '0' && label[0] <= '9') || label[0] == '-' {
		label = "r_" + label
	}
	return label
}

func (t *Terraform) readState(ctx context.Context, dir string) (*State, error) {
	data, err := t.backend.ReadFile(ctx, path.Join(dir, StateFile))
	if err != nil {
		return nil, err
	}
	return ParseState(data)
}

var (
	throttlePatterns = []string{"Throttling", "RequestLimitExceeded", "Rate exceeded", "rate exceeded", "TooManyRequests", "429"}
	lockPatterns     = []string{"Error acquiring the state lock"}
	invalidPatterns  = []string{"Invalid", "Unsupported argument", "Missing required argument", "Unsupported block type"}
)

// classify maps a backend failure onto the engine error classes the worker
// uses for retry decisions.
func (t *Terraform) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if op != "write" && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)) {
		return engine.NewPermanentError("terraform binary not found", err).
			WithCode(engine.ErrCodeExecutorFailed).
			WithOperation(op)
	}

	var terr *ssh.TransportError
	if errors.As(err, &terr) {
		if terr.IsAuthError {
			return engine.NewPermanentError("runner authentication failed", err).
				WithCode(engine.ErrCodeExecutorFailed).
				WithOperation(op)
		}
		return engine.NewTransientError("runner transport failed", err).
			WithCode(engine.ErrCodeExecutorFailed).
			WithOperation(op)
	}

	var cerr *CommandError
	if errors.As(err, &cerr) {
		switch {
		case containsAny(cerr.Stderr, throttlePatterns):
			return engine.NewThrottledError("provider throttled the request", err).
				WithCode(engine.ErrCodeExecutorFailed).
				WithOperation(op)
		case containsAny(cerr.Stderr, lockPatterns):
			return engine.NewConflictError("terraform state is locked", err).
				WithCode(engine.ErrCodeExecutorFailed).
				WithOperation(op)
		case containsAny(cerr.Stderr, invalidPatterns):
			return engine.NewPermanentError("terraform rejected the configuration", err).
				WithCode(engine.ErrCodeExecutorFailed).
				WithOperation(op)
		}
	}

	return engine.NewTransientError("terraform "+op+" failed", err).
		WithCode(engine.ErrCodeExecutorFailed).
		WithOperation(op)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// State is the subset of a terraform v4 state file the orchestrator reads.
type State struct {
	Version   int             `json:"version"`
	Serial    int             `json:"serial"`
	Resources []StateResource `json:"resources"`
}

// StateResource is one resource block of a state file.
type StateResource struct {
	Mode      string          `json:"mode"`
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Instances []StateInstance `json:"instances"`
}

// StateInstance carries the attributes terraform recorded for an instance.
type StateInstance struct {
	Attributes map[string]interface{} `json:"attributes"`
}

// ParseState decodes a terraform state file.
func ParseState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse terraform state: %w", err)
	}
	if s.Version != 0 && s.Version < 4 {
		return nil, fmt.Errorf("unsupported terraform state version %d", s.Version)
	}
	return &s, nil
}

// Attributes returns the attributes of the first managed instance, or false
// when the state holds no resources.
func (s *State) Attributes() (map[string]interface{}, bool) {
	for _, r := range s.Resources {
		if r.Mode != "" && r.Mode != "managed" {
			continue
		}
		for _, inst := range r.Instances {
			if inst.Attributes != nil {
				return inst.Attributes, true
			}
		}
	}
	return nil, false
}
