package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
	"github.com/openfroyo/orchestrator/pkg/transports/ssh"
)

// fakeBackend keeps workspace files in memory and records terraform runs.
type fakeBackend struct {
	mu    sync.Mutex
	files map[string][]byte
	runs  []string
	run   func(dir string, args []string) (*CommandResult, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: make(map[string][]byte)}
}

func (f *fakeBackend) WriteFile(_ context.Context, p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBackend) ReadFile(_ context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}
	return data, nil
}

func (f *fakeBackend) Glob(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.files {
		if ok, _ := path.Match(pattern, p); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBackend) Run(_ context.Context, dir string, args ...string) (*CommandResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, args[0])
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(dir, args)
	}
	return &CommandResult{}, nil
}

func (f *fakeBackend) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func stateJSON(attrs map[string]interface{}) []byte {
	state := State{Version: 4, Serial: 1}
	if attrs != nil {
		state.Resources = []StateResource{{Mode: "managed", Type: "aws_instance", Name: "web", Instances: []StateInstance{{Attributes: attrs}}}}
	}
	data, _ := json.Marshal(state)
	return data
}

func webSpec() engine.ResourceSpec {
	return engine.ResourceSpec{
		Type:       engine.ResourceCompute,
		Provider:   engine.ProviderAWS,
		Region:     "us-east-1",
		Name:       "web-1",
		Properties: map[string]interface{}{"instance_type": "t3.micro"},
		Tags:       map[string]string{"owner": "platform"},
	}
}

func TestTerraformApplyCreate(t *testing.T) {
	backend := newFakeBackend()
	tf := NewTerraform(backend, "/work", zerolog.Nop())
	spec := webSpec()
	dir := tf.Workspace(spec)

	backend.run = func(d string, args []string) (*CommandResult, error) {
		if args[0] == "apply" {
			backend.files[path.Join(d, StateFile)] = stateJSON(map[string]interface{}{"id": "i-123", "instance_type": "t3.micro"})
		}
		return &CommandResult{}, nil
	}

	res, err := tf.Apply(context.Background(), engine.ApplyRequest{
		TaskID:         "task-1",
		IdempotencyKey: "dep-1/s1/0",
		Resource:       spec,
		Action:         engine.ActionCreate,
		Attempt:        1,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if dir != "/work/aws/us-east-1/compute/web-1" {
		t.Errorf("Expected workspace /work/aws/us-east-1/compute/web-1, got %s", dir)
	}
	if got := strings.Join(backend.commands(), ","); got != "init,apply" {
		t.Errorf("Expected init,apply, got %s", got)
	}
	if res.Output["id"] != "i-123" {
		t.Errorf("Expected id i-123, got %v", res.Output["id"])
	}
	if res.Output["address"] != "aws_instance.web-1" {
		t.Errorf("Expected address aws_instance.web-1, got %v", res.Output["address"])
	}
	if res.Output["idempotency_key"] != "dep-1/s1/0" {
		t.Errorf("Expected idempotency key in output, got %v", res.Output["idempotency_key"])
	}
	if _, ok := backend.files[path.Join(dir, SpecFile)]; !ok {
		t.Error("Expected spec.json to be written")
	}
}

func TestTerraformApplyDelete(t *testing.T) {
	backend := newFakeBackend()
	tf := NewTerraform(backend, "/work", zerolog.Nop())

	res, err := tf.Apply(context.Background(), engine.ApplyRequest{Resource: webSpec(), Action: engine.ActionDelete})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := strings.Join(backend.commands(), ","); got != "init,destroy" {
		t.Errorf("Expected init,destroy, got %s", got)
	}
	if res.Output["destroyed"] != true {
		t.Errorf("Expected destroyed=true, got %v", res.Output["destroyed"])
	}
}

func TestTerraformApplyNoop(t *testing.T) {
	backend := newFakeBackend()
	tf := NewTerraform(backend, "/work", zerolog.Nop())

	res, err := tf.Apply(context.Background(), engine.ApplyRequest{Resource: webSpec(), Action: engine.ActionNoop})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(backend.commands()) != 0 {
		t.Errorf("Expected no terraform runs, got %v", backend.commands())
	}
	if res.Output["action"] != "noop" {
		t.Errorf("Expected noop output, got %v", res.Output)
	}
}

func TestTerraformRender(t *testing.T) {
	tf := NewTerraform(newFakeBackend(), "/work", zerolog.Nop())

	tests := []struct {
		name        string
		spec        engine.ResourceSpec
		address     string
		provider    string
		tagsKey     string
		wantRegion  bool
		wantFeature bool
	}{
		{
			name:       "aws instance",
			spec:       webSpec(),
			address:    "aws_instance.web-1",
			provider:   "aws",
			tagsKey:    "tags",
			wantRegion: true,
		},
		{
			name: "gcp bucket uses labels",
			spec: engine.ResourceSpec{
				Type: engine.ResourceStorage, Provider: engine.ProviderGCP, Region: "europe-west1", Name: "assets",
				Tags: map[string]string{"team": "web"},
			},
			address:    "google_storage_bucket.assets",
			provider:   "google",
			tagsKey:    "labels",
			wantRegion: true,
		},
		{
			name: "azure sets features and location",
			spec: engine.ResourceSpec{
				Type: engine.ResourceNetwork, Provider: engine.ProviderAzure, Region: "westeurope", Name: "core.net",
				Tags: map[string]string{"team": "net"},
			},
			address:     "azurerm_virtual_network.core_net",
			provider:    "azurerm",
			tagsKey:     "tags",
			wantFeature: true,
		},
		{
			name: "unknown pair falls back to provider prefix",
			spec: engine.ResourceSpec{
				Type: engine.ResourceCDN, Provider: engine.ProviderGCP, Region: "us-central1", Name: "1edge",
			},
			address:  "google_cdn.r_1edge",
			provider: "google",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, address, err := tf.Render(tt.spec)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if address != tt.address {
				t.Errorf("Expected address %s, got %s", tt.address, address)
			}

			var doc struct {
				Terraform struct {
					RequiredProviders map[string]map[string]string `json:"required_providers"`
				} `json:"terraform"`
				Provider map[string]map[string]interface{}            `json:"provider"`
				Resource map[string]map[string]map[string]interface{} `json:"resource"`
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				t.Fatalf("Rendered document is not JSON: %v", err)
			}
			if _, ok := doc.Terraform.RequiredProviders[tt.provider]; !ok {
				t.Errorf("Expected required provider %s, got %v", tt.provider, doc.Terraform.RequiredProviders)
			}
			providerConfig := doc.Provider[tt.provider]
			if _, ok := providerConfig["region"]; ok != tt.wantRegion {
				t.Errorf("Expected region set=%v, got %v", tt.wantRegion, providerConfig)
			}
			if _, ok := providerConfig["features"]; ok != tt.wantFeature {
				t.Errorf("Expected features set=%v, got %v", tt.wantFeature, providerConfig)
			}

			parts := strings.SplitN(address, ".", 2)
			body := doc.Resource[parts[0]][parts[1]]
			if body == nil {
				t.Fatalf("Expected resource block %s", address)
			}
			if tt.tagsKey != "" {
				if _, ok := body[tt.tagsKey]; !ok {
					t.Errorf("Expected %s in resource body, got %v", tt.tagsKey, body)
				}
			}
		})
	}
}

func TestResourceLabel(t *testing.T) {
	tests := map[string]string{
		"web-1":     "web-1",
		"api.v2":    "api_v2",
		"9lives":    "r_9lives",
		"my app/01": "my_app_01",
	}
	for in, want := range tests {
		if got := ResourceLabel(in); got != want {
			t.Errorf("Expected label %q for %q, got %q", want, in, got)
		}
	}
}

func TestTerraformClassify(t *testing.T) {
	tf := NewTerraform(newFakeBackend(), "/work", zerolog.Nop())
	cmdErr := func(stderr string) error {
		return &CommandError{Args: []string{"apply"}, ExitCode: 1, Stderr: stderr}
	}

	tests := []struct {
		name  string
		op    string
		err   error
		check func(error) bool
	}{
		{"throttled", "apply", cmdErr("Error: creating EC2 Instance: RequestLimitExceeded"), engine.IsThrottled},
		{"state lock", "apply", cmdErr("Error acquiring the state lock"), engine.IsConflict},
		{"invalid config", "apply", cmdErr("Error: Unsupported argument"), engine.IsPermanent},
		{"unknown failure", "apply", cmdErr("Error: connection reset by peer"), engine.IsTransient},
		{"missing binary", "init", fmt.Errorf("exec: %w", os.ErrNotExist), engine.IsPermanent},
		{"transport drop", "apply", &ssh.TransportError{Op: "exec", Err: errors.New("EOF"), IsTemporary: true}, engine.IsTransient},
		{"auth failure", "init", &ssh.TransportError{Op: "handshake", Err: errors.New("denied"), IsAuthError: true}, engine.IsPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tf.classify(context.Background(), tt.op, tt.err)
			if !tt.check(err) {
				t.Errorf("Unexpected classification for %v", err)
			}
			if engine.CodeOf(err) != engine.ErrCodeExecutorFailed {
				t.Errorf("Expected code %s, got %s", engine.ErrCodeExecutorFailed, engine.CodeOf(err))
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tf.classify(ctx, "apply", cmdErr("killed")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestTerraformApplyFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.run = func(_ string, args []string) (*CommandResult, error) {
		if args[0] == "apply" {
			return &CommandResult{ExitCode: 1}, &CommandError{Args: args, ExitCode: 1, Stderr: "Throttling: Rate exceeded"}
		}
		return &CommandResult{}, nil
	}
	tf := NewTerraform(backend, "/work", zerolog.Nop())

	_, err := tf.Apply(context.Background(), engine.ApplyRequest{Resource: webSpec(), Action: engine.ActionUpdate})
	if !engine.IsThrottled(err) {
		t.Errorf("Expected throttled error, got %v", err)
	}
}

func TestLocalBackendRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script terraform stub")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "terraform")
	body := "#!/bin/sh\nif [ \"$1\" = \"fail\" ]; then echo 'Error: Invalid resource' >&2; exit 2; fi\necho \"$1 $TF_IN_AUTOMATION $(pwd)\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	backend := NewLocalBackend(script)
	ctx := context.Background()

	res, err := backend.Run(ctx, dir, "init")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "init 1 ") {
		t.Errorf("Expected init with TF_IN_AUTOMATION=1, got %q", res.Stdout)
	}

	res, err = backend.Run(ctx, dir, "fail")
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if cerr.ExitCode != 2 || res.ExitCode != 2 {
		t.Errorf("Expected exit code 2, got %d", cerr.ExitCode)
	}
	if !strings.Contains(cerr.Error(), "Invalid resource") {
		t.Errorf("Expected stderr in error, got %v", cerr)
	}

	missing := NewLocalBackend(filepath.Join(dir, "nope"))
	tf := NewTerraform(missing, dir, zerolog.Nop())
	_, err = tf.Apply(ctx, engine.ApplyRequest{Resource: webSpec(), Action: engine.ActionCreate})
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for missing binary, got %v", err)
	}
}

func TestWorkspaceState(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()
	spec := webSpec()
	dir := WorkspaceDir("/work", spec)
	state := NewWorkspaceState(backend, "/work")

	if _, ok, err := state.Snapshot(ctx, spec); err != nil || ok {
		t.Fatalf("Expected missing resource, got ok=%v err=%v", ok, err)
	}

	specJSON, _ := json.Marshal(spec)
	backend.files[path.Join(dir, SpecFile)] = specJSON
	backend.files[path.Join(dir, StateFile)] = stateJSON(map[string]interface{}{
		"id":            "i-123",
		"instance_type": "t3.large",
		"ami":           "ami-1",
		"tags":          map[string]interface{}{"owner": "someone-else"},
	})

	observed, ok, err := state.Snapshot(ctx, spec)
	if err != nil || !ok {
		t.Fatalf("Expected observed resource, got ok=%v err=%v", ok, err)
	}
	if observed.Properties["instance_type"] != "t3.large" {
		t.Errorf("Expected instance_type t3.large, got %v", observed.Properties["instance_type"])
	}
	if _, ok := observed.Properties["ami"]; ok {
		t.Error("Expected undeclared attributes to be left out")
	}
	if observed.Tags["owner"] != "someone-else" {
		t.Errorf("Expected observed owner tag, got %v", observed.Tags)
	}

	inventory, err := state.Inventory(ctx, engine.ProviderAWS, "us-east-1")
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if len(inventory) != 1 || inventory[0].Identifier() != spec.Identifier() {
		t.Errorf("Expected one inventoried resource, got %v", inventory)
	}

	backend.files[path.Join(dir, StateFile)] = stateJSON(nil)
	if _, ok, _ := state.Snapshot(ctx, spec); ok {
		t.Error("Expected empty state to mean the resource is gone")
	}

	backend.files[path.Join(dir, StateFile)] = []byte(`{"version": 3}`)
	if _, _, err := state.Snapshot(ctx, spec); err == nil {
		t.Error("Expected error for old state version")
	}
}
