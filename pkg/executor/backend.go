package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openfroyo/orchestrator/pkg/transports/ssh"
)

// Backend is where terraform workspaces live and terraform runs.
type Backend interface {
	// WriteFile creates or replaces a workspace file, creating directories.
	WriteFile(ctx context.Context, path string, data []byte) error

	// ReadFile returns a workspace file. A missing file matches os.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Glob lists workspace files matching pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// Run executes terraform with args inside dir.
	Run(ctx context.Context, dir string, args ...string) (*CommandResult, error)
}

// CommandResult is the captured output of one terraform invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError reports a terraform invocation that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("terraform %s exited with code %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, lastLines(e.Stderr, 5))
}

// LocalBackend runs the terraform binary on this host.
type LocalBackend struct {
	Binary string
	Env    []string
}

// NewLocalBackend returns a backend running binary, "terraform" when empty.
func NewLocalBackend(binary string) *LocalBackend {
	if binary == "" {
		binary = "terraform"
	}
	return &LocalBackend{Binary: binary, Env: []string{"TF_IN_AUTOMATION=1", "TF_INPUT=0"}}
}

// WriteFile implements Backend.
func (b *LocalBackend) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile implements Backend.
func (b *LocalBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Glob implements Backend.
func (b *LocalBackend) Glob(ctx context.Context, pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

// Run implements Backend.
func (b *LocalBackend) Run(ctx context.Context, dir string, args ...string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, b.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), b.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &CommandError{Args: args, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, err
}

// RemoteBackend runs terraform on a runner host reached over SSH. Workspace
// files are uploaded with SFTP.
type RemoteBackend struct {
	transport ssh.Transport
	binary    string
}

// NewRemoteBackend returns a backend running binary on the host behind transport.
func NewRemoteBackend(transport ssh.Transport, binary string) *RemoteBackend {
	if binary == "" {
		binary = "terraform"
	}
	return &RemoteBackend{transport: transport, binary: binary}
}

// WriteFile implements Backend.
func (b *RemoteBackend) WriteFile(ctx context.Context, path string, data []byte) error {
	return b.transport.WriteFile(ctx, path, data, 0o644)
}

// ReadFile implements Backend.
func (b *RemoteBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return b.transport.ReadFile(ctx, path)
}

// Glob implements Backend.
func (b *RemoteBackend) Glob(ctx context.Context, pattern string) ([]string, error) {
	return b.transport.Glob(ctx, pattern)
}

// Run implements Backend.
func (b *RemoteBackend) Run(ctx context.Context, dir string, args ...string) (*CommandResult, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, shellQuote(b.binary))
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	cmd := fmt.Sprintf("cd %s && TF_IN_AUTOMATION=1 TF_INPUT=0 %s", shellQuote(dir), strings.Join(quoted, " "))

	res, err := b.transport.Run(ctx, cmd)
	if res == nil {
		return nil, err
	}
	result := &CommandResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	if err != nil && res.ExitCode > 0 {
		return result, &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return result, err
}

// Close closes the SSH connection.
func (b *RemoteBackend) Close() error {
	return b.transport.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
