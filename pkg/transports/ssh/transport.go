// Package ssh runs commands and moves files on a remote runner host over SSH
// and SFTP.
package ssh

import (
	"context"
	"time"
)

// Transport is the remote surface the terraform executor needs.
type Transport interface {
	// Run executes cmd in a new session. A non-zero exit is reported in the
	// result and as a non-temporary TransportError.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile creates or truncates remotePath, creating parent directories.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error

	// ReadFile returns the content of remotePath.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Glob returns the remote paths matching pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// Close releases the connection.
	Close() error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
