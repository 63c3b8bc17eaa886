// Package remote provides connections to hosts being provisioned and the
// primitives the orchestrator runs over them.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/minionctl/pkg/api"
)

// Conn is a live session bound to one host.
type Conn interface {
	Host() string
	// MakeDir creates a directory along with any missing parents. An existing
	// directory is reported as an error wrapping fs.ErrExist; errors matching
	// any of ignore are swallowed.
	MakeDir(ctx context.Context, path string, ignore ...error) error
	// WriteFile creates or truncates path and writes data to it.
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	// Run executes argv; a non-zero exit is returned as *CommandError.
	Run(ctx context.Context, argv []string) error
	// Close releases the session. Calls after the first are no-ops.
	Close() error
}

// Provider hands out connections to hosts.
type Provider interface {
	Get(ctx context.Context, target api.HostTarget) (Conn, error)
}

// ConnectionError means a session to a host could not be established.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError is a remote command that failed or exited non-zero.
// ExitStatus is -1 when the command did not report one.
type CommandError struct {
	Host       string
	Argv       []string
	ExitStatus int
	Output     string
	Err        error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: command %q", e.Host, strings.Join(e.Argv, " "))
	if e.ExitStatus >= 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitStatus)
	} else if e.Err != nil {
		msg += fmt.Sprintf(" failed: %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLine(out)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
