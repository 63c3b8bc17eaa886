package core

import (
	"fmt"

	"github.com/3cpo-dev/minionctl/internal/remote"
)

// ConnectionError and CommandError are produced by the transport.
type (
	ConnectionError = remote.ConnectionError
	CommandError    = remote.CommandError
)

// UnsupportedPlatformError means the detected distro family is not in the
// allow-list. Nothing on the host has been changed when it is returned.
type UnsupportedPlatformError struct {
	Host     string
	Name     string
	Codename string
	Release  string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("%s: platform is not supported: %s %s %s", e.Host, e.Name, e.Codename, e.Release)
}

// RemoteIOError is a failed directory creation or file write on a host.
type RemoteIOError struct {
	Host string
	Op   string
	Path string
	Err  error
}

func (e *RemoteIOError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Host, e.Op, e.Path, e.Err)
}

func (e *RemoteIOError) Unwrap() error { return e.Err }

// InstallError is a failed package manager invocation.
type InstallError struct {
	Host    string
	Package string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s: install %s: %v", e.Host, e.Package, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
