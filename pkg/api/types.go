package api

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// v0 contains public types shared by the CLI and the orchestrator.

// HostTarget is one host to provision. User and Port are optional; zero values
// fall back to the configured defaults.
type HostTarget struct {
	Host string `json:"host" yaml:"host"`
	User string `json:"user,omitempty" yaml:"user,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}

func (t HostTarget) String() string {
	s := t.Host
	if t.Port != 0 {
		s = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}
	if t.User != "" {
		s = t.User + "@" + s
	}
	return s
}

// ParseHostTarget accepts host, user@host, host:port and user@host:port.
// IPv6 literals with a port must be bracketed.
func ParseHostTarget(s string) (HostTarget, error) {
	var t HostTarget
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.User = s[:i]
		s = s[i+1:]
		if t.User == "" {
			return HostTarget{}, fmt.Errorf("empty user in host target %q", s)
		}
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return HostTarget{}, fmt.Errorf("invalid port in host target %q", s)
		}
		t.Host, t.Port = host, p
	} else {
		t.Host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	}
	if t.Host == "" {
		return HostTarget{}, errors.New("empty host")
	}
	return t, nil
}

type HostStatus string

const (
	HostPending   HostStatus = "pending"
	HostSucceeded HostStatus = "succeeded"
	HostFailed    HostStatus = "failed"
	HostSkipped   HostStatus = "skipped"
)

// HostResult is the outcome of provisioning one host.
type HostResult struct {
	Target   HostTarget    `json:"target"`
	Distro   string        `json:"distro,omitempty"`
	Status   HostStatus    `json:"status"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)
