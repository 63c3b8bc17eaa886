package distro

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Runner executes argv on the host. A non-zero exit must surface as an error.
type Runner interface {
	Run(ctx context.Context, argv []string) error
}

// Packager installs packages with the platform's package manager.
type Packager interface {
	Name() string
	Install(ctx context.Context, pkgs ...string) error
}

// ServiceManager controls services with the platform's init system.
type ServiceManager interface {
	Enable(ctx context.Context, service string) error
	Start(ctx context.Context, service string) error
}

// Platform bundles the capabilities resolved for one host after detection.
type Platform struct {
	Family   string
	Packager Packager
	Services ServiceManager
}

// Factory builds a Platform bound to a host's Runner.
type Factory func(r Runner) Platform

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows the families minionctl can install on.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("suse", func(r Runner) Platform {
		return Platform{Family: "suse", Packager: Zypper{Runner: r}, Services: Systemd{Runner: r}}
	})
	for _, fam := range []string{"debian", "ubuntu"} {
		fam := fam
		reg.Register(fam, func(r Runner) Platform {
			return Platform{Family: fam, Packager: Apt{Runner: r}, Services: Systemd{Runner: r}}
		})
	}
	for _, fam := range []string{"redhat", "centos", "oracle"} {
		fam := fam
		reg.Register(fam, func(r Runner) Platform {
			return Platform{Family: fam, Packager: Yum{Runner: r}, Services: Systemd{Runner: r}}
		})
	}
	for _, fam := range []string{"fedora", "rocky", "alma"} {
		fam := fam
		reg.Register(fam, func(r Runner) Platform {
			return Platform{Family: fam, Packager: Yum{Runner: r, Binary: "dnf"}, Services: Systemd{Runner: r}}
		})
	}
	return reg
}

func (r *Registry) Register(family string, f Factory) {
	r.factories[family] = f
}

func (r *Registry) Resolve(family string, run Runner) (Platform, error) {
	f, ok := r.factories[family]
	if !ok {
		return Platform{}, fmt.Errorf("no platform registered for distro family: %s", family)
	}
	return f(run), nil
}

// Supported is the allow-list of distro families that may be provisioned.
type Supported map[string]struct{}

func NewSupported(families ...string) Supported {
	s := Supported{}
	for _, f := range families {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			s[f] = struct{}{}
		}
	}
	return s
}

func (s Supported) Has(family string) bool {
	_, ok := s[family]
	return ok
}

func (s Supported) List() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Zypper installs packages on SUSE family hosts.
type Zypper struct{ Runner Runner }

func (z Zypper) Name() string { return "zypper" }

func (z Zypper) Install(ctx context.Context, pkgs ...string) error {
	argv := append([]string{"zypper", "--non-interactive", "--quiet", "install"}, pkgs...)
	return z.Runner.Run(ctx, argv)
}

// Apt installs packages on Debian family hosts.
type Apt struct{ Runner Runner }

func (a Apt) Name() string { return "apt" }

func (a Apt) Install(ctx context.Context, pkgs ...string) error {
	argv := append([]string{"env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "-q", "install", "--assume-yes"}, pkgs...)
	return a.Runner.Run(ctx, argv)
}

// Yum installs packages on Red Hat family hosts. Binary selects dnf where needed.
type Yum struct {
	Runner Runner
	Binary string
}

func (y Yum) Name() string {
	if y.Binary != "" {
		return y.Binary
	}
	return "yum"
}

func (y Yum) Install(ctx context.Context, pkgs ...string) error {
	argv := append([]string{y.Name(), "-y", "install"}, pkgs...)
	return y.Runner.Run(ctx, argv)
}

type Systemd struct{ Runner Runner }

func (s Systemd) Enable(ctx context.Context, service string) error {
	return s.Runner.Run(ctx, []string{"systemctl", "enable", service})
}

func (s Systemd) Start(ctx context.Context, service string) error {
	return s.Runner.Run(ctx, []string{"systemctl", "start", service})
}
