package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/minionctl/internal/distro"
	"github.com/3cpo-dev/minionctl/internal/remote"
	"github.com/3cpo-dev/minionctl/pkg/api"
)

// PassphraseEnv names the secret holding the SSH private key passphrase.
const PassphraseEnv = "MINIONCTL_SSH_PASSPHRASE"

type SSHSettings struct {
	User                  string `yaml:"user"`
	Port                  int    `yaml:"port"`
	KeyPath               string `yaml:"key_path"`
	KnownHosts            string `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	TimeoutSeconds        int    `yaml:"timeout_seconds"`
	Retries               int    `yaml:"retries"`
	BackoffMillis         int    `yaml:"backoff_ms"`
	Passphrase            string `yaml:"-"`
}

type CalamariSettings struct {
	Supported []string `yaml:"supported"`
	Package   string   `yaml:"package"`
	Service   string   `yaml:"service"`
	ConfigDir string   `yaml:"config_dir"`
}

// HostEntry maps a name used on the command line to connection details.
type HostEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	User    string `yaml:"user"`
	Port    int    `yaml:"port"`
}

type HistorySettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TelemetrySettings struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	SSH              SSHSettings       `yaml:"ssh"`
	Calamari         CalamariSettings  `yaml:"calamari"`
	StopOnFirstError bool              `yaml:"stop_on_first_error"`
	Hosts            []HostEntry       `yaml:"hosts"`
	History          HistorySettings   `yaml:"history"`
	Telemetry        TelemetrySettings `yaml:"telemetry"`
}

// ConfigHome resolves $XDG_CONFIG_HOME/minionctl or ~/.config/minionctl.
func ConfigHome() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "minionctl")
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	var cfg Config
	cfg.SSH = SSHSettings{
		User:           "root",
		Port:           22,
		KeyPath:        filepath.Join(home, ".ssh", "id_ed25519"),
		KnownHosts:     filepath.Join(home, ".ssh", "known_hosts"),
		TimeoutSeconds: 15,
		Retries:        2,
		BackoffMillis:  500,
	}
	cfg.Calamari = CalamariSettings{
		Supported: append([]string(nil), DefaultSupportedFamilies...),
		Package:   DefaultMinionPackage,
		Service:   DefaultMinionService,
		ConfigDir: DefaultMinionConfigDir,
	}
	cfg.StopOnFirstError = true
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(ConfigHome(), "history.db")
	return cfg
}

// LoadConfig reads YAML configuration over the defaults. If path is empty the
// file under ConfigHome is used, and a missing file there is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigHome(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Keep the key passphrase out of YAML.
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(PassphraseEnv); v != "" {
		secrets[PassphraseEnv] = v
	}
	cfg.SSH.Passphrase = secrets[PassphraseEnv]
	cfg.SSH.KeyPath = expandHome(cfg.SSH.KeyPath)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	cfg.History.Path = expandHome(cfg.History.Path)
	return cfg, nil
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (c Config) RemoteSSH() remote.SSHConfig {
	return remote.SSHConfig{
		User:       c.SSH.User,
		Port:       c.SSH.Port,
		KeyPath:    c.SSH.KeyPath,
		Passphrase: c.SSH.Passphrase,
		KnownHosts: c.SSH.KnownHosts,
		Insecure:   c.SSH.InsecureIgnoreHostKey,
		Timeout:    time.Duration(c.SSH.TimeoutSeconds) * time.Second,
		Retries:    c.SSH.Retries,
		Backoff:    time.Duration(c.SSH.BackoffMillis) * time.Millisecond,
	}
}

func (c Config) Options() Options {
	return Options{
		StopOnFirstError: c.StopOnFirstError,
		Supported:        distro.NewSupported(c.Calamari.Supported...),
		ConfigDir:        c.Calamari.ConfigDir,
		Package:          c.Calamari.Package,
		Service:          c.Calamari.Service,
	}
}

// ResolveHost parses a command-line host and fills in connection details from
// the matching inventory entry. The user comes from, in order: user@ in arg,
// the user argument (--username), the inventory entry, then ssh.user.
func (c Config) ResolveHost(arg, user string) (api.HostTarget, error) {
	t, err := api.ParseHostTarget(arg)
	if err != nil {
		return t, err
	}
	if t.User == "" {
		t.User = user
	}
	for _, h := range c.Hosts {
		if h.Name != t.Host {
			continue
		}
		if h.Address != "" {
			t.Host = h.Address
		}
		if t.User == "" {
			t.User = h.User
		}
		if t.Port == 0 {
			t.Port = h.Port
		}
		break
	}
	return t, nil
}
