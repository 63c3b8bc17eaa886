package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/minionctl/pkg/api"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(PassphraseEnv, "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.True(t, cfg.StopOnFirstError)
	assert.Equal(t, []string{"suse"}, cfg.Calamari.Supported)
	assert.Equal(t, DefaultMinionConfigDir, cfg.Calamari.ConfigDir)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "minionctl", "history.db"), cfg.History.Path)
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigYAMLAndSecrets(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv(PassphraseEnv, "")
	dir := filepath.Join(home, "minionctl")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# key\nMINIONCTL_SSH_PASSPHRASE=hunter2\n"), 0600))

	yml := `
ssh:
  user: ceph
  port: 2222
  timeout_seconds: 3
  backoff_ms: 250
calamari:
  supported: [suse, ubuntu]
stop_on_first_error: false
hosts:
  - name: ceph-0
    address: 10.0.0.10
    user: admin
    port: 2200
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ceph", cfg.SSH.User)
	assert.Equal(t, "hunter2", cfg.SSH.Passphrase)
	assert.False(t, cfg.StopOnFirstError)
	assert.Equal(t, DefaultMinionPackage, cfg.Calamari.Package, "unset keys keep defaults")

	opts := cfg.Options()
	assert.False(t, opts.StopOnFirstError)
	assert.True(t, opts.Supported.Has("ubuntu"))

	rs := cfg.RemoteSSH()
	assert.Equal(t, 3*time.Second, rs.Timeout)
	assert.Equal(t, 250*time.Millisecond, rs.Backoff)
	assert.Equal(t, 2222, rs.Port)

	t.Setenv("MINIONCTL_SSH_PASSPHRASE", "from-env")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SSH.Passphrase)
}

func TestResolveHost(t *testing.T) {
	var cfg Config
	cfg.Hosts = []HostEntry{{Name: "ceph-0", Address: "10.0.0.10", User: "admin", Port: 2200}}

	got, err := cfg.ResolveHost("ceph-0", "")
	require.NoError(t, err)
	assert.Equal(t, api.HostTarget{Host: "10.0.0.10", User: "admin", Port: 2200}, got)

	got, err = cfg.ResolveHost("root@ceph-0:22", "")
	require.NoError(t, err)
	assert.Equal(t, api.HostTarget{Host: "10.0.0.10", User: "root", Port: 22}, got)

	got, err = cfg.ResolveHost("ceph-9", "")
	require.NoError(t, err)
	assert.Equal(t, api.HostTarget{Host: "ceph-9"}, got)

	got, err = cfg.ResolveHost("ceph-0", "ceph")
	require.NoError(t, err)
	assert.Equal(t, api.HostTarget{Host: "10.0.0.10", User: "ceph", Port: 2200}, got, "--username beats the inventory user")

	got, err = cfg.ResolveHost("admin@ceph-9", "ceph")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.User, "user@host beats --username")

	_, err = cfg.ResolveHost("", "")
	assert.Error(t, err)
}
