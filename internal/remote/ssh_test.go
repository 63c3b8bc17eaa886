package remote

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/minionctl/internal/ssh/sshtest"
	"github.com/3cpo-dev/minionctl/pkg/api"
)

func newTestProvider(t *testing.T, user string, env ...string) (*SSHProvider, int) {
	t.Helper()
	srv := sshtest.Start(t, env...)
	p, err := NewSSHProvider(SSHConfig{
		User:     user,
		KeyPath:  srv.KeyPath,
		Insecure: true,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return p, srv.Port
}

func TestSSHConnPrimitives(t *testing.T) {
	p, port := newTestProvider(t, "root")
	ctx := context.Background()

	conn, err := p.Get(ctx, api.HostTarget{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "127.0.0.1", conn.Host())

	dir := filepath.Join(t.TempDir(), "minion.d")
	require.NoError(t, conn.MakeDir(ctx, dir))
	require.NoError(t, conn.MakeDir(ctx, dir, fs.ErrExist), "existing dir should be ignorable")
	err = conn.MakeDir(ctx, dir)
	assert.ErrorIs(t, err, fs.ErrExist)

	file := filepath.Join(dir, "calamari.conf")
	require.NoError(t, conn.WriteFile(ctx, file, []byte("master: a-much-longer-master.example.com\n")))
	require.NoError(t, conn.WriteFile(ctx, file, []byte("master: b.example.com\n")))
	got, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "master: b.example.com\n", string(got))

	remoteGot, err := conn.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, got, remoteGot)

	_, err = conn.ReadFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSSHConnMakeDirCreatesParents(t *testing.T) {
	p, port := newTestProvider(t, "root")
	ctx := context.Background()

	conn, err := p.Get(ctx, api.HostTarget{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer conn.Close()

	dir := filepath.Join(t.TempDir(), "etc", "salt", "minion.d")
	require.NoError(t, conn.MakeDir(ctx, dir, fs.ErrExist))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.ErrorIs(t, conn.MakeDir(ctx, dir), fs.ErrExist)
}

func TestSSHConnSudo(t *testing.T) {
	bin := t.TempDir()
	calls := filepath.Join(t.TempDir(), "sudo.log")
	sshtest.Shim(t, bin, "sudo", `echo "$*" >> '`+calls+`'
[ "$1" = "-n" ] && shift
exec "$@"`)
	p, port := newTestProvider(t, "ceph", sshtest.PathWith(bin))
	ctx := context.Background()

	conn, err := p.Get(ctx, api.HostTarget{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer conn.Close()

	dir := filepath.Join(t.TempDir(), "etc", "salt", "minion.d")
	require.NoError(t, conn.MakeDir(ctx, dir, fs.ErrExist))
	require.NoError(t, conn.MakeDir(ctx, dir, fs.ErrExist))
	file := filepath.Join(dir, "calamari.conf")
	require.NoError(t, conn.WriteFile(ctx, file, []byte("master: m.example.com\n")))
	require.NoError(t, conn.Run(ctx, []string{"true"}))

	got, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "master: m.example.com\n", string(got))
	fi, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), fi.Mode().Perm())

	b, err := os.ReadFile(calls)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3, "an existing dir is detected without sudo")
	assert.Equal(t, "-n mkdir -p "+dir, lines[0])
	install := strings.Fields(lines[1])
	require.Len(t, install, 6)
	assert.Equal(t, []string{"-n", "install", "-m", "0644"}, install[:4])
	assert.True(t, strings.HasPrefix(install[4], StagingDir+"/.minionctl-"))
	assert.Equal(t, file, install[5])
	_, err = os.Stat(install[4])
	assert.ErrorIs(t, err, fs.ErrNotExist, "staged upload is removed")
	assert.Equal(t, "-n true", lines[2])
}

func TestSSHConnRun(t *testing.T) {
	p, port := newTestProvider(t, "root")
	ctx := context.Background()

	conn, err := p.Get(ctx, api.HostTarget{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer conn.Close()

	marker := filepath.Join(t.TempDir(), "it's here")
	require.NoError(t, conn.Run(ctx, []string{"touch", marker}))
	_, err = os.Stat(marker)
	require.NoError(t, err, "argv must survive shell quoting")

	err = conn.Run(ctx, []string{"sh", "-c", "echo boom >&2; exit 3"})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitStatus)
	assert.Contains(t, cmdErr.Output, "boom")
	assert.Contains(t, cmdErr.Error(), "exited with status 3")
}

func TestSSHConnCloseIsIdempotent(t *testing.T) {
	p, port := newTestProvider(t, "root")
	conn, err := p.Get(context.Background(), api.HostTarget{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	first := conn.Close()
	assert.Equal(t, first, conn.Close())
}

func TestSSHProviderConnectionError(t *testing.T) {
	p, _ := newTestProvider(t, "root")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = p.Get(context.Background(), api.HostTarget{Host: "127.0.0.1", Port: port})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "127.0.0.1", connErr.Host)
	assert.Contains(t, err.Error(), strconv.Itoa(port))
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Host: "ceph-0", Argv: []string{"systemctl", "start", "salt-minion"}, ExitStatus: 5, Output: "line one\nJob failed\n"}
	assert.Equal(t, `ceph-0: command "systemctl start salt-minion" exited with status 5: Job failed`, err.Error())

	cause := errors.New("session closed")
	err = &CommandError{Host: "ceph-1", Argv: []string{"true"}, ExitStatus: -1, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed: session closed")
}
