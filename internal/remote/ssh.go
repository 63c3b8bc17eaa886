package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	gssh "github.com/3cpo-dev/minionctl/internal/ssh"
	"github.com/3cpo-dev/minionctl/pkg/api"
)

// StagingDir holds files uploaded before sudo moves them into place.
const StagingDir = "/tmp"

type SSHConfig struct {
	User       string
	Port       int
	KeyPath    string
	Passphrase string
	KnownHosts string
	Insecure   bool
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

// SSHProvider opens an SSH session plus SFTP subsystem per host.
type SSHProvider struct {
	cfg      SSHConfig
	signer   xssh.Signer
	hostKeys xssh.HostKeyCallback
}

func NewSSHProvider(cfg SSHConfig) (*SSHProvider, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.KeyPath, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.HostKeyCallback(cfg.KnownHosts, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHProvider{cfg: cfg, signer: signer, hostKeys: kh}, nil
}

func (p *SSHProvider) Get(ctx context.Context, target api.HostTarget) (Conn, error) {
	user := target.User
	if user == "" {
		user = p.cfg.User
	}
	port := target.Port
	if port == 0 {
		port = p.cfg.Port
	}
	c := &gssh.Client{
		Addr:       net.JoinHostPort(target.Host, strconv.Itoa(port)),
		User:       user,
		Signer:     p.signer,
		KnownHosts: p.hostKeys,
		Timeout:    p.cfg.Timeout,
		Retries:    p.cfg.Retries,
		Backoff:    p.cfg.Backoff,
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return nil, &ConnectionError{Host: target.Host, Err: err}
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		_ = cli.Close()
		return nil, &ConnectionError{Host: target.Host, Err: fmt.Errorf("sftp subsystem: %w", err)}
	}
	return &sshConn{
		host:   target.Host,
		client: cli,
		sftp:   sf,
		sudo:   user != "root",
		log:    log.With().Str("host", target.Host).Logger(),
	}, nil
}

type sshConn struct {
	host   string
	client *xssh.Client
	sftp   *sftp.Client
	sudo   bool
	log    zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (c *sshConn) Host() string { return c.host }

func (c *sshConn) MakeDir(ctx context.Context, dir string, ignore ...error) error {
	err := c.mkdir(ctx, dir)
	if err == nil {
		return nil
	}
	for _, ig := range ignore {
		if errors.Is(err, ig) {
			return nil
		}
	}
	return err
}

func (c *sshConn) mkdir(ctx context.Context, dir string) error {
	if fi, err := c.sftp.Stat(dir); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("mkdir %s: %w", dir, fs.ErrExist)
		}
		return fmt.Errorf("mkdir %s: path exists and is not a directory", dir)
	}
	if c.sudo {
		return c.Run(ctx, []string{"mkdir", "-p", dir})
	}
	if err := c.sftp.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

func (c *sshConn) WriteFile(ctx context.Context, dst string, data []byte) error {
	if !c.sudo {
		return c.upload(dst, data)
	}
	staged := path.Join(StagingDir, ".minionctl-"+uuid.NewString())
	if err := c.upload(staged, data); err != nil {
		return err
	}
	defer func() { _ = c.sftp.Remove(staged) }()
	return c.Run(ctx, []string{"install", "-m", "0644", staged, dst})
}

func (c *sshConn) upload(dst string, data []byte) error {
	f, err := c.sftp.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", dst, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write remote %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", dst, err)
	}
	return nil
}

func (c *sshConn) ReadFile(src string) ([]byte, error) {
	f, err := c.sftp.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", src, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (c *sshConn) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("run: empty command")
	}
	full := argv
	if c.sudo {
		full = append([]string{"sudo", "-n"}, argv...)
	}
	cmdline := shellescape.QuoteCommand(full)
	c.log.Info().Msgf("Running command: %s", strings.Join(full, " "))

	session, err := c.client.NewSession()
	if err != nil {
		return &CommandError{Host: c.host, Argv: argv, ExitStatus: -1, Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(cmdline)
	c.logOutput(out)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{Host: c.host, Argv: argv, ExitStatus: exitErr.ExitStatus(), Output: string(out), Err: err}
	}
	return &CommandError{Host: c.host, Argv: argv, ExitStatus: -1, Output: string(out), Err: err}
}

func (c *sshConn) logOutput(out []byte) {
	s := bufio.NewScanner(strings.NewReader(string(out)))
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			c.log.Debug().Msg(line)
		}
	}
}

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		sErr := c.sftp.Close()
		cErr := c.client.Close()
		c.closeErr = errors.Join(sErr, cErr)
	})
	return c.closeErr
}
