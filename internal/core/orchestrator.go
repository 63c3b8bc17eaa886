package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/minionctl/internal/distro"
	"github.com/3cpo-dev/minionctl/internal/remote"
	"github.com/3cpo-dev/minionctl/internal/telemetry"
	"github.com/3cpo-dev/minionctl/pkg/api"
)

const (
	DefaultMinionConfigDir = "/etc/salt/minion.d"
	MinionConfigFile       = "calamari.conf"
	DefaultMinionPackage   = "salt-minion"
	DefaultMinionService   = "salt-minion"
)

// DefaultSupportedFamilies can differ from what the platform registry knows how
// to drive.
var DefaultSupportedFamilies = []string{"suse"}

type Options struct {
	// StopOnFirstError aborts the run at the first failing host. Hosts after it
	// are reported as skipped and never contacted.
	StopOnFirstError bool
	Supported        distro.Supported
	ConfigDir        string
	Package          string
	Service          string
}

func DefaultOptions() Options {
	return Options{
		StopOnFirstError: true,
		Supported:        distro.NewSupported(DefaultSupportedFamilies...),
		ConfigDir:        DefaultMinionConfigDir,
		Package:          DefaultMinionPackage,
		Service:          DefaultMinionService,
	}
}

// Recorder persists run history. Failures to record are logged, never fatal.
type Recorder interface {
	BeginRun(ctx context.Context, master string, hosts int) (string, error)
	RecordHost(ctx context.Context, runID string, seq int, res api.HostResult) error
	FinishRun(ctx context.Context, runID string, status api.RunStatus) error
}

// Orchestrator connects hosts to a Calamari master one at a time.
type Orchestrator struct {
	provider  remote.Provider
	platforms *distro.Registry
	opts      Options
	recorder  Recorder
	metrics   *telemetry.Collector
}

func NewOrchestrator(provider remote.Provider, platforms *distro.Registry, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.Supported == nil {
		opts.Supported = def.Supported
	}
	if opts.ConfigDir == "" {
		opts.ConfigDir = def.ConfigDir
	}
	if opts.Package == "" {
		opts.Package = def.Package
	}
	if opts.Service == "" {
		opts.Service = def.Service
	}
	if platforms == nil {
		platforms = distro.DefaultRegistry()
	}
	return &Orchestrator{provider: provider, platforms: platforms, opts: opts}
}

func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

func (o *Orchestrator) WithTelemetry(c *telemetry.Collector) *Orchestrator {
	o.metrics = c
	return o
}

// MinionConfig is the content written to the minion config file.
func MinionConfig(master string) []byte {
	return []byte(fmt.Sprintf("master: %s\n", master))
}

// Connect provisions hosts strictly in the order given. The returned results
// have one entry per host. With StopOnFirstError the error is the first
// host's failure; otherwise it joins every host's failure.
func (o *Orchestrator) Connect(ctx context.Context, master string, hosts []api.HostTarget) ([]api.HostResult, error) {
	if master == "" {
		return nil, errors.New("master address is required")
	}
	if len(hosts) == 0 {
		return nil, errors.New("at least one host is required")
	}

	results := make([]api.HostResult, len(hosts))
	for i, h := range hosts {
		results[i] = api.HostResult{Target: h, Status: api.HostPending}
	}
	run := o.beginRun(ctx, master, len(hosts))

	var errs []error
	for i, h := range hosts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			o.skipFrom(ctx, run, results, i)
			break
		}
		start := time.Now()
		d, err := o.provisionHost(ctx, master, h)
		results[i].Duration = time.Since(start)
		results[i].Distro = d.String()
		if err != nil {
			results[i].Status = api.HostFailed
			results[i].Err = err
			errs = append(errs, err)
		} else {
			results[i].Status = api.HostSucceeded
		}
		o.recordHost(ctx, run, i, results[i])
		if err != nil && o.opts.StopOnFirstError {
			o.skipFrom(ctx, run, results, i+1)
			break
		}
	}

	status := api.RunSucceeded
	if len(errs) > 0 {
		status = api.RunFailed
	}
	o.finishRun(ctx, run, status)

	switch len(errs) {
	case 0:
		return results, nil
	case 1:
		return results, errs[0]
	default:
		return results, errors.Join(errs...)
	}
}

func (o *Orchestrator) skipFrom(ctx context.Context, run runState, results []api.HostResult, from int) {
	for j := from; j < len(results); j++ {
		results[j].Status = api.HostSkipped
		o.recordHost(ctx, run, j, results[j])
	}
}

func (o *Orchestrator) provisionHost(ctx context.Context, master string, target api.HostTarget) (d distro.Descriptor, err error) {
	hlog := log.With().Str("host", target.Host).Logger()

	conn, err := o.provider.Get(ctx, target)
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Host: target.Host, Err: err}
		}
		return d, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			hlog.Warn().Err(cerr).Msg("closing connection")
		}
	}()

	d, err = distro.Detect(ctx, conn)
	if err != nil {
		return d, fmt.Errorf("%s: detect distro: %w", target.Host, err)
	}
	if !o.opts.Supported.Has(d.NormalizedName) {
		return d, &UnsupportedPlatformError{Host: target.Host, Name: d.Name, Codename: d.Codename, Release: d.Release}
	}
	platform, err := o.platforms.Resolve(d.NormalizedName, conn)
	if err != nil {
		return d, fmt.Errorf("%s: %w", target.Host, err)
	}

	hlog.Info().Msgf("Distro info: %s %s %s", d.Name, d.Release, d.Codename)
	hlog.Info().Msg("assuming that a repository with Calamari packages is already configured.")
	hlog.Info().Msg("Refer to the docs for examples (http://ceph.com/ceph-deploy/docs/conf.html)")
	hlog.Info().Msgf("installing %s package on %s", o.opts.Package, target.Host)

	// The config goes in before the package so it is present when the minion
	// first starts.
	if err := o.emplaceConfig(ctx, hlog, conn, master); err != nil {
		return d, err
	}

	step := time.Now()
	if err := platform.Packager.Install(ctx, o.opts.Package); err != nil {
		return d, &InstallError{Host: target.Host, Package: o.opts.Package, Err: err}
	}
	o.metrics.Timer("minionctl_install_duration", time.Since(step), map[string]string{"host": target.Host, "packager": platform.Packager.Name()})

	if err := platform.Services.Enable(ctx, o.opts.Service); err != nil {
		return d, fmt.Errorf("enable %s: %w", o.opts.Service, err)
	}
	if err := platform.Services.Start(ctx, o.opts.Service); err != nil {
		return d, fmt.Errorf("start %s: %w", o.opts.Service, err)
	}
	return d, nil
}

func (o *Orchestrator) emplaceConfig(ctx context.Context, hlog zerolog.Logger, conn remote.Conn, master string) error {
	dir := o.opts.ConfigDir
	file := path.Join(dir, MinionConfigFile)

	hlog.Debug().Msgf("creating config dir: %s", dir)
	if err := conn.MakeDir(ctx, dir, fs.ErrExist); err != nil {
		return &RemoteIOError{Host: conn.Host(), Op: "mkdir", Path: dir, Err: err}
	}
	hlog.Debug().Msgf("creating the calamari salt config: %s", file)
	if err := conn.WriteFile(ctx, file, MinionConfig(master)); err != nil {
		return &RemoteIOError{Host: conn.Host(), Op: "write", Path: file, Err: err}
	}
	return nil
}

// runState carries history for a single Connect call. recorder is nil when
// history is off or could not be started.
type runState struct {
	id       string
	recorder Recorder
}

func (o *Orchestrator) beginRun(ctx context.Context, master string, hosts int) runState {
	if o.recorder == nil {
		return runState{}
	}
	id, err := o.recorder.BeginRun(ctx, master, hosts)
	if err != nil {
		log.Warn().Err(err).Msg("run history disabled for this run")
		return runState{}
	}
	log.Debug().Str("run", id).Msg("recording run")
	return runState{id: id, recorder: o.recorder}
}

func (o *Orchestrator) recordHost(ctx context.Context, run runState, seq int, res api.HostResult) {
	o.metrics.Counter("minionctl_hosts", 1, map[string]string{"status": string(res.Status)})
	if res.Status != api.HostSkipped {
		o.metrics.Timer("minionctl_host_duration", res.Duration, map[string]string{"host": res.Target.Host})
	}
	if run.recorder == nil {
		return
	}
	if err := run.recorder.RecordHost(context.WithoutCancel(ctx), run.id, seq, res); err != nil {
		log.Warn().Err(err).Str("host", res.Target.Host).Msg("recording host result")
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, run runState, status api.RunStatus) {
	defer o.metrics.Flush()
	if run.recorder == nil {
		return
	}
	if err := run.recorder.FinishRun(context.WithoutCancel(ctx), run.id, status); err != nil {
		log.Warn().Err(err).Str("run", run.id).Msg("recording run status")
	}
}
