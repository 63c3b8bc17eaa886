package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/minionctl/internal/core"
	"github.com/3cpo-dev/minionctl/internal/distro"
	"github.com/3cpo-dev/minionctl/internal/remote"
	gssh "github.com/3cpo-dev/minionctl/internal/ssh"
	"github.com/3cpo-dev/minionctl/internal/telemetry"
	"github.com/3cpo-dev/minionctl/pkg/api"
)

// newProvider is swapped out by tests.
var newProvider = func(cfg remote.SSHConfig) (remote.Provider, error) {
	return remote.NewSSHProvider(cfg)
}

// Resolve the configuration, applying global flag overrides
func resolveConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	if user, _ := cmd.Flags().GetString("username"); user != "" {
		cfg.SSH.User = user
	}
	return cfg, nil
}

// Calamari command group
func newCalamariCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calamari",
		Short: "Install and configure Calamari nodes",
		Long: "Install and configure Calamari nodes. Assumes that a repository with " +
			"Calamari packages is already configured on every host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConnectCmd())
	return cmd
}

// Connect hosts to a Calamari master
func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect --master <fqdn> <host> [<host> ...]",
		Short: "Configure host(s) to connect to Calamari master",
		Example: "  minionctl calamari connect --master calamari.example.com ceph-0.example.com ceph-1.example.com\n" +
			"  minionctl calamari connect --master $(hostname -f) admin@ceph-2:2222",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			master, _ := cmd.Flags().GetString("master")
			keepGoing, _ := cmd.Flags().GetBool("continue-on-error")
			noHistory, _ := cmd.Flags().GetBool("no-history")
			master = strings.TrimSpace(master)
			if master == "" {
				return errors.New("--master must not be empty")
			}

			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("username")
			targets := make([]api.HostTarget, 0, len(args))
			for _, a := range args {
				t, err := cfg.ResolveHost(a, user)
				if err != nil {
					return fmt.Errorf("host %q: %w", a, err)
				}
				targets = append(targets, t)
			}

			opts := cfg.Options()
			if keepGoing {
				opts.StopOnFirstError = false
			}
			provider, err := newProvider(cfg.RemoteSSH())
			if err != nil {
				return err
			}
			metrics := telemetry.NewCollector(cfg.Telemetry.Enabled)
			orch := core.NewOrchestrator(provider, distro.DefaultRegistry(), opts).WithTelemetry(metrics)

			if cfg.History.Enabled && !noHistory {
				store, err := core.NewStore(cfg.History.Path)
				if err != nil {
					log.Warn().Err(err).Str("path", cfg.History.Path).Msg("run history unavailable")
				} else {
					defer store.Close()
					orch.WithRecorder(store)
				}
			}

			results, err := orch.Connect(cmd.Context(), master, targets)
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().String("master", "", "The fully qualified domain name of the Calamari server")
	cmd.Flags().Bool("continue-on-error", false, "keep going after a host fails and report every failure at the end")
	cmd.Flags().Bool("no-history", false, "do not record this run in the history database")
	_ = cmd.MarkFlagRequired("master")
	return cmd
}

func printResults(w io.Writer, results []api.HostResult) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSTATUS\tDISTRO\tDURATION")
	for _, r := range results {
		d := "-"
		if r.Distro != "" {
			d = r.Distro
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Target.Host, r.Status, d, r.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or the per-host results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 1 {
				hosts, err := store.HostResults(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(hosts) == 0 {
					return fmt.Errorf("no results for run %s", args[0])
				}
				fmt.Fprintln(tw, "#\tHOST\tSTATUS\tDISTRO\tERROR")
				for _, h := range hosts {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", h.Seq, h.Target.Host, h.Status, h.Distro, h.Error)
				}
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tMASTER\tHOSTS\tSTATUS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.StartedAt.Local().Format(time.RFC3339), r.Master, r.HostCount, r.Status)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Generate an SSH key for minionctl
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 SSH key at the configured key path",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				cfg, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				path = cfg.SSH.KeyPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			pub, err := gssh.GenerateEd25519Keypair(path)
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("generated SSH key")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().String("path", "", "private key path (default ssh.key_path from config)")
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}

// Record a host key in known_hosts
func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust <host> <public-key-file>",
		Short: "Add a host's public key to the known_hosts file used by minionctl",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			key, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read host key: %w", err)
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, args[0], string(key)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", args[0], cfg.SSH.KnownHosts)
			return nil
		},
	}
	return cmd
}
