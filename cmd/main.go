package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/luca-patrignani/bcast-bench/bench"
	"github.com/luca-patrignani/bcast-bench/broadcast"
	"github.com/luca-patrignani/bcast-bench/config"
	"github.com/luca-patrignani/bcast-bench/metrics"
	"github.com/luca-patrignani/bcast-bench/network"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(&runner{stdout: stdout, stderr: stderr})
	cmd.AddCommand(newLaunchCmd(stdout, stderr))
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// runner runs one rank of the benchmark.
type runner struct {
	stdout, stderr io.Writer
	// listen opens the listener of this rank; nil means net.Listen.
	listen func(network, address string) (net.Listener, error)
	// overrides take precedence over flags, environment and config file.
	overrides map[string]any
}

func newRootCmd(r *runner) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bcastbench --array_size N [--root R] [--custom]",
		Short: "Time the broadcast of an array of integers across a group of processes",
		Long: `bcastbench fills an array on the root process and broadcasts it to every
other process, using either the group's own broadcast or a linear one.
The root prints the elapsed time in seconds.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd.Flags(), cfgFile)
			if err != nil {
				return r.fail(err)
			}
			for k, val := range r.overrides {
				v.Set(k, val)
			}
			logger := newLogger(r.stderr, v.GetBool(config.KeyVerbose))
			cfg, err := config.Load(v, logger)
			if errors.Is(err, config.ErrMissingArraySize) {
				fmt.Fprint(r.stderr, cmd.UsageString())
			}
			if err != nil {
				return r.fail(err)
			}
			return r.fail(r.run(cfg, logger))
		},
	}
	cmd.SetOut(r.stdout)
	cmd.SetErr(r.stderr)
	cmd.SetFlagErrorFunc(flagError(r.stderr))
	config.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML file with the same keys as the flags")
	return cmd
}

// flagError reports unparsable flags together with the usage.
func flagError(w io.Writer) func(*cobra.Command, error) error {
	return func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(w, "Error:", err)
		fmt.Fprint(w, cmd.UsageString())
		return err
	}
}

func (r *runner) fail(err error) error {
	if err != nil {
		fmt.Fprintln(r.stderr, "Error:", err)
	}
	return err
}

func (r *runner) run(cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()
	peer, err := r.openPeer(cfg, logger, m)
	if err != nil {
		return err
	}
	defer peer.Close()

	driver := bench.NewDriver(peer,
		bench.WithLogger(logger),
		bench.WithMetrics(m),
		bench.WithDebugWriter(r.stdout),
	)
	res, err := driver.Run(bench.Config{
		ArraySize: cfg.ArraySize,
		Root:      cfg.Root,
		Strategy:  broadcast.StrategyFor(cfg.Custom),
		Seed:      cfg.Seed,
		Debug:     cfg.Debug,
	})
	if err != nil {
		return err
	}
	if res.IsRoot() {
		fmt.Fprintf(r.stdout, "%f\n", res.Elapsed.Seconds())
		if err := r.finish(cfg, res, m, logger); err != nil {
			peer.Abort(err)
			return err
		}
	}
	// nobody leaves while a peer may still talk to it
	return peer.Barrier()
}

// finish writes what the root reports besides the elapsed time.
func (r *runner) finish(cfg config.Config, res bench.Result, m *metrics.Metrics, logger *slog.Logger) error {
	if cfg.Stats {
		samples, err := m.Snapshot()
		if err != nil {
			return err
		}
		table, err := statsTable(res, samples)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.stderr, table)
	}
	if cfg.Report != "" {
		f, err := os.Create(cfg.Report)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := bench.WriteReport(f, bench.NewReport(res, time.Now())); err != nil {
			return err
		}
		logger.Debug("report written", "file", cfg.Report)
	}
	return nil
}

func (r *runner) openPeer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*network.Peer, error) {
	listen := r.listen
	if listen == nil {
		listen = net.Listen
	}
	var (
		addresses map[int]string
		l         net.Listener
		err       error
	)
	if len(cfg.Peers) == 0 {
		l, err = listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		addresses = map[int]string{0: l.Addr().String()}
	} else {
		addresses, err = resolvePeers(cfg.Peers, cfg.Rank)
		if err != nil {
			return nil, err
		}
		l, err = listen("tcp", addresses[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", addresses[cfg.Rank], err)
		}
		logOutsideSubnet(l, addresses, logger)
	}

	opts := []network.PeerOption{
		network.WithTimeout(cfg.Timeout),
		network.WithLogger(logger),
		network.WithMetrics(m),
	}
	if cfg.UseTLS() {
		cert, pool, err := network.LoadCertificate([]byte(cfg.TLSCert), []byte(cfg.TLSKey))
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("loading certificate: %w", err)
		}
		opts = append(opts, network.WithCertificate(cert), network.WithLimitedCAs(pool))
	}
	peer, err := network.NewPeerWithOptions(cfg.Rank, addresses, opts...)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	peer.Start(l)
	logger.Debug("peer started", "rank", cfg.Rank, "address", l.Addr().String(), "size", len(addresses))
	return peer, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := pterm.LogLevelInfo
	if verbose {
		level = pterm.LogLevelDebug
	}
	return slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithWriter(w).WithLevel(level)))
}
