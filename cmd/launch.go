package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/luca-patrignani/bcast-bench/config"
	"github.com/luca-patrignani/bcast-bench/network"
)

type launchOptions struct {
	procs  int
	inproc bool
	tls    bool
}

func newLaunchCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts launchOptions
	cmd := &cobra.Command{
		Use:   "launch -n N [--inproc] [--tls] -- <benchmark flags>",
		Short: "Run the benchmark on N local processes",
		Long: `launch reserves N loopback addresses and starts one rank on each, passing
the flags after -- to every rank. The ranks are separate processes unless
--inproc is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := launch(opts, args, &syncWriter{w: stdout}, &syncWriter{w: stderr})
			if err != nil {
				fmt.Fprintln(stderr, "Error:", err)
			}
			return err
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(flagError(stderr))
	cmd.Flags().IntVarP(&opts.procs, "procs", "n", 1, "number of processes")
	cmd.Flags().BoolVar(&opts.inproc, "inproc", false, "run the ranks as goroutines of this process")
	cmd.Flags().BoolVar(&opts.tls, "tls", false, "connect the ranks with mutually authenticated TLS")
	return cmd
}

func launch(opts launchOptions, args []string, stdout, stderr io.Writer) error {
	if opts.procs < 1 {
		return fmt.Errorf("%w: -n must be at least 1, got %d", config.ErrInvalid, opts.procs)
	}
	if opts.inproc {
		return launchInProcess(opts, args, stdout, stderr)
	}
	return launchProcesses(opts, args, stdout, stderr)
}

// certificate returns PEM material shared by every rank, or nils without --tls.
func certificate(opts launchOptions, addresses map[int]string) ([]byte, []byte, error) {
	if !opts.tls {
		return nil, nil, nil
	}
	_, certPEM, keyPEM, err := network.GenerateSelfSignedCert(addresses[0])
	if err != nil {
		return nil, nil, fmt.Errorf("generating certificate: %w", err)
	}
	return certPEM, keyPEM, nil
}

func launchProcesses(opts launchOptions, args []string, stdout, stderr io.Writer) error {
	addresses, err := network.CreateAddresses(opts.procs)
	if err != nil {
		return err
	}
	certPEM, keyPEM, err := certificate(opts, addresses)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmds := make([]*exec.Cmd, opts.procs)
	for rank := range cmds {
		c := exec.Command(exe, args...)
		c.Env = append(os.Environ(),
			config.EnvPrefix+"_RANK="+strconv.Itoa(rank),
			config.EnvPrefix+"_PEERS="+joinPeers(addresses),
		)
		if opts.tls {
			c.Env = append(c.Env,
				config.EnvPrefix+"_TLS_CERT="+string(certPEM),
				config.EnvPrefix+"_TLS_KEY="+string(keyPEM),
			)
		}
		c.Stdout = stdout
		c.Stderr = stderr
		if err := c.Start(); err != nil {
			for _, started := range cmds[:rank] {
				_ = started.Process.Kill()
				_ = started.Wait()
			}
			return fmt.Errorf("starting rank %d: %w", rank, err)
		}
		cmds[rank] = c
	}

	errs := make([]error, len(cmds))
	for rank, c := range cmds {
		if err := c.Wait(); err != nil {
			errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return errors.Join(errs...)
}

func launchInProcess(opts launchOptions, args []string, stdout, stderr io.Writer) error {
	listeners, addresses, err := network.CreateListeners(opts.procs)
	if err != nil {
		return err
	}
	// ranks that fail before serving leave their listener open
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	certPEM, keyPEM, err := certificate(opts, addresses)
	if err != nil {
		return err
	}

	errs := make([]error, opts.procs)
	var wg sync.WaitGroup
	for rank := 0; rank < opts.procs; rank++ {
		overrides := map[string]any{
			config.KeyRank:  rank,
			config.KeyPeers: joinPeers(addresses),
		}
		if opts.tls {
			overrides[config.KeyTLSCert] = string(certPEM)
			overrides[config.KeyTLSKey] = string(keyPEM)
		}
		l := listeners[rank]
		r := &runner{
			stdout: stdout,
			stderr: stderr,
			listen: func(string, string) (net.Listener, error) {
				return l, nil
			},
			overrides: overrides,
		}
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			cmd := newRootCmd(r)
			cmd.SetArgs(append([]string{}, args...))
			if err := cmd.Execute(); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
			}
		}(rank)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// syncWriter serializes the writes of concurrent ranks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
