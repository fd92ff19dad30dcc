package bench

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/luca-patrignani/bcast-bench/broadcast"
	"github.com/luca-patrignani/bcast-bench/metrics"
)

// DefaultMaxBufferBytes caps the payload allocation of one process.
const DefaultMaxBufferBytes = 1 << 32

var (
	// ErrInvalidConfig is returned before any communication when the
	// configuration cannot be run on the group.
	ErrInvalidConfig = errors.New("invalid benchmark configuration")
	// ErrAllocation is returned when the payload buffer cannot be allocated.
	ErrAllocation = errors.New("error allocating buffer")
)

type Config struct {
	ArraySize int
	Root      int
	Strategy  broadcast.Strategy
	// Seed of the root's random fill. Zero derives one from the current time.
	Seed uint64
	// Debug prints every process's buffer after the broadcast, in rank order.
	Debug bool
	// MaxBufferBytes caps the allocation; zero means DefaultMaxBufferBytes.
	MaxBufferBytes int64
}

// Result is what one process observed. Only the root's Elapsed is reported.
type Result struct {
	Rank      int
	Size      int
	Root      int
	Strategy  broadcast.Strategy
	ArraySize int
	Seed      uint64
	Elapsed   time.Duration
	Buffer    broadcast.Payload
}

// IsRoot reports whether the result was produced by the root process.
func (r Result) IsRoot() bool {
	return r.Rank == r.Root
}

type Driver struct {
	group    broadcast.ProcessGroup
	logger   *slog.Logger
	metrics  *metrics.Metrics
	debugOut io.Writer
}

type Option func(*Driver)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithDebugWriter sets where the buffers are printed when Config.Debug is set.
func WithDebugWriter(w io.Writer) Option {
	return func(d *Driver) {
		d.debugOut = w
	}
}

func NewDriver(group broadcast.ProcessGroup, opts ...Option) *Driver {
	d := &Driver{
		group:    group,
		logger:   slog.Default(),
		debugOut: os.Stdout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one benchmark on this process. Every process of the group
// must call Run with the same configuration, apart from the seed which only
// matters on the root.
// When Run fails after communication may have started, it aborts the group
// (if the group supports it) so that the other processes fail too.
func (d *Driver) Run(cfg Config) (Result, error) {
	res, err := d.prepare(cfg)
	if err != nil {
		return Result{}, err
	}
	b := broadcast.New(d.group, d.logger)
	res.Elapsed, err = Measure(d.group, func() error {
		return b.Broadcast(res.Buffer, cfg.ArraySize, cfg.Root, cfg.Strategy)
	})
	if err != nil {
		d.abort(err)
		return Result{}, err
	}
	d.metrics.ObserveBroadcast(cfg.Strategy.String(), res.Elapsed)
	d.logger.Debug("broadcast done",
		"rank", res.Rank, "strategy", cfg.Strategy.String(), "elapsed", res.Elapsed)
	if cfg.Debug {
		if err := d.dump(res); err != nil {
			d.abort(err)
			return Result{}, err
		}
	}
	return res, nil
}

// prepare validates cfg, allocates the buffer and fills it on the root.
// It does not communicate.
func (d *Driver) prepare(cfg Config) (Result, error) {
	rank, size := d.group.GetRank(), d.group.GetPeerCount()
	if cfg.ArraySize < 1 {
		return Result{}, fmt.Errorf("%w: array size %d must be positive", ErrInvalidConfig, cfg.ArraySize)
	}
	if cfg.Root < 0 || cfg.Root >= size {
		return Result{}, fmt.Errorf("%w: root %d is not in [0, %d)", ErrInvalidConfig, cfg.Root, size)
	}
	buf, err := allocate(cfg.ArraySize, cfg.MaxBufferBytes)
	if err != nil {
		d.logger.Error("error allocating buffer", "array_size", cfg.ArraySize, "error", err)
		d.abort(err)
		return Result{}, err
	}
	res := Result{
		Rank:      rank,
		Size:      size,
		Root:      cfg.Root,
		Strategy:  cfg.Strategy,
		ArraySize: cfg.ArraySize,
		Buffer:    buf,
	}
	if rank == cfg.Root {
		res.Seed = cfg.Seed
		if res.Seed == 0 {
			res.Seed = uint64(time.Now().UnixMicro())
		}
		if err := NewFiller(res.Seed).Fill(buf); err != nil {
			d.abort(err)
			return Result{}, err
		}
	}
	return res, nil
}

// dump prints the buffers one process at a time, in rank order.
func (d *Driver) dump(res Result) error {
	for r := 0; r < res.Size; r++ {
		if r == res.Rank {
			if res.IsRoot() {
				fmt.Fprintf(d.debugOut, "Data sent from process %d (root)\n", r)
			} else {
				fmt.Fprintf(d.debugOut, "Data received at process %d\n", r)
			}
			fmt.Fprintf(d.debugOut, "%s\n\n", formatPayload(res.Buffer))
		}
		if err := d.group.Barrier(); err != nil {
			return fmt.Errorf("debug print: %w", err)
		}
	}
	return nil
}

func (d *Driver) abort(cause error) {
	if a, ok := d.group.(broadcast.Aborter); ok {
		a.Abort(cause)
	}
}

func allocate(count int, limit int64) (broadcast.Payload, error) {
	if limit <= 0 {
		limit = DefaultMaxBufferBytes
	}
	if int64(count) > limit/broadcast.ElementSize {
		return nil, fmt.Errorf("%w of size %d: exceeds %d bytes", ErrAllocation, count, limit)
	}
	return make(broadcast.Payload, count), nil
}

func formatPayload(p broadcast.Payload) string {
	var sb strings.Builder
	for i, v := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	return sb.String()
}
