package bench

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/bcast-bench/broadcast"
	"github.com/luca-patrignani/bcast-bench/metrics"
	"github.com/luca-patrignani/bcast-bench/network"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runGroup runs the driver on n loopback peers and returns the results by rank.
func runGroup(t *testing.T, n int, cfg Config, opts ...Option) []Result {
	t.Helper()
	listeners, addresses, err := network.CreateListeners(n)
	require.NoError(t, err)
	results := make([]Result, n)
	fatal := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			peer, err := network.NewPeer(i, addresses, listeners[i], 20*time.Second)
			if err != nil {
				fatal <- err
				return
			}
			defer peer.Close()
			res, err := NewDriver(peer, append([]Option{WithLogger(quiet)}, opts...)...).Run(cfg)
			if err != nil {
				fatal <- fmt.Errorf("from peer %d: %w", i, err)
				return
			}
			results[i] = res
			fatal <- peer.Barrier()
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-fatal)
	}
	return results
}

func assertAllEqualRoot(t *testing.T, results []Result, root int) {
	t.Helper()
	for _, res := range results {
		assert.Equal(t, results[root].Buffer, res.Buffer, "rank %d", res.Rank)
	}
}

func TestRunCorrectness(t *testing.T) {
	for _, strategy := range []broadcast.Strategy{broadcast.Library, broadcast.Linear} {
		for _, n := range []int{1, 4} {
			for root := 0; root < n; root++ {
				t.Run(fmt.Sprintf("%v/n=%d/root=%d", strategy, n, root), func(t *testing.T) {
					results := runGroup(t, n, Config{ArraySize: 50, Root: root, Strategy: strategy, Seed: 99})
					assertAllEqualRoot(t, results, root)
					for _, res := range results {
						assert.Equal(t, res.Rank == root, res.IsRoot())
						assert.GreaterOrEqual(t, res.Elapsed, time.Duration(0))
						assert.Equal(t, n, res.Size)
					}
				})
			}
		}
	}
}

func TestRepeatedRunsWithDifferentSeeds(t *testing.T) {
	cfg := Config{ArraySize: 10, Root: 0, Strategy: broadcast.Linear}

	cfg.Seed = 1
	first := runGroup(t, 4, cfg)
	cfg.Seed = 2
	second := runGroup(t, 4, cfg)

	assertAllEqualRoot(t, first, 0)
	assertAllEqualRoot(t, second, 0)
	assert.NotEqual(t, first[0].Buffer, second[0].Buffer)
}

func TestRootIsolation(t *testing.T) {
	n, root := 4, 2
	cfg := Config{ArraySize: 10, Root: root, Strategy: broadcast.Linear, Seed: 5}

	before := make([]broadcast.Payload, n)
	for i := 0; i < n; i++ {
		res, err := NewDriver(&fakeGroup{rank: i, size: n}, WithLogger(quiet)).prepare(cfg)
		require.NoError(t, err)
		before[i] = res.Buffer
	}
	for i := 0; i < n; i++ {
		if i == root {
			assert.NotEqual(t, make(broadcast.Payload, cfg.ArraySize), before[i])
		} else {
			assert.Equal(t, make(broadcast.Payload, cfg.ArraySize), before[i], "rank %d", i)
		}
	}

	after := runGroup(t, n, cfg)
	for i := 0; i < n; i++ {
		assert.Equal(t, before[root], after[i].Buffer, "rank %d", i)
	}
}

func TestSeedFromClock(t *testing.T) {
	res, err := NewDriver(&fakeGroup{size: 1}, WithLogger(quiet)).prepare(Config{ArraySize: 3})
	require.NoError(t, err)
	assert.NotZero(t, res.Seed)

	res, err = NewDriver(&fakeGroup{rank: 1, size: 2}, WithLogger(quiet)).prepare(Config{ArraySize: 3})
	require.NoError(t, err)
	assert.Zero(t, res.Seed)
}

func TestInvalidConfigDoesNotCommunicate(t *testing.T) {
	cases := map[string]Config{
		"root too large": {ArraySize: 10, Root: 4},
		"negative root":  {ArraySize: 10, Root: -1},
		"empty array":    {ArraySize: 0},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			g := &fakeGroup{rank: 0, size: 4}
			_, err := NewDriver(g, WithLogger(quiet)).Run(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Empty(t, g.calls)
			assert.Nil(t, g.aborted)
		})
	}
}

func TestAllocationFailureAbortsGroup(t *testing.T) {
	g := &fakeGroup{rank: 1, size: 2}
	_, err := NewDriver(g, WithLogger(quiet)).Run(Config{ArraySize: 100, MaxBufferBytes: 64})
	assert.ErrorIs(t, err, ErrAllocation)
	assert.ErrorIs(t, g.aborted, ErrAllocation)
	assert.Empty(t, g.calls)
}

func TestBroadcastFailureAbortsGroup(t *testing.T) {
	// rank 1 of a linear broadcast receives from the root; the fake has nothing
	g := &fakeGroup{rank: 1, size: 2}
	_, err := NewDriver(g, WithLogger(quiet)).Run(Config{ArraySize: 4, Strategy: broadcast.Linear})
	require.Error(t, err)
	assert.NotNil(t, g.aborted)
}

func TestDebugDumpIsRankOrdered(t *testing.T) {
	out := &lockedBuffer{}
	n := 3
	cfg := Config{ArraySize: 5, Root: 1, Strategy: broadcast.Library, Seed: 3, Debug: true}
	results := runGroup(t, n, cfg, WithDebugWriter(out))

	text := out.String()
	i0 := strings.Index(text, "Data received at process 0")
	i1 := strings.Index(text, "Data sent from process 1 (root)")
	i2 := strings.Index(text, "Data received at process 2")
	require.True(t, i0 >= 0 && i1 >= 0 && i2 >= 0, text)
	assert.Less(t, i0, i1)
	assert.Less(t, i1, i2)
	assert.Equal(t, 3, strings.Count(text, formatPayload(results[1].Buffer)))
}

func TestRunRecordsDuration(t *testing.T) {
	m := metrics.New()
	runGroup(t, 1, Config{ArraySize: 8, Strategy: broadcast.Linear, Seed: 1}, WithMetrics(m))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BroadcastDuration))
}

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, "1 2 999", formatPayload(broadcast.Payload{1, 2, 999}))
	assert.Equal(t, "", formatPayload(nil))
}
