package bench

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGroup is a single process that records what the harness asks of it.
// It never blocks.
type fakeGroup struct {
	rank, size int
	calls      []string
	clock      []time.Time
	barrierErr error
	aborted    error
}

func (g *fakeGroup) GetRank() int      { return g.rank }
func (g *fakeGroup) GetPeerCount() int { return g.size }

func (g *fakeGroup) Send(data []byte, dest int) error {
	g.calls = append(g.calls, "send")
	return nil
}

func (g *fakeGroup) Recv(src int) ([]byte, error) {
	g.calls = append(g.calls, "recv")
	return nil, errors.New("nothing to receive")
}

func (g *fakeGroup) Broadcast(data []byte, root int) ([]byte, error) {
	g.calls = append(g.calls, "broadcast")
	return data, nil
}

func (g *fakeGroup) Barrier() error {
	g.calls = append(g.calls, "barrier")
	return g.barrierErr
}

func (g *fakeGroup) WallClock() time.Time {
	g.calls = append(g.calls, "clock")
	if len(g.clock) == 0 {
		return time.Now()
	}
	t := g.clock[0]
	g.clock = g.clock[1:]
	return t
}

func (g *fakeGroup) Abort(cause error) {
	g.aborted = cause
}

func TestMeasureProtocol(t *testing.T) {
	base := time.Now()
	g := &fakeGroup{size: 1, clock: []time.Time{base, base.Add(1500 * time.Millisecond)}}

	elapsed, err := Measure(g, func() error {
		g.calls = append(g.calls, "fn")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, elapsed)
	assert.Equal(t, []string{"barrier", "clock", "fn", "barrier", "clock"}, g.calls)
}

func TestMeasureNeverNegative(t *testing.T) {
	base := time.Now()
	g := &fakeGroup{size: 1, clock: []time.Time{base, base.Add(-time.Second)}}

	elapsed, err := Measure(g, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), elapsed)
}

func TestMeasureStopsOnFailure(t *testing.T) {
	boom := errors.New("send failed")
	g := &fakeGroup{size: 1}

	_, err := Measure(g, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"barrier", "clock"}, g.calls)
}

func TestMeasureBarrierFailure(t *testing.T) {
	boom := errors.New("peer gone")
	g := &fakeGroup{size: 1, barrierErr: boom}
	called := false

	_, err := Measure(g, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}
