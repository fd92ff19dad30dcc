package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/bcast-bench/broadcast"
)

func TestFillerDeterministic(t *testing.T) {
	a := make(broadcast.Payload, 100)
	b := make(broadcast.Payload, 100)
	require.NoError(t, NewFiller(42).Fill(a))
	require.NoError(t, NewFiller(42).Fill(b))
	assert.Equal(t, a, b)

	c := make(broadcast.Payload, 100)
	require.NoError(t, NewFiller(43).Fill(c))
	assert.NotEqual(t, a, c)
}

func TestFillerRange(t *testing.T) {
	// larger than one chunk
	buf := make(broadcast.Payload, 3*fillChunk+17)
	require.NoError(t, NewFiller(7).Fill(buf))

	distinct := map[int32]struct{}{}
	for _, v := range buf {
		require.GreaterOrEqual(t, v, int32(0))
		require.Less(t, v, int32(MaxVal))
		distinct[v] = struct{}{}
	}
	assert.Greater(t, len(distinct), MaxVal/2)
}

func TestFillerContinuesSequence(t *testing.T) {
	f := NewFiller(1)
	first := make(broadcast.Payload, 10)
	second := make(broadcast.Payload, 10)
	require.NoError(t, f.Fill(first))
	require.NoError(t, f.Fill(second))
	assert.NotEqual(t, first, second)
}
