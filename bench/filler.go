package bench

import (
	"encoding/binary"
	"fmt"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/xof/blake2xb"

	"github.com/luca-patrignani/bcast-bench/broadcast"
)

// MaxVal bounds the values written by a Filler: every value is in [0, MaxVal).
const MaxVal = 1000

const fillChunk = 4096

// Filler produces a deterministic pseudo-random sequence from its seed.
type Filler struct {
	xof kyber.XOF
}

func NewFiller(seed uint64) *Filler {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	return &Filler{xof: blake2xb.New(key[:])}
}

// Fill overwrites every element of buf.
func (f *Filler) Fill(buf broadcast.Payload) error {
	raw := make([]byte, fillChunk*broadcast.ElementSize)
	for start := 0; start < len(buf); start += fillChunk {
		end := min(start+fillChunk, len(buf))
		chunk := raw[:(end-start)*broadcast.ElementSize]
		if _, err := f.xof.Read(chunk); err != nil {
			return fmt.Errorf("reading random stream: %w", err)
		}
		for i := start; i < end; i++ {
			v := binary.LittleEndian.Uint32(chunk[(i-start)*broadcast.ElementSize:])
			buf[i] = int32(v % MaxVal)
		}
	}
	return nil
}
