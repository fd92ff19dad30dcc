package broadcast

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ElementSize is the size in bytes of one Payload element on the wire.
const ElementSize = 4

// ErrTruncated is returned when a received message does not hold exactly
// the expected number of elements.
var ErrTruncated = errors.New("message size does not match element count")

// Payload is the buffer distributed by a broadcast.
type Payload []int32

// Bytes encodes the first count elements, little endian.
func (p Payload) Bytes(count int) []byte {
	b := make([]byte, 0, count*ElementSize)
	for _, v := range p[:count] {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return b
}

// SetBytes decodes b into the first count elements.
func (p Payload) SetBytes(b []byte, count int) error {
	if len(b) != count*ElementSize {
		return fmt.Errorf("%w: %d bytes for %d elements", ErrTruncated, len(b), count)
	}
	for i := range p[:count] {
		p[i] = int32(binary.LittleEndian.Uint32(b[i*ElementSize:]))
	}
	return nil
}
