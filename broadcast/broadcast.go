package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrInvalidRoot is returned when the root is not a rank of the group.
	ErrInvalidRoot = errors.New("root is not a rank of the group")
	// ErrShortBuffer is returned when the buffer cannot hold count elements.
	ErrShortBuffer = errors.New("buffer shorter than element count")
	// ErrUnknownStrategy is returned for a Strategy value that is not defined.
	ErrUnknownStrategy = errors.New("unknown broadcast strategy")
)

// Broadcaster runs broadcasts on a process group. Failures are reported on
// its logger before being returned.
type Broadcaster struct {
	group  ProcessGroup
	logger *slog.Logger
}

func New(group ProcessGroup, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{group: group, logger: logger}
}

// Broadcast copies buf[:count] of the process with rank root into buf[:count]
// of every process of the group. Every process must call it with the same
// count, root and strategy.
func (b *Broadcaster) Broadcast(buf Payload, count, root int, strategy Strategy) error {
	if count < 0 || count > len(buf) {
		return fmt.Errorf("%w: %d elements, capacity %d", ErrShortBuffer, count, len(buf))
	}
	if size := b.group.GetPeerCount(); root < 0 || root >= size {
		return fmt.Errorf("%w: root %d, group size %d", ErrInvalidRoot, root, size)
	}
	switch strategy {
	case Library:
		return b.library(buf, count, root)
	case Linear:
		return b.linear(buf, count, root)
	default:
		return fmt.Errorf("%w: %v", ErrUnknownStrategy, strategy)
	}
}

func (b *Broadcaster) library(buf Payload, count, root int) error {
	rank := b.group.GetRank()
	var data []byte
	if rank == root {
		data = buf.Bytes(count)
	}
	recv, err := b.group.Broadcast(data, root)
	if err != nil {
		b.logger.Error("library broadcast failed", "rank", rank, "root", root, "error", err)
		return err
	}
	if rank == root {
		return nil
	}
	return buf.SetBytes(recv, count)
}

// linear is the naive fan-out: the root sends to every other rank in
// increasing rank order and stops at the first failure.
func (b *Broadcaster) linear(buf Payload, count, root int) error {
	rank := b.group.GetRank()
	if rank == root {
		data := buf.Bytes(count)
		for i := 0; i < b.group.GetPeerCount(); i++ {
			if i == root {
				continue
			}
			if err := b.group.Send(data, i); err != nil {
				b.logger.Error("error sending data to process", "process", i, "error", err)
				return fmt.Errorf("sending to process %d: %w", i, err)
			}
		}
		return nil
	}
	recv, err := b.group.Recv(root)
	if err != nil {
		b.logger.Error("error receiving data from root process", "root", root, "error", err)
		return fmt.Errorf("receiving from root %d: %w", root, err)
	}
	if err := buf.SetBytes(recv, count); err != nil {
		b.logger.Error("error receiving data from root process", "root", root, "error", err)
		return err
	}
	return nil
}
