package broadcast

import "time"

// ProcessGroup abstracts the fixed set of cooperating processes a broadcast
// runs on. Every method except GetRank, GetPeerCount and WallClock blocks.
type ProcessGroup interface {
	// GetRank returns the rank of this process, in [0, GetPeerCount()).
	GetRank() int

	// GetPeerCount returns the number of processes in the group.
	GetPeerCount() int

	// Send delivers data to dest. Messages to the same destination are
	// received in the order they were sent.
	Send(data []byte, dest int) error

	// Recv returns the next message sent by src.
	Recv(src int) ([]byte, error)

	// Broadcast is the group's own broadcast: every process returns the data
	// passed by root.
	Broadcast(data []byte, root int) ([]byte, error)

	// Barrier returns only after every process has entered it.
	Barrier() error

	// WallClock returns a process-local timestamp.
	WallClock() time.Time
}

// Aborter is implemented by groups that can release their peers when a
// process fails, instead of leaving them blocked.
type Aborter interface {
	Abort(cause error)
}
