// Package network provides the process group used by the benchmark: a fixed
// set of peers, each identified by an integer rank, that exchange
// point-to-point messages over HTTP(S) and synchronize with barriers.
//
// # Core Components
//
// Peer: network node owning one rank. It serves an HTTP endpoint on which the
// other ranks deliver messages, and posts to the other ranks' endpoints.
//
// # Communication Patterns
//
// Send/Recv: blocking point-to-point transfer. Messages between a pair of
// ranks are delivered in FIFO order, exactly once.
//
// Broadcast: one rank's data becomes visible to every rank. This is the
// group's built-in broadcast and uses a binomial tree, so the root sends
// ceil(log2 N) messages instead of N-1.
//
// Barrier: no peer leaves the barrier until every peer has entered it.
//
// # Failure Handling
//
// Every blocking operation is bounded by the peer timeout (zero disables it).
// A peer that fails can call Abort, which releases every peer still blocked
// in the group with ErrAborted instead of leaving it waiting forever.
package network
