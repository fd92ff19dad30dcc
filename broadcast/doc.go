// Package broadcast implements the one-to-many data distribution that the
// benchmark measures.
//
// Two strategies are available. Library delegates to the process group's own
// broadcast. Linear is the naive baseline: the root sends the whole buffer to
// every other rank, one after the other, and every other rank receives once
// from the root. Its cost grows linearly with the group size.
package broadcast
