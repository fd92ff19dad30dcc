// Package bench measures one broadcast across a process group.
//
// Measure wraps a call between two barriers and two wall-clock readings, so
// that the elapsed time covers the broadcast plus one barrier. Driver
// prepares the buffer (random content on the root only), selects the
// strategy and runs the measurement.
package bench
