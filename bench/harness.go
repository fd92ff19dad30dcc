package bench

import (
	"fmt"
	"time"

	"github.com/luca-patrignani/bcast-bench/broadcast"
)

// Measure runs fn between two barriers of group and returns the wall-clock
// time elapsed on this process between leaving the first barrier and leaving
// the second one. Every process of the group must call Measure.
func Measure(group broadcast.ProcessGroup, fn func() error) (time.Duration, error) {
	if err := group.Barrier(); err != nil {
		return 0, fmt.Errorf("entering timed region: %w", err)
	}
	t1 := group.WallClock()
	if err := fn(); err != nil {
		return 0, err
	}
	if err := group.Barrier(); err != nil {
		return 0, fmt.Errorf("leaving timed region: %w", err)
	}
	t2 := group.WallClock()
	return max(t2.Sub(t1), 0), nil
}
