package controller

import (
	"math"
	"math/bits"
	"time"
)

// MachinesToStart turns the traffic seen since the last scan into a number of
// machines to start: one per ppsPerMachine packets per second, rounded down.
// elapsed is truncated to whole seconds, so it returns 0 when ppsPerMachine is
// 0 or less than a second has elapsed.
func MachinesToStart(packets, ppsPerMachine uint64, elapsed time.Duration) int {
	if ppsPerMachine == 0 || elapsed < time.Second {
		return 0
	}
	hi, capacity := bits.Mul64(ppsPerMachine, uint64(elapsed/time.Second))
	if hi != 0 {
		return 0
	}
	n := packets / capacity
	if n >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
