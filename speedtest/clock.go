// Package speedtest implements the server side of a speed test that needs no
// client-side scripting: every figure is derived from instants the server
// observes itself, namely when payload bytes are handed to the transport and
// when the client's follow-up requests arrive.
package speedtest

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock supplies every instant recorded for a run. The real clock returns
// times carrying a monotonic reading, so elapsed durations computed with Sub
// are immune to wall-clock adjustments.
type Clock = clock.Clock

func NewClock() Clock {
	return clock.New()
}

func elapsedBetween(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}
