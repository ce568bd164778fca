// Package clock abstracts time for testability. Production code injects
// Real(); tests inject a Fake with deterministic time control.
//
// Every function that reads the wall clock for cache-freshness or
// sync-metadata decisions should take a Clock instead of calling
// time.Now directly.
package clock

import "time"

// Clock provides the current time and timed waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
