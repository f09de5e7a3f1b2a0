// Package clock abstracts time so the matchmaking and session timers
// (settle window, match timeout, linger, reconnect backoff) can be driven
// deterministically in tests. Production code uses Real(); tests use Fake().
package clock

import "time"

// Clock is the subset of the time package the protocol components use.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives the current time once d elapses.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d elapses. The returned Timer can cancel it.
	AfterFunc(d time.Duration, f func()) *Timer

	Sleep(d time.Duration)
}

// Timer is a cancellable delayed task.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It returns false if the timer had
// already fired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
