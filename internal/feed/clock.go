package feed

import "time"

// Clock abstracts time for the reconnect loop so tests run without real
// delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall-clock implementation.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RetryPolicy shapes reconnect behavior. Delay maps the consecutive failure
// count (starting at 1) to the wait before the next attempt. MaxAttempts
// bounds consecutive dial failures; 0 retries forever.
type RetryPolicy struct {
	Delay       func(attempt int) time.Duration
	MaxAttempts int
}

// FixedDelay retries forever with a constant wait between attempts.
func FixedDelay(d time.Duration) RetryPolicy {
	return RetryPolicy{Delay: func(int) time.Duration { return d }}
}
