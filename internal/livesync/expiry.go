package livesync

import "time"

// ExpiryTimer counts down to a resource deadline. It reports the
// remaining time on each tick and reports expiry exactly once, after
// which it never ticks again.
//
// Driven from the session event loop; not safe for concurrent use.
type ExpiryTimer struct {
	tick     time.Duration
	deadline time.Time
	ticker   *time.Ticker
	fired    bool
}

// NewExpiryTimer returns an idle timer that ticks every tick once started.
func NewExpiryTimer(tick time.Duration) *ExpiryTimer {
	return &ExpiryTimer{tick: tick}
}

// Start (re)arms the countdown for deadline. A zero deadline stops the
// countdown. After expiry has fired, Start is a no-op.
func (e *ExpiryTimer) Start(deadline time.Time) {
	if e.fired {
		return
	}

	e.Stop()

	if deadline.IsZero() {
		e.deadline = time.Time{}
		return
	}

	e.deadline = deadline
	e.ticker = time.NewTicker(e.tick)
}

// Stop halts ticking. Idempotent.
func (e *ExpiryTimer) Stop() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

// Deadline returns the armed deadline, zero if none.
func (e *ExpiryTimer) Deadline() time.Time { return e.deadline }

// Fired reports whether expiry has been reported.
func (e *ExpiryTimer) Fired() bool { return e.fired }

// C fires on each countdown tick. Nil when idle or fired.
func (e *ExpiryTimer) C() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}

	return e.ticker.C
}

// Check recomputes the remaining time. It returns the remaining duration
// and true the one time the deadline is found to have passed.
func (e *ExpiryTimer) Check() (time.Duration, bool) {
	if e.fired || e.deadline.IsZero() {
		return 0, false
	}

	remaining := time.Until(e.deadline)
	if remaining > 0 {
		return remaining, false
	}

	e.fired = true
	e.Stop()

	return 0, true
}
