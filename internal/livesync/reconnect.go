package livesync

import (
	"fmt"
	"math/rand/v2"
	"time"

	apperrors "github.com/alexjbarnes/livesync/internal/errors"
)

// ReconnectPolicy bounds the exponential backoff between push channel
// connection attempts.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// JitterRatio spreads each delay uniformly over
	// [delay*(1-JitterRatio), delay*(1+JitterRatio)).
	JitterRatio float64
}

// Validate reports the first invalid field.
func (p ReconnectPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: reconnect base delay must be positive", apperrors.ErrInvalidConfig)
	}

	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: reconnect max delay below base delay", apperrors.ErrInvalidConfig)
	}

	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect max attempts must not be negative", apperrors.ErrInvalidConfig)
	}

	if p.JitterRatio < 0 || p.JitterRatio >= 1 {
		return fmt.Errorf("%w: reconnect jitter ratio must be in [0, 1)", apperrors.ErrInvalidConfig)
	}

	return nil
}

// Delay returns the wait before attempt number attempt (0-based). u is a
// uniform sample in [0, 1) used for jitter.
func (p ReconnectPolicy) Delay(attempt int, u float64) time.Duration {
	shift := max(attempt, 0)

	// Compare against MaxDelay before shifting so BaseDelay<<shift never
	// overflows. A shift of 64 or more leaves MaxDelay>>shift at zero.
	delay := p.MaxDelay
	if p.BaseDelay <= p.MaxDelay>>shift {
		delay = p.BaseDelay << shift
	}

	if p.JitterRatio == 0 {
		return delay
	}

	factor := 1 + p.JitterRatio*(2*u-1)

	return time.Duration(float64(delay) * factor)
}

// ReconnectState is the scheduler's position in its state machine.
type ReconnectState int

const (
	ReconnectReady ReconnectState = iota
	ReconnectScheduled
	ReconnectAttempting
	ReconnectExhausted
)

func (s ReconnectState) String() string {
	switch s {
	case ReconnectReady:
		return "ready"
	case ReconnectScheduled:
		return "scheduled"
	case ReconnectAttempting:
		return "attempting"
	case ReconnectExhausted:
		return "exhausted"
	}

	return fmt.Sprintf("ReconnectState(%d)", int(s))
}

// ReconnectScheduler tracks consecutive connection failures and owns the
// backoff timer. It is driven from the session event loop and is not
// safe for concurrent use.
type ReconnectScheduler struct {
	policy   ReconnectPolicy
	state    ReconnectState
	attempts int
	timer    *time.Timer
	rand     func() float64
}

// NewReconnectScheduler returns a scheduler in the Ready state.
func NewReconnectScheduler(policy ReconnectPolicy) *ReconnectScheduler {
	return &ReconnectScheduler{
		policy: policy,
		rand:   rand.Float64, //nolint:gosec // G404: jitter only, no security impact
	}
}

// State returns the current scheduler state.
func (r *ReconnectScheduler) State() ReconnectState { return r.state }

// Attempts returns the number of reconnect attempts made since the last
// successful open.
func (r *ReconnectScheduler) Attempts() int { return r.attempts }

// Failure records a failed connection and schedules the next attempt.
// It returns the chosen delay, or false once the attempt ceiling has been
// reached, in which case the scheduler is Exhausted for good.
func (r *ReconnectScheduler) Failure() (time.Duration, bool) {
	if r.state == ReconnectExhausted {
		return 0, false
	}

	r.stopTimer()

	if r.attempts >= r.policy.MaxAttempts {
		r.state = ReconnectExhausted
		return 0, false
	}

	delay := r.policy.Delay(r.attempts, r.rand())
	r.timer = time.NewTimer(delay)
	r.state = ReconnectScheduled

	return delay, true
}

// C fires when a scheduled attempt is due. It is nil unless Scheduled.
func (r *ReconnectScheduler) C() <-chan time.Time {
	if r.state != ReconnectScheduled || r.timer == nil {
		return nil
	}

	return r.timer.C
}

// Fire moves a due attempt to Attempting and counts it. The caller then
// dials. It returns false if nothing was scheduled.
func (r *ReconnectScheduler) Fire() bool {
	if r.state != ReconnectScheduled {
		return false
	}

	r.timer = nil
	r.attempts++
	r.state = ReconnectAttempting

	return true
}

// Succeeded resets the attempt count after a connection opened.
func (r *ReconnectScheduler) Succeeded() {
	if r.state == ReconnectExhausted {
		return
	}

	r.stopTimer()
	r.attempts = 0
	r.state = ReconnectReady
}

// Cancel stops a pending attempt without changing the attempt count.
func (r *ReconnectScheduler) Cancel() {
	r.stopTimer()

	if r.state == ReconnectScheduled || r.state == ReconnectAttempting {
		r.state = ReconnectReady
	}
}

// Disable stops any pending attempt and moves to Exhausted for good, as
// if the attempt ceiling had been reached.
func (r *ReconnectScheduler) Disable() {
	r.stopTimer()
	r.state = ReconnectExhausted
}

func (r *ReconnectScheduler) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
