package livesync

import "time"

// HeartbeatMonitor detects half-open push channels. Every interval it
// asks for a ping and arms a pong deadline; a pong disarms it. If the
// deadline passes first the monitor reports a stall once and stops.
//
// Driven from the session event loop; not safe for concurrent use.
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration

	ticker   *time.Ticker
	deadline *time.Timer
	running  bool

	lastPong time.Time
}

// NewHeartbeatMonitor returns a stopped monitor.
func NewHeartbeatMonitor(interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{interval: interval, timeout: timeout}
}

// Start begins issuing ticks. Starting a running monitor restarts it.
func (h *HeartbeatMonitor) Start() {
	h.Stop()

	h.ticker = time.NewTicker(h.interval)
	h.running = true
	h.lastPong = time.Now()
}

// Stop halts ticks and disarms any pending deadline. Idempotent.
func (h *HeartbeatMonitor) Stop() {
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}

	h.disarm()
	h.running = false
}

// Running reports whether the monitor is active.
func (h *HeartbeatMonitor) Running() bool { return h.running }

// LastPong returns when liveness was last confirmed.
func (h *HeartbeatMonitor) LastPong() time.Time { return h.lastPong }

// TickC fires when a ping is due. Nil while stopped.
func (h *HeartbeatMonitor) TickC() <-chan time.Time {
	if h.ticker == nil {
		return nil
	}

	return h.ticker.C
}

// DeadlineC fires when an outstanding ping went unanswered for the
// timeout. Nil while no ping is outstanding.
func (h *HeartbeatMonitor) DeadlineC() <-chan time.Time {
	if h.deadline == nil {
		return nil
	}

	return h.deadline.C
}

// Tick handles a TickC fire. It returns true when the caller should send
// a ping. An already armed deadline is left alone so the oldest
// unanswered ping governs the stall.
func (h *HeartbeatMonitor) Tick() bool {
	if !h.running {
		return false
	}

	if h.deadline == nil {
		h.deadline = time.NewTimer(h.timeout)
	}

	return true
}

// Pong records a heartbeat reply.
func (h *HeartbeatMonitor) Pong() {
	if !h.running {
		return
	}

	h.lastPong = time.Now()
	h.disarm()
}

// Expire handles a DeadlineC fire. It returns true exactly once per
// Start, and the monitor is stopped afterwards.
func (h *HeartbeatMonitor) Expire() bool {
	if !h.running {
		return false
	}

	h.Stop()

	return true
}

func (h *HeartbeatMonitor) disarm() {
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}
