package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/livesync/internal/errors"
	"github.com/coder/websocket"
)

const (
	// eventChanSize is the buffer for transport events and poll results
	// waiting for the event loop.
	eventChanSize = 64
)

// Mode is the session's externally visible synchronisation mode. Only
// ModeLive means the view is push-fresh; Reconnecting and Degraded are
// poll-driven and may lag.
type Mode int

const (
	ModeBootstrapping Mode = iota
	ModeConnecting
	ModeLive
	ModeReconnecting
	ModeDegraded
	ModeTerminal
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeBootstrapping:
		return "bootstrapping"
	case ModeConnecting:
		return "connecting"
	case ModeLive:
		return "live"
	case ModeReconnecting:
		return "reconnecting"
	case ModeDegraded:
		return "degraded"
	case ModeTerminal:
		return "terminal"
	case ModeClosed:
		return "closed"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// TerminalReason says why a session ended on its own.
type TerminalReason string

const (
	// ReasonStatus means the server reported a terminal status.
	ReasonStatus TerminalReason = "status"
	// ReasonExpired means the local deadline elapsed first.
	ReasonExpired TerminalReason = "expired"
)

// Handler receives session events. All callbacks run on the session's
// event loop goroutine, in the order the events were applied. Callbacks
// may call Session.Close. Nil callbacks are skipped.
type Handler struct {
	OnUpdate     func(Snapshot)
	OnTerminal   func(TerminalReason, Snapshot)
	OnModeChange func(Mode)
	OnCountdown  func(remaining time.Duration)

	// OnError reports non-fatal conditions: reconnect exhaustion and
	// persistent poll failures.
	OnError func(error)
}

// Options configures Open.
type Options struct {
	ResourceID string
	Config     Config
	Dialer     Dialer
	Fetcher    Fetcher
	Handler    Handler
	Logger     *slog.Logger
}

// SessionStatus is a point-in-time copy of a session's state.
type SessionStatus struct {
	ResourceID      string
	Mode            Mode
	Snapshot        Snapshot
	Transport       TransportState
	Poll            PollState
	Reconnect       ReconnectState
	Attempts        int
	LastHeartbeatAt time.Time
	DeadlineAt      time.Time
}

// Session keeps one resource's visible snapshot in sync with the server.
//
// Architecture: helper goroutines dial, read the push channel and fetch
// polls, posting tagged events to channels. A single event loop goroutine
// selects over those channels and every component timer, and applies one
// event at a time under mu. All component state is only touched under mu,
// so Close can tear everything down synchronously from any goroutine.
type Session struct {
	id      string
	cfg     Config
	dialer  Dialer
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	transportEvents chan transportEvent
	pollResults     chan pollResult
	done            chan struct{}

	mu             sync.Mutex
	mode           Mode
	current        Snapshot
	closed         bool
	transport      *Transport
	transportGen   uint64
	transportState TransportState
	heartbeat      *HeartbeatMonitor
	reconnect      *ReconnectScheduler
	poller         *Poller
	expiry         *ExpiryTimer

	// pollFailingReported suppresses repeat ErrPollFailing reports within
	// one failure streak. Cleared by a successful poll or a push channel
	// open, the two events that end a streak.
	pollFailingReported bool

	// pending holds callbacks queued under mu, delivered by the loop
	// after mu is released.
	pending []func()
}

// Open fetches the initial snapshot and starts synchronising. A failed
// initial fetch is fatal: Open returns an error wrapping
// ErrBootstrapFailed and no session. The session lives until it reaches
// a terminal status, Close is called, or ctx is cancelled.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.ResourceID == "" {
		return nil, fmt.Errorf("%w: resource id is required", apperrors.ErrInvalidConfig)
	}

	if opts.Dialer == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: dialer and fetcher are required", apperrors.ErrInvalidConfig)
	}

	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("resource", opts.ResourceID))

	initial, err := opts.Fetcher.Fetch(ctx, opts.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrBootstrapFailed, opts.ResourceID, err)
	}

	sctx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:              opts.ResourceID,
		cfg:             opts.Config,
		dialer:          opts.Dialer,
		handler:         opts.Handler,
		logger:          logger,
		ctx:             sctx,
		cancel:          cancel,
		transportEvents: make(chan transportEvent, eventChanSize),
		pollResults:     make(chan pollResult, eventChanSize),
		done:            make(chan struct{}),
		mode:            ModeBootstrapping,
		heartbeat:       NewHeartbeatMonitor(opts.Config.HeartbeatInterval, opts.Config.HeartbeatTimeout),
		reconnect:       NewReconnectScheduler(opts.Config.Reconnect),
		expiry:          NewExpiryTimer(opts.Config.ExpiryTick),
	}
	s.poller = newPoller(sctx, opts.Fetcher, opts.ResourceID, opts.Config.PollInterval, s.pollResults)

	s.mu.Lock()
	s.bootstrap(initial)
	s.mu.Unlock()

	go s.run()

	return s, nil
}

// ResourceID returns the tracked resource id.
func (s *Session) ResourceID() string { return s.id }

// Done is closed when the event loop has exited, after a terminal
// snapshot or Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the currently visible snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// Mode returns the current mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// Status returns a copy of the session state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionStatus{
		ResourceID:      s.id,
		Mode:            s.mode,
		Snapshot:        s.current,
		Transport:       s.transportState,
		Poll:            s.poller.State(),
		Reconnect:       s.reconnect.State(),
		Attempts:        s.reconnect.Attempts(),
		LastHeartbeatAt: s.heartbeat.LastPong(),
		DeadlineAt:      s.expiry.Deadline(),
	}
}

// Close stops every timer and the push channel, in the order given by
// teardownSteps. It is idempotent, safe to call
// from any goroutine including handler callbacks, and returns once
// teardown is complete. No callbacks are delivered after Close.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.teardown("session closed")
	s.pending = nil

	if s.mode != ModeTerminal {
		s.mode = ModeClosed
	}

	s.cancel()

	s.logger.Debug("session closed")
}

// run is the event loop.
func (s *Session) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		stop := s.closed || s.mode == ModeTerminal

		var (
			hbTick      = s.heartbeat.TickC()
			hbDeadline  = s.heartbeat.DeadlineC()
			reconnectAt = s.reconnect.C()
			pollTick    = s.poller.TickC()
			expiryTick  = s.expiry.C()
		)
		s.mu.Unlock()

		s.deliver(pending)

		if stop {
			return
		}

		select {
		case <-s.ctx.Done():
			s.Close()

		case ev := <-s.transportEvents:
			s.handle(func() { s.onTransportEvent(ev) })

		case r := <-s.pollResults:
			s.handle(func() { s.onPollResult(r) })

		case <-hbTick:
			s.handle(s.onHeartbeatTick)

		case <-hbDeadline:
			s.handle(s.onHeartbeatDeadline)

		case <-reconnectAt:
			s.handle(s.onReconnectDue)

		case <-pollTick:
			s.handle(func() { s.poller.Tick() })

		case <-expiryTick:
			s.handle(s.checkExpiry)
		}
	}
}

// handle runs fn under mu unless the session has already ended.
func (s *Session) handle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.mode == ModeTerminal {
		return
	}

	fn()
}

// deliver runs queued callbacks outside mu, stopping if the session is
// closed part way through.
func (s *Session) deliver(pending []func()) {
	for _, fn := range pending {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}

		fn()
	}
}

func (s *Session) bootstrap(initial Snapshot) {
	s.current = initial
	s.notifyUpdate(initial)

	if initial.Status.Terminal() {
		s.terminate(ReasonStatus)
		return
	}

	s.armExpiry()

	if s.mode == ModeTerminal {
		return
	}

	s.connect()
}

// apply merges incoming into the visible state. reason is used if the
// result is terminal.
func (s *Session) apply(incoming Snapshot, reason TerminalReason) {
	next, ok := Merge(&s.current, incoming)
	if !ok {
		s.logger.Debug("discarding snapshot",
			slog.Int64("version", incoming.Version),
			slog.Int64("current_version", s.current.Version),
			slog.String("status", string(incoming.Status)),
		)

		return
	}

	changed := !next.Equal(s.current)
	s.current = next

	if changed {
		s.notifyUpdate(next)
	}

	if next.Status.Terminal() {
		s.terminate(reason)
		return
	}

	if !next.ExpiresAt.Equal(s.expiry.Deadline()) {
		s.armExpiry()
	}
}

func (s *Session) armExpiry() {
	s.expiry.Start(s.current.ExpiresAt)
	s.checkExpiry()
}

func (s *Session) checkExpiry() {
	remaining, expired := s.expiry.Check()
	if expired {
		s.logger.Info("resource deadline elapsed")

		synthetic := s.current
		synthetic.Status = StatusExpired
		s.apply(synthetic, ReasonExpired)

		return
	}

	if remaining > 0 && s.handler.OnCountdown != nil {
		s.pending = append(s.pending, func() { s.handler.OnCountdown(remaining) })
	}
}

func (s *Session) connect() {
	s.transportGen++
	s.transport = connectTransport(s.ctx, s.dialer, s.id, s.transportGen, s.transportEvents, s.logger)
	s.transportState = TransportConnecting

	if s.mode == ModeBootstrapping {
		s.setMode(ModeConnecting)
	}
}

func (s *Session) onTransportEvent(ev transportEvent) {
	if s.transport == nil || ev.gen != s.transportGen {
		return
	}

	switch ev.kind {
	case eventOpen:
		s.transportState = TransportLive
		s.reconnect.Succeeded()
		s.poller.Stop()
		s.pollFailingReported = false
		s.heartbeat.Start()
		s.setMode(ModeLive)

	case eventSnapshot:
		s.apply(ev.snapshot, ReasonStatus)

	case eventPong:
		s.heartbeat.Pong()

	case eventClosed:
		s.heartbeat.Stop()

		if ev.err == nil {
			// A normal closure means the server does not want us back.
			s.closeTransport("")
			s.logger.Info("push channel closed normally, switching to polling")
			s.degrade(nil)

			return
		}

		s.abortTransport()
		s.transportFailed(ev.err)
	}
}

func (s *Session) onHeartbeatTick() {
	if !s.heartbeat.Tick() || s.transport == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.transport.Ping(ctx); err != nil {
		s.heartbeat.Stop()
		s.abortTransport()
		s.transportFailed(&TransportError{Code: -1, Err: err})
	}
}

func (s *Session) onHeartbeatDeadline() {
	if !s.heartbeat.Expire() {
		return
	}

	s.logger.Warn("heartbeat timed out, closing push channel",
		slog.Duration("timeout", s.cfg.HeartbeatTimeout),
	)

	s.abortTransport()
	s.transportState = TransportStalled
	s.transportFailed(&TransportError{Code: -1, Err: apperrors.ErrHeartbeatStalled})
}

func (s *Session) onReconnectDue() {
	if !s.reconnect.Fire() {
		return
	}

	s.logger.Info("reconnecting push channel", slog.Int("attempt", s.reconnect.Attempts()))
	s.connect()
}

func (s *Session) onPollResult(r pollResult) {
	if !s.poller.Done(r) {
		return
	}

	if r.err != nil {
		s.logger.Warn("poll failed",
			slog.Int("consecutive", s.poller.ConsecutiveErrors()),
			slog.String("error", r.err.Error()),
		)

		if s.poller.ConsecutiveErrors() >= s.cfg.PollErrorThreshold && !s.pollFailingReported {
			s.pollFailingReported = true
			s.notifyError(fmt.Errorf("%w: %d consecutive failures: %w", apperrors.ErrPollFailing, s.poller.ConsecutiveErrors(), r.err))
		}

		return
	}

	s.pollFailingReported = false
	s.apply(r.snapshot, ReasonStatus)
}

// transportFailed starts recovery after an abnormal close, dial failure
// or stall: schedule a reconnect and poll meanwhile, or fall back to
// polling for good once attempts are exhausted.
func (s *Session) transportFailed(cause error) {
	delay, ok := s.reconnect.Failure()
	if !ok {
		s.logger.Warn("reconnect attempts exhausted, polling only",
			slog.Int("attempts", s.reconnect.Attempts()),
			slog.String("error", cause.Error()),
		)
		s.degrade(fmt.Errorf("%w: %w", apperrors.ErrReconnectExhausted, cause))

		return
	}

	s.logger.Warn("push channel lost, reconnecting",
		slog.String("error", cause.Error()),
		slog.Duration("backoff", delay),
		slog.Int("attempt", s.reconnect.Attempts()+1),
	)

	s.poller.Start()
	s.setMode(ModeReconnecting)
}

// degrade switches to polling for the rest of the session. The
// scheduler is left Exhausted so Status never shows a pending retry.
func (s *Session) degrade(cause error) {
	s.reconnect.Disable()
	s.poller.Start()
	s.setMode(ModeDegraded)

	if cause != nil {
		s.notifyError(cause)
	}
}

func (s *Session) terminate(reason TerminalReason) {
	s.teardown("resource " + string(s.current.Status))
	s.setMode(ModeTerminal)

	final := s.current

	s.logger.Info("session reached terminal status",
		slog.String("status", string(final.Status)),
		slog.String("reason", string(reason)),
	)

	if s.handler.OnTerminal != nil {
		s.pending = append(s.pending, func() { s.handler.OnTerminal(reason, final) })
	}

	s.cancel()
}

// teardownStep is one component stop in teardown.
type teardownStep struct {
	name string
	stop func()
}

// teardownSteps lists the component stops in order: every timer goes
// before the poller, and the transport goes last, so nothing can start a
// fetch, a ping or a dial once the push channel is shut.
func (s *Session) teardownSteps(reason string) []teardownStep {
	return []teardownStep{
		{"expiry", s.expiry.Stop},
		{"heartbeat", s.heartbeat.Stop},
		{"reconnect", s.reconnect.Cancel},
		{"poller", s.poller.Stop},
		{"transport", func() { s.closeTransport(reason) }},
	}
}

// teardown stops every timer and the transport.
func (s *Session) teardown(reason string) {
	for _, step := range s.teardownSteps(reason) {
		step.stop()
	}
}

func (s *Session) closeTransport(reason string) {
	if s.transport == nil {
		return
	}

	s.transport.Close(websocket.StatusNormalClosure, reason)
	s.transport = nil
	s.transportState = TransportClosed
}

// abortTransport drops a connection that is stalled or already failed.
// Close holds mu, so nothing under mu may wait on an unresponsive peer.
func (s *Session) abortTransport() {
	if s.transport == nil {
		return
	}

	s.transport.Abort()
	s.transport = nil
	s.transportState = TransportClosed
}

func (s *Session) setMode(m Mode) {
	if s.mode == m {
		return
	}

	s.logger.Info("sync mode changed",
		slog.String("from", s.mode.String()),
		slog.String("to", m.String()),
	)

	s.mode = m

	if s.handler.OnModeChange != nil {
		s.pending = append(s.pending, func() { s.handler.OnModeChange(m) })
	}
}

func (s *Session) notifyUpdate(snap Snapshot) {
	if s.handler.OnUpdate != nil {
		s.pending = append(s.pending, func() { s.handler.OnUpdate(snap) })
	}
}

func (s *Session) notifyError(err error) {
	if s.handler.OnError != nil {
		s.pending = append(s.pending, func() { s.handler.OnError(err) })
	}
}
