package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is a channel-backed push channel. Every blocking operation
// waits on channels so synctest sees the reader goroutine as durably
// blocked.
type fakeConn struct {
	inbound chan fakeFrame
	closed  chan struct{}

	autoPong bool

	mu        sync.Mutex
	writes    [][]byte
	closeCode websocket.StatusCode
	aborted   bool
	closeOnce sync.Once
}

type fakeFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		inbound:   make(chan fakeFrame, 64),
		closed:    make(chan struct{}),
		autoPong:  autoPong,
		closeCode: -1,
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.inbound:
		if f.err != nil {
			return 0, nil, f.err
		}

		return f.typ, f.data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()

	if c.autoPong {
		c.inbound <- fakeFrame{typ: websocket.MessageText, data: []byte(`{"type":"pong"}`)}
	}

	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})

	return nil
}

func (c *fakeConn) CloseNow() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.aborted = true
		c.mu.Unlock()
		close(c.closed)
	})

	return nil
}

func (c *fakeConn) push(t *testing.T, s Snapshot) {
	t.Helper()

	data, err := json.Marshal(map[string]any{"type": "status_update", "snapshot": s})
	require.NoError(t, err)

	c.inbound <- fakeFrame{typ: websocket.MessageText, data: data}
}

func (c *fakeConn) raw(data string) {
	c.inbound <- fakeFrame{typ: websocket.MessageText, data: []byte(data)}
}

// drop simulates the server closing the connection with code.
func (c *fakeConn) drop(code websocket.StatusCode) {
	c.inbound <- fakeFrame{err: websocket.CloseError{Code: code, Reason: "test"}}
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	for _, w := range c.writes {
		if string(w) == `{"type":"ping"}` {
			n++
		}
	}

	return n
}

func (c *fakeConn) closedWith() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCode
}

// wasAborted reports whether the connection was dropped without a close
// handshake.
func (c *fakeConn) wasAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.aborted
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeConns, optionally failing.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dials    int
	failing  bool
	autoPong bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{autoPong: true}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++

	if d.failing {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn(d.autoPong)
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) setAutoPong(v bool) {
	d.mu.Lock()
	d.autoPong = v
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[len(d.conns)-1]
}

// fakeFetcher returns whatever snapshot or error is currently set.
type fakeFetcher struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	calls int
}

func newFakeFetcher(s Snapshot) *fakeFetcher {
	return &fakeFetcher{snap: s}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.snap, f.err
}

func (f *fakeFetcher) set(s Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// recorder captures handler callbacks.
type recorder struct {
	mu         sync.Mutex
	updates    []Snapshot
	terminals  []TerminalReason
	finals     []Snapshot
	modes      []Mode
	errs       []error
	countdowns []time.Duration
}

func (r *recorder) handler() Handler {
	return Handler{
		OnUpdate: func(s Snapshot) {
			r.mu.Lock()
			r.updates = append(r.updates, s)
			r.mu.Unlock()
		},
		OnTerminal: func(reason TerminalReason, s Snapshot) {
			r.mu.Lock()
			r.terminals = append(r.terminals, reason)
			r.finals = append(r.finals, s)
			r.mu.Unlock()
		},
		OnModeChange: func(m Mode) {
			r.mu.Lock()
			r.modes = append(r.modes, m)
			r.mu.Unlock()
		},
		OnCountdown: func(d time.Duration) {
			r.mu.Lock()
			r.countdowns = append(r.countdowns, d)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.updates)
}

func (r *recorder) lastUpdate() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.updates[len(r.updates)-1]
}

func (r *recorder) terminalReasons() []TerminalReason {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]TerminalReason(nil), r.terminals...)
}

func (r *recorder) modeHistory() []Mode {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Mode(nil), r.modes...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

func (r *recorder) countdownHistory() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.countdowns...)
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		PollInterval:      5 * time.Second,
		Reconnect: ReconnectPolicy{
			BaseDelay:   time.Second,
			MaxDelay:    8 * time.Second,
			MaxAttempts: 3,
		},
		ExpiryTick:         time.Second,
		PollErrorThreshold: 3,
		WriteTimeout:       5 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// openTestSession opens a session inside a synctest bubble and registers
// cleanup that closes it and waits for the loop to exit.
func openTestSession(t *testing.T, f Fetcher, d Dialer, cfg Config, rec *recorder) *Session {
	t.Helper()

	s, err := Open(t.Context(), Options{
		ResourceID: "inv-42",
		Config:     cfg,
		Dialer:     d,
		Fetcher:    f,
		Handler:    rec.handler(),
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})

	return s
}

// assertSingleActive checks that the push channel and the poller are
// never both fully active.
func assertSingleActive(t *testing.T, s *Session) {
	t.Helper()

	st := s.Status()
	assert.False(t, st.Transport == TransportLive && st.Poll == PollPolling,
		"transport live while polling (mode %s)", st.Mode)

	if st.Mode == ModeLive {
		assert.Equal(t, PollInactive, st.Poll)
	}

	if st.Mode == ModeDegraded {
		assert.NotEqual(t, TransportLive, st.Transport)
		assert.NotEqual(t, TransportConnecting, st.Transport)
		assert.Equal(t, PollPolling, st.Poll)
	}
}

func pending(version int64) Snapshot {
	return Snapshot{Status: StatusPending, Version: version}
}
