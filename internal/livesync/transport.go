package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/livesync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=livesync

const (
	msgTypeStatusUpdate = "status_update"
	msgTypePong         = "pong"
	msgTypePing         = "ping"
)

// Conn abstracts a push channel connection so sessions can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Dialer opens one push channel connection for a resource. It must not
// retry internally; retry policy belongs to the session.
type Dialer interface {
	Dial(ctx context.Context, resourceID string) (Conn, error)
}

// TransportState is the push channel's position in its lifecycle.
type TransportState int

const (
	TransportIdle TransportState = iota
	TransportConnecting
	TransportLive
	TransportStalled
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportIdle:
		return "idle"
	case TransportConnecting:
		return "connecting"
	case TransportLive:
		return "live"
	case TransportStalled:
		return "stalled"
	case TransportClosed:
		return "closed"
	}

	return fmt.Sprintf("TransportState(%d)", int(s))
}

// TransportError describes a push channel failure. Code is the websocket
// close code, or -1 when the connection failed without a close frame
// (dial error, reset, heartbeat stall).
type TransportError struct {
	Code   websocket.StatusCode
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("push channel closed with status %d (%s): %v", int(e.Code), e.Reason, e.Err)
	}

	return fmt.Sprintf("push channel failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches the transport sentinels so callers can test with errors.Is.
func (e *TransportError) Is(target error) bool {
	switch target {
	case apperrors.ErrTransport:
		return true
	case apperrors.ErrAbnormalClose:
		return e.Code >= 0 && e.Code != websocket.StatusNormalClosure
	}

	return false
}

// WebSocketDialer dials {BaseURL}/ws/resources/{id} with coder/websocket.
type WebSocketDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	// ReadLimit overrides the library's default frame size limit when set.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, resourceID string) (Conn, error) {
	target := strings.TrimRight(d.BaseURL, "/") + "/ws/resources/" + url.PathEscape(resourceID)

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	return conn, nil
}

type transportEventKind int

const (
	eventOpen transportEventKind = iota
	eventSnapshot
	eventPong
	eventClosed
)

// transportEvent is posted by a transport's goroutine to the session.
// gen identifies the connection so events from a replaced connection can
// be dropped.
type transportEvent struct {
	gen      uint64
	kind     transportEventKind
	snapshot Snapshot

	// err is nil for a clean (1000) close.
	err error
}

// Transport owns a single dial and the goroutine reading from it.
type Transport struct {
	gen        uint64
	resourceID string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// connectTransport starts dialing in the background. Events are delivered
// on events until the transport is closed.
func connectTransport(parent context.Context, d Dialer, resourceID string, gen uint64, events chan<- transportEvent, logger *slog.Logger) *Transport {
	ctx, cancel := context.WithCancel(parent)

	t := &Transport{
		gen:        gen,
		resourceID: resourceID,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.run(d, events)

	return t
}

func (t *Transport) run(d Dialer, events chan<- transportEvent) {
	conn, err := d.Dial(t.ctx, t.resourceID)
	if err != nil {
		t.emit(events, transportEvent{kind: eventClosed, err: &TransportError{Code: -1, Err: err}})
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")

		return
	}

	t.conn = conn
	t.mu.Unlock()

	if !t.emit(events, transportEvent{kind: eventOpen}) {
		return
	}

	for {
		typ, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				// Closed or aborted locally; the session already knows.
				return
			}

			t.emit(events, transportEvent{kind: eventClosed, err: classifyClose(err)})

			return
		}

		if typ != websocket.MessageText {
			t.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		ev, ok, err := decodeFrame(data)
		if err != nil {
			t.logger.Debug("dropping push message",
				slog.String("resource", t.resourceID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if !ok {
			t.logger.Debug("ignoring push message", slog.String("type", gjson.GetBytes(data, "type").String()))
			continue
		}

		if !t.emit(events, ev) {
			return
		}
	}
}

// emit delivers ev unless the transport has been closed meanwhile.
func (t *Transport) emit(events chan<- transportEvent, ev transportEvent) bool {
	ev.gen = t.gen

	select {
	case events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// Ping writes a heartbeat ping frame.
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return fmt.Errorf("sending ping: %w", apperrors.ErrTransport)
	}

	data, err := json.Marshal(map[string]string{"type": msgTypePing})
	if err != nil {
		return fmt.Errorf("marshalling ping: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending ping: %w", err)
	}

	return nil
}

// Close shuts the connection with code and stops the reader. The close
// handshake may wait on the peer, so only use it on a responsive link.
// Closing an already closed transport is a no-op.
func (t *Transport) Close(code websocket.StatusCode, reason string) {
	conn, ok := t.markClosed()
	if !ok {
		return
	}

	if conn != nil {
		if err := conn.Close(code, reason); err != nil {
			t.logger.Debug("closing push channel", slog.String("error", err.Error()))
		}
	}

	t.cancel()
}

// Abort stops the reader and drops the connection without a close
// handshake. Used for stalled or failed links where the peer may never
// answer.
func (t *Transport) Abort() {
	conn, ok := t.markClosed()
	if !ok {
		return
	}

	t.cancel()

	if conn != nil {
		if err := conn.CloseNow(); err != nil {
			t.logger.Debug("dropping push channel", slog.String("error", err.Error()))
		}
	}
}

func (t *Transport) markClosed() (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false
	}

	t.closed = true

	return t.conn, true
}

// classifyClose maps a read error to nil for a normal closure and to a
// TransportError otherwise.
func classifyClose(err error) error {
	code := websocket.CloseStatus(err)
	if code == websocket.StatusNormalClosure {
		return nil
	}

	te := &TransportError{Code: code, Err: err}

	var ce websocket.CloseError
	if errors.As(err, &ce) {
		te.Reason = ce.Reason
	}

	return te
}

// decodeFrame turns a text frame into an event. ok is false for
// recognised-but-ignored message types; err is set for malformed frames.
func decodeFrame(data []byte) (transportEvent, bool, error) {
	if !gjson.ValidBytes(data) {
		return transportEvent{}, false, fmt.Errorf("%w: invalid JSON", apperrors.ErrMalformedMessage)
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		return transportEvent{}, false, fmt.Errorf("%w: missing type", apperrors.ErrMalformedMessage)
	}

	switch typ.Str {
	case msgTypePong:
		return transportEvent{kind: eventPong}, true, nil

	case msgTypeStatusUpdate:
		raw := gjson.GetBytes(data, "snapshot")
		if !raw.IsObject() {
			return transportEvent{}, false, fmt.Errorf("%w: status_update without snapshot", apperrors.ErrMalformedMessage)
		}

		var s Snapshot
		if err := json.Unmarshal([]byte(raw.Raw), &s); err != nil {
			return transportEvent{}, false, fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
		}

		if s.Status == "" {
			return transportEvent{}, false, fmt.Errorf("%w: snapshot without status", apperrors.ErrMalformedMessage)
		}

		return transportEvent{kind: eventSnapshot, snapshot: s}, true, nil
	}

	return transportEvent{}, false, nil
}
