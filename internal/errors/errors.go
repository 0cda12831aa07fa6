package errors

import "errors"

// Session errors.
var (
	ErrBootstrapFailed = errors.New("initial snapshot fetch failed")
	ErrInvalidConfig   = errors.New("invalid session config")
)

// Transport errors. All of these are recovered by reconnecting and
// polling; none of them end a session.
var (
	ErrTransport        = errors.New("push channel failure")
	ErrAbnormalClose    = errors.New("push channel closed abnormally")
	ErrHeartbeatStalled = errors.New("heartbeat timed out")
	ErrMalformedMessage = errors.New("malformed push message")
)

// Degraded-mode errors. Reported to the caller as indicators, not failures.
var (
	ErrPollFailing        = errors.New("polling keeps failing")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Server/transport errors for the poll API.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
