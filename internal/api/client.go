package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/livesync/internal/errors"
	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the next poll may well succeed.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is used when no custom client is provided.
	httpClientTimeout = 15 * time.Second

	// maxAPIResponseBytes caps response body reads. Snapshots are small
	// JSON documents.
	maxAPIResponseBytes = 1024 * 1024
)

// Client reads resource snapshots from the poll endpoint. It implements
// livesync.Fetcher.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ livesync.Fetcher = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for baseURL authenticating with token. If
// httpClient is nil, a client with a 15-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// Fetch performs GET /api/v1/resources/{id}/snapshot.
func (c *Client) Fetch(ctx context.Context, resourceID string) (livesync.Snapshot, error) {
	endpoint := "/api/v1/resources/" + url.PathEscape(resourceID) + "/snapshot"

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return livesync.Snapshot{}, err
	}

	// Some deployments wrap the snapshot the same way the push channel does.
	raw := body
	if wrapped := gjson.GetBytes(body, "snapshot"); wrapped.IsObject() {
		raw = []byte(wrapped.Raw)
	}

	var s livesync.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return livesync.Snapshot{}, fmt.Errorf("%w: decoding %s: %w", apperrors.ErrAPIResponse, endpoint, err)
	}

	if s.Status == "" {
		return livesync.Snapshot{}, fmt.Errorf("%w: %s: snapshot without status", apperrors.ErrAPIResponse, endpoint)
	}

	return s, nil
}

// get sends an authenticated GET and returns the bounded response body.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}

	if resp.StatusCode == http.StatusOK {
		return respBody, nil
	}

	var apiErr error
	if msg := gjson.GetBytes(respBody, "error"); msg.Type == gjson.String && msg.Str != "" {
		apiErr = fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody([]byte(msg.Str)))
	} else {
		apiErr = fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
	}

	if isTransientStatus(resp.StatusCode) {
		return nil, &TransientError{Err: apiErr}
	}

	return nil, apiErr
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
