package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/livesync/internal/api"
	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/alexjbarnes/livesync/internal/mcpserver"
	"github.com/alexjbarnes/livesync/internal/monitor"
	"github.com/alexjbarnes/livesync/internal/server"
	"github.com/alexjbarnes/livesync/internal/state"
	"github.com/alexjbarnes/livesync/internal/watchlist"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testAPIToken = "backend-token"
	testMCPKey   = "e2e-mcp-key"
)

// backend fakes the resource server: a snapshot endpoint and a push
// channel per resource.
type backend struct {
	t *testing.T

	mu    sync.Mutex
	snaps map[string]livesync.Snapshot
	conns map[string][]*websocket.Conn

	dials atomic.Int32
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()

	b := &backend{
		t:     t,
		snaps: make(map[string]livesync.Snapshot),
		conns: make(map[string][]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/resources/{id}/snapshot", b.handleSnapshot)
	mux.HandleFunc("/ws/resources/{id}", b.handlePush)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return b, srv
}

func (b *backend) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testAPIToken
}

func (b *backend) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	b.mu.Lock()
	snap, ok := b.snaps[r.PathValue("id")]
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"resource not found"}`))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (b *backend) handlePush(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	id := r.PathValue("id")

	b.mu.Lock()
	b.conns[id] = append(b.conns[id], conn)
	b.mu.Unlock()
	b.dials.Add(1)

	defer b.forget(id, conn)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		if strings.Contains(string(data), `"ping"`) {
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"pong"}`))
		}
	}
}

func (b *backend) forget(id string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.conns[id]
	for i, c := range list {
		if c == conn {
			b.conns[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (b *backend) connected(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns[id])
}

// set stores the snapshot served by the poll endpoint.
func (b *backend) set(id string, snap livesync.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snaps[id] = snap
}

// push stores snap and sends it to every open push channel for id.
func (b *backend) push(id string, snap livesync.Snapshot) {
	b.t.Helper()

	b.set(id, snap)

	data, err := json.Marshal(map[string]any{"type": "status_update", "snapshot": snap})
	require.NoError(b.t, err)

	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns[id]...)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, c := range conns {
		require.NoError(b.t, c.Write(ctx, websocket.MessageText, data))
	}
}

// drop closes every push channel for id with an abnormal status.
func (b *backend) drop(id string) {
	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns[id]...)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusInternalError, "restarting")
	}
}

// harness holds the full e2e stack: the fake backend, a supervisor
// talking to it through the real API client and websocket dialer, and
// the MCP HTTP server in front of the supervisor.
type harness struct {
	Backend *backend
	Sup     *monitor.Supervisor
	State   *state.State
	URL     string
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b, backendSrv := newBackend(t)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := livesync.DefaultConfig()
	cfg.Reconnect.BaseDelay = 20 * time.Millisecond
	cfg.Reconnect.MaxDelay = 100 * time.Millisecond
	cfg.Reconnect.JitterRatio = 0

	logger := slog.New(slog.DiscardHandler)

	sup := monitor.New(monitor.Options{
		Config: cfg,
		Dialer: &livesync.WebSocketDialer{
			BaseURL: "ws" + strings.TrimPrefix(backendSrv.URL, "http"),
			Token:   testAPIToken,
		},
		Fetcher: api.NewClient(backendSrv.URL, testAPIToken, nil),
		Store:   st,
		Logger:  logger,
	})
	t.Cleanup(sup.Close)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "livesync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sup, st)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		APIKey:     testMCPKey,
		MCPHandler: mcpHandler,
		Resources:  sup,
		Logger:     logger,
	}))
	t.Cleanup(srv.Close)

	return &harness{
		Backend: b,
		Sup:     sup,
		State:   st,
		URL:     srv.URL,
		Client:  srv.Client(),
	}
}

// track syncs the supervisor to a watchlist holding ids.
func (h *harness) track(t *testing.T, ids ...string) {
	t.Helper()

	var sb strings.Builder

	sb.WriteString("resources:\n")

	for _, id := range ids {
		sb.WriteString("  - id: " + id + "\n")
	}

	list, err := watchlist.Parse([]byte(sb.String()))
	require.NoError(t, err)

	h.Sup.Sync(t.Context(), list)
}

// waitMode waits until the supervisor reports mode for id.
func (h *harness) waitMode(t *testing.T, id, mode string) {
	t.Helper()

	waitFor(t, 5*time.Second, func() bool {
		v, ok := h.Sup.Resource(id)
		return ok && v.Mode == mode
	})
}

// mcpSession connects an MCP client to the harness server using a
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callJSON calls a tool and decodes its text content into dest.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}
