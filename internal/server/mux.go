// Package server provides HTTP server construction for livesync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/livesync/internal/auth"
	"github.com/alexjbarnes/livesync/internal/monitor"
)

// Resources reports the tracked resources for the health endpoint.
type Resources interface {
	Resources() []monitor.ResourceView
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKey     string
	MCPHandler http.Handler
	Resources  Resources
	Logger     *slog.Logger
}

// Health is the /healthz response body.
type Health struct {
	Status    string         `json:"status"`
	Resources int            `json:"resources"`
	Modes     map[string]int `json:"modes"`
}

// NewMux builds the HTTP mux with the MCP endpoint, protected by the API
// key middleware, and an unauthenticated health endpoint.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(cfg.APIKey, cfg.Logger)(cfg.MCPHandler))
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Resources, cfg.Logger))

	return mux
}

func handleHealth(res Resources, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Status: "ok", Modes: map[string]int{}}

		if res != nil {
			views := res.Resources()
			h.Resources = len(views)

			for _, v := range views {
				h.Modes[v.Mode]++
			}
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(h); err != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
