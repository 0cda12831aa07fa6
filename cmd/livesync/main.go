package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/livesync/internal/api"
	"github.com/alexjbarnes/livesync/internal/config"
	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/alexjbarnes/livesync/internal/logging"
	"github.com/alexjbarnes/livesync/internal/mcpserver"
	"github.com/alexjbarnes/livesync/internal/monitor"
	"github.com/alexjbarnes/livesync/internal/server"
	"github.com/alexjbarnes/livesync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The root command runs the daemon.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "livesync",
		Short: "Keep live resources in sync",
		Long: "livesync follows every resource in WATCHLIST_FILE over the push channel,\n" +
			"falls back to polling when the channel is down, and caches the latest\n" +
			"snapshots. Configuration comes from the environment or a .env file.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}

	cmd.AddCommand(newWatchCmd())

	return cmd
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.WatchlistFile == "" {
		return errors.New("WATCHLIST_FILE is required in daemon mode")
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, os.Stdout)
	logger.Info("livesync starting",
		slog.String("version", version),
		slog.String("api", cfg.APIURL),
		slog.String("watchlist", cfg.WatchlistFile),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return err
	}
	defer appState.Close()

	logger.Info("snapshot cache opened", slog.Int("records", appState.Count()))

	sup := monitor.New(monitor.Options{
		Config:  cfg.SessionConfig(),
		Dialer:  &livesync.WebSocketDialer{BaseURL: cfg.WSURL, Token: cfg.APIToken},
		Fetcher: api.NewClient(cfg.APIURL, cfg.APIToken, nil),
		Store:   appState,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx, cfg.WatchlistFile)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sup, appState, logger)
		})
	}

	return g.Wait()
}

func openState(cfg *config.Config) (*state.State, error) {
	var (
		s   *state.State
		err error
	)

	if cfg.StateDB != "" {
		s, err = state.LoadAt(cfg.StateDB)
	} else {
		s, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return s, nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, sup *monitor.Supervisor, cache *state.State, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "livesync-mcp", Version: version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sup, cache)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		APIKey:     cfg.MCPAPIKey,
		MCPHandler: mcpHandler,
		Resources:  sup,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.MCPAPIKey == "" {
		mcpLogger.Warn("MCP_API_KEY not set, /mcp is unauthenticated")
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
