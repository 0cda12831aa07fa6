package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexjbarnes/livesync/internal/api"
	"github.com/alexjbarnes/livesync/internal/config"
	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/alexjbarnes/livesync/internal/logging"
	"github.com/alexjbarnes/livesync/internal/monitor"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var flagCountdown bool

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <resource-id>",
		Short: "Follow one resource until it finishes",
		Long: "Print a line for every update of one resource until it reaches a\n" +
			"terminal status or the command is interrupted. Countdown lines are only\n" +
			"printed when stdout is a terminal unless --countdown is set.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(args[0], flagCountdown || isatty.IsTerminal(os.Stdout.Fd()))
		},
	}

	cmd.Flags().BoolVar(&flagCountdown, "countdown", false, "always print countdown lines")

	return cmd
}

func runWatch(id string, countdown bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the update lines, so logs go to stderr.
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return watch(ctx, livesync.Options{
		ResourceID: id,
		Config:     cfg.SessionConfig(),
		Dialer:     &livesync.WebSocketDialer{BaseURL: cfg.WSURL, Token: cfg.APIToken},
		Fetcher:    api.NewClient(cfg.APIURL, cfg.APIToken, nil),
		Logger:     logger,
	}, os.Stdout, countdown)
}

// watch follows one resource and writes a line per update to out until
// the resource finishes or ctx is cancelled. Any handler in opts is
// replaced. Countdown lines are written only when countdown is set.
func watch(ctx context.Context, opts livesync.Options, out io.Writer, countdown bool) error {
	p := &printer{out: out}

	var last livesync.Snapshot

	opts.Handler = livesync.Handler{
		OnUpdate: func(s livesync.Snapshot) {
			diff := monitor.PayloadDiff(last.Payload, s.Payload)
			last = s

			line := fmt.Sprintf("update  status=%s version=%d", s.Status, s.Version)
			if diff != "" {
				line += "  " + diff
			}

			p.print(line)
		},
		OnModeChange: func(m livesync.Mode) {
			p.print("mode    " + m.String())
		},
		OnTerminal: func(reason livesync.TerminalReason, s livesync.Snapshot) {
			p.print(fmt.Sprintf("done    status=%s reason=%s", s.Status, reason))
		},
		OnError: func(err error) {
			p.print("error   " + err.Error())
		},
	}

	if countdown {
		opts.Handler.OnCountdown = func(remaining time.Duration) {
			p.print("expires in " + remaining.Round(time.Second).String())
		}
	}

	session, err := livesync.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	select {
	case <-session.Done():
	case <-ctx.Done():
		session.Close()
		<-session.Done()
	}

	if opts.Logger != nil {
		st := session.Status()
		opts.Logger.Debug("watch finished",
			slog.String("mode", st.Mode.String()),
			slog.Int64("version", st.Snapshot.Version),
		)
	}

	return nil
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) print(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s  %s\n", time.Now().Format(time.TimeOnly), line)
}
