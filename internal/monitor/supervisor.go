// Package monitor keeps one live sync session per watchlist entry and
// mirrors every session's view into the snapshot cache.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/livesync/internal/api"
	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/alexjbarnes/livesync/internal/state"
	"github.com/alexjbarnes/livesync/internal/watchlist"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryInterval = 30 * time.Second

	// modeFailed marks an entry whose session could not be opened.
	// Transient failures are retried on the next retry tick; any failure
	// is retried when the watchlist changes.
	modeFailed = "failed"
)

// Store is the subset of the state store the supervisor writes to.
type Store interface {
	PutSnapshot(rec state.Record) error
	DeleteSnapshot(resourceID string) error
}

// Options configures a Supervisor.
type Options struct {
	Config  livesync.Config
	Dialer  livesync.Dialer
	Fetcher livesync.Fetcher

	// Store is optional; without one nothing is persisted.
	Store  Store
	Logger *slog.Logger

	// RetryInterval is how often entries whose initial fetch failed are
	// opened again.
	RetryInterval time.Duration
}

// ResourceView is a read-only copy of one tracked resource.
type ResourceView struct {
	ID             string            `json:"id"`
	Label          string            `json:"label"`
	Kind           string            `json:"kind,omitempty"`
	Mode           string            `json:"mode"`
	Snapshot       livesync.Snapshot `json:"snapshot"`
	TerminalReason string            `json:"terminal_reason,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastChange     string            `json:"last_change,omitempty"`
	Remaining      time.Duration     `json:"remaining,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at,omitzero"`
}

type tracked struct {
	entry   watchlist.Entry
	session *livesync.Session
	view    ResourceView

	// transient is set when the last failed open may succeed on its own.
	transient bool
}

// Supervisor owns the sessions for a watchlist.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	// syncMu serialises Sync so sessions are opened and closed in
	// watchlist order.
	syncMu sync.Mutex
	list   *watchlist.List

	mu        sync.Mutex
	resources map[string]*tracked
}

// New creates a supervisor with no resources.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	return &Supervisor{
		opts:      opts,
		logger:    logger,
		resources: make(map[string]*tracked),
	}
}

// Run loads the watchlist at path, opens a session per entry and keeps
// the set in step with the file until ctx is cancelled. All sessions are
// closed before Run returns.
func (s *Supervisor) Run(ctx context.Context, path string) error {
	list, err := watchlist.Load(path)
	if err != nil {
		return err
	}

	defer s.Close()

	s.Sync(ctx, list)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchlist.Watch(gctx, path, s.logger, func(l *watchlist.List) {
			s.Sync(gctx, l)
		})
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.opts.RetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				s.retryFailed(gctx)
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Sync makes the tracked set match list: sessions for removed entries are
// closed and their cached records deleted, new entries get a session.
// Entries that previously failed to open are retried.
func (s *Supervisor) Sync(ctx context.Context, list *watchlist.List) {
	s.sync(ctx, list, false)
}

func (s *Supervisor) sync(ctx context.Context, list *watchlist.List, transientOnly bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.list = list

	var (
		removed []*tracked
		toOpen  []watchlist.Entry
	)

	s.mu.Lock()

	for id, t := range s.resources {
		if _, ok := list.Get(id); !ok {
			removed = append(removed, t)
			delete(s.resources, id)
		}
	}

	for _, e := range list.Entries {
		t, ok := s.resources[e.ID]
		if !ok {
			t = &tracked{
				entry: e,
				view:  ResourceView{ID: e.ID, Label: e.Label, Kind: e.Kind, Mode: livesync.ModeBootstrapping.String()},
			}
			s.resources[e.ID] = t
			toOpen = append(toOpen, e)

			continue
		}

		t.entry = e
		t.view.Label = e.Label
		t.view.Kind = e.Kind

		if t.session == nil && t.view.Mode == modeFailed && (t.transient || !transientOnly) {
			toOpen = append(toOpen, e)
		}
	}

	s.mu.Unlock()

	for _, t := range removed {
		s.stop(t)

		if s.opts.Store != nil {
			if err := s.opts.Store.DeleteSnapshot(t.entry.ID); err != nil {
				s.logger.Warn("deleting cached snapshot",
					slog.String("resource", t.entry.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		s.logger.Info("stopped tracking resource", slog.String("resource", t.entry.ID))
	}

	for _, e := range toOpen {
		s.open(ctx, e)
	}
}

// retryFailed reopens entries whose last open failed transiently.
func (s *Supervisor) retryFailed(ctx context.Context) {
	s.syncMu.Lock()
	list := s.list
	s.syncMu.Unlock()

	if list != nil {
		s.sync(ctx, list, true)
	}
}

func (s *Supervisor) open(ctx context.Context, e watchlist.Entry) {
	session, err := livesync.Open(ctx, livesync.Options{
		ResourceID: e.ID,
		Config:     s.opts.Config,
		Dialer:     s.opts.Dialer,
		Fetcher:    s.opts.Fetcher,
		Handler:    s.handler(e.ID),
		Logger:     s.logger,
	})
	if err != nil {
		transient := api.IsTransient(err)
		if transient {
			s.logger.Warn("opening session failed, will retry",
				slog.String("resource", e.ID),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Error("opening session failed, waiting for watchlist change",
				slog.String("resource", e.ID),
				slog.String("error", err.Error()),
			)
		}

		s.mu.Lock()
		if t, ok := s.resources[e.ID]; ok {
			t.view.Mode = modeFailed
			t.view.LastError = err.Error()
			t.transient = transient
		}
		s.mu.Unlock()

		return
	}

	s.mu.Lock()
	t, ok := s.resources[e.ID]
	if ok {
		t.session = session
		t.view.LastError = ""
	}
	s.mu.Unlock()

	if !ok {
		session.Close()
		return
	}

	s.logger.Info("tracking resource", slog.String("resource", e.ID), slog.String("label", e.Label))
}

// stop closes a session and waits for its event loop so no callback is
// running once stop returns.
func (s *Supervisor) stop(t *tracked) {
	if t.session == nil {
		return
	}

	t.session.Close()
	<-t.session.Done()
}

// Close stops every session. The supervisor can be synced again
// afterwards.
func (s *Supervisor) Close() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	all := make([]*tracked, 0, len(s.resources))
	for _, t := range s.resources {
		all = append(all, t)
	}
	s.resources = make(map[string]*tracked)
	s.mu.Unlock()

	for _, t := range all {
		s.stop(t)
	}
}

// Resources returns a view of every tracked resource ordered by id.
func (s *Supervisor) Resources() []ResourceView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ResourceView, 0, len(s.resources))
	for _, t := range s.resources {
		out = append(out, t.view)
	}

	slices.SortFunc(out, func(a, b ResourceView) int { return strings.Compare(a.ID, b.ID) })

	return out
}

// Resource returns the view of one resource.
func (s *Supervisor) Resource(id string) (ResourceView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.resources[id]
	if !ok {
		return ResourceView{}, false
	}

	return t.view, true
}

// handler builds the session callbacks for one resource. Each callback
// updates the view under mu and persists outside it.
func (s *Supervisor) handler(id string) livesync.Handler {
	logger := s.logger.With(slog.String("resource", id))

	return livesync.Handler{
		OnUpdate: func(snap livesync.Snapshot) {
			var diff string

			rec, ok := s.update(id, func(v *ResourceView) {
				diff = PayloadDiff(v.Snapshot.Payload, snap.Payload)
				if diff != "" {
					v.LastChange = diff
				}

				v.Snapshot = snap
			})
			if !ok {
				return
			}

			logger.Debug("resource updated",
				slog.String("status", string(snap.Status)),
				slog.Int64("version", snap.Version),
				slog.String("diff", diff),
			)
			s.persist(rec)
		},
		OnModeChange: func(m livesync.Mode) {
			if rec, ok := s.update(id, func(v *ResourceView) { v.Mode = m.String() }); ok {
				s.persist(rec)
			}
		},
		OnTerminal: func(reason livesync.TerminalReason, snap livesync.Snapshot) {
			rec, ok := s.update(id, func(v *ResourceView) {
				v.Snapshot = snap
				v.TerminalReason = string(reason)
				v.Mode = livesync.ModeTerminal.String()
				v.Remaining = 0
			})
			if !ok {
				return
			}

			logger.Info("resource finished",
				slog.String("status", string(snap.Status)),
				slog.String("reason", string(reason)),
			)
			s.persist(rec)
		},
		OnCountdown: func(remaining time.Duration) {
			s.update(id, func(v *ResourceView) { v.Remaining = remaining })
		},
		OnError: func(err error) {
			s.update(id, func(v *ResourceView) { v.LastError = err.Error() })
			logger.Warn("session degraded", slog.String("error", err.Error()))
		},
	}
}

func (s *Supervisor) update(id string, fn func(*ResourceView)) (state.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.resources[id]
	if !ok {
		return state.Record{}, false
	}

	fn(&t.view)
	t.view.UpdatedAt = time.Now().UTC()

	return state.Record{
		ResourceID:     id,
		Label:          t.view.Label,
		Snapshot:       t.view.Snapshot,
		Mode:           t.view.Mode,
		TerminalReason: t.view.TerminalReason,
		UpdatedAt:      t.view.UpdatedAt,
	}, true
}

func (s *Supervisor) persist(rec state.Record) {
	if s.opts.Store == nil || rec.Snapshot.Status == "" {
		return
	}

	if err := s.opts.Store.PutSnapshot(rec); err != nil {
		s.logger.Warn("persisting snapshot",
			slog.String("resource", rec.ResourceID),
			slog.String("error", err.Error()),
		)
	}
}
