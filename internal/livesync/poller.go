package livesync

import (
	"context"
	"time"
)

//go:generate mockgen -source=poller.go -destination=mock_poller_test.go -package=livesync

// Fetcher performs a point-in-time read of a resource. It must be
// idempotent and free of side effects; the poller calls it on a timer.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID string) (Snapshot, error)
}

// PollState reports whether the poller is running.
type PollState int

const (
	PollInactive PollState = iota
	PollPolling
)

func (s PollState) String() string {
	if s == PollPolling {
		return "polling"
	}

	return "inactive"
}

// pollResult is posted by a fetch goroutine to the session.
type pollResult struct {
	gen      uint64
	snapshot Snapshot
	err      error
}

// Poller fetches a resource on a fixed interval while the push channel is
// unavailable. Each fetch runs in its own goroutine; a tick that arrives
// while a fetch is still in flight is skipped. Results of a stopped
// poller carry a stale generation and are ignored by the session.
//
// Start, Stop and Tick are driven from the session event loop.
type Poller struct {
	fetcher    Fetcher
	resourceID string
	interval   time.Duration
	results    chan<- pollResult

	ctx    context.Context
	runCtx context.Context
	cancel context.CancelFunc
	ticker *time.Ticker

	gen      uint64
	inFlight bool

	// consecutiveErrors counts failed fetches since the last success in
	// the current run. A new run starts from zero.
	consecutiveErrors int
}

func newPoller(ctx context.Context, f Fetcher, resourceID string, interval time.Duration, results chan<- pollResult) *Poller {
	return &Poller{
		fetcher:    f,
		resourceID: resourceID,
		interval:   interval,
		results:    results,
		ctx:        ctx,
	}
}

// State reports whether the poller is running.
func (p *Poller) State() PollState {
	if p.ticker != nil {
		return PollPolling
	}

	return PollInactive
}

// Start begins polling with an immediate fetch and a fresh error streak.
// Starting a running poller is a no-op.
func (p *Poller) Start() {
	if p.ticker != nil {
		return
	}

	p.gen++
	p.ticker = time.NewTicker(p.interval)
	p.inFlight = false
	p.consecutiveErrors = 0

	p.runCtx, p.cancel = context.WithCancel(p.ctx)

	p.fetch()
}

// Stop cancels the ticker and any in-flight fetch. Idempotent.
func (p *Poller) Stop() {
	if p.ticker == nil {
		return
	}

	p.ticker.Stop()
	p.ticker = nil
	p.cancel()
	p.cancel = nil
	p.runCtx = nil
	p.inFlight = false
}

// TickC fires when the next fetch is due. Nil while stopped.
func (p *Poller) TickC() <-chan time.Time {
	if p.ticker == nil {
		return nil
	}

	return p.ticker.C
}

// Tick starts a fetch unless one is already running. It returns false if
// the tick was skipped.
func (p *Poller) Tick() bool {
	if p.ticker == nil || p.inFlight {
		return false
	}

	p.fetch()

	return true
}

// Done accounts for a fetch result. It returns false for results from a
// previous run, which the caller must discard.
func (p *Poller) Done(r pollResult) bool {
	if r.gen != p.gen || p.ticker == nil {
		return false
	}

	p.inFlight = false

	if r.err != nil {
		p.consecutiveErrors++
	} else {
		p.consecutiveErrors = 0
	}

	return true
}

// ConsecutiveErrors returns the length of the current failure streak.
func (p *Poller) ConsecutiveErrors() int { return p.consecutiveErrors }

func (p *Poller) fetch() {
	p.inFlight = true
	ctx := p.runCtx
	gen := p.gen
	id := p.resourceID
	f := p.fetcher
	results := p.results

	go func() {
		s, err := f.Fetch(ctx, id)

		select {
		case results <- pollResult{gen: gen, snapshot: s, err: err}:
		case <-ctx.Done():
		}
	}()
}
