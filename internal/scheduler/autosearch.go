package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/numrent/numrent/internal/correlator"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

// Searcher scans recent provider messages for a code addressed to one
// reservation. *correlator.Service satisfies it.
type Searcher interface {
	SearchReservation(ctx context.Context, r *store.Reservation, n *store.Number, since time.Time) (correlator.Outcome, error)
}

// SearchStore re-reads the authoritative reservation row between polls.
type SearchStore interface {
	GetReservation(ctx context.Context, q store.Querier, id int64) (*store.Reservation, error)
}

// AutoSearcher runs a bounded polling task per new reservation: codes that
// arrived before the reservation, or were missed by the push path, are found
// without the user asking. It implements the engine's Watcher.
type AutoSearcher struct {
	stor     SearchStore
	searcher Searcher

	initialWait  time.Duration
	pollInterval time.Duration
	maxRuntime   time.Duration

	logger *logging.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoSearcher constructs the poller factory with its timing knobs.
func NewAutoSearcher(st SearchStore, searcher Searcher, initialWait, pollInterval, maxRuntime time.Duration, logger *logging.Logger) *AutoSearcher {
	if st == nil {
		panic("scheduler: store required")
	}
	if searcher == nil {
		panic("scheduler: searcher required")
	}
	if initialWait <= 0 {
		initialWait = 5 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxRuntime <= 0 {
		maxRuntime = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AutoSearcher{
		stor:         st,
		searcher:     searcher,
		initialWait:  initialWait,
		pollInterval: pollInterval,
		maxRuntime:   maxRuntime,
		logger:       logger.Component("autosearch"),
	}
}

// Start anchors future polling tasks to ctx. Tasks spawned before Start use
// the background context.
func (a *AutoSearcher) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx, a.cancel = context.WithCancel(ctx)
}

// Stop cancels all running tasks and waits for them to unwind.
func (a *AutoSearcher) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// WatchReservation launches the polling task for a freshly created
// reservation.
func (a *AutoSearcher) WatchReservation(r *store.Reservation, n *store.Number) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	rc, nc := *r, *n
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.search(ctx, rc, nc)
	}()
}

func (a *AutoSearcher) search(ctx context.Context, r store.Reservation, n store.Number) {
	deadline := time.Now().Add(a.maxRuntime)
	// Look slightly behind the reservation so codes that raced its creation
	// are still in range.
	since := r.CreatedAt.Add(-time.Minute)

	select {
	case <-ctx.Done():
		return
	case <-time.After(a.initialWait):
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		cur, err := a.stor.GetReservation(ctx, nil, r.ID)
		if err != nil {
			a.logger.Error("poll read failed", "reservation_id", r.ID, "error", err)
			return
		}
		if cur.Status != store.ReservationWaitingCode {
			return
		}

		out, err := a.searcher.SearchReservation(ctx, cur, &n, since)
		if err != nil {
			a.logger.Error("search failed", "reservation_id", r.ID, "error", err)
		} else if out == correlator.OutcomeProcessed || out == correlator.OutcomeRejected {
			a.logger.Info("auto-search settled reservation", "reservation_id", r.ID, "outcome", string(out))
			return
		}

		if time.Now().After(deadline) {
			a.logger.Debug("auto-search window closed", "reservation_id", r.ID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
