package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

// RetentionStore is the pruning and inventory slice of the store.
type RetentionStore interface {
	ListMessagesOlderThan(ctx context.Context, q store.Querier, cutoff time.Time, limit int) ([]store.ProviderMessage, error)
	DeleteMessagesOlderThan(ctx context.Context, q store.Querier, cutoff time.Time) (int64, error)
	DeleteOrphansOlderThan(ctx context.Context, q store.Querier, cutoff time.Time) (int64, error)
	DeleteBlockedOlderThan(ctx context.Context, q store.Querier, cutoff time.Time) (int64, error)
	RetireNumbersPastThreshold(ctx context.Context, q store.Querier, threshold int) (int64, error)
	RecycleUsedNumbers(ctx context.Context, q store.Querier, threshold int) (int64, error)
}

// OrphanReprocessor gives orphans a final chance before the age cutoff
// deletes them. *correlator.Service satisfies it.
type OrphanReprocessor interface {
	ReprocessOrphans(ctx context.Context, since time.Time, limit int) (int, error)
}

// Archiver persists messages before the sweep deletes them. Optional.
type Archiver interface {
	Archive(ctx context.Context, msgs []store.ProviderMessage) error
}

// Flags gates the sweep at runtime.
type Flags interface {
	CleanupEnabled() bool
}

// RetentionPolicy bundles the sweep's horizons and thresholds.
type RetentionPolicy struct {
	MessageAge      time.Duration
	OrphanAge       time.Duration
	BlockedAge      time.Duration
	RetireThreshold int
}

// RetentionSweeper prunes aged audit data and turns over number inventory.
// One run at a time: an in-flight pass makes later triggers no-ops.
type RetentionSweeper struct {
	stor        RetentionStore
	reprocessor OrphanReprocessor
	archiver    Archiver
	flags       Flags
	policy      RetentionPolicy
	interval    time.Duration
	batch       int
	logger      *logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	running sync.Mutex
}

// NewRetentionSweeper constructs the sweep. reprocessor, archiver and flags
// may each be nil; a nil flags never skips.
func NewRetentionSweeper(st RetentionStore, reprocessor OrphanReprocessor, archiver Archiver, flags Flags, policy RetentionPolicy, interval time.Duration, logger *logging.Logger, m *metrics.Metrics) *RetentionSweeper {
	if st == nil {
		panic("scheduler: store required")
	}
	if policy.MessageAge <= 0 {
		policy.MessageAge = 7 * 24 * time.Hour
	}
	if policy.OrphanAge <= 0 {
		policy.OrphanAge = 24 * time.Hour
	}
	if policy.BlockedAge <= 0 {
		policy.BlockedAge = 48 * time.Hour
	}
	if policy.RetireThreshold <= 0 {
		policy.RetireThreshold = 3
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RetentionSweeper{
		stor:        st,
		reprocessor: reprocessor,
		archiver:    archiver,
		flags:       flags,
		policy:      policy,
		interval:    interval,
		batch:       1000,
		logger:      logger.Component("retention"),
		metrics:     m,
		now:         time.Now,
	}
}

// Start runs the sweep until the context is cancelled, with one pass up
// front.
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.logger.Info("starting retention sweep", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweep shutting down")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full pass. The admin trigger calls this directly.
func (s *RetentionSweeper) RunOnce(ctx context.Context) {
	if s.flags != nil && !s.flags.CleanupEnabled() {
		s.logger.Debug("cleanup disabled, skipping pass")
		return
	}
	if !s.running.TryLock() {
		s.logger.Warn("retention pass already running, skipping")
		return
	}
	defer s.running.Unlock()

	now := s.now()

	// Orphans inside the retention window get a last reprocessing chance
	// before anything is deleted.
	if s.reprocessor != nil {
		if n, err := s.reprocessor.ReprocessOrphans(ctx, now.Add(-s.policy.OrphanAge), s.batch); err != nil {
			s.logger.Error("orphan reprocess failed", "error", err)
		} else if n > 0 {
			s.logger.Info("orphans settled before pruning", "processed", n)
		}
	}

	messageCutoff := now.Add(-s.policy.MessageAge)
	if s.archived(ctx, messageCutoff) {
		s.prune(ctx, "messages", func() (int64, error) {
			return s.stor.DeleteMessagesOlderThan(ctx, nil, messageCutoff)
		})
	}
	s.prune(ctx, "orphans", func() (int64, error) {
		return s.stor.DeleteOrphansOlderThan(ctx, nil, now.Add(-s.policy.OrphanAge))
	})
	s.prune(ctx, "blocked", func() (int64, error) {
		return s.stor.DeleteBlockedOlderThan(ctx, nil, now.Add(-s.policy.BlockedAge))
	})
	s.prune(ctx, "retired_numbers", func() (int64, error) {
		return s.stor.RetireNumbersPastThreshold(ctx, nil, s.policy.RetireThreshold)
	})
	s.prune(ctx, "recycled_numbers", func() (int64, error) {
		return s.stor.RecycleUsedNumbers(ctx, nil, s.policy.RetireThreshold)
	})
}

// archived copies doomed messages out before deletion. A failed archive
// keeps this round's messages in place; the next pass retries.
func (s *RetentionSweeper) archived(ctx context.Context, cutoff time.Time) bool {
	if s.archiver == nil {
		return true
	}
	msgs, err := s.stor.ListMessagesOlderThan(ctx, nil, cutoff, s.batch)
	if err != nil {
		s.logger.Error("archive listing failed", "error", err)
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	if err := s.archiver.Archive(ctx, msgs); err != nil {
		s.logger.Error("archive failed, keeping messages", "count", len(msgs), "error", err)
		return false
	}
	s.logger.Info("messages archived", "count", len(msgs))
	return true
}

func (s *RetentionSweeper) prune(ctx context.Context, kind string, fn func() (int64, error)) {
	n, err := fn()
	if err != nil {
		s.logger.Error("prune failed", "kind", kind, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned", "kind", kind, "count", n)
	}
	if s.metrics != nil {
		s.metrics.AddRetentionDeleted(kind, n)
	}
}
