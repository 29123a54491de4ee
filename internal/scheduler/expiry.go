// Package scheduler hosts the background jobs that keep rental state honest:
// the expiry sweep, the per-reservation auto-search pollers and the retention
// pass that archives, prunes and recycles.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

// Expirer closes one overdue reservation. *reservation.Engine satisfies it.
type Expirer interface {
	Expire(ctx context.Context, reservationID int64) (*store.Reservation, error)
}

// ExpiryStore lists overdue reservations and resolves the rows the
// expired-notification needs.
type ExpiryStore interface {
	ListExpiredWaiting(ctx context.Context, q store.Querier, now time.Time, limit int) ([]store.Reservation, error)
	GetUser(ctx context.Context, q store.Querier, id int64) (*store.User, error)
	GetNumber(ctx context.Context, q store.Querier, id int64) (*store.Number, error)
}

// Notifier pushes a user-visible message after a sweep commits a transition.
type Notifier interface {
	NotifyUser(ctx context.Context, externalUserID, languageTag, templateKey string, params map[string]string) error
}

// ExpirySweeper expires WAITING_CODE reservations whose window has passed.
// Each reservation is its own transaction, so one bad row never stalls the
// sweep.
type ExpirySweeper struct {
	stor     ExpiryStore
	expirer  Expirer
	notifier Notifier
	interval time.Duration
	batch    int
	logger   *logging.Logger
	now      func() time.Time
}

// NewExpirySweeper constructs the sweep. notifier may be nil.
func NewExpirySweeper(st ExpiryStore, expirer Expirer, notifier Notifier, interval time.Duration, logger *logging.Logger) *ExpirySweeper {
	if st == nil {
		panic("scheduler: store required")
	}
	if expirer == nil {
		panic("scheduler: expirer required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ExpirySweeper{
		stor:     st,
		expirer:  expirer,
		notifier: notifier,
		interval: interval,
		batch:    100,
		logger:   logger.Component("expiry"),
		now:      time.Now,
	}
}

// Start runs the sweep until the context is cancelled, with one pass up
// front.
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.logger.Info("starting expiry sweep", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep shutting down")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. Exposed for tests and manual triggers.
func (s *ExpirySweeper) RunOnce(ctx context.Context) {
	overdue, err := s.stor.ListExpiredWaiting(ctx, nil, s.now(), s.batch)
	if err != nil {
		s.logger.Error("overdue listing failed", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}

	expired := 0
	for _, row := range overdue {
		r, err := s.expirer.Expire(ctx, row.ID)
		if err != nil {
			// Billing or a user action can settle the row between the
			// listing and the lock; that is not a sweep failure.
			if errors.Is(err, reservation.ErrInvalidState) || errors.Is(err, reservation.ErrNotFound) {
				continue
			}
			s.logger.Error("expire failed", "reservation_id", row.ID, "error", err)
			continue
		}
		expired++
		s.notifyExpired(ctx, r)
	}
	s.logger.Info("expiry pass finished", "overdue", len(overdue), "expired", expired)
}

func (s *ExpirySweeper) notifyExpired(ctx context.Context, r *store.Reservation) {
	if s.notifier == nil {
		return
	}
	u, err := s.stor.GetUser(ctx, nil, r.UserID)
	if err != nil {
		s.logger.Error("expired user lookup failed", "reservation_id", r.ID, "error", err)
		return
	}
	params := map[string]string{}
	if n, err := s.stor.GetNumber(ctx, nil, r.NumberID); err == nil {
		params["phone"] = n.PhoneNumber
	}
	if err := s.notifier.NotifyUser(ctx, u.ExternalID, u.LanguageTag, "reservation_expired", params); err != nil {
		s.logger.Error("expired notification failed", "reservation_id", r.ID, "error", err)
	}
}
