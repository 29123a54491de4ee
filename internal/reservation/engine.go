// Package reservation implements the rental state machine: exclusive number
// allocation, user-initiated transitions, and the release policy that decides
// whether a number returns to the pool or leaves rotation.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

var tracer = otel.Tracer("numrent.internal.reservation")

// Store is the slice of the persistence layer the engine uses. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	WithinTx(ctx context.Context, fn func(q store.Querier) error) error
	EnsureUser(ctx context.Context, q store.Querier, externalID, languageTag string) (*store.User, error)
	GetUserByExternalID(ctx context.Context, q store.Querier, externalID string) (*store.User, error)
	GetService(ctx context.Context, q store.Querier, id int64) (*store.Service, error)
	ListActiveServices(ctx context.Context, q store.Querier, countryCode string, limit, offset int) ([]store.Service, error)
	ListServiceCountries(ctx context.Context, q store.Querier, serviceID int64) ([]store.Country, error)
	SelectAvailableNumberForUpdate(ctx context.Context, q store.Querier, serviceID int64, countryCode string, userID, excludeID int64) (*store.Number, error)
	MarkNumberReserved(ctx context.Context, q store.Querier, id, userID int64, expiresAt time.Time) error
	ReleaseNumber(ctx context.Context, q store.Querier, id int64) error
	RetireNumber(ctx context.Context, q store.Querier, id int64) error
	GetNumber(ctx context.Context, q store.Querier, id int64) (*store.Number, error)
	GetNumberForUpdate(ctx context.Context, q store.Querier, id int64) (*store.Number, error)
	InsertReservation(ctx context.Context, q store.Querier, r store.Reservation) (*store.Reservation, error)
	GetReservation(ctx context.Context, q store.Querier, id int64) (*store.Reservation, error)
	GetReservationForUpdate(ctx context.Context, q store.Querier, id int64) (*store.Reservation, error)
	CancelReservation(ctx context.Context, q store.Querier, id int64) error
	ExpireReservation(ctx context.Context, q store.Querier, id int64) error
	RepointReservation(ctx context.Context, q store.Querier, id, numberID int64) error
	ListUserReservations(ctx context.Context, q store.Querier, userID int64, limit, offset int) ([]store.Reservation, error)
}

var _ Store = (*store.Store)(nil)

// ReleaseStore is the slice of the store the release policy needs.
type ReleaseStore interface {
	ReleaseNumber(ctx context.Context, q store.Querier, id int64) error
	RetireNumber(ctx context.Context, q store.Querier, id int64) error
}

// Flags gates reservation creation at runtime.
type Flags interface {
	Maintenance() bool
}

// Watcher is told about every new reservation; the auto-search scheduler
// registers one to start its per-reservation polling task.
type Watcher interface {
	WatchReservation(r *store.Reservation, n *store.Number)
}

// ReserveRequest identifies the user by external id so first contact creates
// the account row.
type ReserveRequest struct {
	ExternalUserID string
	ServiceID      int64
	CountryCode    string
	LanguageTag    string
}

// Details is the engine's view of one reservation for callers: row state plus
// the number, the price that will be charged, and the time left.
type Details struct {
	Reservation *store.Reservation
	Number      *store.Number
	Price       decimal.Decimal
	Remaining   time.Duration
}

// Engine owns reservation state transitions. All writes run inside
// serializable transactions with the reservation row locked first, then the
// user, then numbers.
type Engine struct {
	stor     Store
	flags    Flags
	watcher  Watcher
	timeout  time.Duration
	pageSize int
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewEngine constructs the reservation engine.
func NewEngine(st Store, timeout time.Duration, pageSize int, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if st == nil {
		panic("reservation: store required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		stor:     st,
		timeout:  timeout,
		pageSize: pageSize,
		logger:   logger.Component("reservation"),
		metrics:  m,
		now:      time.Now,
	}
}

// SetFlags installs the runtime flag gate. Optional.
func (e *Engine) SetFlags(f Flags) { e.flags = f }

// SetWatcher installs the new-reservation watcher. Optional; set once during
// bootstrap before traffic starts.
func (e *Engine) SetWatcher(w Watcher) { e.watcher = w }

/// Price is the amount a completed reservation on this number costs: the
// number's override when present, the service default otherwise.
func Price(n *store.Number, svc *store.Service) decimal.Decimal {
	if n != nil && n.PriceOverride != nil {
		return *n.PriceOverride
	}
	return svc.DefaultPrice
}

// ReleaseLocked applies the number release policy to an already locked number
// row when its reservation leaves WAITING_CODE without completing. A number
// that has ever received a code is retired instead of recycled; the returned
// status says which branch ran.
func ReleaseLocked(ctx context.Context, q store.Querier, st ReleaseStore, n *store.Number) (string, error) {
	if n.CodeReceivedAt != nil {
		if err := st.RetireNumber(ctx, q, n.ID); err != nil {
			return "", err
		}
		return store.NumberDeleted, nil
	}
	if err := st.ReleaseNumber(ctx, q, n.ID); err != nil {
		return "", err
	}
	return store.NumberAvailable, nil
}

// Reserve allocates the oldest eligible number for the service and country
// and opens a WAITING_CODE reservation against it. Numbers the user has
// completed against before are never offered again.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*Details, error) {
	ctx, span := tracer.Start(ctx, "reservation.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("numrent.service_id", req.ServiceID),
		attribute.String("numrent.country_code", req.CountryCode),
	)

	if req.ExternalUserID == "" {
		return nil, fmt.Errorf("reservation: external user id required")
	}
	if e.flags != nil && e.flags.Maintenance() {
		e.count("reserve", ErrMaintenance)
		return nil, ErrMaintenance
	}

	var det *Details
	err := e.withRetry(ctx, func(ctx context.Context) error {
		det = nil
		return e.stor.WithinTx(ctx, func(q store.Querier) error {
			user, err := e.stor.EnsureUser(ctx, q, req.ExternalUserID, req.LanguageTag)
			if err != nil {
				return err
			}
			if user.IsBanned {
				return ErrUserBanned
			}
			svc, err := e.stor.GetService(ctx, q, req.ServiceID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrNotFound
				}
				return err
			}
			if !svc.Active {
				return ErrNotFound
			}
			n, err := e.stor.SelectAvailableNumberForUpdate(ctx, q, svc.ID, req.CountryCode, user.ID, 0)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrNoInventory
				}
				return err
			}
			expires := e.now().Add(e.timeout)
			if err := e.stor.MarkNumberReserved(ctx, q, n.ID, user.ID, expires); err != nil {
				return err
			}
			r, err := e.stor.InsertReservation(ctx, q, store.Reservation{
				UserID:    user.ID,
				ServiceID: svc.ID,
				NumberID:  n.ID,
				ExpiredAt: expires,
			})
			if err != nil {
				return err
			}
			n.Status = store.NumberReserved
			n.ReservedByUserID = &user.ID
			n.ExpiresAt = &expires
			det = &Details{Reservation: r, Number: n, Price: Price(n, svc), Remaining: e.timeout}
			return nil
		})
	})
	e.count("reserve", err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.logger.Info("reservation created",
		"reservation_id", det.Reservation.ID,
		"user_id", det.Reservation.UserID,
		"service_id", det.Reservation.ServiceID,
		"number_id", det.Number.ID,
		"expires_at", det.Reservation.ExpiredAt)
	if e.watcher != nil {
		e.watcher.WatchReservation(det.Reservation, det.Number)
	}
	return det, nil
}

// ChangeNumber re-points a live reservation at a different number, keeping
// the original expiry. When no substitute exists the transaction rolls back
// and the original reservation stands untouched.
func (e *Engine) ChangeNumber(ctx context.Context, reservationID int64) (*Details, error) {
	ctx, span := tracer.Start(ctx, "reservation.change_number")
	defer span.End()
	span.SetAttributes(attribute.Int64("numrent.reservation_id", reservationID))

	var det *Details
	var released string
	err := e.withRetry(ctx, func(ctx context.Context) error {
		det = nil
		return e.stor.WithinTx(ctx, func(q store.Querier) error {
			r, err := e.lockWaiting(ctx, q, reservationID)
			if err != nil {
				return err
			}
			old, err := e.stor.GetNumberForUpdate(ctx, q, r.NumberID)
			if err != nil {
				return err
			}
			svc, err := e.stor.GetService(ctx, q, r.ServiceID)
			if err != nil {
				return err
			}
			repl, err := e.stor.SelectAvailableNumberForUpdate(ctx, q, r.ServiceID, old.CountryCode, r.UserID, old.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrNoAlternative
				}
				return err
			}
			released, err = ReleaseLocked(ctx, q, e.stor, old)
			if err != nil {
				return err
			}
			if err := e.stor.MarkNumberReserved(ctx, q, repl.ID, r.UserID, r.ExpiredAt); err != nil {
				return err
			}
			if err := e.stor.RepointReservation(ctx, q, r.ID, repl.ID); err != nil {
				return err
			}
			repl.Status = store.NumberReserved
			repl.ReservedByUserID = &r.UserID
			repl.ExpiresAt = &r.ExpiredAt
			r.NumberID = repl.ID
			det = &Details{Reservation: r, Number: repl, Price: Price(repl, svc), Remaining: r.Remaining(e.now())}
			return nil
		})
	})
	e.count("change_number", err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.logger.Info("reservation number changed",
		"reservation_id", det.Reservation.ID,
		"number_id", det.Number.ID,
		"old_number_state", released)
	if e.watcher != nil {
		e.watcher.WatchReservation(det.Reservation, det.Number)
	}
	return det, nil
}

// Cancel ends a live reservation by user action and releases its number.
func (e *Engine) Cancel(ctx context.Context, reservationID int64) error {
	return e.closeWaiting(ctx, "cancel", reservationID, e.stor.CancelReservation)
}

// ChangeCountry cancels the reservation so the caller can restart selection
// with a different country. The number follows the release policy.
func (e *Engine) ChangeCountry(ctx context.Context, reservationID int64) error {
	return e.closeWaiting(ctx, "change_country", reservationID, e.stor.CancelReservation)
}

// Expire transitions an overdue reservation to EXPIRED and releases its
// number; the scheduler's sweep calls this per row. Returns the reservation
// so the caller can notify the affected user after commit.
func (e *Engine) Expire(ctx context.Context, reservationID int64) (*store.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.expire")
	defer span.End()
	span.SetAttributes(attribute.Int64("numrent.reservation_id", reservationID))

	var expired *store.Reservation
	err := e.withRetry(ctx, func(ctx context.Context) error {
		expired = nil
		return e.stor.WithinTx(ctx, func(q store.Querier) error {
			r, err := e.lockWaiting(ctx, q, reservationID)
			if err != nil {
				return err
			}
			n, err := e.stor.GetNumberForUpdate(ctx, q, r.NumberID)
			if err != nil {
				return err
			}
			if err := e.stor.ExpireReservation(ctx, q, r.ID); err != nil {
				return err
			}
			if _, err := ReleaseLocked(ctx, q, e.stor, n); err != nil {
				return err
			}
			r.Status = store.ReservationExpired
			expired = r
			return nil
		})
	})
	e.count("expire", err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.logger.Info("reservation expired", "reservation_id", expired.ID, "user_id", expired.UserID)
	return expired, nil
}

// Status reports the reservation's current state and remaining time.
func (e *Engine) Status(ctx context.Context, reservationID int64) (*Details, error) {
	r, err := e.stor.GetReservation(ctx, nil, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	n, err := e.stor.GetNumber(ctx, nil, r.NumberID)
	if err != nil {
		return nil, err
	}
	svc, err := e.stor.GetService(ctx, nil, r.ServiceID)
	if err != nil {
		return nil, err
	}
	return &Details{Reservation: r, Number: n, Price: Price(n, svc), Remaining: r.Remaining(e.now())}, nil
}

// ListServices pages through active services, optionally narrowed to a
// country.
func (e *Engine) ListServices(ctx context.Context, countryCode string, page int) ([]store.Service, error) {
	if page < 1 {
		page = 1
	}
	return e.stor.ListActiveServices(ctx, nil, countryCode, e.pageSize, (page-1)*e.pageSize)
}

// ListCountries returns the active country offerings for a service.
func (e *Engine) ListCountries(ctx context.Context, serviceID int64) ([]store.Country, error) {
	return e.stor.ListServiceCountries(ctx, nil, serviceID)
}

// ListUserReservations pages through a user's reservations, newest first.
func (e *Engine) ListUserReservations(ctx context.Context, externalUserID string, page int) ([]store.Reservation, error) {
	if page < 1 {
		page = 1
	}
	u, err := e.stor.GetUserByExternalID(ctx, nil, externalUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e.stor.ListUserReservations(ctx, nil, u.ID, e.pageSize, (page-1)*e.pageSize)
}

// lockWaiting loads the reservation under lock and verifies it is still
// live.
func (e *Engine) lockWaiting(ctx context.Context, q store.Querier, id int64) (*store.Reservation, error) {
	r, err := e.stor.GetReservationForUpdate(ctx, q, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r.Status != store.ReservationWaitingCode {
		return nil, ErrInvalidState
	}
	return r, nil
}

func (e *Engine) closeWaiting(ctx context.Context, op string, reservationID int64, transition func(context.Context, store.Querier, int64) error) error {
	ctx, span := tracer.Start(ctx, "reservation."+op)
	defer span.End()
	span.SetAttributes(attribute.Int64("numrent.reservation_id", reservationID))

	var released string
	err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.stor.WithinTx(ctx, func(q store.Querier) error {
			r, err := e.lockWaiting(ctx, q, reservationID)
			if err != nil {
				return err
			}
			n, err := e.stor.GetNumberForUpdate(ctx, q, r.NumberID)
			if err != nil {
				return err
			}
			if err := transition(ctx, q, r.ID); err != nil {
				return err
			}
			released, err = ReleaseLocked(ctx, q, e.stor, n)
			return err
		})
	})
	e.count(op, err)
	if err != nil {
		span.RecordError(err)
		return err
	}
	e.logger.Info("reservation closed", "op", op, "reservation_id", reservationID, "number_state", released)
	return nil
}

// withRetry reruns fn on transient storage failures up to three times.
// A budget overrun surfaces as ErrInvalidState: the reservation is left in
// its previous state and the caller treats the attempt as void.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if store.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && store.IsTransient(err) {
		e.logger.Error("retry budget exhausted", "error", err)
		return fmt.Errorf("storage conflict persisted: %w", ErrInvalidState)
	}
	return err
}

func (e *Engine) count(op string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncReservationOp(op, resultLabel(err))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoInventory):
		return "no_inventory"
	case errors.Is(err, ErrNoAlternative):
		return "no_alternative"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrMaintenance):
		return "maintenance"
	case errors.Is(err, ErrUserBanned):
		return "banned"
	default:
		return "error"
	}
}
