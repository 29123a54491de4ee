// Package billing charges a reservation when its code arrives: debit,
// completion and number state advance in one transaction, notifications
// follow the commit.
package billing

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
	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

var tracer = otel.Tracer("numrent.internal.billing")

// ErrInsufficientFunds means the user's balance did not cover the price. The
// reservation is expired and its number released before this is returned.
var ErrInsufficientFunds = errors.New("balance does not cover the price")

// Store is the persistence slice billing needs. Lock order inside Complete
// is reservation, then user, then number.
type Store interface {
	WithinTx(ctx context.Context, fn func(q store.Querier) error) error
	GetReservationForUpdate(ctx context.Context, q store.Querier, id int64) (*store.Reservation, error)
	GetUserForUpdate(ctx context.Context, q store.Querier, id int64) (*store.User, error)
	GetNumberForUpdate(ctx context.Context, q store.Querier, id int64) (*store.Number, error)
	GetService(ctx context.Context, q store.Querier, id int64) (*store.Service, error)
	AdjustUserBalance(ctx context.Context, q store.Querier, id int64, delta decimal.Decimal) (decimal.Decimal, error)
	CompleteReservation(ctx context.Context, q store.Querier, id int64, code string) error
	ExpireReservation(ctx context.Context, q store.Querier, id int64) error
	MarkNumberUsed(ctx context.Context, q store.Querier, id int64) error
	ReleaseNumber(ctx context.Context, q store.Querier, id int64) error
	RetireNumber(ctx context.Context, q store.Querier, id int64) error
	CountDistinctCompletedUsers(ctx context.Context, q store.Querier, numberID int64) (int, error)
	CountAvailableNumbers(ctx context.Context, q store.Querier, serviceID int64, countryCode string, excludeID int64) (int, error)
	InsertTransaction(ctx context.Context, q store.Querier, t store.Transaction) (int64, error)
}

var _ Store = (*store.Store)(nil)
var _ Store = (*store.Memory)(nil)

// Notifier delivers post-commit messages. Failures are logged and swallowed;
// the charge stands either way.
type Notifier interface {
	NotifyUser(ctx context.Context, externalUserID, languageTag, templateKey string, params map[string]string) error
	NotifyOperator(ctx context.Context, templateKey string, params map[string]string) error
}

// Receipt describes a successful charge.
type Receipt struct {
	Reservation *store.Reservation
	Number      *store.Number
	Service     *store.Service
	Price       decimal.Decimal
	Balance     decimal.Decimal
	Retired     bool
}

// Service applies the billing transaction.
type Service struct {
	stor            Store
	notifier        Notifier
	retireThreshold int
	lowStock        int
	logger          *logging.Logger
	metrics         *metrics.Metrics
}

// NewService constructs the billing service. notifier may be nil; then no
// notifications are sent.
func NewService(st Store, notifier Notifier, retireThreshold, lowStock int, logger *logging.Logger, m *metrics.Metrics) *Service {
	if st == nil {
		panic("billing: store required")
	}
	if retireThreshold <= 0 {
		retireThreshold = 3
	}
	if lowStock < 0 {
		lowStock = 0
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		stor:            st,
		notifier:        notifier,
		retireThreshold: retireThreshold,
		lowStock:        lowStock,
		logger:          logger.Component("billing"),
		metrics:         m,
	}
}

// Complete charges the reservation's user for the delivered code. On success
// the reservation is COMPLETED, the number USED (or DELETED once enough
// distinct users finished with it) and a PURCHASE ledger entry written. A
// balance short of the price expires the reservation, releases the number
// under the usual policy and returns ErrInsufficientFunds; that failure
// transition commits.
func (s *Service) Complete(ctx context.Context, reservationID int64, code string) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "billing.complete")
	defer span.End()
	span.SetAttributes(attribute.Int64("numrent.reservation_id", reservationID))

	var (
		rec          *Receipt
		user         *store.User
		insufficient bool
		stock        int
	)
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rec, user, insufficient, stock = nil, nil, false, 0
		return s.stor.WithinTx(ctx, func(q store.Querier) error {
			r, err := s.stor.GetReservationForUpdate(ctx, q, reservationID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return reservation.ErrNotFound
				}
				return err
			}
			if r.Status != store.ReservationWaitingCode {
				return reservation.ErrInvalidState
			}
			user, err = s.stor.GetUserForUpdate(ctx, q, r.UserID)
			if err != nil {
				return err
			}
			n, err := s.stor.GetNumberForUpdate(ctx, q, r.NumberID)
			if err != nil {
				return err
			}
			svc, err := s.stor.GetService(ctx, q, r.ServiceID)
			if err != nil {
				return err
			}
			price := reservation.Price(n, svc)

			if user.Balance.LessThan(price) {
				if err := s.stor.ExpireReservation(ctx, q, r.ID); err != nil {
					return err
				}
				if _, err := reservation.ReleaseLocked(ctx, q, s.stor, n); err != nil {
					return err
				}
				insufficient = true
				rec = &Receipt{Reservation: r, Number: n, Service: svc, Price: price, Balance: user.Balance}
				return nil
			}

			balance, err := s.stor.AdjustUserBalance(ctx, q, user.ID, price.Neg())
			if err != nil {
				return err
			}
			if err := s.stor.CompleteReservation(ctx, q, r.ID, code); err != nil {
				return err
			}
			if err := s.stor.MarkNumberUsed(ctx, q, n.ID); err != nil {
				return err
			}

			retired := false
			users, err := s.stor.CountDistinctCompletedUsers(ctx, q, n.ID)
			if err != nil {
				return err
			}
			if users >= s.retireThreshold {
				if err := s.stor.RetireNumber(ctx, q, n.ID); err != nil {
					return err
				}
				retired = true
			}

			if _, err := s.stor.InsertTransaction(ctx, q, store.Transaction{
				UserID: user.ID,
				Kind:   store.TransactionPurchase,
				Amount: price,
				Reason: fmt.Sprintf("%s rental %s", svc.Name, n.PhoneNumber),
			}); err != nil {
				return err
			}

			stock, err = s.stor.CountAvailableNumbers(ctx, q, svc.ID, n.CountryCode, 0)
			if err != nil {
				return err
			}

			now := time.Now()
			r.Status = store.ReservationCompleted
			r.CodeValue = code
			r.CompletedAt = &now
			rec = &Receipt{Reservation: r, Number: n, Service: svc, Price: price, Balance: balance, Retired: retired}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		s.count(err)
		return nil, err
	}

	if insufficient {
		s.count(ErrInsufficientFunds)
		s.logger.Warn("charge failed, balance too low",
			"reservation_id", reservationID,
			"user_id", user.ID,
			"price", rec.Price,
			"balance", rec.Balance)
		s.notifyUser(ctx, user, "insufficient_balance", map[string]string{
			"price":   rec.Price.StringFixed(2),
			"balance": rec.Balance.StringFixed(2),
		})
		return nil, ErrInsufficientFunds
	}

	s.count(nil)
	s.logger.Info("reservation charged",
		"reservation_id", rec.Reservation.ID,
		"user_id", user.ID,
		"number_id", rec.Number.ID,
		"price", rec.Price,
		"balance", rec.Balance,
		"number_retired", rec.Retired)
	s.notifyUser(ctx, user, "code_delivered", map[string]string{
		"phone":   rec.Number.PhoneNumber,
		"service": rec.Service.Name,
		"code":    rec.Reservation.CodeValue,
		"price":   rec.Price.StringFixed(2),
		"balance": rec.Balance.StringFixed(2),
	})
	if stock < s.lowStock {
		s.notifyOperator(ctx, "low_stock_alert", map[string]string{
			"service": rec.Service.Name,
			"country": rec.Number.CountryCode,
			"stock":   fmt.Sprintf("%d", stock),
		})
	}
	return rec, nil
}

func (s *Service) notifyUser(ctx context.Context, u *store.User, key string, params map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyUser(ctx, u.ExternalID, u.LanguageTag, key, params); err != nil {
		s.logger.Error("user notification failed", "template", key, "user_id", u.ID, "error", err)
	}
}

func (s *Service) notifyOperator(ctx context.Context, key string, params map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOperator(ctx, key, params); err != nil {
		s.logger.Error("operator notification failed", "template", key, "error", err)
	}
}

// withRetry reruns the transaction on transient storage failures, surfacing
// ErrInvalidState once the budget is spent so callers treat the charge as
// void.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
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
		s.logger.Error("retry budget exhausted", "error", err)
		return fmt.Errorf("storage conflict persisted: %w", reservation.ErrInvalidState)
	}
	return err
}

func (s *Service) count(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.IncBilling("ok")
	case errors.Is(err, ErrInsufficientFunds):
		s.metrics.IncBilling("insufficient_funds")
	case errors.Is(err, reservation.ErrInvalidState):
		s.metrics.IncBilling("invalid_state")
	case errors.Is(err, reservation.ErrNotFound):
		s.metrics.IncBilling("not_found")
	default:
		s.metrics.IncBilling("error")
	}
}
