// Package correlator turns raw provider SMS traffic into billed
// reservations. Every inbound message is audited, deduplicated, parsed for a
// phone and code, matched to the waiting reservation and handed to billing;
// what cannot be matched yet is kept as an orphan for later passes.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/numrent/numrent/internal/billing"
	"github.com/numrent/numrent/internal/extract"
	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

var tracer = otel.Tracer("numrent.internal.correlator")

// Outcome classifies what happened to one inbound message.
type Outcome string

const (
	// OutcomeProcessed means a reservation was billed with the extracted code.
	OutcomeProcessed Outcome = "processed"
	// OutcomeRejected covers unparseable messages and failed charges.
	OutcomeRejected Outcome = "rejected"
	// OutcomeOrphan means the message parsed but no live reservation matched.
	OutcomeOrphan Outcome = "orphan"
	// OutcomeDuplicate means the dedup hash already existed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the group has no active bindings; nothing stored.
	OutcomeIgnored Outcome = "ignored"
)

// Inbound is one provider message as delivered by the worker pool.
type Inbound struct {
	GroupChatID       string    `json:"group_chat_id"`
	SenderID          string    `json:"sender_id"`
	Text              string    `json:"text"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
	Raw               []byte    `json:"-"`
}

// Store is the persistence slice the correlator reads and marks messages
// through. Billing owns the transactional writes.
type Store interface {
	ListActiveGroupBindings(ctx context.Context, q store.Querier, groupChatID string) ([]store.ServiceGroup, error)
	ListGroupChatIDsByService(ctx context.Context, q store.Querier, serviceID int64) ([]string, error)
	InsertProviderMessage(ctx context.Context, q store.Querier, m store.ProviderMessage) (int64, bool, error)
	GetProviderMessage(ctx context.Context, q store.Querier, id int64) (*store.ProviderMessage, error)
	MarkProviderMessageProcessed(ctx context.Context, q store.Querier, id int64) error
	MarkProviderMessageRejected(ctx context.Context, q store.Querier, id int64) error
	MarkProviderMessageOrphan(ctx context.Context, q store.Querier, id int64) error
	ListPendingByGroup(ctx context.Context, q store.Querier, groupChatID string, limit int) ([]store.ProviderMessage, error)
	ListReprocessableOrphans(ctx context.Context, q store.Querier, since time.Time, limit int) ([]store.ProviderMessage, error)
	ListSearchableMessages(ctx context.Context, q store.Querier, groupChatIDs []string, since time.Time, limit int) ([]store.ProviderMessage, error)
	InsertBlockedMessage(ctx context.Context, q store.Querier, b store.BlockedMessage) (int64, error)
	FindNumberByPhone(ctx context.Context, q store.Querier, phoneNumber string, serviceIDs []int64) (*store.Number, error)
	FindWaitingReservationByTail(ctx context.Context, q store.Querier, tail string, serviceIDs []int64) (*store.Reservation, *store.Number, error)
	GetWaitingReservationByNumber(ctx context.Context, q store.Querier, numberID int64) (*store.Reservation, error)
	GetService(ctx context.Context, q store.Querier, id int64) (*store.Service, error)
}

var _ Store = (*store.Store)(nil)
var _ Store = (*store.Memory)(nil)

// Biller charges a waiting reservation for a delivered code.
type Biller interface {
	Complete(ctx context.Context, reservationID int64, code string) (*billing.Receipt, error)
}

// groupLocks serializes processing per group chat so codes land in arrival
// order; distinct groups proceed in parallel.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (g *groupLocks) lock(key string) func() {
	g.mu.Lock()
	m, ok := g.locks[key]
	if !ok {
		m = &sync.Mutex{}
		g.locks[key] = m
	}
	g.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Service runs the correlation pipeline.
type Service struct {
	stor       Store
	biller     Biller
	groups     groupLocks
	drainLimit int
	logger     *logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService constructs the correlator.
func NewService(st Store, biller Biller, logger *logging.Logger, m *metrics.Metrics) *Service {
	if st == nil {
		panic("correlator: store required")
	}
	if biller == nil {
		panic("correlator: biller required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		stor:       st,
		biller:     biller,
		groups:     groupLocks{locks: make(map[string]*sync.Mutex)},
		drainLimit: 25,
		logger:     logger.Component("correlator"),
		metrics:    m,
		now:        time.Now,
	}
}

// Submit runs one inbound message through the pipeline. Messages from groups
// without active bindings are dropped without audit; everything else is
// persisted first so no delivery is lost. The group's pending backlog is
// drained in arrival order under the same lock, so a submission can settle
// older messages along the way.
func (s *Service) Submit(ctx context.Context, in Inbound) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "correlator.submit")
	defer span.End()
	span.SetAttributes(attribute.String("numrent.group_chat_id", in.GroupChatID))

	start := s.now()
	result := "error"
	defer func() {
		s.metrics.ObserveCorrelatorDuration(result, time.Since(start).Seconds())
	}()

	bindings, err := s.stor.ListActiveGroupBindings(ctx, nil, in.GroupChatID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if len(bindings) == 0 {
		s.observe(OutcomeIgnored)
		result = string(OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	unlock := s.groups.lock(in.GroupChatID)
	defer unlock()

	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now()
	}
	id, inserted, err := s.stor.InsertProviderMessage(ctx, nil, store.ProviderMessage{
		GroupChatID:       in.GroupChatID,
		SenderID:          in.SenderID,
		Text:              in.Text,
		ReceivedAt:        in.ReceivedAt,
		RawPayload:        in.Raw,
		ExternalMessageID: in.ExternalMessageID,
		MessageHash:       store.HashMessage(in.GroupChatID, in.SenderID, in.Text, in.ReceivedAt),
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if !inserted {
		s.observe(OutcomeDuplicate)
		s.logger.Debug("duplicate message dropped", "group_chat_id", in.GroupChatID)
		result = string(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	backlog, err := s.stor.ListPendingByGroup(ctx, nil, in.GroupChatID, s.drainLimit)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	outcome := OutcomeOrphan
	drained := false
	for i := range backlog {
		msg := &backlog[i]
		out, perr := s.process(ctx, msg, bindings)
		if msg.ID == id {
			if perr != nil {
				span.RecordError(perr)
				return "", perr
			}
			outcome = out
			drained = true
			continue
		}
		if perr != nil {
			s.logger.Error("backlog message failed", "message_id", msg.ID, "error", perr)
			continue
		}
		s.observe(out)
	}
	if !drained {
		// The page was full of older pending messages; settle the new
		// delivery explicitly rather than leaving it behind.
		msg, gerr := s.stor.GetProviderMessage(ctx, nil, id)
		if gerr != nil {
			span.RecordError(gerr)
			return "", gerr
		}
		out, perr := s.process(ctx, msg, bindings)
		if perr != nil {
			span.RecordError(perr)
			return "", perr
		}
		outcome = out
	}
	s.observe(outcome)
	result = string(outcome)
	span.SetAttributes(attribute.String("numrent.outcome", string(outcome)))
	return outcome, nil
}

// process runs extraction, resolution and billing for one stored message.
func (s *Service) process(ctx context.Context, msg *store.ProviderMessage, bindings []store.ServiceGroup) (Outcome, error) {
	serviceIDs := make([]int64, 0, len(bindings))
	for _, b := range bindings {
		serviceIDs = append(serviceIDs, b.ServiceID)
	}

	var phoneNumber, code string
	for _, b := range bindings {
		p, c := extract.Full(msg.Text, b.RegexPattern)
		if phoneNumber == "" {
			phoneNumber = p
		}
		if code == "" {
			code = c
		}
		if phoneNumber != "" && code != "" {
			break
		}
	}

	if code == "" {
		if _, err := s.stor.InsertBlockedMessage(ctx, nil, store.BlockedMessage{
			GroupChatID: msg.GroupChatID,
			SenderID:    msg.SenderID,
			Text:        msg.Text,
			Reason:      "no_number_or_no_code",
		}); err != nil {
			return "", err
		}
		if err := s.stor.MarkProviderMessageRejected(ctx, nil, msg.ID); err != nil {
			return "", err
		}
		return OutcomeRejected, nil
	}

	if phoneNumber == "" {
		tail := extract.MaskedTail(msg.Text)
		if tail != "" {
			r, _, err := s.stor.FindWaitingReservationByTail(ctx, nil, tail, serviceIDs)
			if err == nil {
				return s.bill(ctx, msg, r.ID, code)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return "", err
			}
		}
		return s.orphan(ctx, msg)
	}

	return s.resolve(ctx, msg, phoneNumber, code, serviceIDs)
}

// resolve is pipeline step 4 onward: map the phone to a number inside the
// group's services, fall back to the masked tail, then bind and bill the
// number's waiting reservation. Orphan reprocessing re-enters here.
func (s *Service) resolve(ctx context.Context, msg *store.ProviderMessage, phoneNumber, code string, serviceIDs []int64) (Outcome, error) {
	n, err := s.stor.FindNumberByPhone(ctx, nil, phoneNumber, serviceIDs)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return s.tailFallback(ctx, msg, code, serviceIDs)
	}

	r, err := s.stor.GetWaitingReservationByNumber(ctx, nil, n.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return s.tailFallback(ctx, msg, code, serviceIDs)
	}
	return s.bill(ctx, msg, r.ID, code)
}

func (s *Service) tailFallback(ctx context.Context, msg *store.ProviderMessage, code string, serviceIDs []int64) (Outcome, error) {
	tail := extract.MaskedTail(msg.Text)
	if tail != "" {
		r, _, err := s.stor.FindWaitingReservationByTail(ctx, nil, tail, serviceIDs)
		if err == nil {
			return s.bill(ctx, msg, r.ID, code)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return s.orphan(ctx, msg)
}

func (s *Service) orphan(ctx context.Context, msg *store.ProviderMessage) (Outcome, error) {
	if err := s.stor.MarkProviderMessageOrphan(ctx, nil, msg.ID); err != nil {
		return "", err
	}
	return OutcomeOrphan, nil
}

// bill hands the code to billing and records the message's fate. A charge
// that fails on funds rejects the message; a reservation that slipped away
// between lookup and charge leaves an orphan.
func (s *Service) bill(ctx context.Context, msg *store.ProviderMessage, reservationID int64, code string) (Outcome, error) {
	_, err := s.biller.Complete(ctx, reservationID, code)
	switch {
	case err == nil:
		if merr := s.stor.MarkProviderMessageProcessed(ctx, nil, msg.ID); merr != nil {
			s.logger.Error("processed mark failed", "message_id", msg.ID, "error", merr)
		}
		s.logger.Info("code delivered", "message_id", msg.ID, "reservation_id", reservationID)
		return OutcomeProcessed, nil
	case errors.Is(err, billing.ErrInsufficientFunds):
		if merr := s.stor.MarkProviderMessageRejected(ctx, nil, msg.ID); merr != nil {
			s.logger.Error("rejected mark failed", "message_id", msg.ID, "error", merr)
		}
		return OutcomeRejected, nil
	case errors.Is(err, reservation.ErrInvalidState), errors.Is(err, reservation.ErrNotFound):
		return s.orphan(ctx, msg)
	default:
		return "", fmt.Errorf("correlator: bill reservation %d: %w", reservationID, err)
	}
}

// ReprocessOrphan re-runs one orphaned message from number resolution
// onward. Used by the retention sweep and the admin trigger.
func (s *Service) ReprocessOrphan(ctx context.Context, messageID int64) (Outcome, error) {
	msg, err := s.stor.GetProviderMessage(ctx, nil, messageID)
	if err != nil {
		return "", err
	}
	if msg.Status != store.MessageOrphan && msg.Status != store.MessagePending {
		return OutcomeIgnored, nil
	}
	bindings, err := s.stor.ListActiveGroupBindings(ctx, nil, msg.GroupChatID)
	if err != nil {
		return "", err
	}
	if len(bindings) == 0 {
		return OutcomeIgnored, nil
	}

	unlock := s.groups.lock(msg.GroupChatID)
	defer unlock()

	out, err := s.process(ctx, msg, bindings)
	if err != nil {
		return "", err
	}
	s.observe(out)
	return out, nil
}

// ReprocessOrphans retries every orphan received since the cutoff and
// reports how many settled as processed.
func (s *Service) ReprocessOrphans(ctx context.Context, since time.Time, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "correlator.reprocess_orphans")
	defer span.End()

	orphans, err := s.stor.ListReprocessableOrphans(ctx, nil, since, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	processed := 0
	for i := range orphans {
		out, err := s.ReprocessOrphan(ctx, orphans[i].ID)
		if err != nil {
			s.logger.Error("orphan reprocess failed", "message_id", orphans[i].ID, "error", err)
			continue
		}
		if out == OutcomeProcessed {
			processed++
		}
	}
	if len(orphans) > 0 {
		s.logger.Info("orphan pass finished", "scanned", len(orphans), "processed", processed)
	}
	return processed, nil
}

// SearchReservation scans recent messages in the groups bound to the
// reservation's service for a code addressed to its number. The auto-search
// poller calls this until the reservation settles or its window closes.
// OutcomeIgnored means nothing matched yet.
func (s *Service) SearchReservation(ctx context.Context, r *store.Reservation, n *store.Number, since time.Time) (Outcome, error) {
	svc, err := s.stor.GetService(ctx, nil, r.ServiceID)
	if err != nil {
		return "", err
	}
	groupIDs, err := s.stor.ListGroupChatIDsByService(ctx, nil, r.ServiceID)
	if err != nil {
		return "", err
	}
	msgs, err := s.stor.ListSearchableMessages(ctx, nil, groupIDs, since, s.drainLimit)
	if err != nil {
		return "", err
	}

	for i := range msgs {
		msg := &msgs[i]
		if !s.addressesNumber(msg.Text, n.PhoneNumber) {
			continue
		}
		pattern := s.bindingPattern(ctx, msg.GroupChatID, r.ServiceID)
		code := extract.CodeWithContext(msg.Text, svc.Name, pattern)
		if code == "" {
			continue
		}
		unlock := s.groups.lock(msg.GroupChatID)
		out, err := s.bill(ctx, msg, r.ID, code)
		unlock()
		if err != nil {
			return "", err
		}
		if out == OutcomeProcessed || out == OutcomeRejected {
			s.observe(out)
			return out, nil
		}
	}
	return OutcomeIgnored, nil
}

// addressesNumber says whether the text plausibly targets the phone: an
// exact extracted phone must equal it, a masked tail must be its suffix, and
// a message carrying neither stays a candidate on code strength alone.
func (s *Service) addressesNumber(text, phoneNumber string) bool {
	if p, _ := extract.Full(text, ""); p != "" {
		return p == phoneNumber
	}
	if tail := extract.MaskedTail(text); tail != "" {
		return strings.HasSuffix(phoneNumber, tail)
	}
	return true
}

func (s *Service) bindingPattern(ctx context.Context, groupChatID string, serviceID int64) string {
	bindings, err := s.stor.ListActiveGroupBindings(ctx, nil, groupChatID)
	if err != nil {
		return ""
	}
	for _, b := range bindings {
		if b.ServiceID == serviceID {
			return b.RegexPattern
		}
	}
	return ""
}

func (s *Service) observe(out Outcome) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncCorrelatorOutcome(string(out))
}
