package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedMemory(t *testing.T) (*Memory, int64, int64) {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()

	svcID, err := m.InsertService(ctx, nil, Service{Name: "WhatsApp", DefaultPrice: dec("1.50"), Active: true})
	if err != nil {
		t.Fatalf("insert service: %v", err)
	}
	if _, err := m.InsertCountry(ctx, nil, Country{Code: "EG", Name: "Egypt", Flag: "🇪🇬"}); err != nil {
		t.Fatalf("insert country: %v", err)
	}
	if err := m.BindServiceCountry(ctx, nil, svcID, "EG"); err != nil {
		t.Fatalf("bind country: %v", err)
	}
	numID, err := m.InsertNumber(ctx, nil, Number{PhoneNumber: "+201001234567", ServiceID: svcID, CountryCode: "EG"})
	if err != nil {
		t.Fatalf("insert number: %v", err)
	}
	return m, svcID, numID
}

func TestMemoryWithinTxRollsBack(t *testing.T) {
	m, svcID, _ := seedMemory(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := m.WithinTx(ctx, func(q Querier) error {
		if _, err := m.InsertNumber(ctx, q, Number{PhoneNumber: "+201009999999", ServiceID: svcID, CountryCode: "EG"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := m.FindNumberByPhone(ctx, nil, "+201009999999", []int64{svcID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rolled-back number to be gone, got %v", err)
	}
}

func TestMemoryEnsureUserIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.EnsureUser(ctx, nil, "tg:100", "en")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := m.AdjustUserBalance(ctx, nil, first.ID, dec("5.00")); err != nil {
		t.Fatalf("adjust balance: %v", err)
	}

	again, err := m.EnsureUser(ctx, nil, "tg:100", "ar")
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("expected same user id %d, got %d", first.ID, again.ID)
	}
	if !again.Balance.Equal(dec("5.00")) {
		t.Errorf("expected balance preserved, got %s", again.Balance)
	}
}

func TestMemoryAllocationSkipsCompletedUsers(t *testing.T) {
	m, svcID, numID := seedMemory(t)
	ctx := context.Background()

	alice, _ := m.EnsureUser(ctx, nil, "tg:1", "en")
	bob, _ := m.EnsureUser(ctx, nil, "tg:2", "en")

	if err := m.MarkNumberReserved(ctx, nil, numID, alice.ID, time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r, err := m.InsertReservation(ctx, nil, Reservation{UserID: alice.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: time.Now().Add(10 * time.Minute)})
	if err != nil {
		t.Fatalf("insert reservation: %v", err)
	}
	if err := m.CompleteReservation(ctx, nil, r.ID, "123456"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.MarkNumberUsed(ctx, nil, numID); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if _, err := m.RecycleUsedNumbers(ctx, nil, 3); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	if _, err := m.SelectAvailableNumberForUpdate(ctx, nil, svcID, "EG", alice.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no number for completed user, got %v", err)
	}
	n, err := m.SelectAvailableNumberForUpdate(ctx, nil, svcID, "EG", bob.ID, 0)
	if err != nil {
		t.Fatalf("expected number for fresh user: %v", err)
	}
	if n.ID != numID {
		t.Errorf("expected recycled number %d, got %d", numID, n.ID)
	}
}

func TestMemoryOneLiveReservationPerNumber(t *testing.T) {
	m, svcID, numID := seedMemory(t)
	ctx := context.Background()

	u, _ := m.EnsureUser(ctx, nil, "tg:1", "en")
	exp := time.Now().Add(10 * time.Minute)
	if _, err := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: exp}); err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	if _, err := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: exp}); err == nil {
		t.Fatal("expected second live reservation on same number to fail")
	}
}

func TestMemoryCompleteOncePerUserAndNumber(t *testing.T) {
	m, svcID, numID := seedMemory(t)
	ctx := context.Background()

	u, _ := m.EnsureUser(ctx, nil, "tg:1", "en")
	exp := time.Now().Add(10 * time.Minute)
	r1, _ := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: exp})
	if err := m.CompleteReservation(ctx, nil, r1.ID, "111111"); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	r2, err := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: exp})
	if err != nil {
		t.Fatalf("second reservation: %v", err)
	}
	if err := m.CompleteReservation(ctx, nil, r2.ID, "222222"); err == nil {
		t.Fatal("expected second completion for same user and number to fail")
	}
}

func TestMemoryMessageDedup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	at := time.Now()
	msg := ProviderMessage{
		GroupChatID: "-100200",
		SenderID:    "provider-1",
		Text:        "Code 123456 for +20100***4567",
		ReceivedAt:  at,
		MessageHash: HashMessage("-100200", "provider-1", "Code 123456 for +20100***4567", at),
	}
	id, inserted, err := m.InsertProviderMessage(ctx, nil, msg)
	if err != nil || !inserted || id == 0 {
		t.Fatalf("first insert: id=%d inserted=%v err=%v", id, inserted, err)
	}
	_, inserted, err = m.InsertProviderMessage(ctx, nil, msg)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("expected duplicate to be dropped")
	}
}

func TestMemoryRecycleRespectsThreshold(t *testing.T) {
	m, svcID, numID := seedMemory(t)
	ctx := context.Background()

	exp := time.Now().Add(10 * time.Minute)
	for i, ext := range []string{"tg:1", "tg:2", "tg:3"} {
		u, _ := m.EnsureUser(ctx, nil, ext, "en")
		r, err := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: exp})
		if err != nil {
			t.Fatalf("reservation %d: %v", i, err)
		}
		if err := m.CompleteReservation(ctx, nil, r.ID, "123456"); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if err := m.MarkNumberReserved(ctx, nil, numID, 1, exp); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.MarkNumberUsed(ctx, nil, numID); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	recycled, err := m.RecycleUsedNumbers(ctx, nil, 3)
	if err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if recycled != 0 {
		t.Errorf("expected no recycling at threshold, got %d", recycled)
	}

	retired, err := m.RetireNumbersPastThreshold(ctx, nil, 3)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if retired != 1 {
		t.Errorf("expected 1 retired number, got %d", retired)
	}
	n, _ := m.GetNumber(ctx, nil, numID)
	if n.Status != NumberDeleted {
		t.Errorf("expected DELETED, got %s", n.Status)
	}
}

func TestMemoryTailMatchPrefersLowestService(t *testing.T) {
	m, svcID, numID := seedMemory(t)
	ctx := context.Background()

	svc2, _ := m.InsertService(ctx, nil, Service{Name: "Telegram", DefaultPrice: dec("2.00"), Active: true})
	num2, _ := m.InsertNumber(ctx, nil, Number{PhoneNumber: "+201771234567", ServiceID: svc2, CountryCode: "EG"})

	u, _ := m.EnsureUser(ctx, nil, "tg:1", "en")
	exp := time.Now().Add(10 * time.Minute)
	if _, err := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svc2, NumberID: num2, ExpiredAt: exp}); err != nil {
		t.Fatalf("reservation svc2: %v", err)
	}
	if _, err := m.InsertReservation(ctx, nil, Reservation{UserID: u.ID, ServiceID: svcID, NumberID: numID, ExpiredAt: exp}); err != nil {
		t.Fatalf("reservation svc1: %v", err)
	}

	r, n, err := m.FindWaitingReservationByTail(ctx, nil, "4567", []int64{svcID, svc2})
	if err != nil {
		t.Fatalf("tail match: %v", err)
	}
	if n.ServiceID != svcID {
		t.Errorf("expected lowest service id %d to win, got %d", svcID, n.ServiceID)
	}
	if r.NumberID != numID {
		t.Errorf("expected reservation on number %d, got %d", numID, r.NumberID)
	}
}
