package store

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return &Store{pool: mock}, mock
}

func TestEnsureUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("tg:42", "ar").
		WillReturnRows(pgxmock.NewRows([]string{"id", "external_id", "balance", "is_banned", "language_tag", "joined_at"}).
			AddRow(int64(7), "tg:42", decimal.RequireFromString("12.50"), false, "ar", time.Now()))

	u, err := store.EnsureUser(context.Background(), nil, "tg:42", "ar")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if u.ID != 7 || u.ExternalID != "tg:42" || !u.Balance.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, external_id").WithArgs(int64(99)).WillReturnError(pgx.ErrNoRows)

	if _, err := store.GetUser(context.Background(), nil, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdjustUserBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE users SET balance").
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(decimal.RequireFromString("5.00")))

	balance, err := store.AdjustUserBalance(context.Background(), nil, 7, decimal.RequireFromString("-7.50"))
	if err != nil {
		t.Fatalf("adjust balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("expected balance 5.00, got %s", balance)
	}
}

func numberRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "phone_number", "service_id", "country_code", "status", "price_override",
		"reserved_by_user_id", "reserved_at", "expires_at", "code_received_at", "usage_count", "created_at"})
}

func TestSelectAvailableNumberForUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, phone_number").
		WithArgs(int64(3), "+20", int64(7), int64(0)).
		WillReturnRows(numberRows().
			AddRow(int64(11), "+201112223344", int64(3), "+20", "AVAILABLE", nil, nil, nil, nil, nil, 0, time.Now()))

	n, err := store.SelectAvailableNumberForUpdate(context.Background(), nil, 3, "+20", 7, 0)
	if err != nil {
		t.Fatalf("select available: %v", err)
	}
	if n.ID != 11 || n.Status != NumberAvailable || n.ReservedByUserID != nil {
		t.Fatalf("unexpected number: %+v", n)
	}
}

func TestSelectAvailableNumberExhausted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, phone_number").
		WithArgs(int64(3), "+20", int64(7), int64(11)).
		WillReturnError(pgx.ErrNoRows)

	if _, err := store.SelectAvailableNumberForUpdate(context.Background(), nil, 3, "+20", 7, 11); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkNumberReservedGuardsState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE numbers").
		WithArgs(int64(11), int64(7), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkNumberReserved(context.Background(), nil, 11, 7, time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("mark reserved: %v", err)
	}

	// A second taker sees zero rows and must fail rather than double-book.
	mock.ExpectExec("UPDATE numbers").
		WithArgs(int64(11), int64(8), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.MarkNumberReserved(context.Background(), nil, 11, 8, time.Now().Add(10*time.Minute)); err == nil {
		t.Fatal("expected error for already reserved number")
	}
}

func TestReleaseAndUseNumber(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE numbers").
		WithArgs(int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.ReleaseNumber(context.Background(), nil, 11); err != nil {
		t.Fatalf("release: %v", err)
	}

	mock.ExpectExec("UPDATE numbers").
		WithArgs(int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkNumberUsed(context.Background(), nil, 12); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	mock.ExpectExec("UPDATE numbers").
		WithArgs(int64(13)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.ReleaseNumber(context.Background(), nil, 13); err == nil {
		t.Fatal("expected error releasing a number that is not reserved")
	}
}

func reservationRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "user_id", "service_id", "number_id", "status", "created_at", "expired_at",
		"completed_at", "code_value"})
}

func TestInsertReservation(t *testing.T) {
	store, mock := newMockStore(t)

	expiry := time.Now().Add(10 * time.Minute)
	mock.ExpectQuery("INSERT INTO reservations").
		WithArgs(int64(7), int64(3), int64(11), expiry).
		WillReturnRows(reservationRows().
			AddRow(int64(21), int64(7), int64(3), int64(11), "WAITING_CODE", time.Now(), expiry, nil, ""))

	r, err := store.InsertReservation(context.Background(), nil, Reservation{UserID: 7, ServiceID: 3, NumberID: 11, ExpiredAt: expiry})
	if err != nil {
		t.Fatalf("insert reservation: %v", err)
	}
	if r.ID != 21 || r.Status != ReservationWaitingCode || r.CompletedAt != nil {
		t.Fatalf("unexpected reservation: %+v", r)
	}
}

func TestReservationTransitionsGuardWaiting(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE reservations").
		WithArgs(int64(21), "9981").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.CompleteReservation(context.Background(), nil, 21, "9981"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	mock.ExpectExec("UPDATE reservations").
		WithArgs(int64(21), ReservationExpired).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.ExpireReservation(context.Background(), nil, 21); err == nil {
		t.Fatal("expected error expiring a reservation that already completed")
	}
}

func TestFindWaitingReservationByTail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM reservations r").
		WithArgs([]int64{3, 4}, "407").
		WillReturnRows(pgxmock.NewRows([]string{
			"r_id", "user_id", "service_id", "number_id", "r_status", "r_created_at", "expired_at", "completed_at", "code_value",
			"n_id", "phone_number", "n_service_id", "country_code", "n_status", "price_override",
			"reserved_by_user_id", "reserved_at", "expires_at", "code_received_at", "usage_count", "n_created_at",
		}).AddRow(
			int64(21), int64(7), int64(3), int64(11), "WAITING_CODE", time.Now(), time.Now().Add(time.Minute), nil, "",
			int64(11), "+201112220407", int64(3), "+20", "RESERVED", nil, nil, nil, nil, nil, 0, time.Now(),
		))

	r, n, err := store.FindWaitingReservationByTail(context.Background(), nil, "407", []int64{3, 4})
	if err != nil {
		t.Fatalf("find by tail: %v", err)
	}
	if r.ID != 21 || n.ID != 11 || n.PhoneNumber != "+201112220407" {
		t.Fatalf("unexpected match: r=%+v n=%+v", r, n)
	}

	// Empty tails never touch the database.
	if _, _, err := store.FindWaitingReservationByTail(context.Background(), nil, "", []int64{3}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty tail, got %v", err)
	}
}

func TestInsertProviderMessageDeduplicates(t *testing.T) {
	store, mock := newMockStore(t)

	received := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := ProviderMessage{
		GroupChatID: "-100200",
		SenderID:    "555",
		Text:        "Your code is 9981",
		ReceivedAt:  received,
		MessageHash: HashMessage("-100200", "555", "Your code is 9981", received),
	}

	mock.ExpectQuery("INSERT INTO provider_messages").
		WithArgs(msg.ServiceID, msg.GroupChatID, msg.SenderID, msg.Text, msg.ReceivedAt, msg.RawPayload, "", msg.MessageHash).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(31)))
	id, inserted, err := store.InsertProviderMessage(context.Background(), nil, msg)
	if err != nil || !inserted || id != 31 {
		t.Fatalf("expected fresh insert, got id=%d inserted=%v err=%v", id, inserted, err)
	}

	// Redelivery conflicts on the hash; ON CONFLICT DO NOTHING returns no row.
	mock.ExpectQuery("INSERT INTO provider_messages").
		WithArgs(msg.ServiceID, msg.GroupChatID, msg.SenderID, msg.Text, msg.ReceivedAt, msg.RawPayload, "", msg.MessageHash).
		WillReturnError(pgx.ErrNoRows)
	id, inserted, err = store.InsertProviderMessage(context.Background(), nil, msg)
	if err != nil || inserted || id != 0 {
		t.Fatalf("expected duplicate no-op, got id=%d inserted=%v err=%v", id, inserted, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHashMessageDistinguishesFields(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := HashMessage("-100200", "555", "code 1", at)

	if HashMessage("-100200", "555", "code 1", at) != base {
		t.Fatal("hash must be stable for identical input")
	}
	variants := []string{
		HashMessage("-100201", "555", "code 1", at),
		HashMessage("-100200", "556", "code 1", at),
		HashMessage("-100200", "555", "code 2", at),
		HashMessage("-100200", "555", "code 1", at.Add(time.Second)),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base hash", i)
		}
	}
}

func TestMessageStatusTransitions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE provider_messages").
		WithArgs(int64(31)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkProviderMessageProcessed(context.Background(), nil, 31); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	// Marking an already processed message again affects zero rows and stays
	// silent.
	mock.ExpectExec("UPDATE provider_messages").
		WithArgs(int64(31)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.MarkProviderMessageRejected(context.Background(), nil, 31); err != nil {
		t.Fatalf("mark rejected should be a no-op, got %v", err)
	}
}

func TestListExpiredWaiting(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("FROM reservations").
		WithArgs(now, 100).
		WillReturnRows(reservationRows().
			AddRow(int64(21), int64(7), int64(3), int64(11), "WAITING_CODE", now.Add(-15*time.Minute), now.Add(-5*time.Minute), nil, "").
			AddRow(int64(22), int64(8), int64(3), int64(12), "WAITING_CODE", now.Add(-12*time.Minute), now.Add(-2*time.Minute), nil, ""))

	out, err := store.ListExpiredWaiting(context.Background(), nil, now, 100)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(out) != 2 || out[0].ID != 21 || out[1].ID != 22 {
		t.Fatalf("unexpected page: %+v", out)
	}
}

func TestRetentionDeletesReturnCounts(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM provider_messages").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 14))
	n, err := store.DeleteMessagesOlderThan(context.Background(), nil, cutoff)
	if err != nil || n != 14 {
		t.Fatalf("expected 14 deleted, got %d err=%v", n, err)
	}

	mock.ExpectExec("DELETE FROM blocked_messages").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err = store.DeleteBlockedOlderThan(context.Background(), nil, cutoff)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 deleted, got %d err=%v", n, err)
	}
}

func TestListActiveGroupBindings(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM service_groups").
		WithArgs("-100200").
		WillReturnRows(pgxmock.NewRows([]string{"id", "service_id", "group_chat_id", "regex_pattern", "active"}).
			AddRow(int64(1), int64(3), "-100200", "", true).
			AddRow(int64(2), int64(4), "-100200", `code[:\s]+(\d{4,6})`, true))

	out, err := store.ListActiveGroupBindings(context.Background(), nil, "-100200")
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(out) != 2 || out[0].ServiceID != 3 || out[1].RegexPattern == "" {
		t.Fatalf("unexpected bindings: %+v", out)
	}
}

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec("UPDATE numbers").
		WithArgs(int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(q Querier) error {
		return store.ReleaseNumber(context.Background(), q, 11)
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	boom := errors.New("boom")
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(q Querier) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to surface, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization failure should be transient")
	}
	if !IsTransient(&pgconn.PgError{Code: "40P01"}) {
		t.Fatal("deadlock should be transient")
	}
	if IsTransient(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("unique violation is not transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatal("plain errors are not transient")
	}
}
