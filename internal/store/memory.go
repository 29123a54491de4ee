package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Memory is an in-memory implementation of the store's method set. It backs
// development mode when no DATABASE_URL is configured, and the test suites
// that exercise engine, billing, correlator and scheduler semantics without
// Postgres. WithinTx snapshots the whole state and restores it when the
// callback fails, so multi-step flows keep their atomicity.
type Memory struct {
	mu sync.Mutex

	nextID       int64
	users        map[int64]User
	services     map[int64]Service
	countries    map[int64]Country
	offerings    map[int64]map[string]bool // serviceID -> countryCode -> active
	numbers      map[int64]Number
	reservations map[int64]Reservation
	transactions map[int64]Transaction
	messages     map[int64]ProviderMessage
	blocked      map[int64]BlockedMessage
	groups       map[int64]ServiceGroup

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[int64]User),
		services:     make(map[int64]Service),
		countries:    make(map[int64]Country),
		offerings:    make(map[int64]map[string]bool),
		numbers:      make(map[int64]Number),
		reservations: make(map[int64]Reservation),
		transactions: make(map[int64]Transaction),
		messages:     make(map[int64]ProviderMessage),
		blocked:      make(map[int64]BlockedMessage),
		groups:       make(map[int64]ServiceGroup),
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

// memTx marks calls made from inside WithinTx so methods do not re-lock.
// The raw SQL surface is unavailable in memory mode.
type memTx struct{ m *Memory }

func (memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("store: raw sql unsupported in memory mode")
}

func (memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("store: raw sql unsupported in memory mode")
}

func (memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return memRow{}
}

type memRow struct{}

func (memRow) Scan(dest ...any) error {
	return fmt.Errorf("store: raw sql unsupported in memory mode")
}

func (m *Memory) lock(q Querier) func() {
	if _, ok := q.(memTx); ok {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

type memSnapshot struct {
	nextID       int64
	users        map[int64]User
	services     map[int64]Service
	countries    map[int64]Country
	offerings    map[int64]map[string]bool
	numbers      map[int64]Number
	reservations map[int64]Reservation
	transactions map[int64]Transaction
	messages     map[int64]ProviderMessage
	blocked      map[int64]BlockedMessage
	groups       map[int64]ServiceGroup
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (m *Memory) snapshot() memSnapshot {
	offerings := make(map[int64]map[string]bool, len(m.offerings))
	for id, set := range m.offerings {
		offerings[id] = cloneMap(set)
	}
	return memSnapshot{
		nextID:       m.nextID,
		users:        cloneMap(m.users),
		services:     cloneMap(m.services),
		countries:    cloneMap(m.countries),
		offerings:    offerings,
		numbers:      cloneMap(m.numbers),
		reservations: cloneMap(m.reservations),
		transactions: cloneMap(m.transactions),
		messages:     cloneMap(m.messages),
		blocked:      cloneMap(m.blocked),
		groups:       cloneMap(m.groups),
	}
}

func (m *Memory) restore(s memSnapshot) {
	m.nextID = s.nextID
	m.users = s.users
	m.services = s.services
	m.countries = s.countries
	m.offerings = s.offerings
	m.numbers = s.numbers
	m.reservations = s.reservations
	m.transactions = s.transactions
	m.messages = s.messages
	m.blocked = s.blocked
	m.groups = s.groups
}

// WithinTx runs fn under the store lock; a failing fn leaves no trace.
func (m *Memory) WithinTx(ctx context.Context, fn func(q Querier) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// --- users ---

func (m *Memory) EnsureUser(ctx context.Context, q Querier, externalID, languageTag string) (*User, error) {
	defer m.lock(q)()
	for _, u := range m.users {
		if u.ExternalID == externalID {
			out := u
			return &out, nil
		}
	}
	u := User{ID: m.id(), ExternalID: externalID, LanguageTag: languageTag, JoinedAt: m.now()}
	m.users[u.ID] = u
	out := u
	return &out, nil
}

func (m *Memory) GetUser(ctx context.Context, q Querier, id int64) (*User, error) {
	defer m.lock(q)()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

func (m *Memory) GetUserByExternalID(ctx context.Context, q Querier, externalID string) (*User, error) {
	defer m.lock(q)()
	for _, u := range m.users {
		if u.ExternalID == externalID {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetUserForUpdate(ctx context.Context, q Querier, id int64) (*User, error) {
	return m.GetUser(ctx, q, id)
}

func (m *Memory) AdjustUserBalance(ctx context.Context, q Querier, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	defer m.lock(q)()
	u, ok := m.users[id]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	u.Balance = u.Balance.Add(delta)
	m.users[id] = u
	return u.Balance, nil
}

// SetUserBanned flips the ban flag. Admin/test helper.
func (m *Memory) SetUserBanned(id int64, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.IsBanned = banned
		m.users[id] = u
	}
}

// --- services and countries ---

func (m *Memory) GetService(ctx context.Context, q Querier, id int64) (*Service, error) {
	defer m.lock(q)()
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := svc
	return &out, nil
}

func (m *Memory) InsertService(ctx context.Context, q Querier, svc Service) (int64, error) {
	defer m.lock(q)()
	svc.ID = m.id()
	m.services[svc.ID] = svc
	return svc.ID, nil
}

func (m *Memory) InsertCountry(ctx context.Context, q Querier, c Country) (int64, error) {
	defer m.lock(q)()
	for id, existing := range m.countries {
		if existing.Code == c.Code {
			existing.Name, existing.Flag = c.Name, c.Flag
			m.countries[id] = existing
			return id, nil
		}
	}
	c.ID = m.id()
	m.countries[c.ID] = c
	return c.ID, nil
}

func (m *Memory) BindServiceCountry(ctx context.Context, q Querier, serviceID int64, countryCode string) error {
	defer m.lock(q)()
	set, ok := m.offerings[serviceID]
	if !ok {
		set = make(map[string]bool)
		m.offerings[serviceID] = set
	}
	set[countryCode] = true
	return nil
}

func (m *Memory) ListActiveServices(ctx context.Context, q Querier, countryCode string, limit, offset int) ([]Service, error) {
	defer m.lock(q)()
	var out []Service
	for _, svc := range m.services {
		if !svc.Active {
			continue
		}
		if countryCode != "" && !m.offerings[svc.ID][countryCode] {
			continue
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (m *Memory) ListServiceCountries(ctx context.Context, q Querier, serviceID int64) ([]Country, error) {
	defer m.lock(q)()
	var out []Country
	for _, c := range m.countries {
		if m.offerings[serviceID][c.Code] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// --- numbers ---

func (m *Memory) InsertNumber(ctx context.Context, q Querier, n Number) (int64, error) {
	defer m.lock(q)()
	if n.Status == "" {
		n.Status = NumberAvailable
	}
	for _, existing := range m.numbers {
		if existing.ServiceID == n.ServiceID && existing.PhoneNumber == n.PhoneNumber {
			return 0, fmt.Errorf("store: insert number: duplicate phone for service")
		}
	}
	n.ID = m.id()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	m.numbers[n.ID] = n
	return n.ID, nil
}

func (m *Memory) GetNumber(ctx context.Context, q Querier, id int64) (*Number, error) {
	defer m.lock(q)()
	n, ok := m.numbers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := n
	return &out, nil
}

func (m *Memory) GetNumberForUpdate(ctx context.Context, q Querier, id int64) (*Number, error) {
	return m.GetNumber(ctx, q, id)
}

func (m *Memory) completedUsers(numberID int64) map[int64]bool {
	users := make(map[int64]bool)
	for _, r := range m.reservations {
		if r.NumberID == numberID && r.Status == ReservationCompleted {
			users[r.UserID] = true
		}
	}
	return users
}

func (m *Memory) SelectAvailableNumberForUpdate(ctx context.Context, q Querier, serviceID int64, countryCode string, userID, excludeID int64) (*Number, error) {
	defer m.lock(q)()
	var candidates []Number
	for _, n := range m.numbers {
		if n.ServiceID != serviceID || n.CountryCode != countryCode || n.Status != NumberAvailable {
			continue
		}
		if excludeID != 0 && n.ID == excludeID {
			continue
		}
		if m.completedUsers(n.ID)[userID] {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	out := candidates[0]
	return &out, nil
}

func (m *Memory) MarkNumberReserved(ctx context.Context, q Querier, id, userID int64, expiresAt time.Time) error {
	defer m.lock(q)()
	n, ok := m.numbers[id]
	if !ok || n.Status != NumberAvailable {
		return fmt.Errorf("store: mark number reserved: number %d not available", id)
	}
	now := m.now()
	n.Status = NumberReserved
	n.ReservedByUserID = &userID
	n.ReservedAt = &now
	n.ExpiresAt = &expiresAt
	m.numbers[id] = n
	return nil
}

func (m *Memory) ReleaseNumber(ctx context.Context, q Querier, id int64) error {
	defer m.lock(q)()
	n, ok := m.numbers[id]
	if !ok || n.Status != NumberReserved {
		return fmt.Errorf("store: release number: number %d not reserved", id)
	}
	n.Status = NumberAvailable
	n.ReservedByUserID, n.ReservedAt, n.ExpiresAt = nil, nil, nil
	m.numbers[id] = n
	return nil
}

func (m *Memory) RetireNumber(ctx context.Context, q Querier, id int64) error {
	defer m.lock(q)()
	n, ok := m.numbers[id]
	if !ok || n.Status == NumberDeleted {
		return nil
	}
	n.Status = NumberDeleted
	n.ReservedByUserID, n.ReservedAt, n.ExpiresAt = nil, nil, nil
	m.numbers[id] = n
	return nil
}

func (m *Memory) MarkNumberUsed(ctx context.Context, q Querier, id int64) error {
	defer m.lock(q)()
	n, ok := m.numbers[id]
	if !ok || n.Status != NumberReserved {
		return fmt.Errorf("store: mark number used: number %d not reserved", id)
	}
	now := m.now()
	n.Status = NumberUsed
	n.CodeReceivedAt = &now
	n.UsageCount++
	m.numbers[id] = n
	return nil
}

func (m *Memory) FindNumberByPhone(ctx context.Context, q Querier, phoneNumber string, serviceIDs []int64) (*Number, error) {
	defer m.lock(q)()
	allowed := toSet(serviceIDs)
	var best *Number
	for _, n := range m.numbers {
		if n.PhoneNumber != phoneNumber || !allowed[n.ServiceID] {
			continue
		}
		if best == nil || n.ServiceID < best.ServiceID {
			out := n
			best = &out
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) CountAvailableNumbers(ctx context.Context, q Querier, serviceID int64, countryCode string, excludeID int64) (int, error) {
	defer m.lock(q)()
	count := 0
	for _, n := range m.numbers {
		if n.ServiceID == serviceID && n.CountryCode == countryCode && n.Status == NumberAvailable {
			if excludeID != 0 && n.ID == excludeID {
				continue
			}
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountDistinctCompletedUsers(ctx context.Context, q Querier, numberID int64) (int, error) {
	defer m.lock(q)()
	return len(m.completedUsers(numberID)), nil
}

func (m *Memory) RecycleUsedNumbers(ctx context.Context, q Querier, threshold int) (int64, error) {
	defer m.lock(q)()
	var recycled int64
	for id, n := range m.numbers {
		if n.Status != NumberUsed || len(m.completedUsers(id)) >= threshold {
			continue
		}
		n.Status = NumberAvailable
		n.ReservedByUserID, n.ReservedAt, n.ExpiresAt = nil, nil, nil
		m.numbers[id] = n
		recycled++
	}
	return recycled, nil
}

func (m *Memory) RetireNumbersPastThreshold(ctx context.Context, q Querier, threshold int) (int64, error) {
	defer m.lock(q)()
	var retired int64
	for id, n := range m.numbers {
		if n.Status == NumberDeleted || n.Status == NumberReserved {
			continue
		}
		if len(m.completedUsers(id)) < threshold {
			continue
		}
		n.Status = NumberDeleted
		n.ReservedByUserID, n.ReservedAt, n.ExpiresAt = nil, nil, nil
		m.numbers[id] = n
		retired++
	}
	return retired, nil
}

// --- reservations ---

func (m *Memory) InsertReservation(ctx context.Context, q Querier, r Reservation) (*Reservation, error) {
	defer m.lock(q)()
	for _, existing := range m.reservations {
		if existing.NumberID == r.NumberID && existing.Status == ReservationWaitingCode {
			return nil, fmt.Errorf("store: insert reservation: number %d already has a live reservation", r.NumberID)
		}
	}
	r.ID = m.id()
	r.Status = ReservationWaitingCode
	r.CreatedAt = m.now()
	m.reservations[r.ID] = r
	out := r
	return &out, nil
}

func (m *Memory) GetReservation(ctx context.Context, q Querier, id int64) (*Reservation, error) {
	defer m.lock(q)()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r
	return &out, nil
}

func (m *Memory) GetReservationForUpdate(ctx context.Context, q Querier, id int64) (*Reservation, error) {
	return m.GetReservation(ctx, q, id)
}

func (m *Memory) GetWaitingReservationByNumber(ctx context.Context, q Querier, numberID int64) (*Reservation, error) {
	defer m.lock(q)()
	for _, r := range m.reservations {
		if r.NumberID == numberID && r.Status == ReservationWaitingCode {
			out := r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindWaitingReservationByTail(ctx context.Context, q Querier, tail string, serviceIDs []int64) (*Reservation, *Number, error) {
	if tail == "" {
		return nil, nil, ErrNotFound
	}
	defer m.lock(q)()
	allowed := toSet(serviceIDs)
	var bestR *Reservation
	var bestN *Number
	for _, r := range m.reservations {
		if r.Status != ReservationWaitingCode {
			continue
		}
		n, ok := m.numbers[r.NumberID]
		if !ok || !allowed[n.ServiceID] || !strings.HasSuffix(n.PhoneNumber, tail) {
			continue
		}
		if bestN == nil ||
			n.ServiceID < bestN.ServiceID ||
			(n.ServiceID == bestN.ServiceID && r.CreatedAt.Before(bestR.CreatedAt)) {
			rc, nc := r, n
			bestR, bestN = &rc, &nc
		}
	}
	if bestR == nil {
		return nil, nil, ErrNotFound
	}
	return bestR, bestN, nil
}

func (m *Memory) CompleteReservation(ctx context.Context, q Querier, id int64, code string) error {
	defer m.lock(q)()
	r, ok := m.reservations[id]
	if !ok || r.Status != ReservationWaitingCode {
		return fmt.Errorf("store: complete reservation: reservation %d not waiting", id)
	}
	for _, other := range m.reservations {
		if other.ID != id && other.UserID == r.UserID && other.NumberID == r.NumberID && other.Status == ReservationCompleted {
			return fmt.Errorf("store: complete reservation: user %d already completed number %d", r.UserID, r.NumberID)
		}
	}
	now := m.now()
	r.Status = ReservationCompleted
	r.CodeValue = code
	r.CompletedAt = &now
	m.reservations[id] = r
	return nil
}

func (m *Memory) ExpireReservation(ctx context.Context, q Querier, id int64) error {
	return m.transition(q, id, ReservationExpired)
}

func (m *Memory) CancelReservation(ctx context.Context, q Querier, id int64) error {
	return m.transition(q, id, ReservationCanceled)
}

func (m *Memory) transition(q Querier, id int64, status string) error {
	defer m.lock(q)()
	r, ok := m.reservations[id]
	if !ok || r.Status != ReservationWaitingCode {
		return fmt.Errorf("store: transition reservation: reservation %d not waiting", id)
	}
	r.Status = status
	m.reservations[id] = r
	return nil
}

func (m *Memory) RepointReservation(ctx context.Context, q Querier, id, numberID int64) error {
	defer m.lock(q)()
	r, ok := m.reservations[id]
	if !ok || r.Status != ReservationWaitingCode {
		return fmt.Errorf("store: repoint reservation: reservation %d not waiting", id)
	}
	r.NumberID = numberID
	m.reservations[id] = r
	return nil
}

func (m *Memory) ListExpiredWaiting(ctx context.Context, q Querier, now time.Time, limit int) ([]Reservation, error) {
	defer m.lock(q)()
	var out []Reservation
	for _, r := range m.reservations {
		if r.Status == ReservationWaitingCode && r.ExpiredAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiredAt.Before(out[j].ExpiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListUserReservations(ctx context.Context, q Querier, userID int64, limit, offset int) ([]Reservation, error) {
	defer m.lock(q)()
	var out []Reservation
	for _, r := range m.reservations {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

// --- transactions ---

func (m *Memory) InsertTransaction(ctx context.Context, q Querier, t Transaction) (int64, error) {
	defer m.lock(q)()
	t.ID = m.id()
	t.CreatedAt = m.now()
	m.transactions[t.ID] = t
	return t.ID, nil
}

func (m *Memory) ListUserTransactions(ctx context.Context, q Querier, userID int64, limit, offset int) ([]Transaction, error) {
	defer m.lock(q)()
	var out []Transaction
	for _, t := range m.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

// --- provider messages ---

func (m *Memory) InsertProviderMessage(ctx context.Context, q Querier, msg ProviderMessage) (int64, bool, error) {
	defer m.lock(q)()
	for _, existing := range m.messages {
		if existing.MessageHash == msg.MessageHash {
			return 0, false, nil
		}
	}
	msg.ID = m.id()
	if msg.Status == "" {
		msg.Status = MessagePending
	}
	m.messages[msg.ID] = msg
	return msg.ID, true, nil
}

func (m *Memory) GetProviderMessage(ctx context.Context, q Querier, id int64) (*ProviderMessage, error) {
	defer m.lock(q)()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := msg
	return &out, nil
}

func (m *Memory) markMessage(q Querier, id int64, to string, from ...string) error {
	defer m.lock(q)()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	for _, s := range from {
		if msg.Status == s {
			msg.Status = to
			if to == MessageProcessed {
				now := m.now()
				msg.ProcessedAt = &now
			}
			m.messages[id] = msg
			return nil
		}
	}
	return nil
}

func (m *Memory) MarkProviderMessageProcessed(ctx context.Context, q Querier, id int64) error {
	return m.markMessage(q, id, MessageProcessed, MessagePending, MessageOrphan)
}

func (m *Memory) MarkProviderMessageRejected(ctx context.Context, q Querier, id int64) error {
	return m.markMessage(q, id, MessageRejected, MessagePending)
}

func (m *Memory) MarkProviderMessageOrphan(ctx context.Context, q Querier, id int64) error {
	return m.markMessage(q, id, MessageOrphan, MessagePending)
}

func sortMessages(out []ProviderMessage) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
}

func (m *Memory) ListPendingByGroup(ctx context.Context, q Querier, groupChatID string, limit int) ([]ProviderMessage, error) {
	defer m.lock(q)()
	var out []ProviderMessage
	for _, msg := range m.messages {
		if msg.GroupChatID == groupChatID && msg.Status == MessagePending {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListReprocessableOrphans(ctx context.Context, q Querier, since time.Time, limit int) ([]ProviderMessage, error) {
	defer m.lock(q)()
	var out []ProviderMessage
	for _, msg := range m.messages {
		if msg.Status == MessageOrphan && !msg.ReceivedAt.Before(since) {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListSearchableMessages(ctx context.Context, q Querier, groupChatIDs []string, since time.Time, limit int) ([]ProviderMessage, error) {
	if len(groupChatIDs) == 0 {
		return nil, nil
	}
	defer m.lock(q)()
	groups := make(map[string]bool, len(groupChatIDs))
	for _, g := range groupChatIDs {
		groups[g] = true
	}
	var out []ProviderMessage
	for _, msg := range m.messages {
		if !groups[msg.GroupChatID] || msg.ReceivedAt.Before(since) {
			continue
		}
		if msg.Status != MessagePending && msg.Status != MessageOrphan {
			continue
		}
		out = append(out, msg)
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListMessagesOlderThan(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]ProviderMessage, error) {
	defer m.lock(q)()
	var out []ProviderMessage
	for _, msg := range m.messages {
		if msg.ReceivedAt.Before(cutoff) {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteMessagesOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	defer m.lock(q)()
	var deleted int64
	for id, msg := range m.messages {
		if msg.ReceivedAt.Before(cutoff) {
			delete(m.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) DeleteOrphansOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	defer m.lock(q)()
	var deleted int64
	for id, msg := range m.messages {
		if msg.Status == MessageOrphan && msg.ReceivedAt.Before(cutoff) {
			delete(m.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) InsertBlockedMessage(ctx context.Context, q Querier, b BlockedMessage) (int64, error) {
	defer m.lock(q)()
	b.ID = m.id()
	b.CreatedAt = m.now()
	m.blocked[b.ID] = b
	return b.ID, nil
}

func (m *Memory) DeleteBlockedOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	defer m.lock(q)()
	var deleted int64
	for id, b := range m.blocked {
		if b.CreatedAt.Before(cutoff) {
			delete(m.blocked, id)
			deleted++
		}
	}
	return deleted, nil
}

// --- service groups ---

func (m *Memory) ListActiveGroupBindings(ctx context.Context, q Querier, groupChatID string) ([]ServiceGroup, error) {
	defer m.lock(q)()
	var out []ServiceGroup
	for _, g := range m.groups {
		if g.GroupChatID == groupChatID && g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (m *Memory) ListGroupChatIDsByService(ctx context.Context, q Querier, serviceID int64) ([]string, error) {
	defer m.lock(q)()
	var out []string
	for _, g := range m.groups {
		if g.ServiceID == serviceID && g.Active {
			out = append(out, g.GroupChatID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) InsertServiceGroup(ctx context.Context, q Querier, g ServiceGroup) (int64, error) {
	defer m.lock(q)()
	for id, existing := range m.groups {
		if existing.ServiceID == g.ServiceID && existing.GroupChatID == g.GroupChatID {
			existing.RegexPattern = g.RegexPattern
			existing.Active = true
			m.groups[id] = existing
			return id, nil
		}
	}
	g.ID = m.id()
	g.Active = true
	m.groups[g.ID] = g
	return g.ID, nil
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
