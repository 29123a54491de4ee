package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Number lifecycle states.
const (
	NumberAvailable = "AVAILABLE"
	NumberReserved  = "RESERVED"
	NumberUsed      = "USED"
	NumberDeleted   = "DELETED"
)

// Reservation states. WaitingCode is the only non-terminal state.
const (
	ReservationWaitingCode = "WAITING_CODE"
	ReservationCompleted   = "COMPLETED"
	ReservationExpired     = "EXPIRED"
	ReservationCanceled    = "CANCELED"
)

// Ledger entry kinds.
const (
	TransactionAdd      = "ADD"
	TransactionDeduct   = "DEDUCT"
	TransactionPurchase = "PURCHASE"
	TransactionReward   = "REWARD"
)

// ProviderMessage states. Orphan may later move to Processed; everything
// else is terminal once it leaves Pending.
const (
	MessagePending   = "PENDING"
	MessageProcessed = "PROCESSED"
	MessageRejected  = "REJECTED"
	MessageOrphan    = "ORPHAN"
)

type User struct {
	ID          int64           `json:"id"`
	ExternalID  string          `json:"external_id"`
	Balance     decimal.Decimal `json:"balance"`
	IsBanned    bool            `json:"is_banned"`
	LanguageTag string          `json:"language_tag,omitempty"`
	JoinedAt    time.Time       `json:"joined_at"`
}

type Service struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Emoji        string          `json:"emoji"`
	Description  string          `json:"description,omitempty"`
	DefaultPrice decimal.Decimal `json:"default_price"`
	Active       bool            `json:"active"`
}

type Country struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

type Number struct {
	ID               int64            `json:"id"`
	PhoneNumber      string           `json:"phone_number"`
	ServiceID        int64            `json:"service_id"`
	CountryCode      string           `json:"country_code"`
	Status           string           `json:"status"`
	PriceOverride    *decimal.Decimal `json:"price_override,omitempty"`
	ReservedByUserID *int64           `json:"reserved_by_user_id,omitempty"`
	ReservedAt       *time.Time       `json:"reserved_at,omitempty"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	CodeReceivedAt   *time.Time       `json:"code_received_at,omitempty"`
	UsageCount       int              `json:"usage_count"`
	CreatedAt        time.Time        `json:"created_at"`
}

type Reservation struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	ServiceID   int64      `json:"service_id"`
	NumberID    int64      `json:"number_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiredAt   time.Time  `json:"expired_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CodeValue   string     `json:"code_value,omitempty"`
}

type Transaction struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

type ProviderMessage struct {
	ID                int64      `json:"id"`
	ServiceID         *int64     `json:"service_id,omitempty"`
	GroupChatID       string     `json:"group_chat_id"`
	SenderID          string     `json:"sender_id"`
	Text              string     `json:"text"`
	ReceivedAt        time.Time  `json:"received_at"`
	Status            string     `json:"status"`
	RawPayload        []byte     `json:"raw_payload,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	MessageHash       string     `json:"message_hash"`
}

type BlockedMessage struct {
	ID          int64     `json:"id"`
	ServiceID   *int64    `json:"service_id,omitempty"`
	GroupChatID string    `json:"group_chat_id"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

type ServiceGroup struct {
	ID           int64  `json:"id"`
	ServiceID    int64  `json:"service_id"`
	GroupChatID  string `json:"group_chat_id"`
	RegexPattern string `json:"regex_pattern"`
	Active       bool   `json:"active"`
}

// Remaining returns the time left before the reservation expires, floored at
// zero.
func (r *Reservation) Remaining(now time.Time) time.Duration {
	if r == nil || !now.Before(r.ExpiredAt) {
		return 0
	}
	return r.ExpiredAt.Sub(now)
}
