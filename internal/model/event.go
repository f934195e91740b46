package model

import "time"

type EventType string

const (
	EventAccountRenewed   EventType = "account.renewed"
	EventAccountSuspended EventType = "account.suspended"
	EventAccountDisabled  EventType = "account.disabled"
	EventAccountRemoved   EventType = "account.removed"
	EventAccountCredited  EventType = "account.credited"
)

func (t EventType) String() string { return string(t) }

// LifecycleEvent is published to Kafka after a transition has been committed.
type LifecycleEvent struct {
	ID        string        `json:"id"` // ULID
	Type      EventType     `json:"type"`
	AccountID string        `json:"account_id"`
	Status    AccountStatus `json:"status,omitempty"`
	Suspended int           `json:"suspended"`
	Times     int           `json:"times"`
	Expires   int64         `json:"expires,omitempty"`
	At        time.Time     `json:"at"`
}

// CreditEnvelope is the payment payload consumed from Kafka.
type CreditEnvelope struct {
	ID        string `json:"id"` // payment id, used for idempotency
	AccountID string `json:"account_id"`
	Times     int    `json:"times"`
}

// CreditEntry is a row of the credit_ledger table.
type CreditEntry struct {
	ID             int64     `db:"id"              json:"id"`
	AccountID      string    `db:"account_id"      json:"account_id"`
	Times          int       `db:"times"           json:"times"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
}
