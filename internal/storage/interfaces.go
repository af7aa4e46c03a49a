// Package storage defines persistence for marketplace customer records and
// the audit trail of processed marketplace events.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Customer is a marketplace customer whose procurement account has been
// approved. Contact fields come from the signup submission when the customer
// filled one in; the marketplace itself never shares them.
type Customer struct {
	AccountID  string     `db:"account_id" json:"accountId"`
	Email      string     `db:"email" json:"email,omitempty"`
	Company    string     `db:"company" json:"company,omitempty"`
	Product    string     `db:"product" json:"product,omitempty"`
	Plan       string     `db:"plan" json:"plan,omitempty"`
	ApprovedAt *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// EventRecord is one processed marketplace event. The console lists recent
// records and redelivery debugging leans on them.
type EventRecord struct {
	ID            int64     `db:"id" json:"id"`
	EventID       string    `db:"event_id" json:"eventId"`
	EventType     string    `db:"event_type" json:"eventType"`
	EntitlementID string    `db:"entitlement_id" json:"entitlementId,omitempty"`
	AccountID     string    `db:"account_id" json:"accountId,omitempty"`
	Disposition   string    `db:"disposition" json:"disposition"`
	ReceivedAt    time.Time `db:"received_at" json:"receivedAt"`
}

// CustomerStore persists customer records.
type CustomerStore interface {
	// UpsertCustomer inserts the customer or refreshes an existing record
	// for the same procurement account.
	UpsertCustomer(ctx context.Context, customer Customer) (Customer, error)
	GetCustomer(ctx context.Context, accountID string) (Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
}

// EventStore persists the processed-event audit trail.
type EventStore interface {
	RecordEvent(ctx context.Context, record EventRecord) (EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
}
