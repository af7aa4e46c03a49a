// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/coleymr/doit-easily-marketplace/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.CustomerStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Options configures the database connection pool.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL, configures the pool, and verifies the
// connection.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}

	db, err := sqlx.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// UpsertCustomer inserts or refreshes a customer record and returns the
// stored row.
func (s *Store) UpsertCustomer(ctx context.Context, customer storage.Customer) (storage.Customer, error) {
	now := time.Now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO customers (account_id, email, company, product, plan, approved_at, created_at, updated_at)
		VALUES (:account_id, :email, :company, :product, :plan, :approved_at, :created_at, :updated_at)
		ON CONFLICT (account_id) DO UPDATE SET
			email = EXCLUDED.email,
			company = EXCLUDED.company,
			product = EXCLUDED.product,
			plan = EXCLUDED.plan,
			approved_at = EXCLUDED.approved_at,
			updated_at = EXCLUDED.updated_at
	`, customer)
	if err != nil {
		return storage.Customer{}, fmt.Errorf("postgres: upsert customer: %w", err)
	}
	return s.GetCustomer(ctx, customer.AccountID)
}

// GetCustomer returns a customer by procurement account id.
func (s *Store) GetCustomer(ctx context.Context, accountID string) (storage.Customer, error) {
	var customer storage.Customer
	err := s.db.GetContext(ctx, &customer, `
		SELECT account_id, email, company, product, plan, approved_at, created_at, updated_at
		FROM customers
		WHERE account_id = $1
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Customer{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Customer{}, fmt.Errorf("postgres: get customer: %w", err)
	}
	return customer, nil
}

// ListCustomers returns all customers ordered by creation time.
func (s *Store) ListCustomers(ctx context.Context) ([]storage.Customer, error) {
	var customers []storage.Customer
	err := s.db.SelectContext(ctx, &customers, `
		SELECT account_id, email, company, product, plan, approved_at, created_at, updated_at
		FROM customers
		ORDER BY created_at, account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list customers: %w", err)
	}
	return customers, nil
}

// RecordEvent appends a processed-event record.
func (s *Store) RecordEvent(ctx context.Context, record storage.EventRecord) (storage.EventRecord, error) {
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO marketplace_events (event_id, event_type, entitlement_id, account_id, disposition, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, record.EventID, record.EventType, record.EntitlementID, record.AccountID, record.Disposition, record.ReceivedAt).Scan(&record.ID)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("postgres: record event: %w", err)
	}
	return record, nil
}

// ListRecentEvents returns up to limit records, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []storage.EventRecord
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, event_id, event_type, entitlement_id, account_id, disposition, received_at
		FROM marketplace_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return events, nil
}
