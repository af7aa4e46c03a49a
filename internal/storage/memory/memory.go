// Package memory provides an in-memory implementation of the storage
// interfaces for tests and deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coleymr/doit-easily-marketplace/internal/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	customers map[string]storage.Customer
	events    []storage.EventRecord
}

var _ storage.CustomerStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		customers: make(map[string]storage.Customer),
	}
}

// UpsertCustomer inserts or refreshes a customer record.
func (s *Store) UpsertCustomer(_ context.Context, customer storage.Customer) (storage.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.customers[customer.AccountID]; ok {
		customer.CreatedAt = existing.CreatedAt
	} else {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now
	s.customers[customer.AccountID] = customer
	return customer, nil
}

// GetCustomer returns a customer by procurement account id.
func (s *Store) GetCustomer(_ context.Context, accountID string) (storage.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[accountID]
	if !ok {
		return storage.Customer{}, storage.ErrNotFound
	}
	return customer, nil
}

// ListCustomers returns all customers ordered by creation time.
func (s *Store) ListCustomers(_ context.Context) ([]storage.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RecordEvent appends a processed-event record.
func (s *Store) RecordEvent(_ context.Context, record storage.EventRecord) (storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.ID = s.nextID
	s.nextID++
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}
	s.events = append(s.events, record)
	return record, nil
}

// ListRecentEvents returns up to limit records, newest first.
func (s *Store) ListRecentEvents(_ context.Context, limit int) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]storage.EventRecord, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
