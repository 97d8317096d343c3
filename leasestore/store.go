// Package leasestore persists the tenant's lease record and the payment
// simulator state as JSON values over a storage.Database.
package leasestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/lease"
	"trustlord/storage"
)

const (
	// LeaseKey holds the single lease record.
	LeaseKey = "trustlord_tenant_lease"
	// SimulatorStateKey holds the payment simulator state.
	SimulatorStateKey = "trustlord_bitnob_sim_state"
)

// Store is a JSON document store keyed by fixed strings. Every failure is
// reported as STORAGE_IO_ERROR.
type Store struct {
	db storage.Database
}

// New wraps db.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

// Open opens the backend at path and wraps it.
func Open(backend storage.Backend, path string) (*Store, error) {
	db, err := storage.Open(backend, path)
	if err != nil {
		return nil, faults.Wrap(faults.StorageIOError, "leasestore.open", err)
	}
	return New(db), nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get decodes the value at key into out. It reports false when the key is
// absent.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	const op = "leasestore.get"
	if err := s.check(ctx, op, key); err != nil {
		return false, err
	}
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, faults.Wrap(faults.StorageIOError, op, fmt.Errorf("read %s: %w", key, err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, faults.Wrap(faults.StorageIOError, op, fmt.Errorf("decode %s: %w", key, err))
	}
	return true, nil
}

// Set encodes value as JSON and writes it at key. The write is only reported
// successful once the stored bytes read back identical.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	const op = "leasestore.set"
	if err := s.check(ctx, op, key); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return faults.Wrap(faults.StorageIOError, op, fmt.Errorf("encode %s: %w", key, err))
	}
	if err := s.db.Put([]byte(key), encoded); err != nil {
		return faults.Wrap(faults.StorageIOError, op, fmt.Errorf("write %s: %w", key, err))
	}
	stored, err := s.db.Get([]byte(key))
	if err != nil {
		return faults.Wrap(faults.StorageIOError, op, fmt.Errorf("confirm %s: %w", key, err))
	}
	if !bytes.Equal(stored, encoded) {
		return faults.New(faults.StorageIOError, op, "confirm %s: stored value differs from write", key)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	const op = "leasestore.remove"
	if err := s.check(ctx, op, key); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(key)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return faults.Wrap(faults.StorageIOError, op, fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

func (s *Store) check(ctx context.Context, op, key string) error {
	if s == nil || s.db == nil {
		return faults.New(faults.StorageIOError, op, "store not initialised")
	}
	if strings.TrimSpace(key) == "" {
		return faults.New(faults.StorageIOError, op, "key required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return faults.Wrap(faults.StorageIOError, op, err)
		}
	}
	return nil
}

// SaveLease replaces the lease record in a single write.
func (s *Store) SaveLease(ctx context.Context, record lease.Record) error {
	return s.Set(ctx, LeaseKey, record)
}

// GetLease returns the stored lease record, or nil when none has been saved.
func (s *Store) GetLease(ctx context.Context) (*lease.Record, error) {
	var record lease.Record
	ok, err := s.Get(ctx, LeaseKey, &record)
	if err != nil || !ok {
		return nil, err
	}
	return &record, nil
}

// ClearLease removes the lease record.
func (s *Store) ClearLease(ctx context.Context) error {
	return s.Remove(ctx, LeaseKey)
}

// LoadSimState implements gateway.StateStore. A missing value is the fresh
// state.
func (s *Store) LoadSimState(ctx context.Context) (gateway.SimState, error) {
	var state gateway.SimState
	if _, err := s.Get(ctx, SimulatorStateKey, &state); err != nil {
		return gateway.SimState{}, err
	}
	return state, nil
}

// SaveSimState implements gateway.StateStore.
func (s *Store) SaveSimState(ctx context.Context, state gateway.SimState) error {
	return s.Set(ctx, SimulatorStateKey, state)
}

var _ gateway.StateStore = (*Store)(nil)
