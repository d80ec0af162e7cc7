package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/efreitasn/fundex/internal/domain"
)

// BadgerStore is a SentStore backed by an embedded Badger database, so the
// record of transmitted pairs survives process restarts.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the store at dir. An empty dir opens
// an in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open sent store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the recorded state, or ErrNotFound.
func (s *BadgerStore) Get(_ context.Context, namespace string, key domain.PairKey) (domain.SubmissionState, error) {
	var state domain.SubmissionState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKey(namespace, key)))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			state = domain.SubmissionState(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get sent record %s: %w", key, err)
	}
	return state, nil
}

// Put records state for the pair.
func (s *BadgerStore) Put(_ context.Context, namespace string, key domain.PairKey, state domain.SubmissionState) error {
	if !persistable(state) {
		return fmt.Errorf("state %q is not recorded", state)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKey(namespace, key)), []byte(state))
	})
	if err != nil {
		return fmt.Errorf("put sent record %s: %w", key, err)
	}
	return nil
}

// Delete removes the pair's record. Deleting a missing record is a no-op.
func (s *BadgerStore) Delete(_ context.Context, namespace string, key domain.PairKey) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordKey(namespace, key)))
	})
	if err != nil {
		return fmt.Errorf("delete sent record %s: %w", key, err)
	}
	return nil
}

// List returns every record in the namespace.
func (s *BadgerStore) List(_ context.Context, namespace string) (map[domain.PairKey]domain.SubmissionState, error) {
	result := make(map[domain.PairKey]domain.SubmissionState)
	p := []byte(prefix(namespace))

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key, ok := parseRecordKey(namespace, string(item.Key()))
			if !ok {
				continue
			}
			err := item.Value(func(v []byte) error {
				result[key] = domain.SubmissionState(v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sent records: %w", err)
	}
	return result, nil
}

// Clear drops every record in the namespace.
func (s *BadgerStore) Clear(_ context.Context, namespace string) error {
	if err := s.db.DropPrefix([]byte(prefix(namespace))); err != nil {
		return fmt.Errorf("clear sent records: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
