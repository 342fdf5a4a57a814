package status

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds how often MarkObserved re-runs its transaction
// when a concurrent writer touched the same key.
const maxConflictRetries = 5

// BadgerStore is an ObservedStore persisted in a Badger database, so that
// separate kiln processes (e.g. successive CLI invocations) share the
// first-observation latch. Entries carry a TTL that later observations
// extend, and expire inside Badger.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerStore opens (or creates) the database at path.
func NewBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open observed store at %s: %w", path, err)
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

func observedKey(id string) []byte {
	return []byte("observed:" + id)
}

func (s *BadgerStore) MarkObserved(id string) (bool, error) {
	var first bool
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		first, err = s.markOnce(id)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark %s observed: %w", id, err)
	}
	return first, nil
}

func (s *BadgerStore) markOnce(id string) (bool, error) {
	first := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(observedKey(id))
		switch {
		case err == nil:
			if !s.stale(item) {
				return nil
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			first = true
		default:
			return err
		}

		stamp, err := time.Now().UTC().MarshalBinary()
		if err != nil {
			return err
		}
		entry := badger.NewEntry(observedKey(id), stamp)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// stale reports whether item has used up half its TTL and should be
// rewritten. Badger expiry has one-second resolution.
func (s *BadgerStore) stale(item *badger.Item) bool {
	if s.ttl <= 0 {
		return false
	}
	left := time.Until(time.Unix(int64(item.ExpiresAt()), 0))
	return left < s.ttl/2
}

func (s *BadgerStore) Forget(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(observedKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to forget %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
