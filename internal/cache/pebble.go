package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore is the on-disk small-value tier of LocalCache.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble database in dir. A nil fs uses the OS filesystem.
func OpenPebble(dir string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) Set(_ context.Context, key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

// Clear deletes every key in one batch.
func (s *PebbleStore) Clear(_ context.Context) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		if err := batch.Delete(key, nil); err != nil {
			_ = iter.Close()
			_ = batch.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		_ = batch.Close()
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
