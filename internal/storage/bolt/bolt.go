package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/kbudget/internal/storage"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

const bucketKV = "kv"

// Store implements storage.Store using bbolt.
//
// bbolt holds an exclusive file lock for as long as a database is open, so a
// long-lived handle would lock every other process out. The store therefore
// opens the file for each operation and gives up after the lock timeout.
type Store struct {
	path        string
	lockTimeout time.Duration
}

// Open prepares a BoltDB-backed store at path, creating the file and bucket.
func Open(path string, lockTimeout time.Duration) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	store := &Store{path: path, lockTimeout: lockTimeout}
	err := store.update(context.Background(), func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketKV)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketKV, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return storage.ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		value = string(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketKV)
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys returns every key starting with prefix in byte order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing has been written yet.
		return keys, nil
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close is a no-op; no handle is held between operations.
func (s *Store) Close() error {
	return nil
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return storage.ErrNotFound
	}
	return s.with(ctx, true, func(db *bbolt.DB) error { return db.View(fn) })
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	return s.with(ctx, false, func(db *bbolt.DB) error { return db.Update(fn) })
}

func (s *Store) with(ctx context.Context, readOnly bool, fn func(db *bbolt.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := s.lockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: timeout, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return fmt.Errorf("open bolt db %s: %w: lock held by another process", s.path, storage.ErrUnavailable)
		}
		return fmt.Errorf("open bolt db %s: %w: %v", s.path, storage.ErrUnavailable, err)
	}
	defer func() { _ = db.Close() }()

	return fn(db)
}
