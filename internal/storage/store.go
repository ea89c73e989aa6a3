package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("key not found")

// Store provides persistent key-value storage in named buckets using BoltDB
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the database and ensures the given buckets exist
func NewStore(path string, buckets ...string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.db.Path()
}

// Put stores value under key, creating the bucket if needed
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.Update(func(tx *Tx) error {
		return tx.Put(bucket, key, value)
	})
}

// Get returns a copy of the value under key or ErrNotFound
func (s *Store) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

// Has checks if a key exists
func (s *Store) Has(bucket, key string) bool {
	var exists bool
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(bucket)); b != nil {
			exists = b.Get([]byte(key)) != nil
		}
		return nil
	})
	return exists
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(bucket, key string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(bucket, key)
	})
}

// DeletePrefix removes every key starting with prefix and returns how many were removed
func (s *Store) DeletePrefix(bucket, prefix string) (int, error) {
	var n int
	err := s.Update(func(tx *Tx) error {
		var err error
		n, err = tx.DeletePrefix(bucket, prefix)
		return err
	})
	return n, err
}

// Clear removes all keys of a bucket
func (s *Store) Clear(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucket))
		return err
	})
}

// Keys returns all keys of a bucket in byte order
func (s *Store) Keys(bucket string) ([]string, error) {
	var keys []string
	err := s.IteratePrefix(bucket, "", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// IteratePrefix calls fn for each key with the given prefix, in byte order.
// The value slice is only valid during the call.
func (s *Store) IteratePrefix(bucket, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountPrefix returns the number of keys with the given prefix
func (s *Store) CountPrefix(bucket, prefix string) (int, error) {
	n := 0
	err := s.IteratePrefix(bucket, prefix, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Update runs fn in a single read-write transaction
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Tx is a read-write transaction spanning any number of buckets
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) bucket(name string) (*bolt.Bucket, error) {
	b, err := t.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	return b, nil
}

// Put stores value under key
func (t *Tx) Put(bucket, key string, value []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

// Delete removes key
func (t *Tx) Delete(bucket, key string) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

// DeletePrefix removes every key starting with prefix
func (t *Tx) DeletePrefix(bucket, prefix string) (int, error) {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return 0, nil
	}
	p := []byte(prefix)
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
