// Package boltstore keeps key/value pairs in a single bbolt bucket. It is the
// destination format for migrated commit logs.
package boltstore

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// pairsBucket holds every key/value pair of the store.
	pairsBucket = []byte("logcask")

	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")
)

const (
	dbFilePermission = 0600

	// DefaultTimeout bounds how long Open waits for another process to
	// release the database file.
	DefaultTimeout = time.Second
)

// Store is a bbolt backed key/value store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, dbFilePermission, &bolt.Options{
		Timeout: DefaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pairsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket in %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Path is the database file.
func (s *Store) Path() string {
	return s.db.Path()
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pairsBucket).Put([]byte(key), value)
	})
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(pairsBucket).Get([]byte(key))
		if stored == nil {
			return ErrNotFound
		}

		// bbolt values are only valid for the life of the transaction.
		value = append([]byte{}, stored...)
		return nil
	})
	return value, err
}

// Delete removes key. Removing a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pairsBucket).Delete([]byte(key))
	})
}

// Keys returns every key in byte order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pairsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Len is the number of stored keys.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pairsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
