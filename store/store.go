// Package store is the log backed key/value engine. Every mutation is
// appended to a single commit log through a background writer and applied to
// an in-memory index straight away; opening a DB replays the log to rebuild
// that index.
package store

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"sync"
	"time"

	kv_logcask "kv-logcask"
	"kv-logcask/messagepassed"
	"kv-logcask/shutdown"
)

var (
	// ErrNotFound is returned by Get for a missing key when the DB has no
	// default policy.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by every operation on a closed DB.
	ErrClosed = errors.New("db is closed")
)

// Stats is a point in time summary of a DB.
type Stats struct {
	Path     string
	Keys     int
	FileSize int64
	LastSync time.Time
}

// DB maps string keys to values of type V, persisted in a commit log.
//
// The index may run ahead of the disk: Set and Delete return once the record
// is queued. SetSync, DeleteSync, Flush and Close wait for it to be durable.
type DB[V any] struct {
	path  string
	cfg   *Config[V]
	index kv_logcask.Index[string, V]

	// mu serializes mutations so log order always matches index order. It
	// also guards writer and closed.
	mu     sync.RWMutex
	writer *messagepassed.Writer
	closed bool

	registration *shutdown.Registration
}

// Open opens the log at path, creating it if it does not exist, and replays
// it.
func Open[V any](path string, opts ...Option[V]) (*DB[V], error) {
	cfg := DefaultConfig[V]()
	for _, opt := range opts {
		opt(cfg)
	}

	writer, err := messagepassed.Open(path, cfg.Writer)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB[V]{
		path:   path,
		cfg:    cfg,
		index:  newShardedIndex[V](cfg.Shards),
		writer: writer,
	}

	if err := replay(path, cfg.Codec, db.index); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			log.Errorf("Unable to close writer for %v: %v", path,
				closeErr)
		}
		return nil, err
	}

	if cfg.Shutdown != nil {
		db.registration = cfg.Shutdown.Register(path, db.drain)
	}

	log.Infof("Opened %v with %d keys", path, db.index.Len())

	return db, nil
}

// Path is the log file backing the DB.
func (d *DB[V]) Path() string {
	return d.path
}

// Closed reports whether Close has been called.
func (d *DB[V]) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Get returns the value for key. On a miss the default policy, if any,
// produces a value which is written through and returned.
func (d *DB[V]) Get(key string) (V, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		var zero V
		return zero, ErrClosed
	}
	value, ok := d.index.Get(key)
	d.mu.RUnlock()

	if ok {
		return value, nil
	}

	var zero V
	if d.cfg.Default.IsNone() {
		return zero, ErrNotFound
	}

	produce := d.cfg.Default.UnsafeFromSome()
	value, err := produce(key)
	if err != nil {
		return zero, fmt.Errorf("default for key %q: %w", key, err)
	}

	if err := d.put(key, value, d.cfg.SyncDefaults); err != nil {
		return zero, err
	}
	return value, nil
}

// Has reports whether key is stored. It never consults the default policy.
func (d *DB[V]) Has(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	_, ok := d.index.Get(key)
	return ok
}

// Set stores value under key without waiting for the disk.
func (d *DB[V]) Set(key string, value V) error {
	return d.put(key, value, false)
}

// SetSync stores value under key and waits until it is durable.
func (d *DB[V]) SetSync(key string, value V) error {
	return d.put(key, value, true)
}

// Delete removes key without waiting for the disk. Deleting a missing key
// still appends a tombstone.
func (d *DB[V]) Delete(key string) error {
	return d.remove(key, false)
}

// DeleteSync removes key and waits until the tombstone is durable.
func (d *DB[V]) DeleteSync(key string) error {
	return d.remove(key, true)
}

func (d *DB[V]) put(key string, value V, sync bool) error {
	payload, err := d.cfg.Codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode value for key %q: %w", key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	record := kv_logcask.NewRecord(keyBytes(key), payload)
	if err := d.writer.Enqueue(record); err != nil {
		return err
	}
	d.index.Set(key, value)

	if sync {
		return d.writer.Flush()
	}
	return nil
}

func (d *DB[V]) remove(key string, sync bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if err := d.writer.Enqueue(kv_logcask.NewTombstone(keyBytes(key))); err != nil {
		return err
	}
	d.index.Delete(key)

	if sync {
		return d.writer.Flush()
	}
	return nil
}

// keyBytes never returns nil, so the empty string is a valid key.
func keyBytes(key string) []byte {
	return append([]byte{}, key...)
}

// Keys returns the stored keys in sorted order.
func (d *DB[V]) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil
	}
	return d.keysLocked()
}

func (d *DB[V]) keysLocked() []string {
	keys := make([]string, 0, d.index.Len())
	d.index.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	slices.Sort(keys)
	return keys
}

// Len is the number of stored keys.
func (d *DB[V]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0
	}
	return d.index.Len()
}

// Each calls f for every key in sorted order, resolving values through Get.
// Keys deleted after the snapshot is taken are skipped. Iteration stops at
// the first error from f or Get.
func (d *DB[V]) Each(f func(key string, value V) error) error {
	if d.Closed() {
		return ErrClosed
	}

	for _, key := range d.Keys() {
		value, err := d.Get(key)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			return err
		}

		if err := f(key, value); err != nil {
			return err
		}
	}
	return nil
}

// All is a lazy, restartable view of the DB in key order. Each iteration
// takes a fresh snapshot of the keys. Values that fail to resolve end the
// iteration.
func (d *DB[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		for _, key := range d.Keys() {
			value, err := d.Get(key)
			switch {
			case errors.Is(err, ErrNotFound):
				continue
			case err != nil:
				log.Errorf("Stopping iteration over %v at %q: %v",
					d.path, key, err)
				return
			}

			if !yield(key, value) {
				return
			}
		}
	}
}

// Flush waits until everything written so far is durable.
func (d *DB[V]) Flush() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	return d.writer.Flush()
}

// Load flushes pending writes and rebuilds the index from the log.
func (d *DB[V]) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.writer.Flush(); err != nil {
		return err
	}
	return d.loadLocked()
}

func (d *DB[V]) loadLocked() error {
	d.index.Clear()
	return replay(d.path, d.cfg.Codec, d.index)
}

// Empty discards every key and truncates the log.
func (d *DB[V]) Empty() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.writer.Truncate(); err != nil {
		return err
	}

	log.Infof("Emptied %v", d.path)

	return d.loadLocked()
}

// Stats reports the current size of the DB.
func (d *DB[V]) Stats() (Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return Stats{}, ErrClosed
	}

	info, err := os.Stat(d.path)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Path:     d.path,
		Keys:     d.index.Len(),
		FileSize: info.Size(),
		LastSync: d.writer.LastSync(),
	}, nil
}

// Close drains the writer and closes the log. Later calls are no-ops.
func (d *DB[V]) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.registration.Release()

	log.Infof("Closing %v", d.path)

	return d.writer.Close()
}

// drain is the shutdown hook: it gets queued records onto disk without
// closing the DB.
func (d *DB[V]) drain() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil
	}
	return d.writer.Finish()
}
