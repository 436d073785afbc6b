package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kv-logcask/messagepassed"
)

// compactSuffix names the scratch log a compaction writes next to the live
// one.
const compactSuffix = ".compact"

// Compact rewrites the log so it holds only the live pairs. The pairs are
// copied into a fresh DB next to the log, which is then renamed over it.
//
// Compact coordinates with this DB only. Another process appending to the
// same path during the rename loses its writes.
func (d *DB[V]) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	scratch := d.path + compactSuffix
	if err := os.Remove(scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", scratch, err)
	}

	if err := d.copyTo(scratch); err != nil {
		return err
	}

	if err := d.writer.Close(); err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}

	if err := os.Rename(scratch, d.path); err != nil {
		return d.reopenAfter(fmt.Errorf("rename %s: %w", scratch, err))
	}
	if err := syncDir(filepath.Dir(d.path)); err != nil {
		return d.reopenAfter(err)
	}

	return d.reopenAfter(nil)
}

// copyTo writes every live pair into a new log at path and closes it.
func (d *DB[V]) copyTo(path string) error {
	writerCfg := *d.cfg.Writer
	writerCfg.Registerer = nil

	compacted, err := Open[V](path,
		WithCodec(d.cfg.Codec),
		WithShards[V](d.cfg.Shards),
		func(c *Config[V]) { c.Writer = &writerCfg },
	)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	var copyErr error
	for _, key := range d.keysLocked() {
		value, ok := d.index.Get(key)
		if !ok {
			continue
		}
		if copyErr = compacted.Set(key, value); copyErr != nil {
			break
		}
	}

	if err := compacted.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("copy into %s: %w", path, copyErr)
	}

	return nil
}

// reopenAfter opens a new writer over the DB's path and replays it. cause is
// returned in preference to any reopen error. If the writer cannot be
// reopened the DB is left closed.
func (d *DB[V]) reopenAfter(cause error) error {
	writer, err := messagepassed.Open(d.path, d.cfg.Writer)
	if err != nil {
		log.Errorf("Unable to reopen %v after compaction: %v", d.path, err)
		d.closed = true
		d.registration.Release()
		return errors.Join(cause, err)
	}
	d.writer = writer

	if err := d.loadLocked(); err != nil {
		return errors.Join(cause, err)
	}

	if cause == nil {
		log.Infof("Compacted %v to %d keys", d.path, d.index.Len())
	}
	return cause
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
