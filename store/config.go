package store

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	kv_logcask "kv-logcask"
	"kv-logcask/messagepassed"
	"kv-logcask/shutdown"
)

// DefaultFunc produces the value stored for key on a read miss.
type DefaultFunc[V any] func(key string) (V, error)

// Config holds everything a DB needs besides its path.
type Config[V any] struct {
	// Codec turns values into record payloads and back.
	Codec kv_logcask.Codec[V]

	// Default is consulted on a read miss. It is never persisted itself,
	// only the values it produces are.
	Default fn.Option[DefaultFunc[V]]

	// SyncDefaults makes the write-through of a default value wait for the
	// disk.
	SyncDefaults bool

	// Shards is the number of index shards.
	Shards int

	// Shutdown, if set, gets a drain registered for the lifetime of the DB.
	Shutdown *shutdown.Registry

	// Writer configures the log writer.
	Writer *messagepassed.Config
}

// DefaultConfig returns a config using gob for values and no default policy.
func DefaultConfig[V any]() *Config[V] {
	return &Config[V]{
		Codec:   kv_logcask.GobCodec[V]{},
		Default: fn.None[DefaultFunc[V]](),
		Shards:  DefaultShards,
		Writer:  messagepassed.DefaultConfig(),
	}
}

// Option mutates a Config.
type Option[V any] func(*Config[V])

// WithCodec overrides the value codec.
func WithCodec[V any](codec kv_logcask.Codec[V]) Option[V] {
	return func(c *Config[V]) {
		c.Codec = codec
	}
}

// WithDefault stores and returns value for any key that is missing.
func WithDefault[V any](value V) Option[V] {
	return WithDefaultFunc[V](func(string) (V, error) {
		return value, nil
	})
}

// WithDefaultFunc computes the value for a missing key with f.
func WithDefaultFunc[V any](f DefaultFunc[V]) Option[V] {
	return func(c *Config[V]) {
		c.Default = fn.Some(f)
	}
}

// WithSyncDefaults controls whether default write-through is synchronous.
func WithSyncDefaults[V any](sync bool) Option[V] {
	return func(c *Config[V]) {
		c.SyncDefaults = sync
	}
}

// WithShards sets the number of index shards.
func WithShards[V any](shards int) Option[V] {
	return func(c *Config[V]) {
		c.Shards = shards
	}
}

// WithClock sets the clock used to stamp syncs.
func WithClock[V any](clock kv_logcask.Clock) Option[V] {
	return func(c *Config[V]) {
		c.Writer.Clock = clock
	}
}

// WithShutdown registers the DB's drain with reg.
func WithShutdown[V any](reg *shutdown.Registry) Option[V] {
	return func(c *Config[V]) {
		c.Shutdown = reg
	}
}

// WithRegisterer exports writer metrics to reg.
func WithRegisterer[V any](reg prometheus.Registerer) Option[V] {
	return func(c *Config[V]) {
		c.Writer.Registerer = reg
	}
}

// WithRetryInterval sets the back-off after a write that would block.
func WithRetryInterval[V any](interval time.Duration) Option[V] {
	return func(c *Config[V]) {
		c.Writer.RetryInterval = interval
	}
}
