package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
	kv_logcask "kv-logcask"
	"kv-logcask/shutdown"
)

func tempLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db.log")
}

func openDB[V any](t *testing.T, path string, opts ...Option[V]) *DB[V] {
	t.Helper()

	db, err := Open[V](path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestScenarioSetSyncCloseReopen(t *testing.T) {
	path := tempLog(t)

	db := openDB[string](t, path)
	require.NoError(t, db.Set("x", "1"))
	require.NoError(t, db.SetSync("x", "2"))
	require.NoError(t, db.Close())

	db = openDB[string](t, path)
	value, err := db.Get("x")
	require.NoError(t, err)
	require.Equal(t, "2", value)
	require.Equal(t, []string{"x"}, db.Keys())
}

func TestGetMissingWithoutDefault(t *testing.T) {
	db := openDB[int](t, tempLog(t))

	_, err := db.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, db.Has("nope"))
}

func TestDeleteSurvivesReopen(t *testing.T) {
	path := tempLog(t)

	db := openDB[int](t, path)
	require.NoError(t, db.Set("a", 1))
	require.NoError(t, db.Set("b", 2))
	require.NoError(t, db.DeleteSync("a"))
	require.False(t, db.Has("a"))
	require.NoError(t, db.Close())

	db = openDB[int](t, path)
	require.Equal(t, []string{"b"}, db.Keys())
	require.Equal(t, 1, db.Len())
}

func TestDefaultWriteThrough(t *testing.T) {
	path := tempLog(t)

	db := openDB(t, path, WithDefault(7), WithSyncDefaults[int](true))

	value, err := db.Get("missing")
	require.NoError(t, err)
	require.Equal(t, 7, value)
	require.True(t, db.Has("missing"))
	require.NoError(t, db.Close())

	// The default was persisted, not just cached.
	db = openDB[int](t, path)
	value, err = db.Get("missing")
	require.NoError(t, err)
	require.Equal(t, 7, value)
}

func TestDefaultFuncReceivesKey(t *testing.T) {
	db := openDB(t, tempLog(t), WithDefaultFunc[string](func(key string) (string, error) {
		return "default-" + key, nil
	}))

	value, err := db.Get("k")
	require.NoError(t, err)
	require.Equal(t, "default-k", value)
	require.Equal(t, []string{"k"}, db.Keys())
}

func TestDefaultFuncError(t *testing.T) {
	errNoDefault := errors.New("no default")
	db := openDB(t, tempLog(t), WithDefaultFunc[int](func(string) (int, error) {
		return 0, errNoDefault
	}))

	_, err := db.Get("k")
	require.ErrorIs(t, err, errNoDefault)
	require.False(t, db.Has("k"))
}

func TestEachAndAll(t *testing.T) {
	db := openDB[int](t, tempLog(t))
	for i, key := range []string{"c", "a", "b"} {
		require.NoError(t, db.Set(key, i))
	}

	var keys []string
	require.NoError(t, db.Each(func(key string, _ int) error {
		keys = append(keys, key)
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, keys)

	errStop := errors.New("stop")
	err := db.Each(func(string, int) error { return errStop })
	require.ErrorIs(t, err, errStop)

	collect := func() map[string]int {
		out := make(map[string]int)
		for key, value := range db.All() {
			out[key] = value
		}
		return out
	}
	require.Equal(t, map[string]int{"c": 0, "a": 1, "b": 2}, collect())

	// A second pass sees the current state, not the first snapshot.
	require.NoError(t, db.Delete("a"))
	require.NoError(t, db.Set("d", 3))
	require.Equal(t, map[string]int{"c": 0, "b": 2, "d": 3}, collect())

	for key := range db.All() {
		require.Equal(t, "b", key)
		break
	}
}

func TestEmptyIsIdempotent(t *testing.T) {
	path := tempLog(t)

	db := openDB[string](t, path)
	require.NoError(t, db.Set("a", "1"))
	require.NoError(t, db.Set("b", "2"))
	require.NoError(t, db.Empty())
	require.NoError(t, db.Empty())

	count := 0
	for range db.All() {
		count++
	}
	require.Zero(t, count)

	require.NoError(t, db.Set("c", "3"))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	db = openDB[string](t, path)
	require.Equal(t, []string{"c"}, db.Keys())
}

func TestCompactKeepsLatestState(t *testing.T) {
	path := tempLog(t)

	db := openDB[int](t, path)
	require.NoError(t, db.Set("A", 1))
	require.NoError(t, db.Set("A", 2))
	require.NoError(t, db.Set("B", 5))
	require.NoError(t, db.DeleteSync("B"))

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, db.Compact())

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.LessOrEqual(t, after.Size(), before.Size())

	_, err = os.Stat(path + compactSuffix)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Equal(t, []string{"A"}, db.Keys())

	// The DB stays usable and the compacted log replays to the same state.
	require.NoError(t, db.SetSync("C", 3))
	require.NoError(t, db.Close())

	db = openDB[int](t, path)
	value, err := db.Get("A")
	require.NoError(t, err)
	require.Equal(t, 2, value)
	require.Equal(t, []string{"A", "C"}, db.Keys())
}

func TestCompactRemovesStaleScratch(t *testing.T) {
	path := tempLog(t)
	require.NoError(t, os.WriteFile(path+compactSuffix, []byte("garbage"), 0644))

	db := openDB[string](t, path)
	require.NoError(t, db.Set("k", "v"))
	require.NoError(t, db.Compact())

	value, err := db.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", value)
}

func TestCorruptLogAbortsOpen(t *testing.T) {
	path := tempLog(t)

	frame, err := kv_logcask.Serialize([]byte("k"), []byte("v"), false)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, frame, 0644))

	_, err = Open[[]byte](path, WithCodec[[]byte](kv_logcask.RawCodec{}))
	require.ErrorIs(t, err, kv_logcask.ErrCorruptRecord)
}

func TestTruncatedLogAbortsOpen(t *testing.T) {
	path := tempLog(t)

	frame, err := kv_logcask.Serialize([]byte("key"), []byte("value"), false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, frame[:len(frame)-2], 0644))

	_, err = Open[string](path, WithCodec[string](kv_logcask.StringCodec{}))
	require.ErrorIs(t, err, kv_logcask.ErrCorruptRecord)
}

func TestUndecodableValueAbortsOpen(t *testing.T) {
	path := tempLog(t)

	frame, err := kv_logcask.Serialize([]byte("k"), []byte("not gob"), false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, frame, 0644))

	_, err = Open[int](path)
	require.ErrorContains(t, err, `decode value for key "k"`)
}

func TestClosedDB(t *testing.T) {
	db, err := Open[int](tempLog(t))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	require.True(t, db.Closed())

	_, err = db.Get("k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Set("k", 1), ErrClosed)
	require.ErrorIs(t, db.Delete("k"), ErrClosed)
	require.ErrorIs(t, db.Flush(), ErrClosed)
	require.ErrorIs(t, db.Load(), ErrClosed)
	require.ErrorIs(t, db.Empty(), ErrClosed)
	require.ErrorIs(t, db.Compact(), ErrClosed)
	require.ErrorIs(t, db.Each(func(string, int) error { return nil }), ErrClosed)
	_, err = db.Stats()
	require.ErrorIs(t, err, ErrClosed)
	require.Nil(t, db.Keys())
}

func TestLoadReplaysFromDisk(t *testing.T) {
	db := openDB[string](t, tempLog(t))
	require.NoError(t, db.Set("a", "1"))
	require.NoError(t, db.Load())

	value, err := db.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", value)
}

func TestStats(t *testing.T) {
	clock := kv_logcask.NewManualClock(time.Unix(1700000000, 0))
	path := tempLog(t)

	db := openDB(t, path,
		WithCodec[string](kv_logcask.StringCodec{}),
		WithClock[string](clock),
		WithRegisterer[string](prometheus.NewRegistry()),
	)
	require.NoError(t, db.SetSync("key", "value"))

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{
		Path:     path,
		Keys:     1,
		FileSize: int64(kv_logcask.FrameSize(3, 5)),
		LastSync: clock.Now(),
	}, stats)
}

func TestShutdownDrainsOpenDB(t *testing.T) {
	reg := shutdown.NewRegistry()
	path := tempLog(t)

	db := openDB(t, path, WithShutdown[string](reg))
	require.Equal(t, 1, reg.Len())

	require.NoError(t, db.Set("k", "v"))
	require.NoError(t, reg.DrainAll())

	// Drained to disk without closing.
	other := openDB[string](t, path)
	require.Equal(t, []string{"k"}, other.Keys())

	require.NoError(t, db.Close())
	require.Zero(t, reg.Len())
}

func TestShutdownReleasedOnClose(t *testing.T) {
	reg := shutdown.NewRegistry()

	db, err := Open(tempLog(t), WithShutdown[int](reg))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.Zero(t, reg.Len())
	require.NoError(t, reg.DrainAll())
}

// TestReplayMatchesIndex checks that whatever sequence of writes and deletes
// is applied, replaying the log reproduces the index exactly.
func TestReplayMatchesIndex(t *testing.T) {
	dir := t.TempDir()
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		path := filepath.Join(dir, fmt.Sprintf("replay-%d.log", run))

		db, err := Open[string](path, WithCodec[string](kv_logcask.StringCodec{}))
		require.NoError(rt, err)

		keys := rapid.SampledFrom([]string{"a", "b", "c", "d", ""})
		expected := make(map[string]string)

		ops := rapid.IntRange(1, 40).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			key := keys.Draw(rt, "key")
			if rapid.Bool().Draw(rt, "delete") {
				require.NoError(rt, db.Delete(key))
				delete(expected, key)
				continue
			}

			value := rapid.String().Draw(rt, "value")
			require.NoError(rt, db.Set(key, value))
			expected[key] = value
		}
		require.NoError(rt, db.Close())

		reopened, err := Open[string](path, WithCodec[string](kv_logcask.StringCodec{}))
		require.NoError(rt, err)
		defer reopened.Close()

		actual := make(map[string]string)
		for key, value := range reopened.All() {
			actual[key] = value
		}
		require.Equal(rt, expected, actual)
	})
}
