package store

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	kv_logcask "kv-logcask"
	"kv-logcask/messagepassed"
)

// readLog returns the full contents of the log at path, read under a shared
// advisory lock so no writer is halfway through a commit.
func readLog(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fd := int(file.Fd())
	if err := messagepassed.Flock(fd, unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() {
		if err := messagepassed.Flock(fd, unix.LOCK_UN); err != nil {
			log.Warnf("Unable to unlock %v: %v", path, err)
		}
	}()

	return io.ReadAll(file)
}

// replay applies every frame of the log at path to index, in order. Any
// frame that fails to decode aborts the replay.
func replay[V any](path string, codec kv_logcask.Codec[V],
	index kv_logcask.Index[string, V]) error {

	data, err := readLog(path)
	if err != nil {
		return err
	}
	size := len(data)

	frames := 0
	for len(data) > 0 {
		offset := size - len(data)

		var record kv_logcask.Record
		record, data, err = kv_logcask.Deserialize(data)
		if err != nil {
			return fmt.Errorf("replay %s at offset %d: %w", path,
				offset, err)
		}
		frames++

		key := string(record.Key)
		if record.Deleted {
			index.Delete(key)
			continue
		}

		value, err := codec.Decode(record.Value)
		if err != nil {
			return fmt.Errorf("decode value for key %q at offset %d: %w",
				key, offset, err)
		}
		index.Set(key, value)
	}

	log.Debugf("Replayed %d frames (%d bytes) from %v into %d keys",
		frames, size, path, index.Len())

	return nil
}
