package kv_logcask

// Codec converts stored values to and from the payload bytes of a record. An
// implementation must be bijective over the values actually stored.
type Codec[V any] interface {
	Encode(value V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// Index is the in-memory view of the log as replayed so far.
type Index[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K) bool
	Len() int
	Clear()
	Range(func(key K, value V) bool)
}

// RecordWriter accepts records for asynchronous commit to a log file.
type RecordWriter interface {
	Enqueue(record Record) error
	Flush() error
	Finish() error
	Close() error
	Truncate() error
}
