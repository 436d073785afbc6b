package messagepassed

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	kv_logcask "kv-logcask"
)

var (
	// ErrWriterClosed is returned by every operation on a closed Writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// Config tunes a Writer.
type Config struct {
	// Clock stamps successful syncs.
	Clock kv_logcask.Clock

	// RetryInterval is how long the worker backs off after a write that
	// would have blocked.
	RetryInterval time.Duration

	// BufferSize is the initial pending buffer capacity and the point at
	// which the worker stops batching and writes.
	BufferSize int

	// QueueSize is the number of requests buffered on the worker side of
	// the queue before it spills into its unbounded overflow list.
	QueueSize int

	// FileMode is used when the log file has to be created.
	FileMode os.FileMode

	// Registerer receives the writer's collectors. Nil disables
	// registration.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() *Config {
	return &Config{
		Clock:         kv_logcask.NewRealClock(),
		RetryInterval: time.Millisecond,
		BufferSize:    kv_logcask.DefaultBufferSize,
		QueueSize:     1024,
		FileMode:      0644,
	}
}

var _ kv_logcask.RecordWriter = new(Writer)

// Writer appends records to a log file through a background worker. Enqueue
// never waits on the disk; Flush, Finish, Close and Truncate wait for the
// worker to drain everything queued before them.
type Writer struct {
	path    string
	file    *os.File
	fd      int
	cfg     *Config
	queue   *fn.ConcurrentQueue[request]
	metrics *writerMetrics

	// buffer is handed to each worker in turn. Only one worker runs at a
	// time and it always exits with the buffer empty.
	buffer *kv_logcask.FrameBuffer

	// lifecycle serializes Flush, Finish, Close and Truncate.
	lifecycle sync.Mutex
	exited    chan struct{}

	// state guards closed against concurrent Enqueue calls.
	state  sync.RWMutex
	closed bool

	errMu sync.RWMutex
	err   error

	lastSync atomic.Int64
}

// Open opens path for appending, creating it if needed, and starts a worker
// over it.
func Open(path string, cfg *Config) (*Writer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, cfg.FileMode)
	if err != nil {
		return nil, err
	}

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, fmt.Errorf("set non-blocking on %s: %w", path, err)
	}

	metrics, err := newWriterMetrics(cfg.Registerer, path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("register writer metrics: %w", err)
	}

	w := &Writer{
		path:    path,
		file:    file,
		fd:      fd,
		cfg:     cfg,
		queue:   fn.NewConcurrentQueue[request](cfg.QueueSize),
		metrics: metrics,
		buffer:  kv_logcask.NewFrameBuffer(cfg.BufferSize),
	}
	w.queue.Start()
	w.start()

	log.Debugf("Opened writer for %v", path)

	return w, nil
}

// Path is the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// LastSync is when the worker last fsynced the file, or the zero time if it
// never has.
func (w *Writer) LastSync() time.Time {
	nanos := w.lastSync.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Err returns the fatal error that stopped the writer from committing, if
// any.
func (w *Writer) Err() error {
	w.errMu.RLock()
	defer w.errMu.RUnlock()
	return w.err
}

func (w *Writer) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Enqueue hands the record to the worker. Records are committed in the order
// they are enqueued.
func (w *Writer) Enqueue(record kv_logcask.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	w.state.RLock()
	defer w.state.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}
	if err := w.Err(); err != nil {
		return err
	}

	w.queue.ChanIn() <- request{record: record}
	return nil
}

// Flush blocks until everything enqueued before the call is written and
// synced, then lets writing continue.
func (w *Writer) Flush() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.isClosed() {
		return ErrWriterClosed
	}

	start := time.Now()
	err := w.finishLocked()
	w.start()
	w.metrics.flushDuration.Observe(time.Since(start).Seconds())

	return err
}

// Finish drains the queue like Flush but leaves no worker running. Records
// enqueued afterwards wait until the next Flush or Truncate.
func (w *Writer) Finish() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.isClosed() {
		return ErrWriterClosed
	}
	return w.finishLocked()
}

// Close drains the queue and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.state.Lock()
	if w.closed {
		w.state.Unlock()
		return nil
	}
	w.closed = true
	w.state.Unlock()

	err := w.finishLocked()
	w.queue.Stop()

	if closeErr := w.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	log.Debugf("Closed writer for %v", w.path)

	return err
}

// Truncate drains the queue, empties the file and starts writing again from
// offset zero.
func (w *Writer) Truncate() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.isClosed() {
		return ErrWriterClosed
	}

	if err := w.finishLocked(); err != nil {
		return err
	}
	defer w.start()

	if err := unix.Ftruncate(w.fd, 0); err != nil {
		return fmt.Errorf("truncate %s: %w", w.path, err)
	}
	if _, err := unix.Seek(w.fd, 0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", w.path, err)
	}

	log.Infof("Truncated %v", w.path)

	return nil
}

func (w *Writer) isClosed() bool {
	w.state.RLock()
	defer w.state.RUnlock()
	return w.closed
}

// start launches a fresh worker. The caller must hold lifecycle.
func (w *Writer) start() {
	exited := make(chan struct{})
	w.exited = exited
	go newWorker(w).run(exited)
}

// finishLocked sends the stop sentinel and waits for the worker to exit. If
// no worker is running one is started first so records queued since the last
// Finish are drained too. The caller must hold lifecycle.
func (w *Writer) finishLocked() error {
	if w.exited == nil {
		w.start()
	}

	reply := make(chan error, 1)
	w.queue.ChanIn() <- request{stop: reply}

	err := <-reply
	<-w.exited
	w.exited = nil

	return err
}
