package messagepassed

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	kv_logcask "kv-logcask"
)

// request is the only value that crosses from callers to the worker. A
// request with a non-nil stop channel is the stop sentinel.
type request struct {
	record kv_logcask.Record
	stop   chan error
}

// worker drains the queue into a pending buffer and commits that buffer to
// the file. One worker goroutine runs per Writer at a time; the buffer is
// only ever touched by it.
type worker struct {
	writer  *Writer
	queue   <-chan request
	buffer  *kv_logcask.FrameBuffer
	maxBuf  int
	stop    chan error
	dropped int
}

func newWorker(w *Writer) *worker {
	return &worker{
		writer: w,
		queue:  w.queue.ChanOut(),
		buffer: w.buffer,
		maxBuf: w.cfg.BufferSize,
	}
}

// run is the worker loop. It exits once the stop sentinel has been seen and
// every byte popped before it has been written and synced.
func (k *worker) run(exited chan<- struct{}) {
	defer close(exited)

	log.Debugf("Writer worker started for %v", k.writer.path)

	for {
		// Nothing to write and nothing asked of us: park on the queue.
		if k.stop == nil && k.buffer.Len() == 0 {
			k.handle(<-k.queue)
		}

		// Pick up whatever else is already queued without blocking so
		// bursts of writes are committed together.
	drain:
		for k.stop == nil && k.buffer.Len() < k.maxBuf {
			select {
			case req := <-k.queue:
				k.handle(req)
			default:
				break drain
			}
		}

		if k.buffer.Len() > 0 {
			k.commit()
		}

		if k.stop != nil && k.buffer.Len() == 0 {
			err := k.sync()
			log.Debugf("Writer worker for %v finished (dropped=%d)",
				k.writer.path, k.dropped)
			k.stop <- err
			return
		}
	}
}

func (k *worker) handle(req request) {
	if req.stop != nil {
		k.stop = req.stop
		return
	}

	// After a fatal error nothing more reaches the file; the error is
	// reported by the next flush instead.
	if k.writer.Err() != nil {
		k.dropped++
		return
	}

	if err := k.buffer.Append(req.record); err != nil {
		log.Errorf("Dropping record for key %q: %v", req.record.Key, err)
		k.dropped++
	}
}

// commit makes one attempt at writing the pending buffer while holding an
// exclusive advisory lock on the file.
func (k *worker) commit() {
	w := k.writer
	m := w.metrics

	if err := Flock(w.fd, unix.LOCK_EX); err != nil {
		k.fail(fmt.Errorf("lock %s: %w", w.path, err))
		return
	}

	frames := k.buffer.Frames()
	n, err := unix.Write(w.fd, k.buffer.Pending())

	if unlockErr := Flock(w.fd, unix.LOCK_UN); unlockErr != nil && err == nil {
		err = fmt.Errorf("unlock: %w", unlockErr)
	}

	if n > 0 {
		k.buffer.Consume(n)
		m.bytes.Add(float64(n))
		if k.buffer.Len() == 0 {
			m.records.Add(float64(frames))
		}
	}

	switch {
	case err == nil:

	case isTransient(err):
		m.retries.Inc()
		log.Tracef("Write to %v would block, %d bytes pending",
			w.path, k.buffer.Len())
		time.Sleep(w.cfg.RetryInterval)

	default:
		k.fail(fmt.Errorf("write %s: %w", w.path, err))
	}
}

// sync pushes everything written so far down to stable storage.
func (k *worker) sync() error {
	w := k.writer
	if err := w.Err(); err != nil {
		return err
	}

	err := unix.Fsync(w.fd)
	if errors.Is(err, unix.EINVAL) {
		// Pipes and some special files cannot be synced; what was
		// written has already left the process.
		log.Debugf("Descriptor for %v does not support fsync", w.path)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("fsync %s: %w", w.path, err)
		w.setErr(err)
		return err
	}

	w.metrics.syncs.Inc()
	w.lastSync.Store(w.cfg.Clock.Now().UnixNano())
	return nil
}

func (k *worker) fail(err error) {
	log.Errorf("Writer for %v failed, discarding %d pending bytes: %v",
		k.writer.path, k.buffer.Len(), err)
	k.writer.setErr(err)
	k.buffer.Reset()
}
