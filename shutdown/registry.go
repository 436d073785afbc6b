// Package shutdown lets open stores register the work that has to happen
// before the process goes away, so that queued writes are drained even when
// the owner never gets to call Close.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"kv-logcask/lockless"
)

// Registration is a handle on one registered drain function.
type Registration struct {
	name     string
	drain    func() error
	once     sync.Once
	released atomic.Bool
}

// Name identifies the registration in logs.
func (r *Registration) Name() string {
	return r.name
}

// Release removes the registration. It is safe to call more than once and
// from any goroutine.
func (r *Registration) Release() {
	if r == nil {
		return
	}
	r.released.Store(true)
}

func (r *Registration) run() error {
	var err error
	r.once.Do(func() {
		err = r.drain()
	})
	return err
}

// Registry holds drain functions to run at shutdown.
type Registry struct {
	entries *lockless.List[*Registration]
	drained atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: lockless.New[*Registration](),
	}
}

// Register adds drain under name. The returned registration must be released
// once the owner has shut down on its own.
func (r *Registry) Register(name string, drain func() error) *Registration {
	reg := &Registration{name: name, drain: drain}
	r.entries.Append(reg)

	log.Debugf("Registered shutdown drain for %v", name)

	// Released entries at the front are garbage; trim them here so a
	// long-lived registry does not grow without bound.
	r.entries.DropUntil(func(entry *Registration) bool {
		return entry.released.Load()
	})

	return reg
}

// Len reports how many registrations are still live.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(entry *Registration) bool {
		if !entry.released.Load() {
			n++
		}
		return true
	})
	return n
}

// DrainAll runs every live drain function once, in registration order, and
// returns the joined errors.
func (r *Registry) DrainAll() error {
	r.drained.Store(true)

	var errs []error
	r.entries.Range(func(entry *Registration) bool {
		if entry.released.Load() {
			return true
		}

		log.Infof("Draining %v", entry.name)
		if err := entry.run(); err != nil {
			log.Errorf("Drain of %v failed: %v", entry.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		}
		return true
	})

	r.entries.DropUntil(func(*Registration) bool { return true })

	return errors.Join(errs...)
}

// Drained reports whether DrainAll has been called.
func (r *Registry) Drained() bool {
	return r.drained.Load()
}

// Notify drains the registry when one of sigs arrives and then calls exit
// with the drain result. It returns a function that stops listening. The
// listener also stops when ctx is done.
func (r *Registry) Notify(ctx context.Context, exit func(error),
	sigs ...os.Signal) (stop func()) {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			log.Infof("Received %v, draining %d writers", sig, r.Len())
			exit(r.DrainAll())

		case <-ctx.Done():
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
