package messagepassed

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Flock takes or releases an advisory lock on fd, retrying when interrupted
// by a signal. how is one of unix.LOCK_SH, unix.LOCK_EX or unix.LOCK_UN.
func Flock(fd int, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// isTransient reports whether a failed write should simply be retried.
func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR)
}
