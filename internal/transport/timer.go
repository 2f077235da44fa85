package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Timer is a single-shot monotonic countdown backed by a Linux timerfd, so
// it is directly registrable with epoll alongside the connection's socket
// (§4.5). Arm resets any previous deadline.
type Timer struct {
	fd int
}

// NewTimer creates a disarmed timer.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transport: timerfd_create: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// Arm schedules the timer to fire once, seconds from now. Re-arming
// replaces any pending deadline.
func (t *Timer) Arm(seconds int) error {
	spec := unix.ItimerSpec{
		Value: unix.Timespec{Sec: int64(seconds)},
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("transport: timerfd_settime: %w", err)
	}
	return nil
}

// Disarm cancels any pending deadline.
func (t *Timer) Disarm() error {
	spec := unix.ItimerSpec{}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("transport: timerfd_settime(disarm): %w", err)
	}
	return nil
}

// HasExpired reports whether the deadline has elapsed, consuming the
// expiration (a timerfd becomes readable exactly once per firing; reading
// the 8-byte counter clears it).
func (t *Timer) HasExpired() bool {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	return err == nil
}

// Fd returns the raw file descriptor, for epoll registration.
func (t *Timer) Fd() int {
	return t.fd
}

// Close releases the timer.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
