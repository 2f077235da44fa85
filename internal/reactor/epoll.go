// Package reactor implements the readiness multiplexer described in §5:
// one listener socket, N connection sockets and N connection timers, all
// registered on a single epoll instance and driven from one goroutine.
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is a bitmask of the readiness conditions a registration cares
// about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) toEpollEvents() uint32 {
	var e uint32
	if i&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// Callback is invoked once per matching readiness event.
type Callback func()

type registration struct {
	onReadable Callback
	onWritable Callback
}

// Reactor is a single-threaded epoll-based multiplexer. It is not safe for
// concurrent use - all registration and polling happens from the one
// goroutine that owns the server's event loop.
type Reactor struct {
	epfd         int
	registered   map[int]*registration
	eventsBuf    []unix.EpollEvent
}

// New creates an empty reactor.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:       epfd,
		registered: make(map[int]*registration),
		eventsBuf:  make([]unix.EpollEvent, 64),
	}, nil
}

// Register starts watching fd for the given interest, invoking onReadable
// and/or onWritable (whichever are non-nil and match) on each readiness
// event. A nil callback for an interest bit is a programmer error and
// panics, since an event the reactor cannot dispatch would otherwise spin.
func (r *Reactor) Register(fd int, interest Interest, onReadable, onWritable Callback) error {
	if interest&Readable != 0 && onReadable == nil {
		panic("reactor: Register with Readable interest but nil onReadable")
	}
	if interest&Writable != 0 && onWritable == nil {
		panic("reactor: Register with Writable interest but nil onWritable")
	}
	ev := unix.EpollEvent{Events: interest.toEpollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}
	r.registered[fd] = &registration{onReadable: onReadable, onWritable: onWritable}
	return nil
}

// Modify changes the watched interest for an already-registered fd,
// swapping in new callbacks for the new interest set.
func (r *Reactor) Modify(fd int, interest Interest, onReadable, onWritable Callback) error {
	if interest&Readable != 0 && onReadable == nil {
		panic("reactor: Modify with Readable interest but nil onReadable")
	}
	if interest&Writable != 0 && onWritable == nil {
		panic("reactor: Modify with Writable interest but nil onWritable")
	}
	ev := unix.EpollEvent{Events: interest.toEpollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(MOD, %d): %w", fd, err)
	}
	r.registered[fd] = &registration{onReadable: onReadable, onWritable: onWritable}
	return nil
}

// Deregister stops watching fd. It is idempotent.
func (r *Reactor) Deregister(fd int) error {
	if _, ok := r.registered[fd]; !ok {
		return nil
	}
	delete(r.registered, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// RunOnce blocks in epoll_wait for up to timeoutMs and dispatches every
// ready event to its registration's callback. It is the reactor's only
// suspension point, so that shutdown can be observed promptly between
// calls.
func (r *Reactor) RunOnce(timeoutMs int) error {
	n, err := unix.EpollWait(r.epfd, r.eventsBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := r.eventsBuf[i]
		reg, ok := r.registered[int(ev.Fd)]
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.onReadable != nil {
			reg.onReadable()
		}
		if ev.Events&unix.EPOLLOUT != 0 && reg.onWritable != nil {
			reg.onWritable()
		}
	}
	return nil
}

// Close releases the epoll instance. Registered fds are not closed - the
// caller owns their lifetime.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
