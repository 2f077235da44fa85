// Package transport implements the non-blocking UDP endpoint (§4.4) and
// the timerfd-backed single-shot Timer (§4.5) that the reactor multiplexes
// together with epoll. Both are thin, Linux-specific wrappers over raw
// sockets so that every watched handle - listener socket, per-connection
// socket, per-connection timer - is an epoll-registrable file descriptor,
// mirroring the original implementation's design.
package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Endpoint is a non-blocking IPv4 UDP socket. recv/send that would block
// return ok=false rather than an error, per §4.4.
type Endpoint struct {
	fd        int
	connected bool
}

// NewEndpoint creates a non-blocking UDP/IPv4 socket.
func NewEndpoint() (*Endpoint, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	return &Endpoint{fd: fd}, nil
}

func ipv4Sockaddr(ip net.IP, port int) (*unix.SockaddrInet4, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("transport: %v is not an IPv4 address", ip)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// Bind binds the endpoint to ip:port. port == 0 lets the OS choose an
// ephemeral port (the per-connection TID).
func (e *Endpoint) Bind(ip net.IP, port int) error {
	sa, err := ipv4Sockaddr(ip, port)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("transport: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(e.fd, sa); err != nil {
		return fmt.Errorf("transport: bind: %w", err)
	}
	return nil
}

// LocalPort returns the port the endpoint is bound to.
func (e *Endpoint) LocalPort() (int, error) {
	sa, err := unix.Getsockname(e.fd)
	if err != nil {
		return 0, fmt.Errorf("transport: getsockname: %w", err)
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("transport: unexpected sockaddr type %T", sa)
	}
	return v4.Port, nil
}

// Connect filters inbound datagrams to peer, pinning the remote TID for
// this connection. After Connect, Send/Recv (not SendTo/RecvFrom) are
// used.
func (e *Endpoint) Connect(ip net.IP, port int) error {
	sa, err := ipv4Sockaddr(ip, port)
	if err != nil {
		return err
	}
	if err := unix.Connect(e.fd, sa); err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}
	e.connected = true
	return nil
}

// Send writes b to the connected peer. ok is false if the send would have
// blocked (EAGAIN/EWOULDBLOCK) - not an error.
func (e *Endpoint) Send(b []byte) (ok bool, err error) {
	err = unix.Send(e.fd, b, 0)
	return classify(err)
}

// Recv reads up to max bytes from the connected peer. ok is false if no
// datagram was available.
func (e *Endpoint) Recv(max int) (data []byte, ok bool, err error) {
	buf := make([]byte, max)
	n, err := unix.Read(e.fd, buf)
	if ok, err = classify(err); !ok || err != nil {
		return nil, ok, err
	}
	return buf[:n], true, nil
}

// SendTo writes b to ip:port on the unconnected listener socket.
func (e *Endpoint) SendTo(ip net.IP, port int, b []byte) (ok bool, err error) {
	sa, err := ipv4Sockaddr(ip, port)
	if err != nil {
		return false, err
	}
	err = unix.Sendto(e.fd, b, 0, sa)
	return classify(err)
}

// RecvFrom reads up to max bytes and the sender's address from the
// unconnected listener socket.
func (e *Endpoint) RecvFrom(max int) (data []byte, from *net.UDPAddr, ok bool, err error) {
	buf := make([]byte, max)
	n, from4, err := unix.Recvfrom(e.fd, buf, 0)
	if ok, err = classify(err); !ok || err != nil {
		return nil, nil, ok, err
	}
	v4, ok2 := from4.(*unix.SockaddrInet4)
	if !ok2 {
		return nil, nil, true, fmt.Errorf("transport: unexpected sockaddr type %T", from4)
	}
	addr := &net.UDPAddr{IP: net.IPv4(v4.Addr[0], v4.Addr[1], v4.Addr[2], v4.Addr[3]), Port: v4.Port}
	return buf[:n], addr, true, nil
}

// MTU probes the path MTU via IP_MTU. ok is false when the platform or
// socket state does not expose it; callers fall back to the option's own
// bound ([8, 65464]).
func (e *Endpoint) MTU() (mtu int, ok bool) {
	v, err := unix.GetsockoptInt(e.fd, unix.IPPROTO_IP, unix.IP_MTU)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Fd returns the raw file descriptor, for epoll registration.
func (e *Endpoint) Fd() int {
	return e.fd
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	return unix.Close(e.fd)
}

func classify(err error) (ok bool, outErr error) {
	if err == nil {
		return true, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, err
}
