// Package netutil wraps the raw, non-blocking TCP socket syscalls the
// reactor builds on: creation, bind/listen/accept and the handful of
// error classifications the acceptor and connection layers need.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewListenSocket creates a non-blocking, close-on-exec TCP socket bound
// and listening on addr (IPv4 or IPv6), with SO_REUSEADDR and
// SO_REUSEPORT enabled before bind so a restarted process does not race
// the kernel's TIME_WAIT hold on the previous listener.
func NewListenSocket(network string, addr *net.TCPAddr) (fd int, err error) {
	domain := unix.AF_INET
	if addr.IP != nil && addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	sa, err := sockaddr(domain, addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

func sockaddr(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if addr.IP != nil {
		ip4 := addr.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("address %s is not a valid IPv4 address", addr.IP)
		}
		copy(sa.Addr[:], ip4)
	}
	return sa, nil
}

// Accept calls accept4 with SOCK_NONBLOCK|SOCK_CLOEXEC on the listening
// fd and returns the new connection fd plus the peer's address. A soft
// error (IsSoftAcceptError) means "try again later", not "the listener
// is broken".
func Accept(listenFD int) (connFD int, peer net.Addr, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, SockaddrToAddr(sa), nil
}

// SockaddrToAddr converts a raw unix.Sockaddr (as returned by accept or
// getsockname) into a net.Addr.
func SockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

// IsSoftAcceptError reports whether err from Accept is a recoverable,
// transient condition the acceptor should simply retry past: the
// connection was aborted or reset before being handed off, a signal
// interrupted the call, or the kernel accept queue is momentarily
// empty (would-block).
func IsSoftAcceptError(err error) bool {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return true
	case errors.Is(err, unix.ECONNABORTED):
		return true
	case errors.Is(err, unix.EINTR):
		return true
	case errors.Is(err, unix.EPROTO):
		return true
	default:
		return false
	}
}

// IsEMFILE reports whether err indicates the per-process descriptor
// limit has been reached.
func IsEMFILE(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}

// SentinelFD holds a single descriptor opened against /dev/null purely
// so it can be closed and immediately reopened when EMFILE hits. Closing
// it frees one descriptor slot, which lets a subsequent accept() drain
// one connection off the kernel's backlog queue and immediately close
// it, instead of spinning in a tight EMFILE loop while the backlog
// stays full and readable() keeps firing.
type SentinelFD struct {
	file *os.File
}

// NewSentinelFD opens the reserved descriptor.
func NewSentinelFD() (*SentinelFD, error) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("opening sentinel descriptor: %w", err)
	}
	return &SentinelFD{file: f}, nil
}

// Recycle closes the sentinel if it is still open and then reopens it,
// so the next EMFILE can be handled the same way. On EMFILE the
// acceptor calls Close first, uses the freed slot to accept and discard
// one pending connection, and then calls Recycle to take the slot back.
func (s *SentinelFD) Recycle() error {
	if s.file != nil {
		s.file.Close()
	}
	f, err := os.Open(os.DevNull)
	if err != nil {
		s.file = nil
		return fmt.Errorf("reopening sentinel descriptor: %w", err)
	}
	s.file = f
	return nil
}

// Close releases the sentinel descriptor; a later Recycle opens a fresh
// one.
func (s *SentinelFD) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// SetNonblock marks fd non-blocking; used for descriptors obtained via
// paths other than accept4/socket (e.g. duplicated fds).
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// CloseFD closes a raw descriptor, wrapping unix.Close so callers
// outside this package never need to import golang.org/x/sys/unix
// directly just to release a socket.
func CloseFD(fd int) error {
	return unix.Close(fd)
}
