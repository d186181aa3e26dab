package reactor

import (
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/flowpbx/lightvoice/internal/netutil"
)

// Acceptor owns the listening socket and hands each accepted connection
// off to a callback (the server glue assigns it to a loop-pool worker
// and wraps it in a Connection). It runs entirely on whichever loop it
// is registered against, normally the base loop of a LoopPool.
type Acceptor struct {
	loop     *EventLoop
	channel  *Channel
	listenFD int
	logger   *slog.Logger
	sentinel *netutil.SentinelFD

	NewConnectionCallback func(fd int, peer net.Addr)
}

// NewAcceptor creates and binds a listening socket for addr, but does
// not start accepting until the loop runs and read interest is
// enabled (done in Listen).
func NewAcceptor(loop *EventLoop, addr *net.TCPAddr, logger *slog.Logger) (*Acceptor, error) {
	fd, err := netutil.NewListenSocket("tcp", addr)
	if err != nil {
		return nil, err
	}

	sentinel, err := netutil.NewSentinelFD()
	if err != nil {
		netutil.CloseFD(fd)
		return nil, err
	}

	a := &Acceptor{
		loop:     loop,
		listenFD: fd,
		logger:   logger,
		sentinel: sentinel,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.ReadCallback = a.handleRead
	return a, nil
}

// Listen enables read interest on the listening socket, starting the
// accept loop on the owning EventLoop.
func (a *Acceptor) Listen() {
	a.channel.EnableReading()
}

// Addr returns the bound address of the listening socket, useful when
// the caller requested an ephemeral port (port 0) and needs to learn
// which one the kernel actually picked.
func (a *Acceptor) Addr() (net.Addr, error) {
	sa, err := unix.Getsockname(a.listenFD)
	if err != nil {
		return nil, err
	}
	return netutil.SockaddrToAddr(sa), nil
}

func (a *Acceptor) handleRead() {
	for {
		connFD, peer, err := netutil.Accept(a.listenFD)
		if err != nil {
			if netutil.IsEMFILE(err) {
				if a.logger != nil {
					a.logger.Warn("descriptor limit reached, recycling sentinel to drop one pending connection")
				}
				a.sentinel.Close()
				if dropFD, _, derr := netutil.Accept(a.listenFD); derr == nil {
					netutil.CloseFD(dropFD)
				}
				if rerr := a.sentinel.Recycle(); rerr != nil && a.logger != nil {
					a.logger.Error("sentinel recycle failed", "error", rerr)
				}
				return
			}
			if netutil.IsSoftAcceptError(err) {
				return
			}
			if a.logger != nil {
				a.logger.Error("accept failed", "error", err)
			}
			return
		}

		if a.NewConnectionCallback != nil {
			a.NewConnectionCallback(connFD, peer)
		} else {
			netutil.CloseFD(connFD)
		}
	}
}

// Close tears down the listening socket and sentinel descriptor.
func (a *Acceptor) Close() error {
	a.channel.Remove()
	if a.sentinel != nil {
		a.sentinel.Close()
	}
	return netutil.CloseFD(a.listenFD)
}
