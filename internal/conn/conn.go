// Package conn implements the per-connection state machine: output
// buffering, thread-safe send, half-close shutdown, and the framing
// codec wired onto a connection's read/write callbacks.
package conn

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/flowpbx/lightvoice/internal/buffer"
	"github.com/flowpbx/lightvoice/internal/codec"
	"github.com/flowpbx/lightvoice/internal/protocol"
	"github.com/flowpbx/lightvoice/internal/reactor"
)

// State is the connection's lifecycle stage.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StateCallback fires once on the owning loop when the connection
// transitions to Connected, and once more when it reaches Disconnected.
type StateCallback func(c *Connection, state State)

// MessageCallback fires once per fully-framed payload the connection
// receives, always on the owning loop.
type MessageCallback func(c *Connection, payload []byte)

// Connection is a single TCP peer's state, owned exclusively by the
// EventLoop it was constructed on. Every field below is mutated only
// from that loop's goroutine; the one exception is Send, which may be
// called from any goroutine and marshals itself onto the owning loop
// when necessary.
type Connection struct {
	name string
	loop *reactor.EventLoop
	fd   int

	// The net.Addr values handed to New, kept as given. The server glue
	// passes a peer address freshly built from the accept sockaddr, so
	// nothing here refers back into kernel or acceptor state.
	localAddr net.Addr
	peerAddr  net.Addr

	channel *reactor.Channel

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	state atomic.Int32

	limiter *rate.Limiter

	logger *slog.Logger

	// Context is an opaque slot for the owner (room/server glue) to
	// stash its own per-connection data, e.g. the joined-room identity.
	Context any

	StateCallback   StateCallback
	MessageCallback MessageCallback
}

// Config bundles the tunables a Connection needs beyond its fd and
// loop: the flood-control budget for control-plane messages.
type Config struct {
	// RateLimit and RateBurst configure the per-connection token
	// bucket gating how many control-plane frames per second are
	// handed to MessageCallback. Frames whose payload starts with
	// protocol.MarkerAudio bypass the bucket. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// New wraps an accepted, already non-blocking file descriptor in a
// Connection bound to loop. The connection starts in Connecting state;
// the caller must invoke Start once registration on the owning loop is
// desired (split out so the server glue can finish wiring callbacks
// first).
func New(loop *reactor.EventLoop, name string, fd int, peer net.Addr, local net.Addr, cfg Config, logger *slog.Logger) *Connection {
	c := &Connection{
		name:         name,
		loop:         loop,
		fd:           fd,
		localAddr:    local,
		peerAddr:     peer,
		inputBuffer:  buffer.New(),
		outputBuffer: buffer.New(),
		logger:       logger,
	}
	c.state.Store(int32(Connecting))

	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	c.channel = reactor.NewChannel(loop, fd)
	c.channel.ReadCallback = c.handleRead
	c.channel.WriteCallback = c.handleWrite
	c.channel.CloseCallback = c.handleClose
	c.channel.ErrorCallback = c.handleError

	return c
}

// Name returns the stable identity string assigned at construction
// (the server glue uses "conn-N").
func (c *Connection) Name() string { return c.name }

// PeerAddr returns the remote address captured at accept time.
func (c *Connection) PeerAddr() net.Addr { return c.peerAddr }

// LocalAddr returns the local address captured at accept time.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// Loop returns the EventLoop this connection is bound to.
func (c *Connection) Loop() *reactor.EventLoop { return c.loop }

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Start enables read interest and fires the Connected transition. Must
// be called on the owning loop.
func (c *Connection) Start() {
	c.loop.AssertInLoopThread()
	c.state.Store(int32(Connected))
	c.channel.EnableReading()
	if c.StateCallback != nil {
		c.StateCallback(c, Connected)
	}
}

// Send queues payload-framed bytes for delivery. Safe to call from any
// goroutine: on the owning loop it attempts a direct non-blocking
// write first, buffering only the unwritten remainder; from any other
// goroutine the bytes are copied and the send is marshaled onto the
// owning loop via RunInLoop, since the caller's slice is not
// guaranteed to outlive the post.
func (c *Connection) Send(payload []byte) error {
	if c.State() != Connected {
		return fmt.Errorf("conn %s: send on non-connected state %s", c.name, c.State())
	}
	if len(payload) > codec.MaxFrameLength {
		return fmt.Errorf("%w: payload is %d bytes, max %d", codec.ErrFrameTooLarge, len(payload), codec.MaxFrameLength)
	}

	if c.loop.IsInLoopThread() {
		c.sendInLoop(payload)
		return nil
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.loop.QueueInLoop(func() {
		if c.State() == Connected || c.State() == Disconnecting {
			c.sendInLoop(cp)
		}
	})
	return nil
}

// sendInLoop frames payload and attempts a direct non-blocking write.
// When the output buffer is already empty it frames straight into it
// with EncodeInto, skipping the allocation Encode would otherwise
// cause, then writes from there and retrieves whatever made it onto
// the wire. A non-empty output buffer means a previous frame is still
// draining, so the new one is appended behind it the ordinary way.
func (c *Connection) sendInLoop(payload []byte) {
	if c.outputBuffer.ReadableBytes() == 0 {
		if err := codec.EncodeInto(c.outputBuffer, payload); err != nil {
			c.handleError()
			return
		}
		n, err := unix.Write(c.fd, c.outputBuffer.Peek())
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.handleError()
			return
		}
		if n < 0 {
			n = 0
		}
		c.outputBuffer.Retrieve(n)
		if c.outputBuffer.ReadableBytes() == 0 {
			if c.State() == Disconnecting {
				c.shutdownWrite()
			}
			return
		}
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
		return
	}

	frame, err := codec.Encode(payload)
	if err != nil {
		c.handleError()
		return
	}
	c.outputBuffer.Append(frame)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown transitions the connection to Disconnecting. If the output
// buffer is already empty the write half of the socket is half-closed
// immediately; otherwise the half-close is deferred until the output
// buffer drains in handleWrite.
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(func() {
		if c.State() != Connected {
			return
		}
		c.state.Store(int32(Disconnecting))
		if !c.channel.IsWriting() {
			c.shutdownWrite()
		}
	})
}

func (c *Connection) shutdownWrite() {
	unix.Shutdown(c.fd, unix.SHUT_WR)
}

// ForceClose tears the connection down immediately without waiting for
// pending writes to drain; used for protocol violations (oversized
// frame) where continuing to speak to the peer is pointless.
func (c *Connection) ForceClose() {
	c.loop.RunInLoop(func() {
		if c.State() == Disconnected {
			return
		}
		c.handleClose()
	})
}

func (c *Connection) handleRead() {
	n, err := c.inputBuffer.ReadFD(fdReader{fd: c.fd})
	if n > 0 {
		c.processInput()
	}
	if err == nil {
		if n == 0 {
			// A clean recv() == 0 means the peer closed its write half.
			c.handleClose()
		}
		return
	}
	if isSoftIOError(err) {
		// Nothing readable right now; the next readiness event will retry.
		return
	}
	if c.logger != nil {
		c.logger.Error("connection read error", "conn", c.name, "error", err)
	}
	c.handleError()
}

// isSoftIOError reports whether err from a non-blocking read/write is
// a transient condition worth silently retrying rather than tearing
// the connection down.
func isSoftIOError(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func (c *Connection) processInput() {
	for {
		if c.limiter != nil {
			head := c.inputBuffer.Peek()
			isAudio := len(head) > codec.HeaderSize && head[codec.HeaderSize] == byte(protocol.MarkerAudio)
			if !isAudio && !c.limiter.Allow() {
				// Flood control: stop decoding more frames this cycle, but
				// keep whatever arrived buffered for the next read event
				// rather than dropping bytes.
				return
			}
		}

		payload, ok, err := codec.TryDecode(c.inputBuffer)
		if err != nil {
			if c.logger != nil {
				c.logger.Error("framing violation, closing connection", "conn", c.name, "error", err)
			}
			c.handleClose()
			return
		}
		if !ok {
			return
		}
		if c.MessageCallback != nil {
			c.MessageCallback(c, payload)
		}
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}

	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.handleError()
		return
	}
	c.outputBuffer.Retrieve(n)

	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.State() == Disconnecting {
			c.shutdownWrite()
		}
	}
}

// handleClose drives the connection to Disconnected, holding a strong
// reference to itself (a plain Go reference, which the garbage
// collector already keeps alive for the duration of this call) so the
// close callback cannot observe a connection that has been collected
// mid-teardown.
func (c *Connection) handleClose() {
	if c.State() == Disconnected {
		return
	}
	self := c
	prevState := c.State()
	self.state.Store(int32(Disconnected))

	self.channel.DisableWriting()
	self.channel.DisableReading()
	self.channel.Remove()
	unix.Close(self.fd)

	if prevState != Disconnected && self.StateCallback != nil {
		self.StateCallback(self, Disconnected)
	}
}

func (c *Connection) handleError() {
	if c.logger != nil {
		c.logger.Warn("connection error, closing", "conn", c.name)
	}
	c.handleClose()
}

// fdReader adapts a raw descriptor to io.Reader so Buffer.ReadFD can
// operate on it the same way it does on a net.Conn in tests.
type fdReader struct{ fd int }

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, nil
}
