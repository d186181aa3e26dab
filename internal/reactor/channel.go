package reactor

import "golang.org/x/sys/unix"

// Event is a bitmask of readiness conditions, compatible with the
// epoll event constants so Channel can hand its interest mask straight
// to the poller without translation.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = unix.EPOLLIN
	EventWrite Event = unix.EPOLLOUT
	EventError Event = unix.EPOLLERR
	EventHup   Event = unix.EPOLLHUP
)

// Channel binds one file descriptor to the four callbacks a reactor
// dispatches on it. A Channel does not own the fd: it only tracks the
// interest mask the owning loop should poll for and multiplexes
// readiness back into calls against whichever component registered it
// (Acceptor, Connection, or the wakeup eventfd).
type Channel struct {
	fd       int
	events   Event
	revents  Event
	loop     *EventLoop
	index    int // poller-private slot, -1 if not yet added
	addedToLoop bool

	ReadCallback  func()
	WriteCallback func()
	CloseCallback func()
	ErrorCallback func()
}

// NewChannel creates a Channel for fd, not yet registered with any
// poller (events start empty).
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{fd: fd, loop: loop, index: -1}
}

// FD returns the underlying descriptor.
func (c *Channel) FD() int { return c.fd }

// EnableReading adds read interest and pushes the updated mask to the
// owning loop's poller.
func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

// DisableReading removes read interest.
func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

// EnableWriting adds write interest, used when the output buffer is
// non-empty and a partial write needs a follow-up notification.
func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

// DisableWriting removes write interest once the output buffer has
// fully drained, so the loop is not woken on every writable cycle for
// a connection with nothing queued.
func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool {
	return c.events&EventWrite != 0
}

// IsNoneEvent reports whether the channel currently has no interest
// registered at all.
func (c *Channel) IsNoneEvent() bool {
	return c.events == EventNone
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove unregisters the channel from its loop's poller. The caller is
// responsible for closing the fd afterward.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// setRevents is called by the poller after a readiness scan to record
// which of this channel's registered interests actually fired.
func (c *Channel) setRevents(revents Event) {
	c.revents = revents
}

// handleEvent dispatches the recorded revents to the appropriate
// callback. A hangup reported without readable data is treated as a
// close; a hangup with readable data goes to the read callback; errors
// are reported distinctly from EOF-style hangups so callers can log
// them differently.
func (c *Channel) handleEvent() {
	if c.revents&EventHup != 0 && c.revents&EventRead == 0 {
		if c.CloseCallback != nil {
			c.CloseCallback()
		}
		return
	}
	if c.revents&EventError != 0 {
		if c.ErrorCallback != nil {
			c.ErrorCallback()
		}
	}
	if c.revents&(EventRead|EventHup) != 0 {
		if c.ReadCallback != nil {
			c.ReadCallback()
		}
	}
	if c.revents&EventWrite != 0 {
		if c.WriteCallback != nil {
			c.WriteCallback()
		}
	}
}
