//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// poller is the readiness source: a thin wrapper around an epoll
// instance that tracks which Channel owns each registered fd so a
// single Poll call can hand back the exact set of ready channels
// without the caller re-walking a registry.
type poller struct {
	epollFD     int
	activeFDs   map[int]*Channel
	epollEvents []unix.EpollEvent
}

const initialEpollEventsCap = 16

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{
		epollFD:     fd,
		activeFDs:   make(map[int]*Channel),
		epollEvents: make([]unix.EpollEvent, initialEpollEventsCap),
	}, nil
}

// poll blocks up to timeout waiting for readiness, then sets revents on
// every ready Channel and returns them in no particular order. A
// negative timeout blocks indefinitely.
func (p *poller) poll(timeout time.Duration) ([]*Channel, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epollFD, p.epollEvents, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	ready := make([]*Channel, 0, n)
	for i := 0; i < n; i++ {
		ev := p.epollEvents[i]
		ch, ok := p.activeFDs[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.setRevents(Event(ev.Events))
		ready = append(ready, ch)
	}

	if n == len(p.epollEvents) {
		// The event buffer was saturated; grow it so the next wait can
		// report more readiness in a single syscall.
		p.epollEvents = make([]unix.EpollEvent, len(p.epollEvents)*2)
	}

	return ready, nil
}

// updateChannel registers, modifies, or (when the channel has gone
// back to no interest) removes ch from the epoll set, tracked by
// whether this is the first time ch's fd has been seen.
func (p *poller) updateChannel(ch *Channel) error {
	event := unix.EpollEvent{
		Events: uint32(ch.events),
		Fd:     int32(ch.fd),
	}

	if !ch.addedToLoop {
		if ch.events == EventNone {
			return nil
		}
		if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_ADD, ch.fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl add fd=%d: %w", ch.fd, err)
		}
		p.activeFDs[ch.fd] = ch
		ch.addedToLoop = true
		return nil
	}

	if ch.events == EventNone {
		if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, ch.fd, nil); err != nil {
			return fmt.Errorf("epoll_ctl del fd=%d: %w", ch.fd, err)
		}
		delete(p.activeFDs, ch.fd)
		ch.addedToLoop = false
		return nil
	}

	if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_MOD, ch.fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", ch.fd, err)
	}
	return nil
}

// removeChannel unregisters ch entirely, regardless of its current
// interest mask.
func (p *poller) removeChannel(ch *Channel) error {
	if !ch.addedToLoop {
		return nil
	}
	if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, ch.fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", ch.fd, err)
	}
	delete(p.activeFDs, ch.fd)
	ch.addedToLoop = false
	return nil
}

func (p *poller) close() error {
	return unix.Close(p.epollFD)
}
