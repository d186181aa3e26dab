package reactor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Fatalf logs msg at error level and terminates the process. It is the
// reactor's escape hatch for programmer-violation conditions (calling
// loop-affine methods from the wrong goroutine, double-constructing a
// loop on a thread that already owns one) that indicate a bug in the
// caller rather than a recoverable runtime condition.
func Fatalf(logger *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if logger != nil {
		logger.Error(msg)
	}
	os.Exit(2)
}

// EventLoop is a single-threaded reactor: one goroutine owns it for its
// entire lifetime, and every Channel registered on it is only ever
// touched from that goroutine. Other goroutines may only reach it
// through RunInLoop/QueueInLoop, which marshal a function onto the
// loop's own task queue and wake it via an eventfd.
type EventLoop struct {
	logger *slog.Logger

	poller *poller
	timers *timerQueue

	ownerTID atomic.Int32
	looping  atomic.Bool
	quit     atomic.Bool

	wakeupFD int
	wakeupCh *Channel

	mu              sync.Mutex
	pendingTasks    []func()
	callingPending  bool

	activeChannels []*Channel
}

// New constructs an EventLoop with its own epoll instance, timer wheel
// and wakeup pipe, but does not start running it; call Loop from the
// goroutine that should own it.
func New(logger *slog.Logger) (*EventLoop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	t, err := newTimerQueue()
	if err != nil {
		p.close()
		return nil, err
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.close()
		t.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	loop := &EventLoop{
		logger:   logger,
		poller:   p,
		timers:   t,
		wakeupFD: wakeupFD,
	}

	loop.wakeupCh = NewChannel(loop, wakeupFD)
	loop.wakeupCh.ReadCallback = loop.handleWakeup
	loop.wakeupCh.EnableReading()

	timerCh := NewChannel(loop, t.fd())
	timerCh.ReadCallback = func() {
		t.drainFD()
		for _, cb := range t.expireAndReschedule(time.Now()) {
			cb()
		}
	}
	timerCh.EnableReading()

	return loop, nil
}

// assertInLoopThread aborts the process if called from a goroutine
// other than the one running this loop's Loop method, catching the
// single most common reactor bug (touching a Channel cross-thread)
// immediately instead of letting it corrupt poller state silently.
func (l *EventLoop) assertInLoopThread() {
	l.AssertInLoopThread()
}

// AssertInLoopThread aborts the process if the calling goroutine is
// not running on this loop's owning OS thread. Exported so collaborators
// like Connection can enforce the same loop-affinity invariant the
// reactor itself relies on internally.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		Fatalf(l.logger, "reactor: loop method called from foreign thread owner=%d", l.ownerTID.Load())
	}
}

// IsInLoopThread reports whether the calling goroutine is running on
// the OS thread this loop pinned itself to in Loop. Loop locks its
// goroutine to one OS thread for its entire lifetime (runtime.LockOSThread),
// so comparing the current thread id is a reliable stand-in for "is
// this the loop's own goroutine" without needing Go's internal
// goroutine ids. Before Loop has started there is by construction only
// one goroutine touching the loop (whoever is building it), so channel
// registration during New is always considered in-thread.
func (l *EventLoop) IsInLoopThread() bool {
	if !l.looping.Load() {
		return true
	}
	return int32(unix.Gettid()) == l.ownerTID.Load()
}

// Loop runs the reactor cycle until Quit is called: poll for
// readiness, dispatch each ready channel's callback, then drain any
// cross-thread tasks queued via RunInLoop/QueueInLoop. Must be called
// exactly once, from the goroutine that will own this loop for its
// lifetime.
func (l *EventLoop) Loop() {
	if l.looping.Load() {
		Fatalf(l.logger, "reactor: Loop called twice on the same EventLoop")
	}
	runtime.LockOSThread()
	l.ownerTID.Store(int32(unix.Gettid()))
	l.looping.Store(true)

	if l.logger != nil {
		l.logger.Debug("event loop starting")
	}

	for !l.quit.Load() {
		ready, err := l.poller.poll(10 * time.Second)
		if err != nil {
			if l.logger != nil {
				l.logger.Error("poll failed", "error", err)
			}
			continue
		}

		l.activeChannels = ready
		for _, ch := range l.activeChannels {
			ch.handleEvent()
		}
		l.activeChannels = nil

		l.doPendingTasks()
	}

	if l.logger != nil {
		l.logger.Debug("event loop stopping")
	}
	l.looping.Store(false)
}

// Quit asks the loop to stop after its current iteration, waking it
// immediately if the call comes from another goroutine.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop executes fn on this loop's goroutine: immediately if the
// caller is already on it, otherwise queued and the loop woken.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop always defers fn to the next pending-task drain, even if
// called from the loop's own goroutine; used when fn must not run
// re-entrantly inside the current callback (e.g. a channel removing
// itself).
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, fn)
	shouldWake := !l.IsInLoopThread() || l.callingPending
	l.mu.Unlock()

	if shouldWake {
		l.wakeup()
	}
}

func (l *EventLoop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.callingPending = true
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}

	l.mu.Lock()
	l.callingPending = false
	l.mu.Unlock()
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(l.wakeupFD, buf[:])
}

func (l *EventLoop) handleWakeup() {
	var buf [8]byte
	unix.Read(l.wakeupFD, buf[:])
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	if err := l.poller.updateChannel(ch); err != nil && l.logger != nil {
		l.logger.Error("updateChannel failed", "fd", ch.fd, "error", err)
	}
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if err := l.poller.removeChannel(ch); err != nil && l.logger != nil {
		l.logger.Error("removeChannel failed", "fd", ch.fd, "error", err)
	}
}

// RunAt schedules callback to fire once at `when`.
func (l *EventLoop) RunAt(when time.Time, callback func()) TimerID {
	return l.timers.addTimer(when, 0, callback)
}

// RunEvery schedules callback to fire repeatedly every interval,
// starting one interval from now.
func (l *EventLoop) RunEvery(interval time.Duration, callback func()) TimerID {
	return l.timers.addTimer(time.Now().Add(interval), interval, callback)
}

// CancelTimer cancels a previously scheduled timer. A repeating timer
// stops firing; for a one-shot timer that has already fired the call is
// a no-op.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.RunInLoop(func() { l.timers.cancel(id) })
}

// Close releases the loop's poller, timer and wakeup descriptors. Must
// be called after Loop has returned.
func (l *EventLoop) Close() error {
	l.poller.close()
	l.timers.close()
	return unix.Close(l.wakeupFD)
}
