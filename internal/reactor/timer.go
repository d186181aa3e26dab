package reactor

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// TimerID identifies a scheduled timer so it can be cancelled.
type TimerID uint64

type timerEntry struct {
	seq      uint64
	when     time.Time
	interval time.Duration // zero for a one-shot timer
	callback func()
	id       TimerID
	canceled bool
}

// timerHeap orders pending timers by (expiration, sequence), the
// sequence number breaking ties between timers scheduled for the exact
// same instant in the order they were registered.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// timerQueue is the timer wheel: a min-heap of pending timers plus a
// timerfd used to wake the owning loop's poller exactly when the
// earliest entry is due, instead of polling on a fixed tick.
type timerQueue struct {
	timerFD int
	heap    timerHeap
	byID    map[TimerID]*timerEntry
	nextSeq uint64
	nextID  TimerID
}

func newTimerQueue() (*timerQueue, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return &timerQueue{
		timerFD: fd,
		byID:    make(map[TimerID]*timerEntry),
	}, nil
}

func (q *timerQueue) fd() int { return q.timerFD }

// addTimer schedules callback to run at `when`, repeating every
// `interval` if interval > 0, and returns an id that cancel() accepts.
func (q *timerQueue) addTimer(when time.Time, interval time.Duration, callback func()) TimerID {
	q.nextSeq++
	q.nextID++
	entry := &timerEntry{
		seq:      q.nextSeq,
		when:     when,
		interval: interval,
		callback: callback,
		id:       q.nextID,
	}
	heap.Push(&q.heap, entry)
	q.byID[entry.id] = entry
	q.resetTimerFD()
	return entry.id
}

// cancel marks a timer inactive; it is lazily dropped out of the heap
// the next time it would otherwise fire.
func (q *timerQueue) cancel(id TimerID) {
	if e, ok := q.byID[id]; ok {
		e.canceled = true
		delete(q.byID, id)
	}
}

// expireAndReschedule pops every timer whose expiration is at or before
// now, collects its callback for the caller to run, and re-inserts
// repeating timers at their next interval. Must only be called from the
// owning loop's thread.
func (q *timerQueue) expireAndReschedule(now time.Time) []func() {
	var due []func()
	for q.heap.Len() > 0 {
		next := q.heap[0]
		if next.when.After(now) {
			break
		}
		heap.Pop(&q.heap)
		if next.canceled {
			continue
		}
		due = append(due, next.callback)
		if next.interval > 0 {
			next.when = next.when.Add(next.interval)
			next.seq = q.nextSeq + 1
			q.nextSeq++
			heap.Push(&q.heap, next)
		} else {
			delete(q.byID, next.id)
		}
	}
	q.resetTimerFD()
	return due
}

// resetTimerFD arms the kernel timer for the earliest pending
// expiration, or disarms it when the queue is empty.
func (q *timerQueue) resetTimerFD() {
	var spec unix.ItimerSpec
	if q.heap.Len() > 0 {
		d := time.Until(q.heap[0].when)
		if d < 100*time.Microsecond {
			d = 100 * time.Microsecond
		}
		spec.Value.Sec = int64(d / time.Second)
		spec.Value.Nsec = int64(d % time.Second)
	}
	unix.TimerfdSettime(q.timerFD, 0, &spec, nil)
}

// drainFD reads and discards the 8-byte expiration counter timerfd
// delivers on each fire, as required before it will report readiness
// again.
func (q *timerQueue) drainFD() {
	var buf [8]byte
	unix.Read(q.timerFD, buf[:])
}

func (q *timerQueue) close() error {
	return unix.Close(q.timerFD)
}
