package reactor

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Loop()
	}()
	t.Cleanup(func() {
		loop.Quit()
		wg.Wait()
		loop.Close()
	})
	// Give the loop goroutine a moment to pin its OS thread before tests
	// start issuing RunInLoop calls from other goroutines.
	time.Sleep(10 * time.Millisecond)
	return loop
}

func TestRunInLoopFromForeignGoroutine(t *testing.T) {
	loop := newTestLoop(t)

	done := make(chan struct{})
	loop.RunInLoop(func() {
		if !loop.IsInLoopThread() {
			t.Error("RunInLoop callback did not run on loop thread")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunInLoop callback never ran")
	}
}

func TestRunEveryFiresRepeatedly(t *testing.T) {
	loop := newTestLoop(t)

	var count atomic.Int32
	id := loop.RunEvery(20*time.Millisecond, func() {
		count.Add(1)
	})
	defer loop.CancelTimer(id)

	time.Sleep(120 * time.Millisecond)
	if got := count.Load(); got < 2 {
		t.Fatalf("timer fired %d times in 120ms at 20ms interval, want >= 2", got)
	}
}

func TestChannelReadCallbackFiresOnSocketData(t *testing.T) {
	loop := newTestLoop(t)

	var fds [2]int
	if err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0, &fds[:]); err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	fired := make(chan struct{})
	var ch *Channel
	loop.RunInLoop(func() {
		ch = NewChannel(loop, fds[0])
		ch.ReadCallback = func() {
			var buf [16]byte
			unix.Read(fds[0], buf[:])
			close(fired)
		}
		ch.EnableReading()
	})

	time.Sleep(20 * time.Millisecond)
	unix.Write(fds[1], []byte("hi"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("read callback never fired")
	}

	loop.RunInLoop(func() {
		ch.Remove()
		unix.Close(fds[0])
	})
}

func TestAcceptorHandlesNewConnection(t *testing.T) {
	loop := newTestLoop(t)

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	acc, err := NewAcceptor(loop, addr, nil)
	if err != nil {
		t.Fatalf("NewAcceptor: %v", err)
	}

	sa, err := unix.Getsockname(acc.listenFD)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	accepted := make(chan int, 1)
	acc.NewConnectionCallback = func(fd int, peer net.Addr) {
		accepted <- fd
	}
	loop.RunInLoop(acc.Listen)
	defer loop.RunInLoop(func() { acc.Close() })

	time.Sleep(20 * time.Millisecond)
	conn, err := net.Dial("tcp4", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}).String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case fd := <-accepted:
		defer unix.Close(fd)
	case <-time.After(time.Second):
		t.Fatal("acceptor never invoked NewConnectionCallback")
	}
}
