package conn

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flowpbx/lightvoice/internal/codec"
	"github.com/flowpbx/lightvoice/internal/reactor"
)

func newTestLoop(t *testing.T) *reactor.EventLoop {
	t.Helper()
	loop, err := reactor.New(nil)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
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
	time.Sleep(10 * time.Millisecond)
	return loop
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	var fds [2]int
	if err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0, &fds[:]); err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestSendFromForeignGoroutineArrivesInOrder(t *testing.T) {
	loop := newTestLoop(t)
	fd, peer := socketpair(t)
	defer unix.Close(peer)

	var c *Connection
	started := make(chan struct{})
	loop.RunInLoop(func() {
		c = New(loop, "test-conn", fd, nil, nil, Config{}, nil)
		c.Start()
		close(started)
	})
	<-started

	if err := c.Send([]byte("one")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send([]byte("two")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, 256)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	got := buf[:n]
	want, _ := codec.Encode([]byte("one"))
	want2, _ := codec.Encode([]byte("two"))
	want = append(want, want2...)
	if string(got) != string(want) {
		t.Fatalf("bytes received = %q, want %q", got, want)
	}
}

func TestMessageCallbackFiresOnFramedInput(t *testing.T) {
	loop := newTestLoop(t)
	fd, peer := socketpair(t)
	defer unix.Close(peer)

	received := make(chan string, 1)
	loop.RunInLoop(func() {
		c := New(loop, "test-conn", fd, nil, nil, Config{}, nil)
		c.MessageCallback = func(_ *Connection, payload []byte) {
			received <- string(payload)
		}
		c.Start()
	})

	time.Sleep(20 * time.Millisecond)
	frame, _ := codec.Encode([]byte("hello"))
	if _, err := unix.Write(peer, frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("payload = %q, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("MessageCallback never fired")
	}
}

func TestPeerCloseTriggersDisconnected(t *testing.T) {
	loop := newTestLoop(t)
	fd, peer := socketpair(t)

	disconnected := make(chan struct{})
	loop.RunInLoop(func() {
		c := New(loop, "test-conn", fd, nil, nil, Config{}, nil)
		c.StateCallback = func(_ *Connection, state State) {
			if state == Disconnected {
				close(disconnected)
			}
		}
		c.Start()
	})

	time.Sleep(20 * time.Millisecond)
	unix.Close(peer)

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("connection never reached Disconnected after peer close")
	}
}
