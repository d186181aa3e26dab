package room

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flowpbx/lightvoice/internal/buffer"
	"github.com/flowpbx/lightvoice/internal/codec"
	"github.com/flowpbx/lightvoice/internal/conn"
	"github.com/flowpbx/lightvoice/internal/protocol"
	"github.com/flowpbx/lightvoice/internal/reactor"
	"github.com/flowpbx/lightvoice/internal/voice"
)

// passthroughCodec treats PCM as its own wire format, matching the
// fake codec used in the voice package's own tests, so room-level
// tests can assert on exact decoded values fanned out to members.
type passthroughCodec struct{}

func (passthroughCodec) Decode(packet []byte) ([]int16, error) {
	pcm := make([]int16, len(packet)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(packet[i*2:]))
	}
	return pcm, nil
}

func (passthroughCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func silentFrame() []byte {
	pcm := make([]int16, voice.FrameSamples*voice.Channels)
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

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

func newTestUser(t *testing.T, loop *reactor.EventLoop, id string) (*User, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0, &fds[:]); err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	var c *conn.Connection
	started := make(chan struct{})
	loop.RunInLoop(func() {
		c = conn.New(loop, "room-test-"+id, fds[0], nil, nil, conn.Config{}, nil)
		c.Start()
		close(started)
	})
	<-started
	return NewUser(id, "user-"+id, c), fds[1]
}

func readOneFrame(t *testing.T, fd int) []byte {
	t.Helper()
	acc := buffer.New()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		buf := make([]byte, 8192)
		n, err := unix.Read(fd, buf)
		if err == nil && n > 0 {
			acc.Append(buf[:n])
			payload, ok, decErr := codec.TryDecode(acc)
			if decErr == nil && ok {
				return payload
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a frame")
	return nil
}

func TestAddRemoveUserUpdatesRoomBinding(t *testing.T) {
	loop := newTestLoop(t)
	reg := NewRegistry(loop, func() (voice.Codec, error) { return passthroughCodec{}, nil }, nil)

	r, err := reg.Create("general", "owner-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer reg.Destroy(r.ID)

	u, peerFD := newTestUser(t, loop, "u1")
	defer unix.Close(peerFD)

	r.AddUser(u)
	if u.Room() != r {
		t.Fatalf("Room() after AddUser = %v, want %v", u.Room(), r)
	}

	r.RemoveUser(u)
	if u.Room() != nil {
		t.Fatalf("Room() after RemoveUser = %v, want nil", u.Room())
	}
}

func TestRoomIDsStartAt1001AndNeverRepeat(t *testing.T) {
	loop := newTestLoop(t)
	reg := NewRegistry(loop, func() (voice.Codec, error) { return passthroughCodec{}, nil }, nil)

	r1, _ := reg.Create("a", "owner")
	if r1.ID != 1001 {
		t.Fatalf("first room id = %d, want 1001", r1.ID)
	}
	reg.Destroy(r1.ID)

	r2, _ := reg.Create("b", "owner")
	if r2.ID != 1002 {
		t.Fatalf("second room id after destroy = %d, want 1002", r2.ID)
	}
}

func TestJoinNotificationDeliveredToExistingMembers(t *testing.T) {
	loop := newTestLoop(t)
	reg := NewRegistry(loop, func() (voice.Codec, error) { return passthroughCodec{}, nil }, nil)
	r, _ := reg.Create("general", "owner")
	defer reg.Destroy(r.ID)

	u1, peer1 := newTestUser(t, loop, "u1")
	defer unix.Close(peer1)
	r.AddUser(u1)

	u2, peer2 := newTestUser(t, loop, "u2")
	defer unix.Close(peer2)
	r.AddUser(u2)

	payload := readOneFrame(t, peer1)
	marker, body, err := protocol.Unwrap(payload)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if marker != protocol.MarkerControl {
		t.Fatalf("marker = %v, want MarkerControl", marker)
	}
	var notif protocol.RoomNotification
	if err := protocol.Unmarshal(body, &notif); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if notif.Type != protocol.NotificationJoin || notif.UserID != "u2" {
		t.Fatalf("notification = %+v, want JOIN for u2", notif)
	}
}
