// Package room implements the member set and periodic mix tick for a
// single voice room, plus the process-wide room registry.
package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/lightvoice/internal/protocol"
	"github.com/flowpbx/lightvoice/internal/queue"
	"github.com/flowpbx/lightvoice/internal/reactor"
	"github.com/flowpbx/lightvoice/internal/voice"
)

// TickInterval is the fixed period of a room's mix tick.
const TickInterval = 20 * time.Millisecond

type pendingFrame struct {
	senderID string
	payload  []byte
}

// Room holds one named set of connected users sharing a single mixer.
// The member map and pending-audio queue are mutex-guarded; everything
// else (the mixer itself) is only ever touched from the mix loop's own
// tick callback, so it needs no lock of its own.
type Room struct {
	ID      int
	Name    string
	OwnerID string

	logger *slog.Logger
	mixer  *voice.Mixer
	pend   *queue.Queue[pendingFrame]

	mu      sync.Mutex
	members map[string]*User

	loop    *reactor.EventLoop
	timerID reactor.TimerID
}

// New creates a room bound to mixLoop, with mixer as its decode/sum/
// encode pipeline. The caller must call Start to begin ticking.
func New(id int, name, ownerID string, mixLoop *reactor.EventLoop, mixer *voice.Mixer, logger *slog.Logger) *Room {
	return &Room{
		ID:      id,
		Name:    name,
		OwnerID: ownerID,
		logger:  logger,
		mixer:   mixer,
		pend:    queue.New[pendingFrame](),
		members: make(map[string]*User),
		loop:    mixLoop,
	}
}

// Start schedules the room's recurring mix tick on its mix loop.
func (r *Room) Start() {
	r.timerID = r.loop.RunEvery(TickInterval, r.tick)
}

// Stop cancels the room's mix tick. The room itself may still be
// referenced (e.g. by a User that has not yet been removed) after this
// returns; Stop only silences further mixing.
func (r *Room) Stop() {
	r.loop.CancelTimer(r.timerID)
}

// AddUser inserts u into the member map under the room mutex, binds
// u's room reference in the same critical section (preserving "member
// implies user.room == this room"), and notifies every other current
// member that u joined.
func (r *Room) AddUser(u *User) {
	r.mu.Lock()
	r.members[u.ID] = u
	u.setRoom(r)
	others := r.snapshotMembersLocked(u.ID)
	r.mu.Unlock()

	r.broadcastNotification(others, protocol.RoomNotification{
		Type:     protocol.NotificationJoin,
		UserID:   u.ID,
		Username: u.DisplayName,
		Message:  fmt.Sprintf("%s joined the room", u.DisplayName),
	})
}

// RemoveUser deletes u from the member map and clears its room
// reference under the same critical section, then notifies the
// remaining members that u left.
func (r *Room) RemoveUser(u *User) {
	r.mu.Lock()
	delete(r.members, u.ID)
	u.setRoom(nil)
	others := r.snapshotMembersLocked("")
	r.mu.Unlock()

	r.broadcastNotification(others, protocol.RoomNotification{
		Type:     protocol.NotificationLeave,
		UserID:   u.ID,
		Username: u.DisplayName,
		Message:  fmt.Sprintf("%s left the room", u.DisplayName),
	})
}

// snapshotMembersLocked returns every current member except excludeID,
// and must be called with r.mu held.
func (r *Room) snapshotMembersLocked(excludeID string) []*User {
	out := make([]*User, 0, len(r.members))
	for id, u := range r.members {
		if id == excludeID {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (r *Room) broadcastNotification(to []*User, n protocol.RoomNotification) {
	payload, err := protocol.WrapControl(n)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("failed to marshal room notification", "room", r.ID, "error", err)
		}
		return
	}
	for _, u := range to {
		if err := u.Conn.Send(payload); err != nil && r.logger != nil {
			r.logger.Warn("failed to deliver room notification", "room", r.ID, "user", u.ID, "error", err)
		}
	}
}

// BroadcastChat relays a chat message from fromID/fromName to every
// current member, including the sender, so every client renders the
// same transcript.
func (r *Room) BroadcastChat(fromID, fromName, text string) {
	r.mu.Lock()
	members := r.snapshotMembersLocked("")
	r.mu.Unlock()

	payload, err := protocol.WrapControl(protocol.Packet{
		Kind:        protocol.KindChat,
		UserID:      fromID,
		DisplayName: fromName,
		Text:        text,
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Error("failed to marshal chat message", "room", r.ID, "error", err)
		}
		return
	}
	for _, u := range members {
		if err := u.Conn.Send(payload); err != nil && r.logger != nil {
			r.logger.Warn("failed to deliver chat message", "room", r.ID, "user", u.ID, "error", err)
		}
	}
}

// OnAudioPacket appends an audio frame from senderID to the pending
// queue for the next mix tick to pick up. Thread-safe; called from
// whichever worker loop owns the sending connection.
func (r *Room) OnAudioPacket(senderID string, frame []byte) {
	r.pend.Push(pendingFrame{senderID: senderID, payload: frame})
}

// MemberCount returns the current number of joined users.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// tick runs one mix cycle: drain pending audio, mix it, snapshot
// members, and fan the result out. Invoked only by the mix loop's
// timer, so it never runs concurrently with itself.
func (r *Room) tick() {
	pending := r.pend.Drain()
	if len(pending) == 0 {
		return
	}

	frames := make([][]byte, len(pending))
	senders := make([]string, len(pending))
	for i, p := range pending {
		frames[i] = p.payload
		senders[i] = p.senderID
	}

	packet, ok, err := r.mixer.Mix(frames)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("mix failed", "room", r.ID, "error", err)
		}
		return
	}
	if !ok {
		return
	}

	r.mu.Lock()
	members := make([]*User, 0, len(r.members))
	for _, u := range r.members {
		members = append(members, u)
	}
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("mix tick", "room", r.ID, "contributors", senders, "subscribers", len(members))
	}

	wire := protocol.WrapAudio(packet)
	for _, u := range members {
		if err := u.Conn.Send(wire); err != nil && r.logger != nil {
			r.logger.Warn("failed to deliver mixed audio", "room", r.ID, "user", u.ID, "error", err)
		}
	}
}
