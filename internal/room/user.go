package room

import (
	"sync"

	"github.com/flowpbx/lightvoice/internal/conn"
)

// User binds an identity to a connection and, while joined, to exactly
// one room. The connection reference is strong (a User keeps its
// connection alive for as long as it exists); the room reference is
// logically weak: Room.RemoveUser clears it so Room() resolves to nil
// immediately even though the *Room value itself may still be kept
// alive elsewhere (e.g. by another member's User, or by the registry).
type User struct {
	ID          string
	DisplayName string
	Conn        *conn.Connection

	mu   sync.RWMutex
	room *Room
}

// NewUser creates a User identified by id/displayName bound to conn,
// not yet joined to any room.
func NewUser(id, displayName string, c *conn.Connection) *User {
	return &User{ID: id, DisplayName: displayName, Conn: c}
}

// Room returns the room this user currently belongs to, or nil if the
// user has not joined one or has since been removed.
func (u *User) Room() *Room {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.room
}

func (u *User) setRoom(r *Room) {
	u.mu.Lock()
	u.room = r
	u.mu.Unlock()
}
