package server

import (
	"github.com/flowpbx/lightvoice/internal/room"
)

// session is the per-connection state stashed in conn.Connection.Context.
// It is only ever touched from the connection's own owning loop, since
// MessageCallback and StateCallback both fire there exclusively.
type session struct {
	userID      string
	displayName string

	user *room.User // non-nil once joined
	room *room.Room // non-nil once joined
}

func (s *session) loggedIn() bool {
	return s.userID != ""
}

func (s *session) joined() bool {
	return s.room != nil
}
