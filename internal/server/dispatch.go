package server

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/lightvoice/internal/conn"
	"github.com/flowpbx/lightvoice/internal/protocol"
	"github.com/flowpbx/lightvoice/internal/room"
	"github.com/google/uuid"
)

// onConnState fires on Connected and Disconnected. On Disconnected it
// removes the session's user from whatever room it had joined, the
// same cleanup an explicit leave-room message would have triggered.
func (s *Server) onConnState(c *conn.Connection, state conn.State) {
	if state != conn.Disconnected {
		return
	}
	sess, ok := c.Context.(*session)
	if !ok || !sess.joined() {
		return
	}
	r := sess.room
	r.RemoveUser(sess.user)
	sess.room = nil
	sess.user = nil

	if r.MemberCount() > 0 {
		return
	}
	s.registry.Destroy(r.ID)
	if s.historyDB != nil {
		if err := s.historyDB.RecordDestroyed(context.Background(), r.ID, time.Now()); err != nil && s.logger != nil {
			s.logger.Warn("recording room destruction failed", "room", r.ID, "error", err)
		}
	}
}

// onMessage fires once per framed payload. It unwraps the leading
// marker byte and routes to the control-plane dispatcher or straight
// to the joined room's pending-audio queue.
func (s *Server) onMessage(c *conn.Connection, payload []byte) {
	marker, body, err := protocol.Unwrap(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("dropping malformed payload", "conn", c.Name(), "error", err)
		}
		return
	}

	sess, _ := c.Context.(*session)
	if sess == nil {
		return
	}

	switch marker {
	case protocol.MarkerAudio:
		s.handleAudio(sess, body)
	case protocol.MarkerControl:
		s.handleControl(c, sess, body)
	default:
		if s.logger != nil {
			s.logger.Warn("unknown payload marker, dropping", "conn", c.Name(), "marker", marker)
		}
	}
}

func (s *Server) handleAudio(sess *session, frame []byte) {
	if !sess.joined() {
		return
	}
	sess.room.OnAudioPacket(sess.userID, frame)
}

func (s *Server) handleControl(c *conn.Connection, sess *session, body []byte) {
	var pkt protocol.Packet
	if err := protocol.Unmarshal(body, &pkt); err != nil {
		if s.logger != nil {
			s.logger.Warn("dropping malformed control packet", "conn", c.Name(), "error", err)
		}
		return
	}

	switch pkt.Kind {
	case protocol.KindLogin:
		s.handleLogin(c, sess, pkt)
	case protocol.KindCreateRoom:
		s.handleCreateRoom(c, sess, pkt)
	case protocol.KindJoinRoom:
		s.handleJoinRoom(c, sess, pkt)
	case protocol.KindListRooms:
		s.handleListRooms(c)
	case protocol.KindChat:
		s.handleChat(sess, pkt)
	default:
		if s.logger != nil {
			s.logger.Warn("unknown control packet kind, dropping", "conn", c.Name(), "kind", pkt.Kind)
		}
	}
}

// handleLogin establishes the session's identity. A client presenting
// a previously-minted token resumes that identity; otherwise a fresh
// user id is allocated and the supplied display name (falling back to
// an anonymous placeholder) is bound to it. Either way a freshly
// signed token is returned so the client can resume later.
func (s *Server) handleLogin(c *conn.Connection, sess *session, pkt protocol.Packet) {
	userID := ""
	displayName := pkt.DisplayName

	if pkt.Token != "" {
		if claims, err := s.minter.Verify(pkt.Token); err == nil {
			userID = claims.UserID
			displayName = claims.DisplayName
		}
	}
	if userID == "" {
		userID = uuid.NewString()
	}
	if displayName == "" {
		displayName = "guest-" + userID[:8]
	}

	token, err := s.minter.Mint(userID, displayName)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("minting identity token failed", "conn", c.Name(), "error", err)
		}
		return
	}

	sess.userID = userID
	sess.displayName = displayName

	reply, err := protocol.WrapControl(protocol.Packet{
		Kind:        protocol.KindLogin,
		Token:       token,
		UserID:      userID,
		DisplayName: displayName,
	})
	if err != nil {
		return
	}
	c.Send(reply)
}

func (s *Server) handleCreateRoom(c *conn.Connection, sess *session, pkt protocol.Packet) {
	if !sess.loggedIn() {
		s.sendError(c, "must log in before creating a room")
		return
	}
	name := pkt.RoomName
	if name == "" {
		name = "room"
	}

	r, err := s.registry.Create(name, sess.userID)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("creating room failed", "conn", c.Name(), "error", err)
		}
		s.sendError(c, "failed to create room")
		return
	}

	if s.historyDB != nil {
		if err := s.historyDB.RecordCreated(context.Background(), r.ID, r.Name, r.OwnerID, time.Now()); err != nil && s.logger != nil {
			s.logger.Warn("recording room history failed", "room", r.ID, "error", err)
		}
	}

	reply, err := protocol.WrapControl(protocol.Packet{
		Kind:     protocol.KindCreateRoom,
		RoomID:   r.ID,
		RoomName: r.Name,
	})
	if err != nil {
		return
	}
	c.Send(reply)
}

func (s *Server) handleJoinRoom(c *conn.Connection, sess *session, pkt protocol.Packet) {
	if !sess.loggedIn() {
		s.sendError(c, "must log in before joining a room")
		return
	}
	if sess.joined() {
		s.sendError(c, "already joined a room, leave first")
		return
	}

	r, ok := s.registry.Find(pkt.RoomID)
	if !ok {
		s.sendError(c, fmt.Sprintf("room %d not found", pkt.RoomID))
		return
	}

	u := room.NewUser(sess.userID, sess.displayName, c)
	r.AddUser(u)
	sess.user = u
	sess.room = r

	if s.historyDB != nil {
		if err := s.historyDB.UpdatePeakMembers(context.Background(), r.ID, r.MemberCount()); err != nil && s.logger != nil {
			s.logger.Warn("recording peak members failed", "room", r.ID, "error", err)
		}
	}

	reply, err := protocol.WrapControl(protocol.Packet{
		Kind:     protocol.KindJoinRoom,
		RoomID:   r.ID,
		RoomName: r.Name,
	})
	if err != nil {
		return
	}
	c.Send(reply)
}

func (s *Server) handleListRooms(c *conn.Connection) {
	rooms := s.registry.List()
	items := make([]protocol.RoomListItem, 0, len(rooms))
	for _, r := range rooms {
		items = append(items, protocol.RoomListItem{
			RoomID:  r.ID,
			Name:    r.Name,
			Members: r.MemberCount(),
		})
	}

	reply, err := protocol.WrapControl(items)
	if err != nil {
		return
	}
	c.Send(reply)
}

func (s *Server) handleChat(sess *session, pkt protocol.Packet) {
	if !sess.joined() {
		return
	}
	sess.room.BroadcastChat(sess.userID, sess.displayName, pkt.Text)
}

func (s *Server) sendError(c *conn.Connection, msg string) {
	reply, err := protocol.WrapControl(protocol.Packet{Kind: protocol.KindError, Text: msg})
	if err != nil {
		return
	}
	c.Send(reply)
}
