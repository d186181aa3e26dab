// Package protocol defines the structured message schema carried as
// payload inside the framing layer: control-plane envelopes, room
// notifications, and the audio marker recipients use to tell an audio
// packet apart from a control message without parsing it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags a Packet's purpose on the control plane.
type Kind string

const (
	KindLogin      Kind = "login"
	KindJoinRoom   Kind = "join-room"
	KindCreateRoom Kind = "create-room"
	KindListRooms  Kind = "list-rooms"
	KindChat       Kind = "chat"
	KindAudio      Kind = "audio"
	KindError      Kind = "error"
)

// Packet is the generic control-plane envelope. Fields are optional
// depending on Kind; unused ones are omitted from the wire encoding.
type Packet struct {
	Kind        Kind   `json:"kind"`
	Token       string `json:"token,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	RoomID      int    `json:"room_id,omitempty"`
	RoomName    string `json:"room_name,omitempty"`
	Text        string `json:"text,omitempty"`
}

// RoomListItem is one entry in a list-rooms reply.
type RoomListItem struct {
	RoomID  int    `json:"room_id"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// NotificationType distinguishes a RoomNotification's kind of event.
type NotificationType string

const (
	NotificationJoin  NotificationType = "JOIN"
	NotificationLeave NotificationType = "LEAVE"
)

// RoomNotification is broadcast to every remaining member when a user
// joins or leaves a room.
type RoomNotification struct {
	Type     NotificationType `json:"type"`
	UserID   string           `json:"user_id"`
	Username string           `json:"username"`
	Message  string           `json:"message"`
}

// Marshal encodes v (a Packet or RoomNotification) to the JSON bytes
// carried as frame payload.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a control-plane payload into a Packet.
func Unmarshal(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// Marker is a single leading byte on every framed payload, letting a
// connection tell a control-plane message apart from an opaque audio
// frame without touching a JSON parser on the hot audio path.
type Marker byte

const (
	MarkerControl Marker = 0
	MarkerAudio   Marker = 1
)

// WrapControl marshals v and prepends MarkerControl.
func WrapControl(v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(MarkerControl)}, body...), nil
}

// WrapAudio prepends MarkerAudio to a raw encoded audio frame.
func WrapAudio(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+1)
	out = append(out, byte(MarkerAudio))
	return append(out, frame...)
}

// Unwrap splits a framed payload into its marker and remaining body.
// An empty payload is an error: every LightVoice message carries at
// least the marker byte.
func Unwrap(payload []byte) (Marker, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, errEmptyPayload
	}
	return Marker(payload[0]), payload[1:], nil
}

var errEmptyPayload = fmt.Errorf("protocol: empty payload")
