// Package protocol defines the JSON frames exchanged between the relay hub
// and its websocket clients, and the close codes both sides agree on.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound frame types (client to hub).
const (
	TypeAuth         = "auth"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRequestSync  = "request_sync"
	TypeAckAlert     = "ack_alert"
	TypeResolveAlert = "resolve_alert"
)

// Outbound frame types (hub to client).
const (
	TypeAuthSuccess  = "auth_success"
	TypeRoomJoined   = "room_joined"
	TypeRoomLeft     = "room_left"
	TypeRoomError    = "room_error"
	TypeHeartbeat    = "heartbeat"
	TypeEvent        = "event"
	TypeAlert        = "alert"
	TypeSyncComplete = "sync_complete"
	TypeError        = "error"
)

// Identity is the verified identity echoed in auth_success.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Frame is the flat wire representation of every frame. Only the fields
// relevant to Type are populated.
type Frame struct {
	Type string `json:"type"`

	Token    string    `json:"token,omitempty"`
	Identity *Identity `json:"identity,omitempty"`

	Room   string `json:"room,omitempty"`
	Reason string `json:"reason,omitempty"`

	Cursor uint64 `json:"cursor,omitempty"`

	Seq        uint64          `json:"seq,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurredAt,omitzero"`

	ID          string `json:"id,omitempty"`
	Category    string `json:"category,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Title       string `json:"title,omitempty"`
	Message     string `json:"message,omitempty"`
	Status      string `json:"status,omitempty"`
	Occurrences int    `json:"occurrences,omitempty"`
	Escalations int    `json:"escalations,omitempty"`

	Timestamp int64 `json:"ts,omitempty"`
}

// Encode marshals a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// AuthSuccess acknowledges a verified handshake.
func AuthSuccess(userID, role string) Frame {
	return Frame{Type: TypeAuthSuccess, Identity: &Identity{UserID: userID, Role: role}}
}

// RoomJoined confirms a join.
func RoomJoined(room string) Frame {
	return Frame{Type: TypeRoomJoined, Room: room}
}

// RoomLeft confirms a leave.
func RoomLeft(room string) Frame {
	return Frame{Type: TypeRoomLeft, Room: room}
}

// RoomError rejects a join without closing the connection.
func RoomError(room, reason string) Frame {
	return Frame{Type: TypeRoomError, Room: room, Reason: reason}
}

// Heartbeat is the application-level liveness probe.
func Heartbeat(now time.Time) Frame {
	return Frame{Type: TypeHeartbeat, Timestamp: now.UnixMilli()}
}

// HeartbeatAck answers a Heartbeat.
func HeartbeatAck() Frame {
	return Frame{Type: TypeHeartbeatAck}
}

// Event carries one routed domain event.
func Event(seq uint64, kind string, data json.RawMessage, occurredAt time.Time) Frame {
	return Frame{Type: TypeEvent, Seq: seq, Kind: kind, Data: data, OccurredAt: occurredAt}
}

// SyncComplete terminates a catch-up replay; Cursor is the highest sequence replayed
// or the requested cursor when nothing was missed.
func SyncComplete(cursor uint64) Frame {
	return Frame{Type: TypeSyncComplete, Cursor: cursor}
}

// Error reports a rejected inbound frame.
func Error(reason string) Frame {
	return Frame{Type: TypeError, Reason: reason}
}

// RequestSync asks the hub to replay events after cursor.
func RequestSync(cursor uint64) Frame {
	return Frame{Type: TypeRequestSync, Cursor: cursor}
}

// JoinRoom asks the hub to add the connection to room.
func JoinRoom(room string) Frame {
	return Frame{Type: TypeJoinRoom, Room: room}
}

// LeaveRoom asks the hub to remove the connection from room.
func LeaveRoom(room string) Frame {
	return Frame{Type: TypeLeaveRoom, Room: room}
}

// Auth carries a first-frame credential.
func Auth(token string) Frame {
	return Frame{Type: TypeAuth, Token: token}
}
