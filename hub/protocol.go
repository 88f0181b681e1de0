package hub

import (
	"encoding/json"

	"boardsync/domain"
)

// Message types exchanged over the websocket transport. Mutation
// notifications come in as the request form (card:move) and go out to the
// rest of the room as the broadcast form (card:moved).
const (
	MsgJoin           = "board:join"
	MsgJoinSuccess    = "join:success"
	MsgRoomUsers      = "room:users"
	MsgUserJoined     = "user:joined"
	MsgUserLeft       = "user:left"
	MsgPresenceUpdate = "presence:update"
	MsgUserPresence   = "user:presence"
	MsgCardMove       = "card:move"
	MsgCardUpdate     = "card:update"
	MsgListMove       = "list:move"
	MsgListUpdate     = "list:update"
	MsgCardMoved      = "card:moved"
	MsgCardUpdated    = "card:updated"
	MsgListMoved      = "list:moved"
	MsgListUpdated    = "list:updated"
	MsgError          = "error"
)

// broadcastType maps a client request message to the broadcast form the
// rest of the room receives.
func broadcastType(msgType string) string {
	switch msgType {
	case MsgCardMove:
		return MsgCardMoved
	case MsgCardUpdate:
		return MsgCardUpdated
	case MsgListMove:
		return MsgListMoved
	case MsgListUpdate:
		return MsgListUpdated
	}
	return ""
}

// Envelope wraps every message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinData is sent by a client entering a room.
type JoinData struct {
	RoomID    string `json:"roomId"`
	ActorID   string `json:"actorId"`
	ActorName string `json:"actorName"`
}

// JoinSuccessData acknowledges a join and tells the session its id.
type JoinSuccessData struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
}

// RoomUsersData lists the members already present, excluding the joiner.
type RoomUsersData struct {
	Members []domain.Member `json:"members"`
}

// MemberData announces a join or leave of a single session.
type MemberData struct {
	SessionID string `json:"sessionId"`
	ActorID   string `json:"actorId"`
	ActorName string `json:"actorName"`
}

// PresenceData updates or broadcasts a session's presence state.
type PresenceData struct {
	SessionID string `json:"sessionId,omitempty"`
	ActorID   string `json:"actorId,omitempty"`
	ActorName string `json:"actorName,omitempty"`
	Presence  string `json:"presence"`
	TargetID  string `json:"targetEntityId,omitempty"`
}

// ErrorData carries a human-readable transport error to the client.
type ErrorData struct {
	Message string `json:"message"`
}

func encode(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = buf
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}
