package hub

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"boardsync/domain"
)

// session is one live connection. It joins at most one room and carries the
// actor identity supplied in the join message.
type session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	roomID   string
	actor    domain.Actor
	presence domain.Presence
	joined   bool
}

func (s *session) member() domain.Member {
	return domain.Member{SessionID: s.id, Actor: s.actor, Presence: s.presence}
}

// readLoop dispatches incoming messages until the connection drops, then
// tears the session down. It runs on the HandleConn goroutine.
func (s *session) readLoop() {
	defer s.teardown()
	for {
		_, buf, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.logger.WithError(err).WithField("session", s.id).Debug("websocket read ended")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			s.sendError("malformed message")
			continue
		}
		s.dispatch(env)
	}
}

func (s *session) dispatch(env Envelope) {
	switch env.Type {
	case MsgJoin:
		var data JoinData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.RoomID == "" || data.ActorID == "" {
			s.sendError("invalid join request")
			return
		}
		if s.joined {
			s.sendError("already joined")
			return
		}
		members := s.hub.join(s, data.RoomID, domain.Actor{ID: data.ActorID, Name: data.ActorName})
		s.joined = true
		s.reply(MsgJoinSuccess, JoinSuccessData{RoomID: data.RoomID, SessionID: s.id})
		s.reply(MsgRoomUsers, RoomUsersData{Members: members})
	case MsgPresenceUpdate:
		if !s.joined {
			s.sendError("join a room first")
			return
		}
		var data PresenceData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.sendError("invalid presence update")
			return
		}
		state := data.Presence
		if state != domain.PresenceViewing && state != domain.PresenceEditing {
			s.sendError("unknown presence state")
			return
		}
		s.hub.setPresence(s, domain.Presence{State: state, TargetID: data.TargetID})
	case MsgCardMove, MsgCardUpdate, MsgListMove, MsgListUpdate:
		if !s.joined {
			s.sendError("join a room first")
			return
		}
		s.hub.relayFrom(s, broadcastType(env.Type), env.Data)
	default:
		s.sendError("unknown message type")
	}
}

func (s *session) reply(msgType string, data any) {
	buf, err := encode(msgType, data)
	if err != nil {
		s.hub.logger.WithError(err).Error("encode reply failed")
		return
	}
	select {
	case s.send <- buf:
	default:
		s.hub.logger.WithField("session", s.id).Warn("session send buffer full, dropping reply")
	}
}

func (s *session) sendError(msg string) {
	s.reply(MsgError, ErrorData{Message: msg})
}

// writePump drains the send channel onto the connection. Closing the channel
// (in teardown) ends it.
func (s *session) writePump() {
	for buf := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			s.hub.logger.WithError(err).WithField("session", s.id).Debug("websocket write failed")
			// keep draining so teardown can close the channel without blocking senders
		}
	}
	_ = s.conn.Close()
}

func (s *session) teardown() {
	if s.joined {
		s.hub.leave(s)
	}
	close(s.send)
}
