// Package hub keeps the per-process room state for live board collaboration:
// which sessions are connected to which board, what presence each session
// advertises, and the best-effort fan-out of mutation notifications to every
// other session in the same room.
//
// A Hub is explicitly constructed and injectable; several hubs can coexist
// in one process. State is purely in-memory and resets with the process.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// sendBuf bounds the per-session outbound queue. When a slow peer fills it,
// further messages to that session are dropped rather than stalling the room.
const sendBuf = 64

// Hub is the room registry and event relay.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id       string
	sessions map[string]*session
}

// New creates an empty hub.
func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// HandleConn upgrades the request and runs the session until the connection
// drops. The caller is expected to have authenticated the request already.
func (h *Hub) HandleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s := &session{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuf),
	}
	go s.writePump()
	s.readLoop()
}

// Relay delivers a mutation notification to every session in the board's
// room except excludeSessionID. Delivery is at-most-once per hop; sessions
// that are not connected at broadcast time simply never receive it.
func (h *Hub) Relay(boardID, msgType string, data any, excludeSessionID string) {
	buf, err := encode(msgType, data)
	if err != nil {
		h.logger.WithError(err).Error("relay encode failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(boardID, buf, excludeSessionID)
}

// RoomMembers returns a snapshot of the sessions currently in the board's
// room. Two tabs of the same actor show up as two members.
func (h *Hub) RoomMembers(boardID string) []domain.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[boardID]
	if !ok {
		return nil
	}
	members := make([]domain.Member, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		members = append(members, s.member())
	}
	return members
}

// RoomCount returns the number of live rooms, for health reporting.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) broadcastLocked(boardID string, buf []byte, excludeSessionID string) {
	rm, ok := h.rooms[boardID]
	if !ok {
		return
	}
	for id, s := range rm.sessions {
		if id == excludeSessionID {
			continue
		}
		select {
		case s.send <- buf:
		default:
			h.logger.WithFields(log.Fields{
				"room":    boardID,
				"session": id,
			}).Warn("session send buffer full, dropping message")
		}
	}
}

// join adds the session to the room (creating it on first join), returns the
// members already present, and announces the newcomer to them.
func (h *Hub) join(s *session, roomID string, actor domain.Actor) []domain.Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, sessions: make(map[string]*session)}
		h.rooms[roomID] = rm
	}

	existing := make([]domain.Member, 0, len(rm.sessions))
	for _, other := range rm.sessions {
		existing = append(existing, other.member())
	}

	s.roomID = roomID
	s.actor = actor
	s.presence = domain.Presence{State: domain.PresenceViewing}
	rm.sessions[s.id] = s

	joined, err := encode(MsgUserJoined, MemberData{SessionID: s.id, ActorID: actor.ID, ActorName: actor.Name})
	if err == nil {
		for id, other := range rm.sessions {
			if id == s.id {
				continue
			}
			select {
			case other.send <- joined:
			default:
			}
		}
	}

	h.logger.WithFields(log.Fields{
		"room":    roomID,
		"session": s.id,
		"actor":   actor.ID,
		"members": len(rm.sessions),
	}).Debug("session joined room")

	return existing
}

// leave removes the session and announces its departure. The room is dropped
// when its last session leaves.
func (h *Hub) leave(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[s.roomID]
	if !ok {
		return
	}
	if _, ok := rm.sessions[s.id]; !ok {
		return
	}
	delete(rm.sessions, s.id)
	if len(rm.sessions) == 0 {
		delete(h.rooms, s.roomID)
	}

	left, err := encode(MsgUserLeft, MemberData{SessionID: s.id, ActorID: s.actor.ID, ActorName: s.actor.Name})
	if err == nil {
		for _, other := range rm.sessions {
			select {
			case other.send <- left:
			default:
			}
		}
	}

	h.logger.WithFields(log.Fields{
		"room":    s.roomID,
		"session": s.id,
		"actor":   s.actor.ID,
	}).Debug("session left room")
}

// setPresence mutates the session's presence and broadcasts it to the rest
// of the room. Presence changes only via explicit updates; the registry never
// infers presence from other traffic.
func (h *Hub) setPresence(s *session, p domain.Presence) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[s.roomID]
	if !ok {
		return
	}
	s.presence = p

	buf, err := encode(MsgUserPresence, PresenceData{
		SessionID: s.id,
		ActorID:   s.actor.ID,
		ActorName: s.actor.Name,
		Presence:  p.State,
		TargetID:  p.TargetID,
	})
	if err != nil {
		return
	}
	for id, other := range rm.sessions {
		if id == s.id {
			continue
		}
		select {
		case other.send <- buf:
		default:
		}
	}
}

// relayFrom rebroadcasts a client-originated mutation notification to the
// rest of the sender's room.
func (h *Hub) relayFrom(s *session, msgType string, raw []byte) {
	buf, err := encode(msgType, json.RawMessage(raw))
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(s.roomID, buf, s.id)
}
