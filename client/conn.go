// Package client is the Go client for the live board protocol: a connection
// lifecycle state machine over the websocket transport and an optimistic
// board cache that applies mutations locally before the authoritative store
// confirms them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/hub"
)

// State of the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var errNotConnected = errors.New("not connected")

// Options configures a Conn.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://host/ws".
	URL string
	// Token is sent as a query parameter for the upgrade request.
	Token  string
	RoomID string
	Actor  domain.Actor
	Logger *log.Logger
	Dialer *websocket.Dialer
}

// Handlers receive server-pushed messages. All callbacks run on the read
// loop goroutine; nil callbacks are skipped.
type Handlers struct {
	OnStateChange func(State)
	OnJoined      func(sessionID string)
	OnRoomUsers   func(members []domain.Member)
	OnUserJoined  func(m hub.MemberData)
	OnUserLeft    func(m hub.MemberData)
	OnPresence    func(p hub.PresenceData)
	// OnEvent receives relayed mutation notifications (card:moved etc.).
	OnEvent func(msgType string, ev domain.Event)
	OnError func(msg string)
}

// Conn manages one logical connection to a board room. It moves through
// Disconnected → Connecting → Connected and back; Reconnect re-attempts the
// transport without rebuilding the Conn.
type Conn struct {
	opts     Options
	handlers Handlers
	logger   *log.Logger

	mu        sync.Mutex
	state     State
	lastErr   string
	conn      *websocket.Conn
	sessionID string
	gen       int
}

// New creates a Conn in the Disconnected state.
func New(opts Options, handlers Handlers) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Conn{opts: opts, handlers: handlers, logger: logger, state: StateDisconnected}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id the server assigned on join, or "".
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastError returns the human-readable reason for the last transition to
// Disconnected, or "".
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect dials the transport and, on success, joins the configured room.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errors.New("connect requires the disconnected state")
	}
	emit := c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()
	emit()

	return c.dial(ctx)
}

// Reconnect re-attempts the transport without requiring the caller to
// rebuild anything. A still-live connection is torn down first and the
// state moves straight from Connected to Connecting, with no intermediate
// Disconnected hop.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	// Invalidate any read loop still draining the old transport so its
	// teardown cannot race the new connection.
	c.gen++
	emit := c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()
	emit()

	return c.dial(ctx)
}

func (c *Conn) dial(ctx context.Context) error {
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	url := c.opts.URL
	if c.opts.Token != "" {
		url += "?token=" + c.opts.Token
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		emit := c.setStateLocked(StateDisconnected, "connection failed: "+err.Error())
		c.mu.Unlock()
		emit()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	emit := c.setStateLocked(StateConnected, "")
	c.mu.Unlock()
	emit()

	// Entering Connected emits the join request for the configured room.
	if err := c.emit(hub.MsgJoin, hub.JoinData{
		RoomID:    c.opts.RoomID,
		ActorID:   c.opts.Actor.ID,
		ActorName: c.opts.Actor.Name,
	}); err != nil {
		c.dropConn(gen, "join failed: "+err.Error())
		return err
	}

	go c.readLoop(conn, gen)
	return nil
}

// Close leaves the room and stops the connection for good. An authoritative
// call already in flight is not cancelled; its resolution is handled by the
// optimistic cache if one is still attached.
func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	emit := func() {}
	if c.state != StateDisconnected {
		emit = c.setStateLocked(StateDisconnected, "")
	}
	c.mu.Unlock()
	emit()
	if conn == nil {
		return nil
	}
	deadline := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, deadline)
	return conn.Close()
}

// UpdatePresence advertises the session's activity state, optionally scoped
// to a target entity.
func (c *Conn) UpdatePresence(state, targetEntityID string) error {
	return c.emit(hub.MsgPresenceUpdate, hub.PresenceData{Presence: state, TargetID: targetEntityID})
}

// EmitEvent relays a mutation notification to the rest of the room.
func (c *Conn) EmitEvent(msgType string, ev domain.Event) error {
	return c.emit(msgType, ev)
}

func (c *Conn) emit(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(hub.Envelope{Type: msgType, Data: raw})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, buf)
}

func (c *Conn) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			reason := ""
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "connection lost: " + err.Error()
			}
			c.dropConn(gen, reason)
			return
		}
		var env hub.Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			c.logger.WithError(err).Warn("malformed message from server")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env hub.Envelope) {
	switch env.Type {
	case hub.MsgJoinSuccess:
		var data hub.JoinSuccessData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.mu.Lock()
		c.sessionID = data.SessionID
		c.mu.Unlock()
		if c.handlers.OnJoined != nil {
			c.handlers.OnJoined(data.SessionID)
		}
	case hub.MsgRoomUsers:
		var data hub.RoomUsersData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if c.handlers.OnRoomUsers != nil {
			c.handlers.OnRoomUsers(data.Members)
		}
	case hub.MsgUserJoined:
		var data hub.MemberData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if c.handlers.OnUserJoined != nil {
			c.handlers.OnUserJoined(data)
		}
	case hub.MsgUserLeft:
		var data hub.MemberData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(data)
		}
	case hub.MsgUserPresence:
		var data hub.PresenceData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(data)
		}
	case hub.MsgCardMoved, hub.MsgCardUpdated, hub.MsgListMoved, hub.MsgListUpdated:
		var ev domain.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(env.Type, ev)
		}
	case hub.MsgError:
		var data hub.ErrorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(data.Message)
		}
	}
}

// dropConn moves to Disconnected if the given connection generation is still
// current; stale read loops from a replaced transport are ignored.
func (c *Conn) dropConn(gen int, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	emit := c.setStateLocked(StateDisconnected, reason)
	c.mu.Unlock()
	emit()
	if reason != "" && c.handlers.OnError != nil {
		c.handlers.OnError(reason)
	}
}

// setStateLocked is the single transition point. It records the error that
// caused a disconnect and returns the callback to fire once the lock is
// released, so handlers may call back into Conn and transitions are
// delivered in order.
func (c *Conn) setStateLocked(next State, errMsg string) func() {
	if c.state == next {
		return func() {}
	}
	c.state = next
	c.lastErr = errMsg
	if next != StateConnected {
		c.sessionID = ""
	}
	cb := c.handlers.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(next) }
}
