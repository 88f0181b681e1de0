package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
)

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := New(logger)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleConn))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) emit(msgType string, data any) {
	c.t.Helper()
	buf, err := encode(msgType, data)
	if err != nil {
		c.t.Fatalf("encode %s: %v", msgType, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		c.t.Fatalf("write %s: %v", msgType, err)
	}
}

func (c *testClient) next() Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, buf, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		c.t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func (c *testClient) expect(msgType string) Envelope {
	c.t.Helper()
	env := c.next()
	if env.Type != msgType {
		c.t.Fatalf("expected %s, got %s (%s)", msgType, env.Type, env.Data)
	}
	return env
}

func (c *testClient) join(room, actorID, actorName string) string {
	c.t.Helper()
	c.emit(MsgJoin, JoinData{RoomID: room, ActorID: actorID, ActorName: actorName})
	var ack JoinSuccessData
	if err := json.Unmarshal(c.expect(MsgJoinSuccess).Data, &ack); err != nil {
		c.t.Fatalf("unmarshal join ack: %v", err)
	}
	return ack.SessionID
}

func (c *testClient) roomUsers() RoomUsersData {
	c.t.Helper()
	var users RoomUsersData
	if err := json.Unmarshal(c.expect(MsgRoomUsers).Data, &users); err != nil {
		c.t.Fatalf("unmarshal room users: %v", err)
	}
	return users
}

func TestJoinLeaveScenario(t *testing.T) {
	_, srv := newHubServer(t)

	a := dial(t, srv)
	a.join("board-1", "alice", "Alice")
	if users := a.roomUsers(); len(users.Members) != 0 {
		t.Fatalf("first joiner should see an empty room, got %d members", len(users.Members))
	}

	b := dial(t, srv)
	bSession := b.join("board-1", "bob", "Bob")
	users := b.roomUsers()
	if len(users.Members) != 1 || users.Members[0].ID != "alice" {
		t.Fatalf("expected B to see [alice], got %+v", users.Members)
	}
	for _, m := range users.Members {
		if m.SessionID == bSession {
			t.Fatal("member list handed to a joiner must not contain the joiner")
		}
	}

	var joined MemberData
	if err := json.Unmarshal(a.expect(MsgUserJoined).Data, &joined); err != nil {
		t.Fatalf("unmarshal user:joined: %v", err)
	}
	if joined.ActorID != "bob" || joined.SessionID != bSession {
		t.Fatalf("unexpected join notification: %+v", joined)
	}

	a.conn.Close()
	var left MemberData
	if err := json.Unmarshal(b.expect(MsgUserLeft).Data, &left); err != nil {
		t.Fatalf("unmarshal user:left: %v", err)
	}
	if left.ActorID != "alice" {
		t.Fatalf("expected alice to leave, got %+v", left)
	}
}

func TestRoomGarbageCollectedWhenEmpty(t *testing.T) {
	h, srv := newHubServer(t)

	a := dial(t, srv)
	a.join("board-gc", "alice", "Alice")
	a.roomUsers()
	if h.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", h.RoomCount())
	}

	a.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room was not dropped after its last session left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwoSessionsSameActorTrackedIndependently(t *testing.T) {
	h, srv := newHubServer(t)

	tab1 := dial(t, srv)
	s1 := tab1.join("board-2", "alice", "Alice")
	tab1.roomUsers()

	tab2 := dial(t, srv)
	s2 := tab2.join("board-2", "alice", "Alice")
	users := tab2.roomUsers()
	if s1 == s2 {
		t.Fatal("two sessions must not share an id")
	}
	if len(users.Members) != 1 || users.Members[0].SessionID != s1 {
		t.Fatalf("expected second tab to see the first session, got %+v", users.Members)
	}
	tab1.expect(MsgUserJoined)

	members := h.RoomMembers("board-2")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	seen := map[string]bool{}
	for _, m := range members {
		if seen[m.SessionID] {
			t.Fatalf("session %s listed twice", m.SessionID)
		}
		seen[m.SessionID] = true
	}

	tab2.conn.Close()
	var left MemberData
	if err := json.Unmarshal(tab1.expect(MsgUserLeft).Data, &left); err != nil {
		t.Fatalf("unmarshal user:left: %v", err)
	}
	if left.SessionID != s2 {
		t.Fatalf("expected only session %s to leave, got %s", s2, left.SessionID)
	}
}

func TestPresenceUpdateBroadcast(t *testing.T) {
	_, srv := newHubServer(t)

	a := dial(t, srv)
	a.join("board-3", "alice", "Alice")
	a.roomUsers()

	b := dial(t, srv)
	bSession := b.join("board-3", "bob", "Bob")
	b.roomUsers()
	a.expect(MsgUserJoined)

	b.emit(MsgPresenceUpdate, PresenceData{Presence: "editing", TargetID: "card-9"})
	var pres PresenceData
	if err := json.Unmarshal(a.expect(MsgUserPresence).Data, &pres); err != nil {
		t.Fatalf("unmarshal user:presence: %v", err)
	}
	if pres.SessionID != bSession || pres.Presence != "editing" || pres.TargetID != "card-9" {
		t.Fatalf("unexpected presence broadcast: %+v", pres)
	}
}

func TestRelaySkipsSender(t *testing.T) {
	_, srv := newHubServer(t)

	a := dial(t, srv)
	a.join("board-4", "alice", "Alice")
	a.roomUsers()

	b := dial(t, srv)
	b.join("board-4", "bob", "Bob")
	b.roomUsers()
	a.expect(MsgUserJoined)

	payload := map[string]any{"entityId": "card-1", "position": 1500.0}
	b.emit(MsgCardMove, payload)

	// The request form goes in; the rest of the room gets the broadcast form.
	env := a.expect(MsgCardMoved)
	var got map[string]any
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal relayed payload: %v", err)
	}
	if got["entityId"] != "card-1" {
		t.Fatalf("unexpected relayed payload: %v", got)
	}

	// The sender must not receive its own notification.
	b.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := b.conn.ReadMessage(); err == nil {
		t.Fatal("sender received its own relayed message")
	}
}

func TestServerSideRelayDeliversToRoom(t *testing.T) {
	h, srv := newHubServer(t)

	a := dial(t, srv)
	a.join("board-5", "alice", "Alice")
	a.roomUsers()

	h.Relay("board-5", MsgCardUpdated, map[string]string{"entityId": "card-2"}, "")
	env := a.expect(MsgCardUpdated)
	var got map[string]string
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["entityId"] != "card-2" {
		t.Fatalf("unexpected payload: %v", got)
	}

	// Relaying into an unknown room is a no-op.
	h.Relay("nope", MsgCardUpdated, nil, "")
}

func TestJoinValidation(t *testing.T) {
	_, srv := newHubServer(t)

	c := dial(t, srv)
	c.emit(MsgPresenceUpdate, PresenceData{Presence: "editing"})
	env := c.expect(MsgError)
	var e ErrorData
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if e.Message == "" {
		t.Fatal("expected a human-readable error message")
	}

	c.emit(MsgJoin, JoinData{RoomID: "", ActorID: "alice"})
	c.expect(MsgError)

	sessionID := c.join("board-6", "alice", "Alice")
	c.roomUsers()
	if sessionID == "" {
		t.Fatal("expected a session id")
	}
	c.emit(MsgJoin, JoinData{RoomID: "board-6", ActorID: "alice"})
	c.expect(MsgError)

	// Broadcast-form mutation types are server-to-client only.
	c.emit(MsgCardMoved, map[string]string{"entityId": "card-1"})
	c.expect(MsgError)
}

func TestBroadcastType(t *testing.T) {
	cases := map[string]string{
		MsgCardMove:   MsgCardMoved,
		MsgCardUpdate: MsgCardUpdated,
		MsgListMove:   MsgListMoved,
		MsgListUpdate: MsgListUpdated,
		MsgCardMoved:  "",
		"mystery":     "",
	}
	for in, want := range cases {
		if got := broadcastType(in); got != want {
			t.Fatalf("broadcastType(%q) = %q, want %q", in, got, want)
		}
	}
}
