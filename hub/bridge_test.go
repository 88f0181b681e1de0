package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
)

func TestSubscribeEventsFansIntoLocalHub(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	logger, _ := test.NewNullLogger()
	h, srv := newHubServer(t)

	a := dial(t, srv)
	a.join("board-b1", "alice", "Alice")
	a.roomUsers()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SubscribeEvents(ctx, logger, rc, "board-events", "instance-a", h)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	ev := domain.Event{
		EntityID:   "card-7",
		EntityType: "card",
		Type:       domain.CardMoved,
		BoardID:    "board-b1",
		Actor:      domain.Actor{ID: "bob", Name: "Bob"},
		Timestamp:  time.Now().UnixNano(),
	}
	NewPublisher(logger, rc, "board-events", "instance-b").Publish(context.Background(), ev)

	env := a.expect(MsgCardMoved)
	var got domain.Event
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal relayed event: %v", err)
	}
	if got.EntityID != "card-7" || got.Actor.ID != "bob" {
		t.Fatalf("unexpected relayed event: %+v", got)
	}

	// Events from this instance were already delivered locally and must be skipped.
	ev.EntityID = "card-8"
	NewPublisher(logger, rc, "board-events", "instance-a").Publish(context.Background(), ev)
	a.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := a.conn.ReadMessage(); err == nil {
		t.Fatal("event from own origin was fanned back into the hub")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SubscribeEvents did not exit")
	}
}

func TestRelayMessageType(t *testing.T) {
	cases := map[string]string{
		domain.CardMoved:   MsgCardMoved,
		domain.CardCreated: MsgCardUpdated,
		domain.CardUpdated: MsgCardUpdated,
		domain.ListMoved:   MsgListMoved,
		domain.ListCreated: MsgListUpdated,
		domain.ListUpdated: MsgListUpdated,
		"mystery":          "",
	}
	for in, want := range cases {
		if got := relayMessageType(in); got != want {
			t.Fatalf("relayMessageType(%q) = %q, want %q", in, got, want)
		}
	}
}
