package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// relayMessageType maps a committed event type to its wire message type.
func relayMessageType(eventType string) string {
	switch eventType {
	case domain.CardMoved:
		return MsgCardMoved
	case domain.CardCreated, domain.CardUpdated:
		return MsgCardUpdated
	case domain.ListMoved:
		return MsgListMoved
	case domain.ListCreated, domain.ListUpdated:
		return MsgListUpdated
	}
	return ""
}

// SubscribeEvents listens on the shared relay channel and fans events from
// other instances into the local hub, so sessions connected to different
// processes still see each other's edits. Events tagged with this instance's
// origin are skipped: the local hub already delivered them.
//
// The subscription is re-established when the pubsub channel closes; it
// returns when ctx is cancelled.
func SubscribeEvents(ctx context.Context, logger *log.Logger, rc *redis.Client, channel, origin string, h *Hub) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.WithError(err).Error("unable to parse relay event")
					continue
				}
				if ev.Origin == origin {
					continue
				}
				msgType := relayMessageType(ev.Type)
				if msgType == "" {
					logger.WithField("type", ev.Type).Warn("unknown event type on relay channel, ignoring")
					continue
				}
				h.Relay(ev.BoardID, msgType, ev, "")
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("relay pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

// RelayEvent fans a committed event into the board's room, mapped to its
// wire message type. Unknown event types are dropped.
func (h *Hub) RelayEvent(ev domain.Event, excludeSessionID string) {
	msgType := relayMessageType(ev.Type)
	if msgType == "" {
		h.logger.WithField("type", ev.Type).Warn("cannot relay event of unknown type")
		return
	}
	h.Relay(ev.BoardID, msgType, ev, excludeSessionID)
}

// Publisher puts committed events on the shared relay channel for other
// instances, stamping each with this instance's origin so the subscriber can
// skip them on the way back in.
type Publisher struct {
	logger  *log.Logger
	rc      *redis.Client
	channel string
	origin  string
}

// NewPublisher creates a publisher for the given relay channel.
func NewPublisher(logger *log.Logger, rc *redis.Client, channel, origin string) *Publisher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Publisher{logger: logger, rc: rc, channel: channel, origin: origin}
}

// Publish is best-effort: a failure is logged, never surfaced to the
// mutation path.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) {
	ev.Origin = p.origin
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).Error("marshal relay event")
		return
	}
	if err := p.rc.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.WithError(err).Error("publish relay event")
	}
}
