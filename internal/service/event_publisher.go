package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type sessionEventEnvelope struct {
	Source string       `json:"source"`
	Event  SessionEvent `json:"event"`
}

// BrokerPublisher publishes session events to NATS and to a Redis channel,
// whichever are configured. Subjects and channels are suffixed with the room.
type BrokerPublisher struct {
	nats         *nats.Conn
	natsSubject  string
	redis        *redis.Client
	redisChannel string
	source       string
	logger       zerolog.Logger
}

// NewBrokerPublisher returns a publisher. Either connection may be nil.
func NewBrokerPublisher(natsConn *nats.Conn, subject string, redisClient *redis.Client, source string, logger zerolog.Logger) *BrokerPublisher {
	subject = strings.Trim(subject, ".")
	channel := ""
	if subject != "" {
		channel = strings.ReplaceAll(subject, ".", ":")
	}
	return &BrokerPublisher{
		nats:         natsConn,
		natsSubject:  subject,
		redis:        redisClient,
		redisChannel: channel,
		source:       source,
		logger:       logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish sends event to every configured broker.
func (p *BrokerPublisher) Publish(ctx context.Context, event SessionEvent) error {
	if p == nil || p.natsSubject == "" {
		return nil
	}

	payload, err := json.Marshal(sessionEventEnvelope{Source: p.source, Event: event})
	if err != nil {
		return err
	}

	if p.nats != nil {
		if err := p.nats.Publish(p.natsSubject+"."+event.RoomID, payload); err != nil {
			return err
		}
	}

	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.redisChannel+":"+event.RoomID, payload).Err(); err != nil {
			return err
		}
	}
	return nil
}

// RoomChannel returns the Redis channel events of roomID are published on.
func (p *BrokerPublisher) RoomChannel(roomID string) string {
	return p.redisChannel + ":" + roomID
}
