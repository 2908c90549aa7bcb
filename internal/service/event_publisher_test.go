package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublisherSendsToRoomChannel(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	publisher := NewBrokerPublisher(nil, "gema.chat.sessions", client, "host-1", zerolog.Nop())
	require.Equal(t, "gema:chat:sessions:chat_3_7", publisher.RoomChannel("chat_3_7"))

	ctx := context.Background()
	sub := client.Subscribe(ctx, publisher.RoomChannel("chat_3_7"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, SessionEvent{Kind: EventState, RoomID: "chat_3_7", State: "open"}))

	select {
	case msg := <-sub.Channel():
		var envelope sessionEventEnvelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
		require.Equal(t, "host-1", envelope.Source)
		require.Equal(t, EventState, envelope.Event.Kind)
		require.Equal(t, "open", envelope.Event.State)
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
}

func TestBrokerPublisherWithoutSubjectIsNoop(t *testing.T) {
	publisher := NewBrokerPublisher(nil, "", nil, "host-1", zerolog.Nop())
	require.NoError(t, publisher.Publish(context.Background(), SessionEvent{Kind: EventMessage}))
}
