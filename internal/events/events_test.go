package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failing struct{ calls int }

func (f *failing) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("broker down")
}
func (f *failing) Close() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &failing{}
	b := NewBreakerPublisher(next, "events", 3, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Publish(context.Background(), Event{Type: TypeMessageSent}))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Publish(context.Background(), Event{Type: TypeMessageSent})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := NewBreakerPublisher(Nop{}, "events", 1, time.Minute, zap.NewNop())
	require.NoError(t, b.Publish(context.Background(), Event{Type: TypeConversationRead}))
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.NoError(t, b.Close())
}

func TestKafkaMessageKeyedByConversation(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := kafkaMessage(Event{Type: TypeMessageSent, ConversationID: "k1", UserID: "u1", MessageID: "m1", At: at})
	require.NoError(t, err)
	assert.Equal(t, "k1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, TypeMessageSent, string(msg.Headers[0].Value))

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "m1", ev.MessageID)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "chat.message.sent", subject("chat", TypeMessageSent))
	assert.Equal(t, "conversation.read", subject("", TypeConversationRead))
}
