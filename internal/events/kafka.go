package events

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to one topic keyed by conversation, so every
// event of a conversation lands on the same partition in order.
type KafkaPublisher struct {
	writer *kafkago.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := kafkaMessage(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func kafkaMessage(ev Event) (kafkago.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:     []byte(ev.ConversationID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafkago.Header{{Key: "type", Value: []byte(ev.Type)}},
	}, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
