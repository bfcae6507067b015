package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes each event on <prefix>.<type>, e.g. chat.message.sent.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix, name string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func subject(prefix, typ string) string {
	if prefix == "" {
		return typ
	}
	return prefix + "." + typ
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject(p.prefix, ev.Type), b)
}

// Close flushes pending publishes before closing the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
