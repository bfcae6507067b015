package signaling

import (
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/metrics"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
)

type Broadcaster interface {
	Broadcast(room string, frame []byte, exceptConnID string) int
}

// Broker relays call signaling to the target user's personal room. It keeps
// no call state; payloads are forwarded untouched and a target with no live
// connection is silently skipped.
type Broker struct {
	rooms   Broadcaster
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewBroker(rooms Broadcaster, log *zap.Logger, m *metrics.Metrics) *Broker {
	return &Broker{rooms: rooms, log: log, metrics: m}
}

func (b *Broker) CallUser(from string, req protocol.CallUserRequest) error {
	return b.relay(protocol.EventCallUser, from, req.UserToCall,
		protocol.IncomingCall{From: from, Signal: req.SignalData})
}

func (b *Broker) AnswerCall(from string, req protocol.AnswerCallRequest) error {
	return b.relay(protocol.EventCallAccepted, from, req.To, req.Signal)
}

func (b *Broker) DeclineCall(from string, req protocol.PeerRequest) error {
	return b.relay(protocol.EventCallDeclined, from, req.To, nil)
}

func (b *Broker) EndCall(from string, req protocol.PeerRequest) error {
	return b.relay(protocol.EventCallEnded, from, req.To, nil)
}

func (b *Broker) relay(event, from, to string, data any) error {
	if !domain.ValidID(to) {
		return domain.Invalid("to", "must be a well-formed identifier")
	}
	if to == from {
		return domain.Invalid("to", "cannot signal yourself")
	}
	frame, err := protocol.Encode(event, from, data)
	if err != nil {
		return err
	}
	if b.rooms.Broadcast(presence.PersonalRoom(to), frame, "") == 0 {
		b.metrics.SignalsDropped.WithLabelValues(event).Inc()
		b.log.Debug("signal dropped, target offline",
			zap.String("event", event), zap.String("from", from), zap.String("to", to))
	}
	return nil
}
