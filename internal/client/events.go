package client

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/callstate"
	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
)

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.log.Warn("malformed frame from relay", zap.Error(err))
			continue
		}
		if err := c.route(env); err != nil && !errors.Is(err, callstate.ErrIgnored) {
			c.log.Warn("relay event not handled", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

// route hands one relay event to the call manager or the matching handler.
// Races between call signals surface as callstate.ErrIgnored.
func (c *Client) route(env protocol.Envelope) error {
	h := c.opts.Handlers
	switch env.Event {
	case protocol.EventReceiveMessage:
		var m domain.ExpandedMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return err
		}
		if h.Message != nil {
			h.Message(m)
		}
	case protocol.EventMessageNotification:
		var n protocol.MessageNotification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return err
		}
		if h.Notification != nil {
			h.Notification(n)
		}
	case protocol.EventUserTyping:
		var t protocol.UserTyping
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return err
		}
		if h.Typing != nil {
			h.Typing(t)
		}
	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if h.Error != nil {
			h.Error(p)
		}
	case protocol.EventCallUser:
		var in protocol.IncomingCall
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return err
		}
		return c.calls.OnOffer(in.From, in.Signal)
	case protocol.EventCallAccepted:
		return c.calls.OnAccepted(env.From, env.Data)
	case protocol.EventCallDeclined:
		return c.calls.OnDeclined(env.From)
	case protocol.EventCallEnded:
		return c.calls.OnEnded(env.From)
	default:
		c.log.Debug("unknown relay event", zap.String("event", env.Event))
	}
	return nil
}
