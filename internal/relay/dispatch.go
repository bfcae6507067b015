package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
)

type handlerFunc func(ctx context.Context, c presence.Sink, data json.RawMessage) error

// bind decodes and validates the payload before the handler sees it.
func bind[T any](fn func(ctx context.Context, c presence.Sink, req *T) error) handlerFunc {
	return func(ctx context.Context, c presence.Sink, data json.RawMessage) error {
		var req T
		if err := protocol.Decode(data, &req); err != nil {
			return err
		}
		return fn(ctx, c, &req)
	}
}

func (s *Service) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.EventJoinRoom:    bind(s.joinRoom),
		protocol.EventLeaveRoom:   bind(s.leaveRoom),
		protocol.EventSendMessage: bind(s.sendMessage),
		protocol.EventTyping:      bind(s.typing),
		protocol.EventCallUser: bind(func(_ context.Context, c presence.Sink, req *protocol.CallUserRequest) error {
			return s.broker.CallUser(c.UserID(), *req)
		}),
		protocol.EventAnswerCall: bind(func(_ context.Context, c presence.Sink, req *protocol.AnswerCallRequest) error {
			return s.broker.AnswerCall(c.UserID(), *req)
		}),
		protocol.EventDeclineCall: bind(func(_ context.Context, c presence.Sink, req *protocol.PeerRequest) error {
			return s.broker.DeclineCall(c.UserID(), *req)
		}),
		protocol.EventEndCall: bind(func(_ context.Context, c presence.Sink, req *protocol.PeerRequest) error {
			return s.broker.EndCall(c.UserID(), *req)
		}),
	}
}

// Dispatch handles one inbound frame from c. Failures are reported to c alone
// as an error event; nothing a client sends can take the relay down.
func (s *Service) Dispatch(ctx context.Context, c presence.Sink, frame []byte) {
	env, err := protocol.ParseEnvelope(frame)
	if err != nil {
		s.metrics.Events.WithLabelValues("unknown", "rejected").Inc()
		s.SendError(c, "", err)
		return
	}
	h, ok := s.handlers[env.Event]
	if !ok {
		s.metrics.Events.WithLabelValues("unknown", "rejected").Inc()
		s.SendError(c, env.Event, domain.Invalid("event", fmt.Sprintf("unknown event %q", env.Event)))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.invoke(ctx, c, env, h)
	switch {
	case err == nil:
		s.metrics.Events.WithLabelValues(env.Event, "ok").Inc()
	case errors.Is(err, domain.ErrValidation):
		s.metrics.Events.WithLabelValues(env.Event, "rejected").Inc()
		s.log.Debug("event rejected", zap.String("event", env.Event), zap.String("conn_id", c.ID()), zap.Error(err))
		s.SendError(c, env.Event, err)
	default:
		s.metrics.Events.WithLabelValues(env.Event, "error").Inc()
		s.log.Error("event failed", zap.String("event", env.Event), zap.String("conn_id", c.ID()), zap.Error(err))
		s.SendError(c, env.Event, err)
	}
}

func (s *Service) invoke(ctx context.Context, c presence.Sink, env protocol.Envelope, h handlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.HandlerPanics.Inc()
			s.log.Error("handler panic",
				zap.String("event", env.Event),
				zap.String("conn_id", c.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, c, env.Data)
}

// SendError delivers an error event to c. Internal failures are not described
// to the client.
func (s *Service) SendError(c presence.Sink, event string, err error) {
	frame, encErr := protocol.Encode(protocol.EventError, "", protocol.ErrorPayload{
		Message: clientMessage(err),
		Event:   event,
	})
	if encErr != nil {
		s.log.Error("encode error frame", zap.Error(encErr))
		return
	}
	if !c.Send(frame) {
		s.metrics.SlowConsumers.Inc()
		c.Kick("send buffer full")
	}
}

func clientMessage(err error) string {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, domain.ErrValidation):
		return err.Error()
	case errors.Is(err, domain.ErrPersistence):
		return "storage unavailable, try again"
	default:
		return "internal error"
	}
}

func (s *Service) joinRoom(ctx context.Context, c presence.Sink, req *protocol.RoomRequest) error {
	if _, err := s.pipeline.Conversation(ctx, req.ConversationID, c.UserID()); err != nil {
		return err
	}
	changed, err := s.registry.Join(c.ID(), presence.ConversationRoom(req.ConversationID))
	if err != nil {
		return err
	}
	if changed {
		s.log.Debug("joined room", zap.String("conn_id", c.ID()), zap.String("conversation_id", req.ConversationID))
	}
	return nil
}

func (s *Service) leaveRoom(_ context.Context, c presence.Sink, req *protocol.RoomRequest) error {
	_, err := s.registry.Leave(c.ID(), presence.ConversationRoom(req.ConversationID))
	return err
}

func (s *Service) sendMessage(ctx context.Context, c presence.Sink, req *protocol.SendMessageRequest) error {
	convID, err := req.ConversationID()
	if err != nil {
		return err
	}
	_, err = s.pipeline.SendMessage(ctx, convID, c.UserID(), req.Message.Content)
	return err
}

// typing is only forwarded from connections that joined the room, and never
// echoed back to the typing connection.
func (s *Service) typing(_ context.Context, c presence.Sink, req *protocol.TypingRequest) error {
	room := presence.ConversationRoom(req.ConversationID)
	if !s.registry.IsMember(c.ID(), room) {
		return domain.Invalid("conversationId", "join the conversation first")
	}
	frame, err := protocol.Encode(protocol.EventUserTyping, c.UserID(), protocol.UserTyping{
		UserID:   c.UserID(),
		IsTyping: req.IsTyping,
	})
	if err != nil {
		return err
	}
	s.registry.Broadcast(room, frame, c.ID())
	return nil
}
