package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

// Envelope is the single frame shape on the websocket in both directions.
// From is only set on frames the relay sends.
type Envelope struct {
	Event string          `json:"event"`
	From  string          `json:"from,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client to relay.
const (
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventSendMessage = "sendMessage"
	EventTyping      = "typing"
	EventCallUser    = "call-user"
	EventAnswerCall  = "answer-call"
	EventEndCall     = "end-call"
	EventDeclineCall = "decline-call"
)

// Relay to client. call-user is reused in this direction.
const (
	EventReceiveMessage      = "receiveMessage"
	EventMessageNotification = "messageNotification"
	EventUserTyping          = "userTyping"
	EventCallAccepted        = "call-accepted"
	EventCallEnded           = "call-ended"
	EventCallDeclined        = "call-declined"
	EventError               = "error"
)

// RoomRequest is the joinRoom/leaveRoom payload. Clients send either the bare
// conversation id or {"conversationId": "..."}.
type RoomRequest struct {
	ConversationID string `json:"conversationId" validate:"required,objectid"`
}

func (r *RoomRequest) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.ConversationID)
	}
	type plain RoomRequest
	return json.Unmarshal(b, (*plain)(r))
}

type OutgoingMessage struct {
	Content      string `json:"content"`
	Sender       string `json:"sender,omitempty"`
	Conversation string `json:"conversation,omitempty" validate:"omitempty,objectid"`
}

type SendMessageRequest struct {
	RoomID  string          `json:"roomId" validate:"required,objectid"`
	Message OutgoingMessage `json:"message"`
}

// ConversationID resolves the target conversation. The room id wins; a
// conflicting message.conversation is rejected.
func (r SendMessageRequest) ConversationID() (string, error) {
	if r.Message.Conversation != "" && r.Message.Conversation != r.RoomID {
		return "", domain.Invalid("message.conversation", "does not match roomId")
	}
	return r.RoomID, nil
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required,objectid"`
	IsTyping       bool   `json:"isTyping"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// CallUserRequest carries an opaque offer. From is accepted for compatibility
// but the relay always overwrites it with the authenticated user.
type CallUserRequest struct {
	UserToCall string          `json:"userToCall" validate:"required,objectid"`
	SignalData json.RawMessage `json:"signalData" validate:"signal"`
	From       string          `json:"from,omitempty"`
}

type IncomingCall struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type AnswerCallRequest struct {
	Signal json.RawMessage `json:"signal" validate:"signal"`
	To     string          `json:"to" validate:"required,objectid"`
}

// PeerRequest is the payload of end-call and decline-call.
type PeerRequest struct {
	To string `json:"to" validate:"required,objectid"`
}

type MessageNotification struct {
	ConversationID string                  `json:"conversationId"`
	Message        *domain.ExpandedMessage `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("objectid", func(fl validator.FieldLevel) bool {
		return domain.ValidID(fl.Field().String())
	})
	_ = v.RegisterValidation("signal", func(fl validator.FieldLevel) bool {
		raw, ok := fl.Field().Interface().(json.RawMessage)
		return ok && isSignal(raw)
	})
	return v
}

// isSignal rejects absent, null and empty signaling payloads. Anything else is
// passed through untouched.
func isSignal(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	switch string(t) {
	case "", "null", `""`, "{}", "[]":
		return false
	}
	return true
}

// Decode unmarshals data into dst and runs struct validation. Failures are
// returned as *domain.ValidationError.
func Decode(data json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Invalid("data", "payload required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.Invalid("data", "malformed payload")
	}
	return Validate(dst)
}

func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return domain.Invalid(fieldPath(fe), reason(fe))
	}
	return domain.Invalid("data", err.Error())
}

// fieldPath drops the top-level struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "objectid":
		return "must be a well-formed identifier"
	case "signal":
		return "must not be empty"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// Encode builds a relay frame. data may be nil for events without payload.
func Encode(event, from string, data any) ([]byte, error) {
	env := Envelope{Event: event, From: from}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = b
	}
	return json.Marshal(env)
}

// ParseEnvelope decodes one inbound frame. Only the outer shape is checked
// here; payloads are validated by the handler's decoder.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, domain.Invalid("frame", "malformed JSON")
	}
	if env.Event == "" {
		return Envelope{}, domain.Invalid("event", "is required")
	}
	return env, nil
}
