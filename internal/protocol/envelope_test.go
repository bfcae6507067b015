package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

func TestRoomRequestAcceptsBothShapes(t *testing.T) {
	id := domain.NewID()

	var bare RoomRequest
	require.NoError(t, Decode(json.RawMessage(`"`+id+`"`), &bare))
	assert.Equal(t, id, bare.ConversationID)

	var obj RoomRequest
	require.NoError(t, Decode(json.RawMessage(`{"conversationId":"`+id+`"}`), &obj))
	assert.Equal(t, id, obj.ConversationID)

	var bad RoomRequest
	err := Decode(json.RawMessage(`"nope"`), &bad)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "conversationId")
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	peer := domain.NewID()
	tests := []struct {
		name  string
		data  string
		dst   any
		field string
	}{
		{"missing payload", ``, &PeerRequest{}, "data"},
		{"malformed", `{"to":`, &PeerRequest{}, "data"},
		{"missing target", `{}`, &PeerRequest{}, "to"},
		{"bad target", `{"to":"x"}`, &PeerRequest{}, "to"},
		{"null signal", `{"userToCall":"` + peer + `","signalData":null}`, &CallUserRequest{}, "signalData"},
		{"empty signal", `{"userToCall":"` + peer + `","signalData":{}}`, &CallUserRequest{}, "signalData"},
		{"answer without signal", `{"to":"` + peer + `"}`, &AnswerCallRequest{}, "signal"},
		{"bad room", `{"roomId":"abc","message":{"content":"hi"}}`, &SendMessageRequest{}, "roomId"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Decode(json.RawMessage(tc.data), tc.dst)
			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestDecodeKeepsSignalOpaque(t *testing.T) {
	peer := domain.NewID()
	var req CallUserRequest
	raw := `{"userToCall":"` + peer + `","signalData":{"type":"offer","sdp":"v=0"},"from":"spoofed"}`
	require.NoError(t, Decode(json.RawMessage(raw), &req))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(req.SignalData))
}

func TestSendMessageConversationID(t *testing.T) {
	a, b := domain.NewID(), domain.NewID()

	id, err := SendMessageRequest{RoomID: a}.ConversationID()
	require.NoError(t, err)
	assert.Equal(t, a, id)

	id, err = SendMessageRequest{RoomID: a, Message: OutgoingMessage{Conversation: a}}.ConversationID()
	require.NoError(t, err)
	assert.Equal(t, a, id)

	_, err = SendMessageRequest{RoomID: a, Message: OutgoingMessage{Conversation: b}}.ConversationID()
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEncodeAndParseEnvelope(t *testing.T) {
	frame, err := Encode(EventCallEnded, "u1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"call-ended","from":"u1"}`, string(frame))

	frame, err = Encode(EventCallAccepted, "u1", json.RawMessage(`{"sdp":"x"}`))
	require.NoError(t, err)
	env, err := ParseEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, EventCallAccepted, env.Event)
	assert.JSONEq(t, `{"sdp":"x"}`, string(env.Data))

	_, err = ParseEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = ParseEnvelope([]byte(`{"data":1}`))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
