package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeParticipantsIsOrderIndependent(t *testing.T) {
	a, b := NewID(), NewID()

	p1, k1 := NormalizeParticipants([]string{a, b})
	p2, k2 := NormalizeParticipants([]string{b, a, a, " "})

	assert.Equal(t, p1, p2)
	assert.Equal(t, k1, k2)
	assert.Len(t, p1, 2)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(NewID()))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("not-an-id"))
	assert.False(t, ValidID("zzzzzzzzzzzzzzzzzzzzzzzz"))
}

func TestErrorClassification(t *testing.T) {
	err := fmt.Errorf("send: %w", Invalid("content", "must not be empty"))
	assert.True(t, errors.Is(err, ErrValidation))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "content", ve.Field)
	assert.Equal(t, "content: must not be empty", ve.Error())

	perr := Persistence("insert message", errors.New("connection refused"))
	assert.True(t, errors.Is(perr, ErrPersistence))
	assert.Contains(t, perr.Error(), "connection refused")
	assert.NoError(t, Persistence("noop", nil))
}

func TestExpandedMessageJSONShape(t *testing.T) {
	m := ExpandedMessage{
		Message: Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello"},
		Sender:  User{ID: "u1", Username: "x"},
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "hello", out["content"])
	assert.Equal(t, "c1", out["conversation"])
	assert.Equal(t, "u1", out["sender"].(map[string]any)["id"])
	assert.Equal(t, false, out["read"])
}
