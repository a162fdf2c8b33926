package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_OmitsOptionalFields(t *testing.T) {
	e := Entry{
		Key:       "/network/reputation/node-a",
		Value:     json.RawMessage(`{"x":1}`),
		UpdatedAt: 1700000000000,
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	// Unsigned, non-frozen entries should not carry empty optional fields.
	assert.NotContains(t, string(data), "sig")
	assert.NotContains(t, string(data), "frozen")
	assert.NotContains(t, string(data), "author")
}

func TestGraphMessage_PutRoundTrip(t *testing.T) {
	msg := GraphMessage{
		Type: "put",
		ID:   "42",
		Entry: &Entry{
			Key:       "/chat/room1",
			Value:     json.RawMessage(`"hello"`),
			UpdatedAt: time.Now().UnixMilli(),
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded GraphMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "put", decoded.Type)
	assert.Equal(t, "42", decoded.ID)
	require.NotNil(t, decoded.Entry)
	assert.Equal(t, "/chat/room1", decoded.Entry.Key)
}

func TestPinRequest_StatusValues(t *testing.T) {
	req := PinRequest{
		RequestID: "1700000000000-ab12cd34",
		CID:       "QmTest",
		Requester: "node-a",
		Status:    PinPending,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"pending"`)
}
