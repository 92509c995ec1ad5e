package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.EncodePayload(MsgEventProgress, ProgressPayload{Value: 42}))
	require.NoError(t, enc.Encode(Message{Type: MsgReady}))

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, MsgEventProgress, msg.Type)

	var payload ProgressPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, 42, payload.Value)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, MsgReady, msg.Type)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIsEvent(t *testing.T) {
	name, ok := IsEvent("event:progress")
	assert.True(t, ok)
	assert.Equal(t, "progress", name)

	_, ok = IsEvent("ready")
	assert.False(t, ok)
}
