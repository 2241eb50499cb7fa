package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Request(t *testing.T) {
	data := []byte(`{"type":"request","correlationId":"c-1","method":"workflow.start","params":{"workflow_type":"greet"}}`)

	msg, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRequest, msg.Type)
	assert.Equal(t, "workflow.start", msg.Method)

	var params StartWorkflowParams
	require.NoError(t, msg.UnmarshalParams(&params))
	assert.Equal(t, "greet", params.WorkflowType)
}

func TestParseMessage_MissingCorrelationID(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"request","method":"x"}`))
	assert.ErrorIs(t, err, ErrMissingCorrelationID)
}

func TestParseMessage_RequestWithoutMethod(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"request","correlationId":"c-1"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseMessage_UnknownType(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"bogus","correlationId":"c-1"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseMessage_Garbage(t *testing.T) {
	_, err := ParseMessage([]byte(`{{{`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNewResponse(t *testing.T) {
	msg, err := NewResponse("c-1", StartWorkflowResult{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, msg.Type)
	assert.Equal(t, "c-1", msg.CorrelationID)

	var result StartWorkflowResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "wf-1", result.WorkflowID)
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse("c-1", "not_found", "workflow not found: x")
	assert.Equal(t, MessageTypeError, msg.Type)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "not_found", msg.Error.Code)
}

func TestNewStreamMessage(t *testing.T) {
	msg, err := NewStreamMessage("s-1", StreamItem{CancelWorkflowID: "wf-1"}, false)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeStream, msg.Type)
	assert.Equal(t, "s-1", msg.StreamID)
	assert.False(t, msg.StreamDone)
	require.NoError(t, msg.Validate())
}

func TestHandshakeRoundTrip(t *testing.T) {
	hs := NewHandshake()
	assert.Equal(t, MessageTypeHandshake, hs.Type)
	assert.True(t, IsVersionSupported(hs.Version))

	data, err := json.Marshal(hs)
	require.NoError(t, err)
	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, parsed.Version)
}
