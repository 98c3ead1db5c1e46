package domain

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("start run: %w", Conflict("task", "t1", "not pending"))
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.EqualError(t, wrapped, `start run: task "t1": not pending`)

	assert.True(t, IsNotFound(NotFound("agent", "a1")))
	assert.True(t, IsValidation(Validation("schedule", "bad field")))
	assert.EqualError(t, Validation("", "empty"), "invalid: empty")
}

func TestPayloadRejectsNonObjects(t *testing.T) {
	_, err := NewPayload([]byte(`[1,2]`))
	assert.True(t, IsValidation(err))

	p, err := NewPayload([]byte(" null "))
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	p, err = NewPayload([]byte(`{ "city": "Oslo" }`))
	require.NoError(t, err)
	assert.Equal(t, `{"city":"Oslo"}`, p.Compact())
}

func TestPayloadInsideStruct(t *testing.T) {
	var req struct {
		Input Payload `json:"input"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"input":{"n":1}}`), &req))
	assert.Equal(t, `{"n":1}`, req.Input.Compact())

	require.Error(t, json.Unmarshal([]byte(`{"input":"text"}`), &req))
}

func TestAgentStatusRunnable(t *testing.T) {
	assert.True(t, AgentIdle.Runnable())
	assert.True(t, AgentRunning.Runnable())
	assert.False(t, AgentError.Runnable())
	assert.False(t, AgentPaused.Runnable())
	assert.False(t, AgentStopped.Runnable())
}
