package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceErrorWireShape(t *testing.T) {
	raw, err := json.Marshal(NewServiceError("synthesis", "backend unreachable", SeverityWarning, true))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "service_error", fields["type"])
	assert.Equal(t, "synthesis", fields["service"])
	assert.Equal(t, "warning", fields["severity"])
	assert.Equal(t, true, fields["retryable"])
}

func TestSynthesisCompleteOmitsInterruptedWhenFalse(t *testing.T) {
	raw, err := json.Marshal(NewSynthesisComplete(2, 1.5, false))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "interrupted")

	raw, err = json.Marshal(NewSynthesisComplete(2, 0.2, true))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"interrupted":true`)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"final_transcript","text":"hello"}`))
	require.NoError(t, err)
	final, ok := ev.(*FinalTranscript)
	require.True(t, ok)
	assert.Equal(t, "hello", final.Text)

	_, err = ParseEvent([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}
