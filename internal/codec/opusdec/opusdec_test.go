package opusdec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/hraban/opus.v2"

	"github.com/lexiqai/voice-session/internal/codec"
)

func TestDecoder_RoundTrip(t *testing.T) {
	const rate = 16000
	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	require.NoError(t, err)

	frame := make([]int16, rate/50) // 20ms
	for i := range frame {
		frame[i] = int16((i % 40) * 500)
	}
	packet := make([]byte, 1000)
	n, err := enc.Encode(frame, packet)
	require.NoError(t, err)

	dec, err := Factory(rate, 1)
	require.NoError(t, err)
	assert.Equal(t, codec.Interleaved, dec.Layout())

	pcm := make([]int16, rate*120/1000)
	samples, err := dec.Decode(packet[:n], pcm)
	require.NoError(t, err)
	assert.Equal(t, len(frame), samples)
}

func TestDecoder_RejectsGarbage(t *testing.T) {
	dec, err := New(16000, 1)
	require.NoError(t, err)

	pcm := make([]int16, 1920)
	_, err = dec.Decode([]byte{0xff, 0xff, 0xff}, pcm)
	assert.Error(t, err)
}
