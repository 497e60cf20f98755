// Package opusdec adapts libopus (via cgo) to the codec.Decoder interface.
//
// Only raw Opus packets are decoded here; Ogg demuxing lives in codec. Build
// with the nolibopusfile tag so the opus package does not require libopusfile
// through pkg-config:
//
//	go build -tags nolibopusfile ./...
//	go test -tags nolibopusfile ./...
//
// libopus and its pkg-config file are still required.
package opusdec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/lexiqai/voice-session/internal/codec"
)

type decoder struct {
	dec *opus.Decoder
}

// New creates a libopus decoder. libopus writes interleaved samples.
func New(sampleRate, channels int) (codec.Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &decoder{dec: dec}, nil
}

func (d *decoder) Decode(packet []byte, pcm []int16) (int, error) {
	return d.dec.Decode(packet, pcm)
}

func (d *decoder) Layout() codec.Layout { return codec.Interleaved }

// Factory is the codec.DecoderFactory backed by libopus.
var Factory codec.DecoderFactory = New
