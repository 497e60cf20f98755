// Package codec turns the client's fragmented Ogg/Opus byte stream into mono PCM16 samples.
package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

// Layout describes how a decoder arranges multi-channel output.
type Layout int

const (
	Interleaved Layout = iota // L R L R ...
	Planar                    // L L ... R R ...
)

// Decoder decodes one compressed packet into pcm and returns samples per channel.
type Decoder interface {
	Decode(packet []byte, pcm []int16) (int, error)
	Layout() Layout
}

// DecoderFactory creates a decoder for the stream's channel count at the output rate.
type DecoderFactory func(sampleRate, channels int) (Decoder, error)

// Drop reasons reported in metrics.
const (
	DropPage   = "page"
	DropPacket = "packet"
)

// Config controls decoding.
type Config struct {
	SampleRate int // decode rate; Opus supports 8000, 12000, 16000, 24000, 48000
	Channels   int // assumed channel count until an OpusHead says otherwise
}

// Result describes one Feed call.
type Result struct {
	// Observed is the arrival time of the fragment. Always set, even when
	// nothing decoded, so silence tracking never depends on decode success.
	Observed time.Time
	Samples  []int16
	Packets  int
	Dropped  int
	// Err is the first decode problem in this fragment, if any. It is never fatal.
	Err *voiceerr.Error
}

// Codec holds the per-session cursor over the inbound audio stream.
// Not safe for concurrent use.
type Codec struct {
	cfg     Config
	factory DecoderFactory
	logger  zerolog.Logger
	now     func() time.Time

	demux       demuxer
	dec         Decoder
	channels    int
	headSeen    bool
	pcm         []int16
	lastArrival time.Time
}

// New creates a codec.
func New(cfg Config, factory DecoderFactory, logger zerolog.Logger) *Codec {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Codec{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With().Str("component", "codec").Logger(),
		now:      time.Now,
		channels: cfg.Channels,
	}
}

// SampleRate returns the rate of the samples Feed produces.
func (c *Codec) SampleRate() int { return c.cfg.SampleRate }

// HeaderSeen reports whether an OpusHead packet has been parsed.
func (c *Codec) HeaderSeen() bool { return c.headSeen }

// LastArrival returns the time the most recent fragment was observed.
func (c *Codec) LastArrival() time.Time { return c.lastArrival }

// Feed consumes one inbound fragment of any size.
func (c *Codec) Feed(fragment []byte) Result {
	res := Result{Observed: c.now()}
	c.lastArrival = res.Observed

	packets, damaged := c.demux.write(fragment)
	for i := 0; i < damaged; i++ {
		observability.RecordFrameDropped(DropPage)
	}
	if damaged > 0 {
		res.Dropped += damaged
		res.Err = voiceerr.New(voiceerr.KindDecode, voiceerr.ServiceAudio, "demux", "damaged audio page dropped")
		c.logger.Warn().Int("count", damaged).Msg("Dropped damaged Ogg data")
	}

	for _, p := range packets {
		if c.handleHeader(p) {
			continue
		}

		samples, err := c.decode(p.data)
		if err != nil {
			observability.RecordFrameDropped(DropPacket)
			res.Dropped++
			if res.Err == nil {
				res.Err = voiceerr.Wrap(voiceerr.KindDecode, voiceerr.ServiceAudio, "decode", "undecodable audio frame dropped", err)
			}
			c.logger.Warn().Err(err).Int("bytes", len(p.data)).Msg("Dropped undecodable audio frame")
			continue
		}
		res.Packets++
		res.Samples = append(res.Samples, samples...)
	}
	return res
}

// Reset clears decoder state and packet continuity at the start of a turn.
// Bytes of a page still arriving are kept, so a page that straddles the idle
// gap decodes in the new turn. The stream header already seen is kept since
// clients stream one Ogg stream across many turns.
func (c *Codec) Reset() {
	c.demux.breakContinuity()
	c.dec = nil
}

// handleHeader consumes OpusHead and OpusTags packets.
func (c *Codec) handleHeader(p packet) bool {
	switch {
	case bytes.HasPrefix(p.data, []byte("OpusHead")):
		channels, err := parseOpusHead(p.data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed OpusHead")
			return true
		}
		if channels != c.channels {
			c.dec = nil
		}
		c.channels = channels
		c.headSeen = true
		c.logger.Debug().Int("channels", channels).Bool("bos", p.bos).Msg("Opus stream header")
		return true
	case bytes.HasPrefix(p.data, []byte("OpusTags")):
		return true
	}
	return false
}

func parseOpusHead(data []byte) (int, error) {
	// magic(8) version(1) channels(1) pre-skip(2) rate(4) gain(2) mapping(1)
	if len(data) < 19 {
		return 0, fmt.Errorf("OpusHead too short: %d bytes", len(data))
	}
	if data[8]>>4 != 0 {
		return 0, fmt.Errorf("unsupported OpusHead version %d", data[8])
	}
	channels := int(data[9])
	if channels < 1 || channels > 8 {
		return 0, fmt.Errorf("invalid channel count %d", channels)
	}
	return channels, nil
}

func (c *Codec) decode(data []byte) ([]int16, error) {
	if c.dec == nil {
		dec, err := c.factory(c.cfg.SampleRate, c.channels)
		if err != nil {
			return nil, fmt.Errorf("create decoder: %w", err)
		}
		c.dec = dec
	}

	// 120 ms is the longest Opus packet.
	need := c.cfg.SampleRate * 120 / 1000 * c.channels
	if cap(c.pcm) < need {
		c.pcm = make([]int16, need)
	}
	pcm := c.pcm[:need]

	n, err := c.dec.Decode(data, pcm)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if n*c.channels > len(pcm) {
		return nil, fmt.Errorf("decoder returned %d samples per channel, buffer holds %d", n, len(pcm)/c.channels)
	}
	return normalize(pcm[:n*c.channels], n, c.channels, c.dec.Layout()), nil
}

// normalize converts decoder output to mono interleaved samples in a new slice.
func normalize(pcm []int16, perChannel, channels int, layout Layout) []int16 {
	if channels == 1 {
		out := make([]int16, perChannel)
		copy(out, pcm)
		return out
	}
	if layout == Planar {
		interleaved := make([]int16, len(pcm))
		for ch := 0; ch < channels; ch++ {
			for i := 0; i < perChannel; i++ {
				interleaved[i*channels+ch] = pcm[ch*perChannel+i]
			}
		}
		pcm = interleaved
	}
	return audio.Downmix(pcm, channels)
}
