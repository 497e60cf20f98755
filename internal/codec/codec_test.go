package codec

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-session/internal/voiceerr"
)

// fakeDecoder treats packets as [0xAA, samplesPerChannel, value] and fails on anything else.
type fakeDecoder struct {
	channels int
	layout   Layout
}

func (d *fakeDecoder) Decode(packet []byte, pcm []int16) (int, error) {
	if len(packet) < 3 || packet[0] != 0xAA {
		return 0, errors.New("corrupted stream")
	}
	n := int(packet[1])
	for ch := 0; ch < d.channels; ch++ {
		for i := 0; i < n; i++ {
			v := int16(packet[2]) * int16(ch+1)
			if d.layout == Planar {
				pcm[ch*n+i] = v
			} else {
				pcm[i*d.channels+ch] = v
			}
		}
	}
	return n, nil
}

func (d *fakeDecoder) Layout() Layout { return d.layout }

func fakeFactory(layout Layout) DecoderFactory {
	return func(_, channels int) (Decoder, error) {
		return &fakeDecoder{channels: channels, layout: layout}, nil
	}
}

func audioPacket(samples int, value byte) []byte {
	p := []byte{0xAA, byte(samples), value}
	// pad so packets are not trivially tiny
	return append(p, make([]byte, 40)...)
}

func opusHead(channels int) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1
	h[9] = byte(channels)
	binary.LittleEndian.PutUint32(h[12:16], 48000)
	return h
}

// buildPage assembles a valid Ogg page. A packet longer than one page's lacing
// is not needed by these tests except through buildSplitPages.
func buildPage(flags byte, seq uint32, lacing []byte, body []byte) []byte {
	page := make([]byte, pageHeaderSize+len(lacing)+len(body))
	copy(page, "OggS")
	page[5] = flags
	binary.LittleEndian.PutUint32(page[14:18], 0x1234)
	binary.LittleEndian.PutUint32(page[18:22], seq)
	page[26] = byte(len(lacing))
	copy(page[pageHeaderSize:], lacing)
	copy(page[pageHeaderSize+len(lacing):], body)
	binary.LittleEndian.PutUint32(page[22:26], pageChecksum(page))
	return page
}

func lacingFor(packets ...[]byte) ([]byte, []byte) {
	var lacing, body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
		body = append(body, p...)
	}
	return lacing, body
}

func page(flags byte, seq uint32, packets ...[]byte) []byte {
	lacing, body := lacingFor(packets...)
	return buildPage(flags, seq, lacing, body)
}

func headerPages(channels int) []byte {
	var out []byte
	out = append(out, page(flagBeginStream, 0, opusHead(channels))...)
	out = append(out, page(0, 1, []byte("OpusTags\x00\x00\x00\x00\x00\x00\x00\x00"))...)
	return out
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestCodec(layout Layout) *Codec {
	c := New(Config{SampleRate: 16000, Channels: 1}, fakeFactory(layout), zerolog.Nop())
	clock := &testClock{t: time.Unix(1700000000, 0)}
	c.now = clock.now
	return c
}

func TestFeed_NonAlignedFragments(t *testing.T) {
	c := newTestCodec(Interleaved)

	stream := headerPages(1)
	stream = append(stream, page(0, 2, audioPacket(160, 10), audioPacket(160, 10))...)
	stream = append(stream, page(0, 3, audioPacket(160, 10))...)

	var (
		total     int
		observed  int
		lastSeen  time.Time
		chunkSize = 7
	)
	for start := 0; start < len(stream); start += chunkSize {
		end := start + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		res := c.Feed(stream[start:end])

		// Every fragment is observed, decodable or not.
		require.True(t, res.Observed.After(lastSeen))
		lastSeen = res.Observed
		observed++

		assert.Zero(t, res.Dropped)
		total += len(res.Samples)
	}

	assert.Equal(t, 480, total)
	assert.True(t, c.HeaderSeen())
	assert.Equal(t, lastSeen, c.LastArrival())
	assert.Greater(t, observed, 10)
}

func TestFeed_ObservesFragmentsWithoutSamples(t *testing.T) {
	c := newTestCodec(Interleaved)

	// A lone partial capture pattern decodes nothing but still counts as activity.
	res := c.Feed([]byte("Og"))
	assert.False(t, res.Observed.IsZero())
	assert.Empty(t, res.Samples)
	assert.Nil(t, res.Err)

	res = c.Feed(nil)
	assert.False(t, res.Observed.IsZero())
}

func TestFeed_PacketSpanningPages(t *testing.T) {
	c := newTestCodec(Interleaved)
	c.Feed(headerPages(1))

	big := audioPacket(200, 7)
	big = append(big, make([]byte, 600)...) // 643 bytes, lacing 255,255,133

	lacing, body := lacingFor(big)
	// Split after the first two 255 segments; the first page ends mid-packet.
	first := buildPage(0, 2, lacing[:2], body[:510])
	second := buildPage(flagContinued, 3, lacing[2:], body[510:])

	res := c.Feed(first)
	assert.Empty(t, res.Samples)

	res = c.Feed(second)
	require.Len(t, res.Samples, 200)
	assert.Equal(t, int16(7), res.Samples[0])
}

func TestFeed_CorruptPageIsDroppedAndDecodingContinues(t *testing.T) {
	c := newTestCodec(Interleaved)
	c.Feed(headerPages(1))

	good1 := page(0, 2, audioPacket(160, 1))
	bad := page(0, 3, audioPacket(160, 2))
	bad[len(bad)-1] ^= 0xFF // body damage breaks the checksum
	good2 := page(0, 4, audioPacket(160, 3))

	res := c.Feed(good1)
	assert.Len(t, res.Samples, 160)

	res = c.Feed(bad)
	assert.Empty(t, res.Samples)
	assert.GreaterOrEqual(t, res.Dropped, 1)
	require.NotNil(t, res.Err)
	assert.Equal(t, voiceerr.KindDecode, res.Err.Kind)
	assert.False(t, res.Err.Fatal())

	res = c.Feed(good2)
	require.Len(t, res.Samples, 160)
	assert.Equal(t, int16(3), res.Samples[0])
}

func TestFeed_UndecodablePacketIsDropped(t *testing.T) {
	c := newTestCodec(Interleaved)
	c.Feed(headerPages(1))

	junk := []byte{0x01, 0x02, 0x03, 0x04}
	res := c.Feed(page(0, 2, audioPacket(160, 5), junk, audioPacket(160, 6)))

	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 2, res.Packets)
	assert.Len(t, res.Samples, 320)
	require.NotNil(t, res.Err)
	assert.True(t, voiceerr.IsKind(res.Err, voiceerr.KindDecode))
}

func TestFeed_GarbageBeforeCapturePattern(t *testing.T) {
	c := newTestCodec(Interleaved)
	c.Feed(headerPages(1))

	data := append([]byte("garbage!"), page(0, 2, audioPacket(160, 9))...)
	res := c.Feed(data)

	assert.Len(t, res.Samples, 160)
	assert.Equal(t, 1, res.Dropped)
}

func TestFeed_StereoLayoutsNormalizeToMono(t *testing.T) {
	for _, layout := range []Layout{Interleaved, Planar} {
		c := newTestCodec(layout)
		c.Feed(headerPages(2))

		res := c.Feed(page(0, 2, audioPacket(100, 10)))

		// Channel 0 carries 10, channel 1 carries 20; mono is their mean.
		require.Len(t, res.Samples, 100, "layout %d", layout)
		for _, s := range res.Samples {
			assert.Equal(t, int16(15), s)
		}
	}
}

func TestReset_KeepsPageInFlightAndHeader(t *testing.T) {
	c := newTestCodec(Interleaved)
	c.Feed(headerPages(1))

	p := page(0, 2, audioPacket(160, 4))
	c.Feed(p[:20]) // page straddles the turn boundary

	c.Reset()
	assert.True(t, c.HeaderSeen())

	res := c.Feed(append(p[20:], page(0, 3, audioPacket(160, 8))...))
	assert.Nil(t, res.Err)
	assert.Zero(t, res.Dropped)
	require.Len(t, res.Samples, 320)
	assert.Equal(t, int16(4), res.Samples[0])
	assert.Equal(t, int16(8), res.Samples[160])
}

func TestPageChecksumDetectsSingleBitFlip(t *testing.T) {
	p := page(0, 1, audioPacket(10, 1))
	sum := pageChecksum(p)
	p[30] ^= 0x01
	assert.NotEqual(t, sum, pageChecksum(p))
}
