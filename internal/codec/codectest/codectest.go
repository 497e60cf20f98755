// Package codectest builds Ogg streams and a deterministic decoder for
// tests of code that consumes the codec package.
package codectest

import (
	"encoding/binary"
	"errors"

	"github.com/lexiqai/voice-session/internal/codec"
)

const serial = 0x5eed

var crcTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// Stream writes sequential Ogg pages for one logical stream.
type Stream struct {
	seq uint32
}

// Header returns the OpusHead and OpusTags pages.
func (s *Stream) Header(channels int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = byte(channels)
	binary.LittleEndian.PutUint32(head[12:16], 48000)

	out := s.page(0x02, head)
	return append(out, s.page(0, []byte("OpusTags\x00\x00\x00\x00\x00\x00\x00\x00"))...)
}

// Page returns one page holding the given packets.
func (s *Stream) Page(packets ...[]byte) []byte {
	return s.page(0, packets...)
}

func (s *Stream) page(flags byte, packets ...[]byte) []byte {
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

	page := make([]byte, 27+len(lacing)+len(body))
	copy(page, "OggS")
	page[5] = flags
	binary.LittleEndian.PutUint32(page[14:18], serial)
	binary.LittleEndian.PutUint32(page[18:22], s.seq)
	page[26] = byte(len(lacing))
	copy(page[27:], lacing)
	copy(page[27+len(lacing):], body)

	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:26], crc)

	s.seq++
	return page
}

// Packet encodes samples copies of value for Decoder.
func Packet(samples int, value int16) []byte {
	p := make([]byte, 5)
	p[0] = 0xAA
	binary.LittleEndian.PutUint16(p[1:3], uint16(samples))
	binary.LittleEndian.PutUint16(p[3:5], uint16(value))
	return p
}

// Corrupt returns a packet Decoder rejects.
func Corrupt() []byte {
	return []byte{0x00, 0xde, 0xad, 0xbe, 0xef}
}

// Decoder decodes packets made by Packet.
type Decoder struct {
	channels int
}

// Decode implements codec.Decoder.
func (d *Decoder) Decode(packet []byte, pcm []int16) (int, error) {
	if len(packet) != 5 || packet[0] != 0xAA {
		return 0, errors.New("corrupted stream")
	}
	n := int(binary.LittleEndian.Uint16(packet[1:3]))
	v := int16(binary.LittleEndian.Uint16(packet[3:5]))
	if n*d.channels > len(pcm) {
		return 0, errors.New("packet exceeds frame size")
	}
	for i := 0; i < n*d.channels; i++ {
		pcm[i] = v
	}
	return n, nil
}

// Layout implements codec.Decoder.
func (d *Decoder) Layout() codec.Layout { return codec.Interleaved }

// Factory creates a Decoder.
func Factory(_, channels int) (codec.Decoder, error) {
	return &Decoder{channels: channels}, nil
}
