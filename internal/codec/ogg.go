package codec

import (
	"bytes"
	"encoding/binary"
)

const (
	pageHeaderSize  = 27
	maxPacketBytes  = 64 * 1024
	flagContinued   = 0x01
	flagBeginStream = 0x02
)

var capturePattern = []byte("OggS")

// crcTable is the Ogg CRC-32 (polynomial 0x04c11db7, no reflection, zero init).
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

func pageChecksum(page []byte) uint32 {
	var crc uint32
	for i, b := range page {
		// The checksum field itself is computed as zero.
		if i >= 22 && i < 26 {
			b = 0
		}
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// packet is one reassembled logical packet and whether it opened a stream.
type packet struct {
	data []byte
	bos  bool
}

// demuxer incrementally extracts packets from an Ogg byte stream that arrives
// in arbitrary, non page-aligned fragments.
type demuxer struct {
	buf     []byte
	partial []byte
	// partialValid is false while skipping the tail of a packet whose start was lost.
	partialValid bool
}

// write appends a fragment and returns every packet completed by it,
// along with the number of damaged regions that were skipped.
func (d *demuxer) write(fragment []byte) ([]packet, int) {
	d.buf = append(d.buf, fragment...)

	var (
		packets []packet
		dropped int
	)
	for {
		idx := bytes.Index(d.buf, capturePattern)
		if idx < 0 {
			// Keep a possible partial capture pattern at the tail.
			keep := len(capturePattern) - 1
			if len(d.buf) > keep {
				d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
				dropped++
			}
			return packets, dropped
		}
		if idx > 0 {
			d.buf = d.buf[idx:]
			dropped++
			d.breakContinuity()
		}

		if len(d.buf) < pageHeaderSize {
			return packets, dropped
		}
		if d.buf[4] != 0 {
			d.skipCapture()
			dropped++
			continue
		}

		nsegs := int(d.buf[26])
		if len(d.buf) < pageHeaderSize+nsegs {
			return packets, dropped
		}
		lacing := d.buf[pageHeaderSize : pageHeaderSize+nsegs]
		bodyLen := 0
		for _, l := range lacing {
			bodyLen += int(l)
		}
		pageLen := pageHeaderSize + nsegs + bodyLen
		if len(d.buf) < pageLen {
			return packets, dropped
		}

		page := d.buf[:pageLen]
		if binary.LittleEndian.Uint32(page[22:26]) != pageChecksum(page) {
			d.skipCapture()
			dropped++
			d.breakContinuity()
			continue
		}

		got, lost := d.readPage(page[5], lacing, page[pageHeaderSize+nsegs:])
		packets = append(packets, got...)
		dropped += lost

		d.buf = d.buf[pageLen:]
	}
}

func (d *demuxer) readPage(flags byte, lacing, body []byte) ([]packet, int) {
	var (
		packets []packet
		dropped int
	)

	continued := flags&flagContinued != 0
	if !continued && len(d.partial) > 0 {
		// The previous page promised a continuation that never came.
		d.partial = d.partial[:0]
		dropped++
	}
	if continued && len(d.partial) == 0 {
		d.partialValid = false
	} else {
		d.partialValid = true
	}

	bos := flags&flagBeginStream != 0
	offset := 0
	for _, l := range lacing {
		seg := body[offset : offset+int(l)]
		offset += int(l)

		if d.partialValid {
			d.partial = append(d.partial, seg...)
			if len(d.partial) > maxPacketBytes {
				d.partial = d.partial[:0]
				d.partialValid = false
				dropped++
			}
		}
		if l < 255 {
			if d.partialValid && len(d.partial) > 0 {
				data := make([]byte, len(d.partial))
				copy(data, d.partial)
				packets = append(packets, packet{data: data, bos: bos})
				bos = false
			}
			d.partial = d.partial[:0]
			d.partialValid = true
		}
	}
	return packets, dropped
}

// skipCapture advances past the current capture pattern so the next search resyncs.
func (d *demuxer) skipCapture() {
	d.buf = d.buf[len(capturePattern):]
}

func (d *demuxer) breakContinuity() {
	d.partial = d.partial[:0]
	d.partialValid = false
}

