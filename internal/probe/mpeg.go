package probe

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// maxFrames bounds the frame walk so malformed input cannot force
// unbounded work. At 26ms per MPEG-1 layer III frame this still covers
// more than seven hours of audio.
const maxFrames = 1 << 20

type mpegVersion int

const (
	mpeg1 mpegVersion = iota
	mpeg2
	mpeg25
)

type frameInfo struct {
	version         mpegVersion
	layer           int // 1, 2 or 3
	bitrate         int // bits per second
	sampleRate      int
	padding         int
	mono            bool
	samplesPerFrame int
	length          int // whole frame length in bytes
}

// bitrateTable is indexed by [row][bitrateIndex], in kbit/s. Rows:
// 0 = MPEG1 L1, 1 = MPEG1 L2, 2 = MPEG1 L3, 3 = MPEG2/2.5 L1,
// 4 = MPEG2/2.5 L2+L3.
var bitrateTable = [5][16]int{
	{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
	{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
}

// base sample rates for MPEG-1; halved once per MPEG-2 and twice for
// MPEG-2.5.
var sampleRateTable = [4]int{44100, 48000, 32000, 0}

// mpegDuration measures an MPEG stream: skip ID3v2, find the first
// valid frame, prefer an O(1) Xing/Info/VBRI frame count, otherwise
// walk frame-by-frame.
func mpegDuration(b []byte) (time.Duration, error) {
	offset := skipID3(b)

	start, frame, ok := findFrame(b, offset)
	if !ok {
		return 0, ErrNoFrame
	}

	if frames, ok := vbrFrameCount(b, start, frame); ok {
		seconds := float64(frames) * float64(frame.samplesPerFrame) / float64(frame.sampleRate)
		return time.Duration(math.Round(seconds*1000)) * time.Millisecond, nil
	}

	var seconds float64
	pos := start
	for count := 0; count < maxFrames; count++ {
		f, ok := parseFrame(b, pos)
		if !ok {
			break
		}
		seconds += float64(f.samplesPerFrame) / float64(f.sampleRate)
		pos += f.length
		if pos >= len(b) {
			break
		}
	}
	return time.Duration(math.Round(seconds*1000)) * time.Millisecond, nil
}

// skipID3 steps over an ID3v2 tag. The size field is a 4-byte
// synchsafe integer: 7 usable bits per byte, top bit always zero.
func skipID3(b []byte) int {
	if len(b) < 10 || !bytes.Equal(b[0:3], []byte("ID3")) {
		return 0
	}
	size := int(b[6]&0x7F)<<21 | int(b[7]&0x7F)<<14 | int(b[8]&0x7F)<<7 | int(b[9]&0x7F)
	total := 10 + size
	if b[5]&0x10 != 0 {
		total += 10 // footer present
	}
	if total > len(b) {
		return len(b)
	}
	return total
}

// findFrame scans for the first offset holding a parseable frame header.
func findFrame(b []byte, from int) (int, frameInfo, bool) {
	for i := from; i+4 <= len(b); i++ {
		if b[i] != 0xFF || b[i+1]&0xE0 != 0xE0 {
			continue
		}
		if f, ok := parseFrame(b, i); ok {
			return i, f, true
		}
	}
	return 0, frameInfo{}, false
}

// parseFrame decodes the 4-byte header at pos. Reserved version/layer
// bits, the free and bad bitrate indexes, and the reserved sample-rate
// index all invalidate the frame.
func parseFrame(b []byte, pos int) (frameInfo, bool) {
	if pos+4 > len(b) || b[pos] != 0xFF || b[pos+1]&0xE0 != 0xE0 {
		return frameInfo{}, false
	}
	h1, h2, h3 := b[pos+1], b[pos+2], b[pos+3]

	var version mpegVersion
	switch h1 >> 3 & 0x3 {
	case 0x3:
		version = mpeg1
	case 0x2:
		version = mpeg2
	case 0x0:
		version = mpeg25
	default:
		return frameInfo{}, false
	}

	layer := 4 - int(h1>>1&0x3)
	if layer == 4 {
		return frameInfo{}, false // reserved layer bits
	}

	bitrateIdx := int(h2 >> 4)
	if bitrateIdx == 0 || bitrateIdx == 15 {
		return frameInfo{}, false // free-format and invalid
	}
	row := layer - 1
	if version != mpeg1 {
		row = 3
		if layer > 1 {
			row = 4
		}
	}
	bitrate := bitrateTable[row][bitrateIdx] * 1000

	rateIdx := int(h2 >> 2 & 0x3)
	sampleRate := sampleRateTable[rateIdx]
	if sampleRate == 0 {
		return frameInfo{}, false
	}
	switch version {
	case mpeg2:
		sampleRate /= 2
	case mpeg25:
		sampleRate /= 4
	}

	padding := int(h2 >> 1 & 0x1)
	mono := h3>>6&0x3 == 0x3

	samples := samplesPerFrame(version, layer)

	// Layer 1 counts 4-byte slots; layers 2 and 3 count bytes.
	var length int
	if layer == 1 {
		length = (12*bitrate/sampleRate + padding) * 4
	} else {
		length = samples / 8 * bitrate / sampleRate
		length += padding
	}
	if length <= 4 {
		return frameInfo{}, false
	}

	return frameInfo{
		version:         version,
		layer:           layer,
		bitrate:         bitrate,
		sampleRate:      sampleRate,
		padding:         padding,
		mono:            mono,
		samplesPerFrame: samples,
		length:          length,
	}, true
}

func samplesPerFrame(version mpegVersion, layer int) int {
	switch layer {
	case 1:
		return 384
	case 2:
		return 1152
	default:
		if version == mpeg1 {
			return 1152
		}
		return 576 // layer 3 halves for MPEG-2/2.5
	}
}

// vbrFrameCount looks for a Xing/Info tag after the side-information
// bytes, or a VBRI tag at its fixed offset, and returns the embedded
// frame count when the tag carries one.
func vbrFrameCount(b []byte, frameStart int, f frameInfo) (int, bool) {
	sideInfo := 32
	if f.version == mpeg1 {
		if f.mono {
			sideInfo = 17
		}
	} else {
		sideInfo = 17
		if f.mono {
			sideInfo = 9
		}
	}

	xing := frameStart + 4 + sideInfo
	if xing+8 <= len(b) {
		tag := b[xing : xing+4]
		if bytes.Equal(tag, []byte("Xing")) || bytes.Equal(tag, []byte("Info")) {
			flags := binary.BigEndian.Uint32(b[xing+4 : xing+8])
			if flags&0x1 != 0 && xing+12 <= len(b) {
				return int(binary.BigEndian.Uint32(b[xing+8 : xing+12])), true
			}
		}
	}

	// VBRI always sits 32 bytes after the header, frame count 14 bytes in.
	vbri := frameStart + 4 + 32
	if vbri+18 <= len(b) && bytes.Equal(b[vbri:vbri+4], []byte("VBRI")) {
		return int(binary.BigEndian.Uint32(b[vbri+14 : vbri+18])), true
	}

	return 0, false
}
