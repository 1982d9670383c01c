// Package probe classifies raw audio bytes and measures their exact
// playable duration without full decoding. Two containers are
// understood: RIFF/WAVE and MPEG audio (MP3), including ID3v2 tags and
// Xing/VBRI variable-bitrate headers.
package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	MIMEWAV  = "audio/wav"
	MIMEMPEG = "audio/mpeg"
)

var (
	// ErrNotWAV reports a buffer without the RIFF/WAVE magic.
	ErrNotWAV = errors.New("probe: missing RIFF/WAVE magic")
	// ErrNoDataChunk reports a WAV file without a data sub-chunk.
	ErrNoDataChunk = errors.New("probe: no data sub-chunk found")
	// ErrNoFrame reports an MPEG stream without a single valid frame header.
	ErrNoFrame = errors.New("probe: no valid MPEG frame header found")
)

// DetectMIME classifies the container. Unrecognized bytes default to
// MPEG so that downstream handling stays lenient.
func DetectMIME(b []byte) string {
	if isWAV(b) {
		return MIMEWAV
	}
	return MIMEMPEG
}

// Duration returns the exact playable duration of the buffer, rounded
// to the nearest millisecond.
func Duration(b []byte) (time.Duration, error) {
	if isWAV(b) {
		return wavDuration(b)
	}
	return mpegDuration(b)
}

func isWAV(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

// wavDuration reads the fmt sub-chunk, then scans id(4)+size(4)+payload
// sub-chunks (odd payloads are padded to even) until data is found.
func wavDuration(b []byte) (time.Duration, error) {
	if !isWAV(b) {
		return 0, ErrNotWAV
	}

	var (
		channels   uint16
		sampleRate uint32
		bits       uint16
		haveFmt    bool
	)

	offset := 12
	for offset+8 <= len(b) {
		id := b[offset : offset+4]
		size := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		offset += 8

		switch {
		case bytes.Equal(id, []byte("fmt ")):
			if offset+16 > len(b) {
				return 0, fmt.Errorf("probe: truncated fmt sub-chunk")
			}
			channels = binary.LittleEndian.Uint16(b[offset+2 : offset+4])
			sampleRate = binary.LittleEndian.Uint32(b[offset+4 : offset+8])
			bits = binary.LittleEndian.Uint16(b[offset+14 : offset+16])
			haveFmt = true
		case bytes.Equal(id, []byte("data")):
			if !haveFmt {
				return 0, fmt.Errorf("probe: data sub-chunk before fmt")
			}
			if channels == 0 || sampleRate == 0 || bits == 0 {
				return 0, fmt.Errorf("probe: degenerate fmt fields (channels=%d rate=%d bits=%d)", channels, sampleRate, bits)
			}
			if remaining := len(b) - offset; size > remaining {
				size = remaining
			}
			byteRate := float64(sampleRate) * float64(channels) * float64(bits) / 8
			seconds := float64(size) / byteRate
			return time.Duration(math.Round(seconds*1000)) * time.Millisecond, nil
		}

		offset += size
		if size%2 == 1 {
			offset++ // sub-chunk payloads are word-aligned
		}
	}
	return 0, ErrNoDataChunk
}
