package tts

import (
	"context"
	"encoding/binary"
	"unicode/utf8"
)

// MockSynthesizer fabricates silent WAV audio whose duration scales
// with the text length, for development and tests without a speech
// service.
type MockSynthesizer struct {
	SampleRate int
	// MSPerChar controls how much audio one character yields.
	MSPerChar int
}

func NewMock() *MockSynthesizer {
	return &MockSynthesizer{SampleRate: 22050, MSPerChar: 60}
}

func (m *MockSynthesizer) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	ms := utf8.RuneCountInString(text) * m.MSPerChar
	if ms < m.MSPerChar {
		ms = m.MSPerChar
	}
	samples := m.SampleRate * ms / 1000
	return silentWAV(samples, m.SampleRate), nil
}

// silentWAV builds a minimal mono 16-bit RIFF/WAVE buffer of zeroed
// samples.
func silentWAV(numSamples, sampleRate int) []byte {
	dataSize := numSamples * 2
	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}
