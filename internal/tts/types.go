package tts

import "context"

// Synthesizer is the contract for turning one chunk of text into raw
// audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}
