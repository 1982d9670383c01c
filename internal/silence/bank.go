package silence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Bank materializes silence as WAV files in a working directory so the
// concatenation step can reference gaps by path. Artifacts are keyed by
// duration and reused within the bank's lifetime; a bank lives for one
// assembly run and dies with its directory.
type Bank struct {
	dir        string
	sampleRate int
	channels   int

	mu    sync.Mutex
	files map[int]string
}

func NewBank(dir string, sampleRate, channels int) *Bank {
	return &Bank{
		dir:        dir,
		sampleRate: sampleRate,
		channels:   channels,
		files:      make(map[int]string),
	}
}

// File returns the path of a silence artifact lasting ms milliseconds,
// writing it on first use. Zero and negative durations produce no
// artifact and return an empty path.
func (b *Bank) File(ms int) (string, error) {
	if ms <= 0 {
		return "", nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if path, ok := b.files[ms]; ok {
		return path, nil
	}
	path := filepath.Join(b.dir, fmt.Sprintf("silence_%dms.wav", ms))
	if err := b.write(path, ms); err != nil {
		return "", err
	}
	b.files[ms] = path
	return path, nil
}

func (b *Bank) write(path string, ms int) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create silence artifact: %w", err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, b.sampleRate, 16, b.channels, 1)
	frames := b.sampleRate * ms / 1000

	// Zeroed PCM goes out in fixed blocks so long gaps stay cheap.
	const blockFrames = 4096
	block := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: b.channels, SampleRate: b.sampleRate},
		SourceBitDepth: 16,
	}
	for frames > 0 {
		n := frames
		if n > blockFrames {
			n = blockFrames
		}
		block.Data = make([]int, n*b.channels)
		if err := enc.Write(block); err != nil {
			enc.Close()
			return fmt.Errorf("write silence: %w", err)
		}
		frames -= n
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize silence artifact: %w", err)
	}
	return nil
}
