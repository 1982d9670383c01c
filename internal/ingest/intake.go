// Package ingest is the pipeline's front door: raw story text becomes
// a persisted file with ordered, bounded chunks, and a synthesis task
// is enqueued for it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taleweave/taleweave-core/internal/config"
	"github.com/taleweave/taleweave-core/internal/dispatch"
	"github.com/taleweave/taleweave-core/internal/protocol"
	"github.com/taleweave/taleweave-core/internal/segment"
	"github.com/taleweave/taleweave-core/internal/store"
)

// Store is the record-store surface intake needs.
type Store interface {
	CreateFileWithChunks(ctx context.Context, file store.AudioFile, chunks []store.TextChunk) error
}

type Intake struct {
	cfg      config.SegmentConfig
	store    Store
	dispatch dispatch.Dispatcher
	log      *slog.Logger
}

func New(cfg config.SegmentConfig, st Store, d dispatch.Dispatcher, log *slog.Logger) *Intake {
	return &Intake{
		cfg:      cfg,
		store:    st,
		dispatch: d,
		log:      log.With(slog.String("component", "ingest")),
	}
}

// Ingest segments the story, persists the file with dense chunk
// sequences, and enqueues its synthesis. Returns the file id.
func (i *Intake) Ingest(ctx context.Context, task protocol.IngestStoryTask) (string, error) {
	text := strings.TrimSpace(task.Text)
	if text == "" {
		return "", errors.New("ingest: empty story text")
	}

	fileID := task.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	parts := segment.SplitChapters(text, i.cfg.ChunkCharLimit)
	if len(parts) == 0 {
		return "", errors.New("ingest: segmentation produced no chunks")
	}

	chunks := make([]store.TextChunk, 0, len(parts))
	for seq, part := range parts {
		chunks = append(chunks, store.TextChunk{
			ID:             uuid.NewString(),
			FileID:         fileID,
			Sequence:       seq,
			Text:           part,
			Status:         store.ChunkPending,
			PaddingStartMS: int64(i.cfg.PaddingStartMS),
			PaddingEndMS:   int64(i.cfg.PaddingEndMS),
		})
	}

	file := store.AudioFile{
		ID:     fileID,
		Title:  task.Title,
		Voice:  task.Voice,
		Status: store.FileGeneratingStory,
	}
	if err := i.store.CreateFileWithChunks(ctx, file, chunks); err != nil {
		return "", fmt.Errorf("persist story: %w", err)
	}

	i.log.Info("story ingested",
		slog.String("file_id", fileID),
		slog.Int("chunks", len(chunks)))

	err := i.dispatch.Enqueue(ctx, protocol.SubjectSynthesizeFile, protocol.SynthesizeFileTask{
		FileID:     fileID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fileID, fmt.Errorf("enqueue synthesis for %s: %w", fileID, err)
	}
	return fileID, nil
}
