// Package synth drives every chunk of a file through speech synthesis.
// Chunks advance independently through PENDING/ERROR -> PROCESSING ->
// PROCESSED|ERROR; one chunk's failure never rolls back a committed
// sibling. Work proceeds in fixed-size windows whose starts are paced
// by a rate limiter, keeping pressure on the synthesis service flat.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/taleweave/taleweave-core/internal/config"
	"github.com/taleweave/taleweave-core/internal/dispatch"
	"github.com/taleweave/taleweave-core/internal/duration"
	"github.com/taleweave/taleweave-core/internal/probe"
	"github.com/taleweave/taleweave-core/internal/protocol"
	"github.com/taleweave/taleweave-core/internal/store"
	"github.com/taleweave/taleweave-core/internal/tts"
)

// Store is the record-store surface the coordinator needs.
type Store interface {
	GetFile(ctx context.Context, id string) (*store.AudioFile, error)
	SetChunkStatus(ctx context.Context, chunkID string, status store.ChunkStatus) error
	UpdateChunk(ctx context.Context, chunkID string, status store.ChunkStatus, audioURL string, durationMS int64) error
	UpdateFileStatus(ctx context.Context, fileID string, status store.FileStatus, url string) error
	UpdateFileDuration(ctx context.Context, fileID string, durationMS int64) error
	CountPendingChunks(ctx context.Context, fileID string) (int, error)
	BeginAssembly(ctx context.Context, fileID string) (bool, error)
}

// Storage is the object-store surface the coordinator needs.
type Storage interface {
	Put(ctx context.Context, path, contentType string, data []byte) error
	URL(path string) string
}

// Coordinator fans a file's chunks out to the synthesizer and collects
// their terminal states.
type Coordinator struct {
	cfg      config.SynthesisConfig
	store    Store
	storage  Storage
	synth    tts.Synthesizer
	dispatch dispatch.Dispatcher
	limiter  *rate.Limiter
	log      *slog.Logger

	chunksDone   metric.Int64Counter
	chunksFailed metric.Int64Counter
	batchSize    metric.Int64Gauge
}

func NewCoordinator(cfg config.SynthesisConfig, st Store, storage Storage, synth tts.Synthesizer, d dispatch.Dispatcher, log *slog.Logger) *Coordinator {
	interval := time.Duration(cfg.BatchIntervalMS) * time.Millisecond
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	meter := otel.Meter("github.com/taleweave/taleweave-core/synth")
	chunksDone, _ := meter.Int64Counter("taleweave.chunks.synthesized",
		metric.WithDescription("Chunks that reached PROCESSED"))
	chunksFailed, _ := meter.Int64Counter("taleweave.chunks.failed",
		metric.WithDescription("Chunks that reached ERROR"))
	batchSize, _ := meter.Int64Gauge("taleweave.synth.window_size",
		metric.WithDescription("Chunks in the most recent synthesis window"))

	return &Coordinator{
		cfg:          cfg,
		store:        st,
		storage:      storage,
		synth:        synth,
		dispatch:     d,
		limiter:      rate.NewLimiter(limit, 1),
		log:          log.With(slog.String("component", "synth")),
		chunksDone:   chunksDone,
		chunksFailed: chunksFailed,
		batchSize:    batchSize,
	}
}

// ChunkKey is the object-store path for one chunk's audio. The zero
// padded sequence keeps lexical and playback order identical.
func ChunkKey(fileID string, sequence int) string {
	return fmt.Sprintf("files/%s/chunks/%05d", fileID, sequence)
}

type chunkResult struct {
	chunkID  string
	sequence int
	err      error
}

// SynthesizeAll processes every not-yet-PROCESSED chunk of a file and,
// when the whole file is done, claims assembly through the store's
// compare-and-swap so concatenation is enqueued exactly once.
func (c *Coordinator) SynthesizeAll(ctx context.Context, fileID string) error {
	file, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}

	var pending []store.TextChunk
	for _, ch := range file.Chunks {
		if ch.Status != store.ChunkProcessed {
			pending = append(pending, ch)
		}
	}
	c.log.Info("synthesis started",
		slog.String("file_id", fileID),
		slog.Int("chunks", len(file.Chunks)),
		slog.Int("pending", len(pending)))

	// BeginAssembly claims only from GENERATING_STORY, so a file a
	// previous failed pass left in ERROR must be reopened before its
	// chunks are re-driven.
	if file.Status == store.FileError {
		if err := c.store.UpdateFileStatus(ctx, fileID, store.FileGeneratingStory, ""); err != nil {
			return fmt.Errorf("reopen errored file %s: %w", fileID, err)
		}
	}

	failures := 0
	for start := 0; start < len(pending); start += c.cfg.BatchSize {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("synthesis window pacing: %w", err)
		}
		end := start + c.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		window := pending[start:end]
		c.batchSize.Record(ctx, int64(len(window)))

		// Every task writes one result; a failed task must not stop
		// its siblings, so results are gathered only after launch.
		results := make(chan chunkResult, len(window))
		for _, ch := range window {
			go func(ch store.TextChunk) {
				results <- chunkResult{
					chunkID:  ch.ID,
					sequence: ch.Sequence,
					err:      c.processChunk(ctx, file, ch),
				}
			}(ch)
		}
		for range window {
			res := <-results
			if res.err != nil {
				failures++
				c.chunksFailed.Add(ctx, 1)
				c.log.Warn("chunk synthesis failed",
					slog.String("file_id", fileID),
					slog.Int("sequence", res.sequence),
					slogError(res.err))
				continue
			}
			c.chunksDone.Add(ctx, 1)
			c.refreshDuration(ctx, fileID)
		}
	}

	if failures > 0 {
		if err := c.store.UpdateFileStatus(ctx, fileID, store.FileError, ""); err != nil {
			c.log.Error("failed to mark file errored", slogError(err))
		}
		return fmt.Errorf("synthesis of %s: %d of %d chunks failed", fileID, failures, len(pending))
	}

	remaining, err := c.store.CountPendingChunks(ctx, fileID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		// Another worker still owns chunks of this file.
		return nil
	}

	won, err := c.store.BeginAssembly(ctx, fileID)
	if err != nil {
		return err
	}
	if !won {
		c.log.Info("assembly already claimed", slog.String("file_id", fileID))
		return nil
	}
	return c.dispatch.Enqueue(ctx, protocol.SubjectAssembleFile, protocol.AssembleFileTask{
		FileID:     fileID,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) processChunk(ctx context.Context, file *store.AudioFile, ch store.TextChunk) error {
	if err := c.store.SetChunkStatus(ctx, ch.ID, store.ChunkProcessing); err != nil {
		return err
	}

	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TaskTimeoutMS)*time.Millisecond)
	defer cancel()

	audio, err := c.synth.Synthesize(taskCtx, ch.Text, file.Voice)
	if err != nil {
		c.markFailed(ctx, file.ID, ch)
		return fmt.Errorf("synthesize chunk %d: %w", ch.Sequence, err)
	}

	dur, err := probe.Duration(audio)
	if err != nil {
		c.markFailed(ctx, file.ID, ch)
		return fmt.Errorf("probe chunk %d: %w", ch.Sequence, err)
	}

	key := ChunkKey(file.ID, ch.Sequence)
	if err := c.storage.Put(taskCtx, key, probe.DetectMIME(audio), audio); err != nil {
		c.markFailed(ctx, file.ID, ch)
		return fmt.Errorf("store chunk %d: %w", ch.Sequence, err)
	}

	url := c.storage.URL(key)
	if err := c.store.UpdateChunk(ctx, ch.ID, store.ChunkProcessed, url, dur.Milliseconds()); err != nil {
		return fmt.Errorf("persist chunk %d: %w", ch.Sequence, err)
	}
	c.publishChunkEvent(ctx, file.ID, ch, store.ChunkProcessed, dur.Milliseconds())
	return nil
}

// markFailed persists the terminal ERROR without touching the chunk's
// previous url/duration, leaving it eligible for a later retry pass.
func (c *Coordinator) markFailed(ctx context.Context, fileID string, ch store.TextChunk) {
	if err := c.store.SetChunkStatus(ctx, ch.ID, store.ChunkError); err != nil {
		c.log.Error("failed to mark chunk errored",
			slog.String("chunk_id", ch.ID), slogError(err))
	}
	c.publishChunkEvent(ctx, fileID, ch, store.ChunkError, 0)
}

func (c *Coordinator) publishChunkEvent(ctx context.Context, fileID string, ch store.TextChunk, status store.ChunkStatus, durationMS int64) {
	event := protocol.ChunkProcessed{
		FileID:     fileID,
		ChunkID:    ch.ID,
		Sequence:   ch.Sequence,
		Status:     string(status),
		DurationMS: durationMS,
		Timestamp:  time.Now().UTC(),
	}
	if err := c.dispatch.Enqueue(ctx, protocol.SubjectChunkProcessed, event); err != nil {
		c.log.Warn("failed to publish chunk event", slogError(err))
	}
}

// refreshDuration recomputes the whole file total from scratch. The
// formula is cheap and recomputation makes concurrent completions
// order-independent.
func (c *Coordinator) refreshDuration(ctx context.Context, fileID string) {
	file, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		c.log.Warn("failed to reload file for duration", slogError(err))
		return
	}
	if err := c.store.UpdateFileDuration(ctx, fileID, duration.Total(file.Chunks)); err != nil {
		c.log.Warn("failed to persist duration", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
