// Package assembly turns a fully synthesized file into one continuous
// narration: chunk audio is fetched and normalized to a canonical PCM
// format, silence is woven in per the padding plan, and a single
// concat-demuxer encode streams the final MP3 straight into object
// storage without ever holding it in memory or on disk.
package assembly

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taleweave/taleweave-core/internal/config"
	"github.com/taleweave/taleweave-core/internal/dispatch"
	"github.com/taleweave/taleweave-core/internal/duration"
	"github.com/taleweave/taleweave-core/internal/protocol"
	"github.com/taleweave/taleweave-core/internal/silence"
	"github.com/taleweave/taleweave-core/internal/store"
	"github.com/taleweave/taleweave-core/internal/synth"
)

// Store is the record-store surface the engine needs.
type Store interface {
	GetFile(ctx context.Context, id string) (*store.AudioFile, error)
	UpdateFileStatus(ctx context.Context, fileID string, status store.FileStatus, url string) error
	UpdateFileDuration(ctx context.Context, fileID string, durationMS int64) error
}

// Upload is a streaming object-store upload the engine can finish or
// tear down.
type Upload interface {
	io.Writer
	Close() error
	Abort(cause error)
}

// Storage is the object-store surface the engine needs.
type Storage interface {
	Download(ctx context.Context, path string, w io.Writer) (int64, error)
	NewUpload(ctx context.Context, path, contentType string) Upload
	URL(path string) string
}

// Engine concatenates a completed file's chunks into the final
// narration.
type Engine struct {
	cfg      config.AssemblyConfig
	store    Store
	storage  Storage
	dispatch dispatch.Dispatcher
	log      *slog.Logger

	assembled     metric.Int64Counter
	failed        metric.Int64Counter
	bytesUploaded metric.Int64Counter
}

func NewEngine(cfg config.AssemblyConfig, st Store, storage Storage, d dispatch.Dispatcher, log *slog.Logger) *Engine {
	meter := otel.Meter("github.com/taleweave/taleweave-core/assembly")
	assembled, _ := meter.Int64Counter("taleweave.files.assembled",
		metric.WithDescription("Files that reached PROCESSED"))
	failed, _ := meter.Int64Counter("taleweave.files.assembly_failed",
		metric.WithDescription("Assembly runs that ended in failure"))
	bytesUploaded, _ := meter.Int64Counter("taleweave.assembly.bytes_uploaded",
		metric.WithDescription("Final narration bytes shipped to storage"))

	return &Engine{
		cfg:           cfg,
		store:         st,
		storage:       storage,
		dispatch:      d,
		log:           log.With(slog.String("component", "assembly")),
		assembled:     assembled,
		failed:        failed,
		bytesUploaded: bytesUploaded,
	}
}

// FinalKey is the object-store path of a file's finished narration.
func FinalKey(fileID string) string {
	return fmt.Sprintf("files/%s/final.mp3", fileID)
}

// Assemble concatenates every chunk of the file and returns the public
// URL of the uploaded narration. On any failure the in-flight upload is
// aborted and the file's status is left untouched so an external retry
// can re-enqueue the task. The run's temp dir is removed regardless.
func (e *Engine) Assemble(ctx context.Context, fileID string) (string, error) {
	url, err := e.assemble(ctx, fileID)
	if err != nil {
		e.failed.Add(ctx, 1)
		return "", err
	}
	e.assembled.Add(ctx, 1)
	return url, nil
}

func (e *Engine) assemble(ctx context.Context, fileID string) (string, error) {
	file, err := e.store.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if err := checkReady(file); err != nil {
		return "", err
	}

	tempDir, err := os.MkdirTemp(e.cfg.TempDir, "assembly-"+fileID+"-")
	if err != nil {
		return "", fmt.Errorf("create assembly workspace: %w", err)
	}
	defer os.RemoveAll(tempDir)

	started := time.Now()
	wavs, err := e.fetchChunks(ctx, tempDir, file)
	if err != nil {
		return "", err
	}

	bank := silence.NewBank(tempDir, e.cfg.SampleRate, e.cfg.Channels)
	manifest, err := e.writeManifest(tempDir, file.Chunks, wavs, bank)
	if err != nil {
		return "", err
	}

	key := FinalKey(fileID)
	written, err := e.encodeAndUpload(ctx, manifest, key)
	if err != nil {
		return "", err
	}
	e.bytesUploaded.Add(ctx, written)

	totalMS := duration.Total(file.Chunks)
	if err := e.store.UpdateFileDuration(ctx, fileID, totalMS); err != nil {
		return "", fmt.Errorf("persist final duration: %w", err)
	}
	url := e.storage.URL(key)
	if err := e.store.UpdateFileStatus(ctx, fileID, store.FileProcessed, url); err != nil {
		return "", fmt.Errorf("mark file processed: %w", err)
	}

	event := protocol.FileProcessed{
		FileID:     fileID,
		URL:        url,
		DurationMS: totalMS,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.dispatch.Enqueue(ctx, protocol.SubjectFileProcessed, event); err != nil {
		e.log.Warn("failed to publish file event", slogError(err))
	}

	e.log.Info("assembly finished",
		slog.String("file_id", fileID),
		slog.Int("chunks", len(file.Chunks)),
		slog.Int64("bytes", written),
		slog.Int64("duration_ms", totalMS),
		slog.Duration("elapsed", time.Since(started)))
	return url, nil
}

// checkReady fails fast before any subprocess or network work when the
// file is not fully synthesized.
func checkReady(file *store.AudioFile) error {
	if len(file.Chunks) == 0 {
		return fmt.Errorf("file %s has no chunks", file.ID)
	}
	for _, ch := range file.Chunks {
		if ch.Status != store.ChunkProcessed {
			return fmt.Errorf("file %s not ready: chunk %d is %s", file.ID, ch.Sequence, ch.Status)
		}
		if ch.AudioURL == "" {
			return fmt.Errorf("file %s not ready: chunk %d has no audio", file.ID, ch.Sequence)
		}
	}
	return nil
}

// fetchChunks downloads every chunk and normalizes it to the canonical
// PCM format, at most DownloadConcurrency chunks in flight.
func (e *Engine) fetchChunks(ctx context.Context, tempDir string, file *store.AudioFile) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.cfg.DownloadConcurrency))
	wavs := make([]string, len(file.Chunks))

	for i, ch := range file.Chunks {
		i, ch := i, ch
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			raw := filepath.Join(tempDir, fmt.Sprintf("chunk_%05d.src", ch.Sequence))
			out, err := os.Create(raw)
			if err != nil {
				return fmt.Errorf("create chunk file: %w", err)
			}
			_, err = e.storage.Download(gctx, synth.ChunkKey(file.ID, ch.Sequence), out)
			closeErr := out.Close()
			if err != nil {
				return fmt.Errorf("fetch chunk %d: %w", ch.Sequence, err)
			}
			if closeErr != nil {
				return fmt.Errorf("flush chunk %d: %w", ch.Sequence, closeErr)
			}

			wav := filepath.Join(tempDir, fmt.Sprintf("chunk_%05d.wav", ch.Sequence))
			if err := e.normalize(gctx, raw, wav); err != nil {
				return fmt.Errorf("normalize chunk %d: %w", ch.Sequence, err)
			}
			wavs[i] = wav
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return wavs, nil
}

// normalize transcodes one chunk, disk to disk, into the canonical
// sample rate and channel count so the concat demuxer sees a uniform
// stream.
func (e *Engine) normalize(ctx context.Context, src, dst string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y", "-i", src,
		"-ar", strconv.Itoa(e.cfg.SampleRate),
		"-ac", strconv.Itoa(e.cfg.Channels),
		"-f", "wav", dst,
	}
	return runCommand(ctx, e.cfg.FFmpegCommand, args)
}

// writeManifest emits the concat-demuxer playlist in exact sequence
// order: lead silence, then each chunk interleaved with its gap,
// then tail silence. Zero-duration gaps produce no entry.
func (e *Engine) writeManifest(tempDir string, chunks []store.TextChunk, wavs []string, bank *silence.Bank) (string, error) {
	var b strings.Builder
	add := func(path string) {
		if path != "" {
			fmt.Fprintf(&b, "file '%s'\n", escapeConcatPath(path))
		}
	}
	addSilence := func(ms int64) error {
		path, err := bank.File(int(ms))
		if err != nil {
			return err
		}
		add(path)
		return nil
	}

	if err := addSilence(chunks[0].PaddingStartMS); err != nil {
		return "", err
	}
	for i, ch := range chunks {
		add(wavs[i])
		if i+1 < len(chunks) {
			if err := addSilence(duration.Gap(ch, chunks[i+1])); err != nil {
				return "", err
			}
		}
	}
	if err := addSilence(chunks[len(chunks)-1].PaddingEndMS); err != nil {
		return "", err
	}

	path := filepath.Join(tempDir, "concat.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat manifest: %w", err)
	}
	return path, nil
}

// escapeConcatPath quotes a path for a concat-demuxer manifest line,
// where a single quote ends the string and must be spliced back in.
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// encodeAndUpload runs the single concat encode, piping stdout through
// a byte counter into the streaming upload. Failure on either side
// kills the encoder and aborts the upload so no partial object lands.
func (e *Engine) encodeAndUpload(ctx context.Context, manifest, key string) (int64, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y", "-f", "concat", "-safe", "0", "-i", manifest,
		"-ar", strconv.Itoa(e.cfg.SampleRate),
		"-ac", strconv.Itoa(e.cfg.Channels),
		"-c:a", e.cfg.Codec,
		"-b:a", e.cfg.Bitrate,
		"-f", "mp3", "pipe:1",
	}
	proc, err := startProcess(ctx, e.cfg.FFmpegCommand, args, true)
	if err != nil {
		return 0, err
	}

	upload := e.storage.NewUpload(ctx, key, "audio/mpeg")
	counter := &countingWriter{w: upload}

	_, copyErr := io.Copy(counter, proc.Stdout())
	if copyErr != nil {
		_ = proc.Kill()
	}
	waitErr := proc.Wait()

	if copyErr != nil || waitErr != nil {
		err := copyErr
		if err == nil {
			err = waitErr
		}
		upload.Abort(err)
		return counter.n, fmt.Errorf("concat encode: %w", err)
	}
	if counter.n < e.cfg.MinOutputBytes {
		err := fmt.Errorf("concat encode produced %d bytes, minimum is %d", counter.n, e.cfg.MinOutputBytes)
		upload.Abort(err)
		return counter.n, err
	}
	if err := upload.Close(); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
