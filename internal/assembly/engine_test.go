package assembly

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/taleweave/taleweave-core/internal/config"
	"github.com/taleweave/taleweave-core/internal/silence"
	"github.com/taleweave/taleweave-core/internal/store"
	"github.com/taleweave/taleweave-core/internal/synth"
)

type fakeStore struct {
	mu       sync.Mutex
	file     store.AudioFile
	status   store.FileStatus
	url      string
	duration int64
}

func (f *fakeStore) GetFile(_ context.Context, id string) (*store.AudioFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.file.ID {
		return nil, store.ErrNotFound
	}
	copied := f.file
	copied.Chunks = append([]store.TextChunk(nil), f.file.Chunks...)
	return &copied, nil
}

func (f *fakeStore) UpdateFileStatus(_ context.Context, _ string, status store.FileStatus, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	if url != "" {
		f.url = url
	}
	return nil
}

func (f *fakeStore) UpdateFileDuration(_ context.Context, _ string, durationMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = durationMS
	return nil
}

type fakeUpload struct {
	buf     bytes.Buffer
	closed  bool
	aborted bool
	cause   error
}

func (u *fakeUpload) Write(p []byte) (int, error) { return u.buf.Write(p) }
func (u *fakeUpload) Close() error                { u.closed = true; return nil }
func (u *fakeUpload) Abort(cause error)           { u.aborted = true; u.cause = cause }

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads []*fakeUpload
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Download(_ context.Context, path string, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.objects[path]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("download %s: %w", path, os.ErrNotExist)
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (f *fakeStorage) NewUpload(_ context.Context, _, _ string) Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &fakeUpload{}
	f.uploads = append(f.uploads, u)
	return u
}

func (f *fakeStorage) URL(path string) string {
	return "https://cdn.test/" + path
}

type fakeDispatch struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeDispatch) Enqueue(_ context.Context, subject string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

// writeFakeTranscoder installs a shell stand-in for the transcoder: in
// file-output mode it copies the input, in pipe mode it emits the
// manifest bytes so output size is deterministic.
func writeFakeTranscoder(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
src=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then src="$a"; fi
  prev="$a"
done
out="$prev"
if [ "$out" = "pipe:1" ]; then
  cat "$src"
else
  cp "$src" "$out"
fi
`
	path := filepath.Join(t.TempDir(), "fake-transcoder")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake transcoder: %v", err)
	}
	return path
}

func testConfig(t *testing.T) config.AssemblyConfig {
	return config.AssemblyConfig{
		FFmpegCommand:       writeFakeTranscoder(t),
		SampleRate:          24000,
		Channels:            1,
		Codec:               "libmp3lame",
		Bitrate:             "64k",
		DownloadConcurrency: 2,
		MinOutputBytes:      1,
		TempDir:             t.TempDir(),
	}
}

func processedFile(n int) store.AudioFile {
	f := store.AudioFile{ID: "file-1", Voice: "en-US-amber", Status: store.FileProcessing}
	for i := 0; i < n; i++ {
		f.Chunks = append(f.Chunks, store.TextChunk{
			ID:             fmt.Sprintf("chunk-%d", i),
			FileID:         f.ID,
			Sequence:       i,
			Status:         store.ChunkProcessed,
			AudioURL:       fmt.Sprintf("https://cdn.test/files/file-1/chunks/%05d", i),
			DurationMS:     1000,
			PaddingStartMS: 500,
			PaddingEndMS:   500,
		})
	}
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, st Store, storage Storage, d *fakeDispatch) *Engine {
	return NewEngine(testConfig(t), st, storage, d, testLogger())
}

func TestAssembleEndToEnd(t *testing.T) {
	file := processedFile(3)
	st := &fakeStore{file: file, status: file.Status}
	storage := newFakeStorage()
	for i := range file.Chunks {
		storage.objects[synth.ChunkKey(file.ID, i)] = []byte(fmt.Sprintf("audio-%d", i))
	}
	d := &fakeDispatch{}

	e := newTestEngine(t, st, storage, d)
	url, err := e.Assemble(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	want := "https://cdn.test/files/file-1/final.mp3"
	if url != want {
		t.Fatalf("expected %q, got %q", want, url)
	}
	if st.status != store.FileProcessed || st.url != want {
		t.Fatalf("file not finalized: status=%s url=%q", st.status, st.url)
	}
	// 500 + 3*1000 + 2*(500+500) + 500 per the padding plan.
	if st.duration != 6000 {
		t.Fatalf("expected 6000ms total, got %d", st.duration)
	}
	if len(storage.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(storage.uploads))
	}
	up := storage.uploads[0]
	if !up.closed || up.aborted {
		t.Fatalf("upload not committed: closed=%v aborted=%v", up.closed, up.aborted)
	}
	if up.buf.Len() == 0 {
		t.Fatal("no bytes uploaded")
	}
	if len(d.subjects) != 1 {
		t.Fatalf("expected one file event, got %d", len(d.subjects))
	}
}

func TestAssembleCleansWorkspace(t *testing.T) {
	file := processedFile(1)
	st := &fakeStore{file: file}
	storage := newFakeStorage()
	storage.objects[synth.ChunkKey(file.ID, 0)] = []byte("audio")

	cfg := testConfig(t)
	e := NewEngine(cfg, st, storage, &fakeDispatch{}, testLogger())
	if _, err := e.Assemble(context.Background(), "file-1"); err != nil {
		t.Fatalf("assemble: %v", err)
	}

	entries, err := os.ReadDir(cfg.TempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not cleaned, %d entries remain", len(entries))
	}
}

func TestAssembleRejectsUnreadyFile(t *testing.T) {
	file := processedFile(2)
	file.Chunks[1].Status = store.ChunkPending
	st := &fakeStore{file: file}
	storage := newFakeStorage()

	e := newTestEngine(t, st, storage, &fakeDispatch{})
	if _, err := e.Assemble(context.Background(), "file-1"); err == nil {
		t.Fatal("expected precondition failure")
	}
	if len(storage.uploads) != 0 {
		t.Fatal("precondition failure must not open an upload")
	}
}

func TestAssembleRejectsChunkWithoutAudio(t *testing.T) {
	file := processedFile(1)
	file.Chunks[0].AudioURL = ""
	st := &fakeStore{file: file}

	e := newTestEngine(t, st, newFakeStorage(), &fakeDispatch{})
	if _, err := e.Assemble(context.Background(), "file-1"); err == nil {
		t.Fatal("expected precondition failure for missing audio url")
	}
}

func TestAssembleMissingChunkObjectAborts(t *testing.T) {
	file := processedFile(2)
	st := &fakeStore{file: file}
	storage := newFakeStorage()
	storage.objects[synth.ChunkKey(file.ID, 0)] = []byte("audio-0")
	// chunk 1 object deliberately absent

	e := newTestEngine(t, st, storage, &fakeDispatch{})
	if _, err := e.Assemble(context.Background(), "file-1"); err == nil {
		t.Fatal("expected failure for missing chunk object")
	}
	if st.status == store.FileProcessed {
		t.Fatal("failed assembly must not mark the file processed")
	}
}

func TestAssembleUndersizedOutputAborts(t *testing.T) {
	file := processedFile(1)
	st := &fakeStore{file: file}
	storage := newFakeStorage()
	storage.objects[synth.ChunkKey(file.ID, 0)] = []byte("audio")

	cfg := testConfig(t)
	cfg.MinOutputBytes = 1 << 30
	e := NewEngine(cfg, st, storage, &fakeDispatch{}, testLogger())

	if _, err := e.Assemble(context.Background(), "file-1"); err == nil {
		t.Fatal("expected failure for undersized output")
	}
	if len(storage.uploads) != 1 || !storage.uploads[0].aborted {
		t.Fatal("undersized output must abort the upload")
	}
}

func TestWriteManifestOrderAndSilenceReuse(t *testing.T) {
	dir := t.TempDir()
	chunks := []store.TextChunk{
		{Sequence: 0, PaddingStartMS: 500, PaddingEndMS: 250},
		{Sequence: 1, PaddingStartMS: 250, PaddingEndMS: 500},
	}
	wavs := []string{filepath.Join(dir, "chunk_00000.wav"), filepath.Join(dir, "chunk_00001.wav")}

	e := newTestEngine(t, &fakeStore{}, newFakeStorage(), &fakeDispatch{})
	bank := silence.NewBank(dir, 24000, 1)
	manifest, err := e.writeManifest(dir, chunks, wavs, bank)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	data, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// lead 500, chunk 0, gap 250+250=500, chunk 1, tail 500.
	if len(lines) != 5 {
		t.Fatalf("expected 5 manifest lines, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "silence_500ms.wav") {
		t.Fatalf("lead silence missing: %q", lines[0])
	}
	if !strings.Contains(lines[1], "chunk_00000.wav") || !strings.Contains(lines[3], "chunk_00001.wav") {
		t.Fatalf("chunk order wrong: %q", lines)
	}
	if lines[0] != lines[2] || lines[2] != lines[4] {
		t.Fatalf("equal durations must reuse one silence artifact: %q", lines)
	}
}

func TestWriteManifestOmitsZeroGaps(t *testing.T) {
	dir := t.TempDir()
	chunks := []store.TextChunk{
		{Sequence: 0, PaddingStartMS: 0, PaddingEndMS: 0},
		{Sequence: 1, PaddingStartMS: 0, PaddingEndMS: 0},
	}
	wavs := []string{filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav")}

	e := newTestEngine(t, &fakeStore{}, newFakeStorage(), &fakeDispatch{})
	manifest, err := e.writeManifest(dir, chunks, wavs, silence.NewBank(dir, 24000, 1))
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	data, _ := os.ReadFile(manifest)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("zero paddings must produce chunk lines only, got %q", lines)
	}
}

func TestEscapeConcatPath(t *testing.T) {
	got := escapeConcatPath(`/tmp/o'brien.wav`)
	want := `/tmp/o'\''brien.wav`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestProcessStdoutAndExit(t *testing.T) {
	p, err := startProcess(context.Background(), `sh -c "printf narration"`, nil, true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	out, err := io.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(out) != "narration" {
		t.Fatalf("unexpected stdout %q", out)
	}
}

func TestProcessWaitSurfacesStderr(t *testing.T) {
	p, err := startProcess(context.Background(), `sh -c "echo boom >&2; exit 3"`, nil, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	err = p.Wait()
	if err == nil {
		t.Fatal("expected exit error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("stderr missing from error: %v", err)
	}
}

func TestStartProcessRejectsEmptyCommand(t *testing.T) {
	if _, err := startProcess(context.Background(), "", nil, false); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCountingWriter(t *testing.T) {
	var sink bytes.Buffer
	c := &countingWriter{w: &sink}
	c.Write([]byte("12345"))
	c.Write([]byte("678"))
	if c.n != 8 {
		t.Fatalf("expected 8 bytes counted, got %d", c.n)
	}
}

func TestFinalKey(t *testing.T) {
	if got := FinalKey("abc"); got != "files/abc/final.mp3" {
		t.Fatalf("unexpected key %q", got)
	}
}
