package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/taleweave/taleweave-core/internal/config"
	"github.com/taleweave/taleweave-core/internal/protocol"
	"github.com/taleweave/taleweave-core/internal/store"
	"github.com/taleweave/taleweave-core/internal/tts"
)

type fakeStore struct {
	mu        sync.Mutex
	file      store.AudioFile
	status    store.FileStatus
	durations []int64
	casWins   bool
	casCalls  int
}

func newFakeStore(file store.AudioFile) *fakeStore {
	return &fakeStore{file: file, status: file.Status, casWins: true}
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

func (f *fakeStore) chunkByID(id string) *store.TextChunk {
	for i := range f.file.Chunks {
		if f.file.Chunks[i].ID == id {
			return &f.file.Chunks[i]
		}
	}
	return nil
}

func (f *fakeStore) SetChunkStatus(_ context.Context, chunkID string, status store.ChunkStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.chunkByID(chunkID)
	if ch == nil {
		return store.ErrNotFound
	}
	ch.Status = status
	return nil
}

func (f *fakeStore) UpdateChunk(_ context.Context, chunkID string, status store.ChunkStatus, audioURL string, durationMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.chunkByID(chunkID)
	if ch == nil {
		return store.ErrNotFound
	}
	ch.Status = status
	ch.AudioURL = audioURL
	ch.DurationMS = durationMS
	return nil
}

func (f *fakeStore) UpdateFileStatus(_ context.Context, _ string, status store.FileStatus, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	if url != "" {
		f.file.URL = url
	}
	return nil
}

func (f *fakeStore) UpdateFileDuration(_ context.Context, _ string, durationMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations = append(f.durations, durationMS)
	f.file.DurationMS = durationMS
	return nil
}

func (f *fakeStore) CountPendingChunks(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.file.Chunks {
		if ch.Status != store.ChunkProcessed {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) BeginAssembly(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casCalls++
	return f.casWins, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Put(_ context.Context, path, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return nil
}

func (f *fakeStorage) URL(path string) string {
	return "https://cdn.test/" + path
}

type capturedTask struct {
	subject string
	payload any
}

type fakeDispatch struct {
	mu    sync.Mutex
	tasks []capturedTask
}

func (f *fakeDispatch) Enqueue(_ context.Context, subject string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, capturedTask{subject: subject, payload: payload})
	return nil
}

func (f *fakeDispatch) bySubject(subject string) []capturedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedTask
	for _, tsk := range f.tasks {
		if tsk.subject == subject {
			out = append(out, tsk)
		}
	}
	return out
}

// scriptedSynth wraps the mock synthesizer and fails on demand.
type scriptedSynth struct {
	inner  *tts.MockSynthesizer
	mu     sync.Mutex
	calls  int
	failOn string
}

func (s *scriptedSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	failOn := s.failOn
	s.mu.Unlock()
	if failOn != "" && strings.Contains(text, failOn) {
		return nil, errors.New("voice backend exploded")
	}
	return s.inner.Synthesize(ctx, text, voice)
}

func (s *scriptedSynth) setFailOn(substr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = substr
}

func (s *scriptedSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testFile(n int) store.AudioFile {
	f := store.AudioFile{
		ID:     "file-1",
		Title:  "Test Story",
		Voice:  "en-US-amber",
		Status: store.FileGeneratingStory,
	}
	for i := 0; i < n; i++ {
		f.Chunks = append(f.Chunks, store.TextChunk{
			ID:             fmt.Sprintf("chunk-%d", i),
			FileID:         f.ID,
			Sequence:       i,
			Text:           fmt.Sprintf("Sentence number %d.", i),
			Status:         store.ChunkPending,
			PaddingStartMS: 500,
			PaddingEndMS:   500,
		})
	}
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(st Store, storage Storage, synth tts.Synthesizer, d *fakeDispatch) *Coordinator {
	cfg := config.SynthesisConfig{BatchSize: 2, BatchIntervalMS: 0, TaskTimeoutMS: 5000}
	return NewCoordinator(cfg, st, storage, synth, d, testLogger())
}

func TestSynthesizeAllProcessesEveryChunk(t *testing.T) {
	st := newFakeStore(testFile(3))
	storage := newFakeStorage()
	synth := &scriptedSynth{inner: tts.NewMock()}
	d := &fakeDispatch{}

	c := newTestCoordinator(st, storage, synth, d)
	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("synthesize all: %v", err)
	}

	for i, ch := range st.file.Chunks {
		if ch.Status != store.ChunkProcessed {
			t.Fatalf("chunk %d not processed: %s", i, ch.Status)
		}
		if ch.AudioURL == "" || ch.DurationMS <= 0 {
			t.Fatalf("chunk %d missing url or duration: %+v", i, ch)
		}
	}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("files/file-1/chunks/%05d", i)
		if _, ok := storage.objects[key]; !ok {
			t.Fatalf("missing stored audio at %s", key)
		}
	}
	if st.casCalls != 1 {
		t.Fatalf("expected one assembly claim, got %d", st.casCalls)
	}
	if got := d.bySubject(protocol.SubjectAssembleFile); len(got) != 1 {
		t.Fatalf("expected one assemble task, got %d", len(got))
	}
	if len(st.durations) == 0 || st.file.DurationMS <= 0 {
		t.Fatal("file duration never refreshed")
	}
}

func TestSynthesizeAllIsolatesFailures(t *testing.T) {
	st := newFakeStore(testFile(3))
	storage := newFakeStorage()
	synth := &scriptedSynth{inner: tts.NewMock(), failOn: "number 1"}
	d := &fakeDispatch{}

	c := newTestCoordinator(st, storage, synth, d)
	err := c.SynthesizeAll(context.Background(), "file-1")
	if err == nil {
		t.Fatal("expected error when a chunk fails")
	}

	if st.file.Chunks[0].Status != store.ChunkProcessed || st.file.Chunks[2].Status != store.ChunkProcessed {
		t.Fatal("sibling chunks must commit despite a failure")
	}
	if st.file.Chunks[1].Status != store.ChunkError {
		t.Fatalf("failed chunk should be ERROR, got %s", st.file.Chunks[1].Status)
	}
	if st.status != store.FileError {
		t.Fatalf("file should be ERROR, got %s", st.status)
	}
	if got := d.bySubject(protocol.SubjectAssembleFile); len(got) != 0 {
		t.Fatal("failed file must not enqueue assembly")
	}
}

func TestSynthesizeAllSkipsProcessedChunks(t *testing.T) {
	file := testFile(3)
	file.Chunks[0].Status = store.ChunkProcessed
	file.Chunks[0].AudioURL = "https://cdn.test/files/file-1/chunks/00000"
	file.Chunks[0].DurationMS = 900

	st := newFakeStore(file)
	synth := &scriptedSynth{inner: tts.NewMock()}
	d := &fakeDispatch{}

	c := newTestCoordinator(st, newFakeStorage(), synth, d)
	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("synthesize all: %v", err)
	}
	if synth.callCount() != 2 {
		t.Fatalf("expected 2 synthesis calls for the unprocessed chunks, got %d", synth.callCount())
	}
}

func TestSynthesizeAllRetriesErroredChunks(t *testing.T) {
	file := testFile(2)
	file.Chunks[1].Status = store.ChunkError

	st := newFakeStore(file)
	synth := &scriptedSynth{inner: tts.NewMock()}
	d := &fakeDispatch{}

	c := newTestCoordinator(st, newFakeStorage(), synth, d)
	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("synthesize all: %v", err)
	}
	if st.file.Chunks[1].Status != store.ChunkProcessed {
		t.Fatal("errored chunk should be retried to PROCESSED")
	}
}

func TestSynthesizeAllLosingClaimSkipsAssembly(t *testing.T) {
	st := newFakeStore(testFile(1))
	st.casWins = false
	d := &fakeDispatch{}

	c := newTestCoordinator(st, newFakeStorage(), &scriptedSynth{inner: tts.NewMock()}, d)
	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("synthesize all: %v", err)
	}
	if got := d.bySubject(protocol.SubjectAssembleFile); len(got) != 0 {
		t.Fatal("losing the claim must not enqueue assembly")
	}
}

func TestSynthesizeAllPublishesChunkEvents(t *testing.T) {
	st := newFakeStore(testFile(2))
	d := &fakeDispatch{}

	c := newTestCoordinator(st, newFakeStorage(), &scriptedSynth{inner: tts.NewMock()}, d)
	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("synthesize all: %v", err)
	}
	events := d.bySubject(protocol.SubjectChunkProcessed)
	if len(events) != 2 {
		t.Fatalf("expected 2 chunk events, got %d", len(events))
	}
	for _, e := range events {
		evt, ok := e.payload.(protocol.ChunkProcessed)
		if !ok {
			t.Fatalf("unexpected payload type %T", e.payload)
		}
		if evt.Status != string(store.ChunkProcessed) {
			t.Fatalf("unexpected event status %s", evt.Status)
		}
	}
}

func openRealStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(t.TempDir(), "taleweave.db")}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRealFile(t *testing.T, s *store.Store, file store.AudioFile) {
	t.Helper()
	chunks := file.Chunks
	file.Chunks = nil
	if err := s.CreateFileWithChunks(context.Background(), file, chunks); err != nil {
		t.Fatalf("create file: %v", err)
	}
}

func TestSynthesizeAllConcurrentWritesAgainstStore(t *testing.T) {
	s := openRealStore(t)
	seedRealFile(t, s, testFile(6))

	d := &fakeDispatch{}
	// One window holds every chunk, so all six tasks hit the store at
	// the same time.
	cfg := config.SynthesisConfig{BatchSize: 6, BatchIntervalMS: 0, TaskTimeoutMS: 5000}
	c := NewCoordinator(cfg, s, newFakeStorage(), &scriptedSynth{inner: tts.NewMock()}, d, testLogger())

	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("synthesize all: %v", err)
	}

	got, err := s.GetFile(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	for _, ch := range got.Chunks {
		if ch.Status != store.ChunkProcessed {
			t.Fatalf("chunk %d is %s, want PROCESSED", ch.Sequence, ch.Status)
		}
		if ch.AudioURL == "" || ch.DurationMS <= 0 {
			t.Fatalf("chunk %d missing url or duration: %+v", ch.Sequence, ch)
		}
	}
	if got.Status != store.FileProcessing {
		t.Fatalf("expected PROCESSING after the assembly claim, got %s", got.Status)
	}
	if tasks := d.bySubject(protocol.SubjectAssembleFile); len(tasks) != 1 {
		t.Fatalf("expected one assemble task, got %d", len(tasks))
	}
}

func TestSynthesizeAllRetryAfterFailureClaimsAssembly(t *testing.T) {
	s := openRealStore(t)
	seedRealFile(t, s, testFile(2))

	synth := &scriptedSynth{inner: tts.NewMock(), failOn: "number 1"}
	d := &fakeDispatch{}
	cfg := config.SynthesisConfig{BatchSize: 1, BatchIntervalMS: 0, TaskTimeoutMS: 5000}
	c := NewCoordinator(cfg, s, newFakeStorage(), synth, d, testLogger())

	if err := c.SynthesizeAll(context.Background(), "file-1"); err == nil {
		t.Fatal("expected first pass to fail")
	}
	got, err := s.GetFile(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if got.Status != store.FileError {
		t.Fatalf("expected ERROR after the failed pass, got %s", got.Status)
	}

	synth.setFailOn("")
	if err := c.SynthesizeAll(context.Background(), "file-1"); err != nil {
		t.Fatalf("retry pass: %v", err)
	}

	got, err = s.GetFile(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	for _, ch := range got.Chunks {
		if ch.Status != store.ChunkProcessed {
			t.Fatalf("chunk %d is %s after retry, want PROCESSED", ch.Sequence, ch.Status)
		}
	}
	if got.Status != store.FileProcessing {
		t.Fatalf("expected PROCESSING after the retry's claim, got %s", got.Status)
	}
	if tasks := d.bySubject(protocol.SubjectAssembleFile); len(tasks) != 1 {
		t.Fatalf("retry must enqueue assembly exactly once, got %d tasks", len(tasks))
	}
}

func TestChunkKeyFormat(t *testing.T) {
	got := ChunkKey("abc", 7)
	if got != "files/abc/chunks/00007" {
		t.Fatalf("unexpected key %q", got)
	}
}
