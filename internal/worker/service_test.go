package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taleweave/taleweave-core/internal/protocol"
)

type recordingSynth struct {
	mu    sync.Mutex
	files []string
}

func (r *recordingSynth) SynthesizeAll(_ context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, fileID)
	return nil
}

func (r *recordingSynth) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

type recordingAssembler struct {
	mu    sync.Mutex
	files []string
}

func (r *recordingAssembler) Assemble(_ context.Context, fileID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, fileID)
	return "https://cdn.test/files/" + fileID + "/final.mp3", nil
}

func (r *recordingAssembler) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingIntake struct {
	mu    sync.Mutex
	tasks []protocol.IngestStoryTask
}

func (r *recordingIntake) Ingest(_ context.Context, task protocol.IngestStoryTask) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return "file-minted", nil
}

func (r *recordingIntake) seen() []protocol.IngestStoryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.IngestStoryTask(nil), r.tasks...)
}

func newTestService(synth SynthesisDriver, assembler AssemblyDriver) *Service {
	return NewService(context.Background(), nil, &recordingIntake{}, synth, assembler, testLogger())
}

func taskMsg(t *testing.T, payload any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return &nats.Msg{Data: data}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestHandleSynthesizeDrivesCoordinator(t *testing.T) {
	synth := &recordingSynth{}
	s := newTestService(synth, &recordingAssembler{})

	s.handleSynthesize(taskMsg(t, protocol.SynthesizeFileTask{FileID: "file-7"}))
	waitFor(t, func() bool { return len(synth.seen()) == 1 })

	if synth.seen()[0] != "file-7" {
		t.Fatalf("unexpected file id %q", synth.seen()[0])
	}
}

func TestHandleAssembleDrivesEngine(t *testing.T) {
	assembler := &recordingAssembler{}
	s := newTestService(&recordingSynth{}, assembler)

	s.handleAssemble(taskMsg(t, protocol.AssembleFileTask{FileID: "file-9"}))
	waitFor(t, func() bool { return len(assembler.seen()) == 1 })

	if assembler.seen()[0] != "file-9" {
		t.Fatalf("unexpected file id %q", assembler.seen()[0])
	}
}

func TestHandleIngestDrivesIntake(t *testing.T) {
	intake := &recordingIntake{}
	s := NewService(context.Background(), nil, intake, &recordingSynth{}, &recordingAssembler{}, testLogger())

	s.handleIngest(taskMsg(t, protocol.IngestStoryTask{Title: "A Story", Text: "Once upon a time."}))
	waitFor(t, func() bool { return len(intake.seen()) == 1 })

	if intake.seen()[0].Title != "A Story" {
		t.Fatalf("unexpected task %+v", intake.seen()[0])
	}
}

func TestHandleSynthesizeIgnoresMalformedPayload(t *testing.T) {
	synth := &recordingSynth{}
	s := newTestService(synth, &recordingAssembler{})

	s.handleSynthesize(&nats.Msg{Data: []byte("not json")})
	s.handleSynthesize(taskMsg(t, protocol.SynthesizeFileTask{}))

	s.wg.Wait()
	if len(synth.seen()) != 0 {
		t.Fatal("malformed or empty tasks must not reach the coordinator")
	}
}

func TestCloseWaitsForInflightTasks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	slow := &slowSynth{started: started, release: release, done: done}
	s := newTestService(slow, &recordingAssembler{})

	s.handleSynthesize(taskMsg(t, protocol.SynthesizeFileTask{FileID: "file-1"}))
	<-started

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	select {
	case <-done:
	default:
		t.Fatal("task did not finish before Close returned")
	}
}

type slowSynth struct {
	started chan struct{}
	release chan struct{}
	done    chan struct{}
}

func (s *slowSynth) SynthesizeAll(_ context.Context, _ string) error {
	close(s.started)
	<-s.release
	close(s.done)
	return nil
}
