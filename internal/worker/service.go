// Package worker is the bus-facing edge of the pipeline: it consumes
// ingest, synthesize and assemble tasks from queue-group subscriptions
// and drives the corresponding stage, one goroutine per message.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/taleweave/taleweave-core/internal/bus"
	"github.com/taleweave/taleweave-core/internal/dispatch"
	"github.com/taleweave/taleweave-core/internal/protocol"
)

// queueGroup shares each task subject across worker instances instead
// of fanning out to all of them.
const queueGroup = "taleweave-workers"

// IngestDriver turns raw story text into a persisted file.
type IngestDriver interface {
	Ingest(ctx context.Context, task protocol.IngestStoryTask) (string, error)
}

// SynthesisDriver runs the synthesis stage for one file.
type SynthesisDriver interface {
	SynthesizeAll(ctx context.Context, fileID string) error
}

// AssemblyDriver runs the concatenation stage for one file.
type AssemblyDriver interface {
	Assemble(ctx context.Context, fileID string) (string, error)
}

type Service struct {
	bus       *bus.Client
	intake    IngestDriver
	synth     SynthesisDriver
	assembler AssemblyDriver
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, intake IngestDriver, synth SynthesisDriver, assembler AssemblyDriver, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		intake:    intake,
		synth:     synth,
		assembler: assembler,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "worker")),
	}
}

func (s *Service) Start() error {
	subjects := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectIngestStory, s.handleIngest},
		{protocol.SubjectSynthesizeFile, s.handleSynthesize},
		{protocol.SubjectAssembleFile, s.handleAssemble},
	}
	for _, sub := range subjects {
		registered, err := dispatch.Subscribe(s.bus, sub.subject, queueGroup, sub.handler)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, registered)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 3 }

func (s *Service) handleIngest(msg *nats.Msg) {
	var task protocol.IngestStoryTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		s.logger.Warn("failed to decode ingest task", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fileID, err := s.intake.Ingest(s.ctx, task)
		if err != nil {
			s.logger.Error("ingest task failed", slogError(err))
			return
		}
		s.logger.Info("ingest task finished", slog.String("file_id", fileID))
	}()
}

func (s *Service) handleSynthesize(msg *nats.Msg) {
	var task protocol.SynthesizeFileTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		s.logger.Warn("failed to decode synthesize task", slogError(err))
		return
	}
	if task.FileID == "" {
		s.logger.Warn("synthesize task without file id")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.synth.SynthesizeAll(s.ctx, task.FileID); err != nil {
			s.logger.Error("synthesis task failed",
				slog.String("file_id", task.FileID), slogError(err))
		}
	}()
}

func (s *Service) handleAssemble(msg *nats.Msg) {
	var task protocol.AssembleFileTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		s.logger.Warn("failed to decode assemble task", slogError(err))
		return
	}
	if task.FileID == "" {
		s.logger.Warn("assemble task without file id")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		url, err := s.assembler.Assemble(s.ctx, task.FileID)
		if err != nil {
			s.logger.Error("assembly task failed",
				slog.String("file_id", task.FileID), slogError(err))
			return
		}
		s.logger.Info("assembly task finished",
			slog.String("file_id", task.FileID), slog.String("url", url))
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
