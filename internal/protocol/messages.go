package protocol

import "time"

// IngestStoryTask carries raw story text into the pipeline. The file
// id is optional; one is minted when absent.
type IngestStoryTask struct {
	FileID     string    `json:"file_id,omitempty"`
	Title      string    `json:"title"`
	Voice      string    `json:"voice"`
	Text       string    `json:"text"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SynthesizeFileTask asks the worker to drive every chunk of a file
// through speech synthesis.
type SynthesizeFileTask struct {
	FileID     string    `json:"file_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AssembleFileTask asks the worker to concatenate a fully synthesized
// file into its final narration.
type AssembleFileTask struct {
	FileID     string    `json:"file_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ChunkProcessed is broadcast after a chunk reaches a terminal state.
type ChunkProcessed struct {
	FileID     string    `json:"file_id"`
	ChunkID    string    `json:"chunk_id"`
	Sequence   int       `json:"sequence"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FileProcessed is broadcast once a final narration is available.
type FileProcessed struct {
	FileID     string    `json:"file_id"`
	URL        string    `json:"url"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectIngestStory    = "audio.ingest"
	SubjectSynthesizeFile = "audio.synthesize"
	SubjectAssembleFile   = "audio.assemble"
	SubjectChunkProcessed = "audio.chunk.processed"
	SubjectFileProcessed  = "audio.file.processed"
)
