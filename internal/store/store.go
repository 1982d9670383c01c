// Package store is the record store for audio files and their text
// chunks. It is deliberately a thin CRUD layer: read file-by-id with
// ordered chunks, update one chunk, bulk file-level writes, and an
// aggregate sum. No cross-call transactional guarantees are offered to
// callers except where documented.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taleweave/taleweave-core/internal/config"
)

// FileStatus is the lifecycle of an AudioFile.
type FileStatus string

const (
	FilePending         FileStatus = "PENDING"
	FileGeneratingStory FileStatus = "GENERATING_STORY"
	FileProcessing      FileStatus = "PROCESSING"
	FileProcessed       FileStatus = "PROCESSED"
	FileError           FileStatus = "ERROR"
)

// ChunkStatus is the lifecycle of a TextChunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "PENDING"
	ChunkProcessing ChunkStatus = "PROCESSING"
	ChunkProcessed  ChunkStatus = "PROCESSED"
	ChunkError      ChunkStatus = "ERROR"
)

// AudioFile is one logical narration output.
type AudioFile struct {
	ID         string
	Title      string
	Voice      string
	Status     FileStatus
	URL        string
	DurationMS int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Chunks     []TextChunk
}

// TextChunk is one unit of text destined for synthesis. Sequence is
// dense and unique within a file and alone determines final audio
// order.
type TextChunk struct {
	ID             string
	FileID         string
	Sequence       int
	Text           string
	Status         ChunkStatus
	AudioURL       string
	DurationMS     int64
	PaddingStartMS int64
	PaddingEndMS   int64
}

var (
	// ErrNotFound reports a missing file or chunk row.
	ErrNotFound = errors.New("store: not found")
)

// Store wraps the SQLite-backed record store.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the record store at the configured path.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// Chunk tasks write concurrently; busy_timeout makes them wait on
	// the single writer lock instead of failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audio_files (
    id TEXT PRIMARY KEY,
    title TEXT,
    voice TEXT NOT NULL,
    status TEXT NOT NULL,
    url TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS text_chunks (
    id TEXT PRIMARY KEY,
    file_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    text TEXT NOT NULL,
    status TEXT NOT NULL,
    audio_url TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    padding_start_ms INTEGER NOT NULL DEFAULT 0,
    padding_end_ms INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY(file_id) REFERENCES audio_files(id) ON DELETE CASCADE,
    UNIQUE(file_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_chunks_file_sequence ON text_chunks(file_id, sequence);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateFileWithChunks inserts a file and its segmenter output in one
// transaction. Chunk sequences must already be dense and unique.
func (s *Store) CreateFileWithChunks(ctx context.Context, file AudioFile, chunks []TextChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.clock().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audio_files(id, title, voice, status, url, duration_ms, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.Title, file.Voice, string(file.Status), file.URL, file.DurationMS, now, now); err != nil {
		return fmt.Errorf("insert audio file: %w", err)
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO text_chunks(id, file_id, sequence, text, status, audio_url, duration_ms, padding_start_ms, padding_end_ms)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, file.ID, c.Sequence, c.Text, string(c.Status), c.AudioURL, c.DurationMS, c.PaddingStartMS, c.PaddingEndMS); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Sequence, err)
		}
	}
	return tx.Commit()
}

// GetFile returns a file with its chunks ordered by sequence.
func (s *Store) GetFile(ctx context.Context, id string) (*AudioFile, error) {
	var f AudioFile
	var url sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, voice, status, url, duration_ms, created_at, updated_at
		 FROM audio_files WHERE id = ?`, id)
	var created, updated string
	if err := row.Scan(&f.ID, &f.Title, &f.Voice, (*string)(&f.Status), &url, &f.DurationMS, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audio file %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	f.URL = url.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		f.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		f.UpdatedAt = ts
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, sequence, text, status, audio_url, duration_ms, padding_start_ms, padding_end_ms
		 FROM text_chunks WHERE file_id = ? ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c TextChunk
		var audioURL sql.NullString
		if err := rows.Scan(&c.ID, &c.FileID, &c.Sequence, &c.Text, (*string)(&c.Status),
			&audioURL, &c.DurationMS, &c.PaddingStartMS, &c.PaddingEndMS); err != nil {
			return nil, err
		}
		c.AudioURL = audioURL.String
		f.Chunks = append(f.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateChunk writes one chunk's terminal or in-flight state. Each
// synthesis task owns exactly one chunk row, so no read-modify-write
// races exist at this granularity.
func (s *Store) UpdateChunk(ctx context.Context, chunkID string, status ChunkStatus, audioURL string, durationMS int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE text_chunks SET status = ?, audio_url = ?, duration_ms = ? WHERE id = ?`,
		string(status), audioURL, durationMS, chunkID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return nil
}

// SetChunkStatus updates only a chunk's status, preserving url and duration.
func (s *Store) SetChunkStatus(ctx context.Context, chunkID string, status ChunkStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE text_chunks SET status = ? WHERE id = ?`, string(status), chunkID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return nil
}

// UpdateFileStatus writes the file-level status, and the final URL when
// one is supplied.
func (s *Store) UpdateFileStatus(ctx context.Context, fileID string, status FileStatus, url string) error {
	var err error
	if url != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE audio_files SET status = ?, url = ?, updated_at = ? WHERE id = ?`,
			string(status), url, s.clock().UTC(), fileID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE audio_files SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), s.clock().UTC(), fileID)
	}
	return err
}

// UpdateFileDuration persists a recomputed total duration. Redundant
// recomputations write the same value, so concurrent callers are safe.
func (s *Store) UpdateFileDuration(ctx context.Context, fileID string, durationMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE audio_files SET duration_ms = ?, updated_at = ? WHERE id = ?`,
		durationMS, s.clock().UTC(), fileID)
	return err
}

// SumChunkDurations returns the aggregate of measured chunk durations
// for a file, excluding padding.
func (s *Store) SumChunkDurations(ctx context.Context, fileID string) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(duration_ms) FROM text_chunks WHERE file_id = ?`, fileID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// CountPendingChunks returns how many chunks of a file have not yet
// reached PROCESSED.
func (s *Store) CountPendingChunks(ctx context.Context, fileID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM text_chunks WHERE file_id = ? AND status != ?`,
		fileID, string(ChunkProcessed)).Scan(&n)
	return n, err
}

// BeginAssembly is the single-flight gate in front of concatenation:
// a compare-and-swap from GENERATING_STORY to PROCESSING. When several
// chunk completions observe "all processed" at nearly the same instant,
// exactly one caller gets true and triggers assembly.
func (s *Store) BeginAssembly(ctx context.Context, fileID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audio_files SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(FileProcessing), s.clock().UTC(), fileID, string(FileGeneratingStory))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
