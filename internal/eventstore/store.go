package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	KindCapture = "capture"
	KindRun     = "run"
)

// Event represents a recorded timeline entry of a capture session or a
// transcription run.
type Event struct {
	ID        int64
	SubjectID string
	Kind      string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// CaptureRecord is the journal entry of one capture session. Audio is never
// stored, only its shape.
type CaptureRecord struct {
	SessionID string
	State     string
	Fragments int
	Bytes     int
	Handle    string
	MediaType string
	ErrorKind string
	StartedAt time.Time
	EndedAt   time.Time
}

// RunRecord is the journal entry of one transcription run.
type RunRecord struct {
	RunID           string
	Handle          string
	Status          string
	Outcome         string
	TranscriptChars int
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Store wraps a SQLite-backed journal of capture sessions and runs.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS captures (
    session_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    fragments INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0,
    handle TEXT,
    media_type TEXT,
    error_kind TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    handle TEXT,
    status TEXT NOT NULL,
    outcome TEXT,
    transcript_chars INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_subject_created ON events(subject_id, created_at);
CREATE INDEX IF NOT EXISTS idx_captures_started ON captures(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordCapture inserts or updates the journal row of a capture session.
func (s *Store) RecordCapture(ctx context.Context, rec CaptureRecord) error {
	if s.disabled() {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captures(session_id, state, fragments, bytes, handle, media_type, error_kind, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   state=excluded.state, fragments=excluded.fragments, bytes=excluded.bytes,
		   handle=excluded.handle, media_type=excluded.media_type, error_kind=excluded.error_kind,
		   ended_at=excluded.ended_at`,
		rec.SessionID, rec.State, rec.Fragments, rec.Bytes, nullString(rec.Handle), nullString(rec.MediaType),
		nullString(rec.ErrorKind), rec.StartedAt.UTC(), nullTime(rec.EndedAt))
	return err
}

// RecordRun inserts or updates the journal row of a transcription run.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	if s.disabled() {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, handle, status, outcome, transcript_chars, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status=excluded.status, outcome=excluded.outcome,
		   transcript_chars=excluded.transcript_chars, finished_at=excluded.finished_at`,
		rec.RunID, nullString(rec.Handle), rec.Status, nullString(rec.Outcome), rec.TranscriptChars,
		rec.StartedAt.UTC(), nullTime(rec.FinishedAt))
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(subject_id, kind, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SubjectID, evt.Kind, evt.Type, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListEvents retrieves up to limit events for a session or run ordered
// ascending by time.
func (s *Store) ListEvents(ctx context.Context, subjectID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, kind, event_type, payload, created_at
		 FROM events WHERE subject_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Kind, &eventType, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Type = eventType.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentCaptures lists the newest capture sessions first.
func (s *Store) RecentCaptures(ctx context.Context, limit int) ([]CaptureRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, state, fragments, bytes, handle, media_type, error_kind, started_at, ended_at
		 FROM captures ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaptureRecord
	for rows.Next() {
		var rec CaptureRecord
		var handle, mediaType, errorKind, ended sql.NullString
		var started string
		if err := rows.Scan(&rec.SessionID, &rec.State, &rec.Fragments, &rec.Bytes, &handle, &mediaType, &errorKind, &started, &ended); err != nil {
			return nil, err
		}
		rec.Handle, rec.MediaType, rec.ErrorKind = handle.String, mediaType.String, errorKind.String
		rec.StartedAt = parseTime(started)
		rec.EndedAt = parseTime(ended.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentRuns lists the newest transcription runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, handle, status, outcome, transcript_chars, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var handle, outcome, finished sql.NullString
		var started string
		if err := rows.Scan(&rec.RunID, &handle, &rec.Status, &outcome, &rec.TranscriptChars, &started, &finished); err != nil {
			return nil, err
		}
		rec.Handle, rec.Outcome = handle.String, outcome.String
		rec.StartedAt = parseTime(started)
		rec.FinishedAt = parseTime(finished.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		for _, stmt := range []string{
			`DELETE FROM captures WHERE started_at < ?`,
			`DELETE FROM runs WHERE started_at < ?`,
			`DELETE FROM events WHERE created_at < ?`,
		} {
			if _, err = tx.ExecContext(ctx, stmt, cutoff); err != nil {
				return err
			}
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM captures WHERE session_id IN (
			SELECT session_id FROM captures ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE subject_id NOT IN (
		SELECT session_id FROM captures UNION SELECT run_id FROM runs
	)`)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts
	}
	return time.Time{}
}
