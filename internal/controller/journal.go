package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/transcribe"
)

const journalWriteTimeout = 5 * time.Second

type captureEntry struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Size  int    `json:"size,omitempty"`
}

type runEntry struct {
	Status  string `json:"status"`
	Handle  string `json:"handle,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Chars   int    `json:"chars"`
}

// runJournal applies queued writes in order until the queue is closed.
func (c *Controller) runJournal() {
	defer c.wg.Done()
	for fn := range c.writes {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		fn(ctx)
		cancel()
	}
}

func (c *Controller) enqueue(fn func(context.Context)) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writesClosed {
		return
	}
	select {
	case c.writes <- fn:
	default:
		c.log.Warn("journal queue full, dropping entry")
	}
}

func (c *Controller) journalCapture(evt capture.Event) {
	rec := eventstore.CaptureRecord{
		SessionID: evt.SessionID,
		State:     evt.State.String(),
	}
	entry := captureEntry{State: rec.State}
	switch evt.State {
	case capture.StateRecording:
		rec.StartedAt = evt.At
	case capture.StateStopped:
		rec.EndedAt = evt.At
	}
	if evt.Artifact != nil {
		rec.Fragments = evt.Artifact.Chunks
		rec.Bytes = evt.Artifact.Size
		rec.Handle = evt.Artifact.Handle.String()
		rec.MediaType = evt.Artifact.MediaType
		entry.Size = evt.Artifact.Size
	}
	if evt.Err != nil {
		kind, _ := fault.KindOf(evt.Err)
		rec.ErrorKind = string(kind)
		entry.Kind = string(kind)
		entry.Error = evt.Err.Error()
	}
	payload, _ := json.Marshal(entry)

	c.enqueue(func(ctx context.Context) {
		if err := c.journal.RecordCapture(ctx, rec); err != nil {
			c.log.Warn("failed to journal capture", slog.String("session_id", rec.SessionID), slogError(err))
			return
		}
		if err := c.journal.AppendEvent(ctx, eventstore.Event{
			SubjectID: rec.SessionID,
			Kind:      eventstore.KindCapture,
			Type:      rec.State,
			Payload:   payload,
			CreatedAt: evt.At,
		}); err != nil {
			c.log.Warn("failed to journal capture event", slog.String("session_id", rec.SessionID), slogError(err))
		}
	})
}

func (c *Controller) journalRun(u transcribe.Update) {
	now := c.clock().UTC()
	rec := eventstore.RunRecord{
		RunID:           u.RunID,
		Handle:          u.Handle.String(),
		Status:          u.Status.String(),
		Outcome:         string(u.Outcome),
		TranscriptChars: len(u.Transcript),
	}
	if u.Status.Terminal() {
		rec.FinishedAt = now
	}
	payload, _ := json.Marshal(runEntry{
		Status:  rec.Status,
		Handle:  rec.Handle,
		Outcome: rec.Outcome,
		Chars:   rec.TranscriptChars,
	})

	c.enqueue(func(ctx context.Context) {
		if err := c.journal.RecordRun(ctx, rec); err != nil {
			c.log.Warn("failed to journal run", slog.String("run_id", rec.RunID), slogError(err))
			return
		}
		if err := c.journal.AppendEvent(ctx, eventstore.Event{
			SubjectID: rec.RunID,
			Kind:      eventstore.KindRun,
			Type:      rec.Status,
			Payload:   payload,
			CreatedAt: now,
		}); err != nil {
			c.log.Warn("failed to journal run event", slog.String("run_id", rec.RunID), slogError(err))
		}
	})
}
