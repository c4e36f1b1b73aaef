// Package recognition defines the asynchronous speech recognition engine the
// transcription pipeline drives, with an in-process and a bus-backed
// implementation.
package recognition

import (
	"context"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// Config is fixed for the lifetime of the process.
type Config struct {
	Locale          string
	InterimResults  bool
	MaxAlternatives int
	Continuous      bool
}

// ConfigFrom maps the recognition section of the configuration.
func ConfigFrom(cfg config.RecognitionConfig) Config {
	return Config{
		Locale:          cfg.Locale,
		InterimResults:  cfg.InterimResults,
		MaxAlternatives: cfg.MaxAlternatives,
		Continuous:      cfg.Continuous,
	}
}

// EventKind distinguishes engine events.
type EventKind int

const (
	EventResult EventKind = iota
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is emitted by an engine. Err is set only for EventError and carries
// a fault kind.
type Event struct {
	Kind       EventKind
	Final      bool
	Text       string
	Confidence float64
	Err        error
}

// Engine consumes audio frames and reports results asynchronously. Events
// is closed after End or Error; nothing is emitted afterwards.
type Engine interface {
	Start(ctx context.Context, source <-chan media.Frame) error
	Events() <-chan Event
	// Stop asks the engine to finalize audio received so far and end.
	Stop()
}

// Settler is implemented by engines that can tell when all audio they were
// given has been recognized. Settled is closed once the source is
// exhausted and every final result for it has been emitted.
type Settler interface {
	Settled() <-chan struct{}
}

// Provider creates engines and reports whether recognition is usable.
type Provider interface {
	// Available fails with RecognitionUnsupported or
	// RecognitionConnectivity when no engine can run.
	Available(ctx context.Context) error
	NewEngine(cfg Config) (Engine, error)
}

func emit(ctx context.Context, ch chan<- Event, evt Event) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
