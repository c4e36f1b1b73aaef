package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/stt"
)

var errAlreadyStarted = errors.New("recognition engine already started")

// LocalProvider runs recognition in-process on an stt.Recognizer.
type LocalProvider struct {
	rec stt.Recognizer
	cfg config.STTConfig
	log *slog.Logger
}

func NewLocalProvider(rec stt.Recognizer, cfg config.STTConfig, log *slog.Logger) *LocalProvider {
	return &LocalProvider{rec: rec, cfg: cfg, log: log.With(slog.String("component", "recognition.local"))}
}

func (p *LocalProvider) Available(ctx context.Context) error {
	if p.rec == nil {
		return fault.Newf(fault.KindRecognitionUnsupported, "recognition.local", "no recognizer configured")
	}
	return ctx.Err()
}

func (p *LocalProvider) NewEngine(cfg Config) (Engine, error) {
	if err := p.Available(context.Background()); err != nil {
		return nil, err
	}
	return &localEngine{
		cfg:     cfg,
		stream:  stt.NewStream(p.rec, p.cfg, cfg.InterimResults),
		log:     p.log,
		events:  make(chan Event, 64),
		settled: make(chan struct{}),
		stop:    make(chan struct{}),
	}, nil
}

type localEngine struct {
	cfg    Config
	stream *stt.Stream
	log    *slog.Logger

	events   chan Event
	settled  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
}

func (e *localEngine) Events() <-chan Event { return e.events }
func (e *localEngine) Settled() <-chan struct{} { return e.settled }
func (e *localEngine) Stop() { e.stopOnce.Do(func() { close(e.stop) }) }

func (e *localEngine) Start(ctx context.Context, source <-chan media.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errAlreadyStarted
	}
	e.started = true
	go e.run(ctx, source)
	return nil
}

func (e *localEngine) run(ctx context.Context, source <-chan media.Frame) {
	defer close(e.events)

	for source != nil {
		select {
		case frame, ok := <-source:
			if !ok {
				source = nil
				continue
			}
			results, err := e.stream.Write(ctx, frame.PCM)
			if !e.deliver(ctx, results, err) {
				return
			}
			if !e.cfg.Continuous && hasFinal(results) {
				e.end(ctx)
				return
			}
		case <-e.stop:
			e.finish(ctx)
			return
		case <-ctx.Done():
			return
		}
	}

	// source exhausted: finalize trailing speech, then wait for Stop
	results, err := e.stream.Close(ctx)
	if !e.deliver(ctx, results, err) {
		return
	}
	close(e.settled)
	select {
	case <-e.stop:
	case <-ctx.Done():
		return
	}
	e.end(ctx)
}

func (e *localEngine) finish(ctx context.Context) {
	results, err := e.stream.Close(ctx)
	if !e.deliver(ctx, results, err) {
		return
	}
	e.end(ctx)
}

func (e *localEngine) end(ctx context.Context) {
	emit(ctx, e.events, Event{Kind: EventEnd})
}

// deliver forwards results and reports whether the engine should continue.
func (e *localEngine) deliver(ctx context.Context, results []stt.Result, err error) bool {
	for _, r := range results {
		if !emit(ctx, e.events, Event{Kind: EventResult, Final: r.Final, Text: r.Text, Confidence: r.Confidence}) {
			return false
		}
	}
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	e.log.Warn("recognizer failed", slog.String("error", err.Error()))
	emit(ctx, e.events, Event{Kind: EventError, Err: fault.New(fault.KindRecognitionEngine, "recognition.local", err)})
	return false
}

func hasFinal(results []stt.Result) bool {
	for _, r := range results {
		if r.Final {
			return true
		}
	}
	return false
}
