// Package transcribe turns the current recording into text by replaying it
// into a recognition engine.
package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrRunActive is returned by Start while another run has not finished.
var ErrRunActive = errors.New("a transcription run is already active")

// Status of a run.
type Status int

const (
	StatusIdle Status = iota
	StatusDecoding
	StatusRunning
	StatusCompleted
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDecoding:
		return "decoding"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusErrored }

// Artifacts is the read side of the artifact store.
type Artifacts interface {
	Current() (artifact.Artifact, bool)
	Resolve(h artifact.Handle) (artifact.Artifact, []byte, error)
	Revoked(h artifact.Handle) <-chan struct{}
}

// Update is delivered to the observer on every status, transcript or
// hypothesis change of a run.
type Update struct {
	RunID      string
	Handle     artifact.Handle
	Status     Status
	Transcript string
	Hypothesis string
	Outcome    fault.Kind
	Err        error
}

// Result is the final state of a run. Outcome is empty for a non-empty
// transcript, KindNothingRecognized for an empty one, and the failure kind
// when the run errored.
type Result struct {
	RunID      string          `json:"run_id"`
	Handle     artifact.Handle `json:"handle,omitempty"`
	Status     Status          `json:"status"`
	Transcript string          `json:"transcript"`
	Outcome    fault.Kind      `json:"outcome,omitempty"`
	Err        error           `json:"-"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Options tune the pipeline.
type Options struct {
	Recognition recognition.Config
	// GraceInterval is how long to keep the engine listening after replay
	// ends. Engines implementing recognition.Settler may end it early.
	GraceInterval time.Duration
	ReplayFrame   time.Duration
	Realtime      bool
	// MaxRun bounds a whole run; zero derives it from the audio duration.
	MaxRun time.Duration
	// Observer runs on the run goroutine.
	Observer func(Update)
}

// Pipeline runs transcriptions one at a time.
type Pipeline struct {
	store    Artifacts
	decoder  media.Decoder
	provider recognition.Provider
	opts     Options
	log      *slog.Logger

	tracer   trace.Tracer
	runs     metric.Int64Counter
	duration metric.Float64Histogram

	mu     sync.Mutex
	active *Run
	latest string
}

func NewPipeline(store Artifacts, decoder media.Decoder, provider recognition.Provider, opts Options, log *slog.Logger) *Pipeline {
	if opts.ReplayFrame <= 0 {
		opts.ReplayFrame = 20 * time.Millisecond
	}
	if opts.GraceInterval < 0 {
		opts.GraceInterval = 0
	}
	p := &Pipeline{
		store:    store,
		decoder:  decoder,
		provider: provider,
		opts:     opts,
		log:      log.With(slog.String("component", "transcribe")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-recorder/transcribe"),
	}
	p.initMetrics()
	return p
}

func (p *Pipeline) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-recorder/transcribe")
	var err error
	if p.runs, err = meter.Int64Counter("loqa.recorder.transcription.runs", metric.WithDescription("Transcription runs by outcome")); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	if p.duration, err = meter.Float64Histogram("loqa.recorder.transcription.duration", metric.WithDescription("Transcription run duration"), metric.WithUnit("s")); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
}

// Active returns the run in progress, if any.
func (p *Pipeline) Active() *Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Latest returns the ID of the most recently started run. Updates from other
// runs are stale: they can only be the final update of a run that has already
// been replaced.
func (p *Pipeline) Latest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Start begins a run against the current artifact. The run lives until it
// completes, errors or parent is canceled; parent must outlive the caller's
// request. Failures found before any work is done still produce a run that
// ends Errored.
func (p *Pipeline) Start(parent context.Context) (*Run, error) {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil, ErrRunActive
	}
	ctx, cancel := context.WithCancelCause(parent)
	run := &Run{
		id:        uuid.NewString(),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	if art, ok := p.store.Current(); ok {
		run.handle = art.Handle
	}
	p.active = run
	p.latest = run.id
	p.mu.Unlock()

	go p.execute(ctx, run)
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, run *Run) {
	ctx, span := p.tracer.Start(ctx, "transcription.run", trace.WithAttributes(
		attribute.String("run_id", run.id),
		attribute.String("handle", run.handle.String()),
	))
	defer span.End()
	defer run.cancel(nil)

	log := p.log.With(slog.String("run_id", run.id))
	ex := &execution{p: p, run: run, span: span, log: log}

	err := ex.transcribe(ctx)
	p.finish(ex, err)
}

func (p *Pipeline) finish(ex *execution, err error) {
	run := ex.run
	res := Result{
		RunID:      run.id,
		Handle:     run.handle,
		Transcript: run.Transcript(),
		StartedAt:  run.startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		if _, ok := fault.KindOf(err); !ok {
			err = fault.New(fault.KindRecognitionEngine, "transcribe", err)
		}
		res.Status = StatusErrored
		res.Err = err
		res.Outcome, _ = fault.KindOf(err)
		ex.span.RecordError(err)
		ex.span.SetStatus(codes.Error, string(res.Outcome))
		ex.log.Warn("transcription failed", slogError(err))
	} else {
		res.Status = StatusCompleted
		if strings.TrimSpace(res.Transcript) == "" {
			res.Outcome = fault.KindNothingRecognized
		}
		ex.span.SetStatus(codes.Ok, "")
		ex.log.Info("transcription completed", slog.Int("chars", len(res.Transcript)), slog.String("outcome", string(res.Outcome)))
	}

	outcome := string(res.Outcome)
	if outcome == "" {
		outcome = "recognized"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if p.runs != nil {
		p.runs.Add(context.Background(), 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(context.Background(), res.FinishedAt.Sub(res.StartedAt).Seconds(), attrs)
	}

	run.mu.Lock()
	run.status = res.Status
	run.result = res
	run.mu.Unlock()

	p.mu.Lock()
	if p.active == run {
		p.active = nil
	}
	p.mu.Unlock()

	ex.notify(Update{Outcome: res.Outcome, Err: res.Err})
	close(run.done)
}

// execution carries the per-run state of one transcription.
type execution struct {
	p    *Pipeline
	run  *Run
	span trace.Span
	log  *slog.Logger
}

func (ex *execution) transcribe(ctx context.Context) error {
	p, run := ex.p, ex.run

	if run.handle == "" {
		return fault.Newf(fault.KindArtifactMissing, "transcribe.start", "no recording to transcribe")
	}
	if err := p.provider.Available(ctx); err != nil {
		return ex.cause(ctx, asRecognitionFault(err))
	}

	if p.opts.MaxRun > 0 {
		ex.armTimeout(ctx, p.opts.MaxRun)
	}
	ex.watchRevocation(ctx)

	ex.setStatus(StatusDecoding)
	art, data, err := p.store.Resolve(run.handle)
	if err != nil {
		return err
	}
	buf, err := p.decoder.Decode(ctx, data, art.MediaType)
	if err != nil {
		return ex.cause(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return ex.cause(ctx, err)
	}
	audioDuration := media.BufferDuration(buf)
	if p.opts.MaxRun <= 0 {
		ex.armTimeout(ctx, 2*audioDuration+p.opts.GraceInterval+30*time.Second)
	}
	ex.span.SetAttributes(attribute.Float64("audio_seconds", audioDuration.Seconds()))

	engine, err := p.provider.NewEngine(p.opts.Recognition)
	if err != nil {
		return asRecognitionFault(err)
	}
	sink := media.NewCaptureSink(16)
	graph := media.NewGraph(buf, sink, media.GraphOptions{FrameDuration: p.opts.ReplayFrame, Realtime: p.opts.Realtime})
	defer graph.Close()
	defer engine.Stop()

	ex.setStatus(StatusRunning)
	// the engine listens before any audio is replayed
	if err := engine.Start(ctx, sink.Frames()); err != nil {
		return ex.cause(ctx, asRecognitionFault(err))
	}
	if err := graph.Start(ctx); err != nil {
		return fault.New(fault.KindDecodeFailed, "transcribe.replay", err)
	}

	return ex.listen(ctx, engine, graph)
}

func (ex *execution) listen(ctx context.Context, engine recognition.Engine, graph *media.Graph) error {
	var (
		events   = engine.Events()
		ended    = graph.Ended()
		grace    <-chan time.Time
		settled  <-chan struct{}
		stopping bool
	)
	stop := func() {
		if stopping {
			return
		}
		stopping = true
		grace, settled = nil, nil
		ex.log.Debug("stopping recognition")
		engine.Stop()
	}

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ex.cause(ctx, ctx.Err())
				}
				if stopping {
					return ex.complete()
				}
				return fault.Newf(fault.KindRecognitionEngine, "transcribe.listen", "engine closed without ending")
			}
			switch evt.Kind {
			case recognition.EventResult:
				if evt.Final {
					ex.appendFinal(evt.Text)
				} else {
					ex.hypothesis(evt.Text)
				}
			case recognition.EventError:
				if ctx.Err() != nil {
					return ex.cause(ctx, ctx.Err())
				}
				return asRecognitionFault(evt.Err)
			case recognition.EventEnd:
				return ex.complete()
			}

		case <-ended:
			ended = nil
			ex.span.AddEvent("replay ended")
			// closing the sink tells the engine no more audio is coming
			_ = graph.Close()
			grace = time.After(ex.p.opts.GraceInterval)
			if s, ok := engine.(recognition.Settler); ok {
				settled = s.Settled()
			}

		case <-grace:
			stop()

		case <-settled:
			ex.span.AddEvent("recognition settled")
			stop()

		case <-ctx.Done():
			return ex.cause(ctx, ctx.Err())
		}
	}
}

func (ex *execution) complete() error {
	// a handle revoked at the last moment still fails the run
	if _, _, err := ex.p.store.Resolve(ex.run.handle); err != nil {
		return err
	}
	return nil
}

func (ex *execution) appendFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	ex.run.mu.Lock()
	ex.run.transcript.WriteString(text)
	ex.run.transcript.WriteString(" ")
	ex.run.hypothesis = ""
	ex.run.mu.Unlock()
	ex.notify(Update{})
}

func (ex *execution) hypothesis(text string) {
	ex.run.mu.Lock()
	ex.run.hypothesis = text
	ex.run.mu.Unlock()
	ex.notify(Update{})
}

func (ex *execution) setStatus(s Status) {
	ex.run.mu.Lock()
	ex.run.status = s
	ex.run.mu.Unlock()
	ex.span.AddEvent("status", trace.WithAttributes(attribute.String("status", s.String())))
	ex.log.Debug("transcription status", slog.String("status", s.String()))
	ex.notify(Update{})
}

// notify fills the run's current state into u and hands it to the observer.
func (ex *execution) notify(u Update) {
	if ex.p.opts.Observer == nil {
		return
	}
	run := ex.run
	run.mu.Lock()
	u.RunID = run.id
	u.Handle = run.handle
	u.Status = run.status
	u.Transcript = run.transcript.String()
	u.Hypothesis = run.hypothesis
	run.mu.Unlock()
	ex.p.opts.Observer(u)
}

func (ex *execution) armTimeout(ctx context.Context, d time.Duration) {
	run := ex.run
	timer := time.AfterFunc(d, func() {
		run.cancel(fault.Newf(fault.KindTimeout, "transcribe", "run exceeded %s", d))
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}

func (ex *execution) watchRevocation(ctx context.Context) {
	revoked := ex.p.store.Revoked(ex.run.handle)
	run := ex.run
	go func() {
		select {
		case <-revoked:
			run.cancel(fault.Newf(fault.KindArtifactMissing, "transcribe", "recording was discarded during transcription"))
		case <-ctx.Done():
		}
	}()
}

// cause prefers the reason the run context was canceled over err.
func (ex *execution) cause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if _, ok := fault.KindOf(cause); ok {
		return cause
	}
	return fault.New(fault.KindCanceled, "transcribe", cause)
}

func asRecognitionFault(err error) error {
	if err == nil {
		return fault.Newf(fault.KindRecognitionEngine, "transcribe", "unknown engine error")
	}
	if kind, ok := fault.KindOf(err); ok {
		switch kind {
		case fault.KindRecognitionUnsupported, fault.KindRecognitionConnectivity, fault.KindRecognitionEngine:
			return err
		}
	}
	return fault.New(fault.KindRecognitionEngine, "transcribe", err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
