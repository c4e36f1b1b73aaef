package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNotActive is returned by intents that need a Recording or Paused session.
	ErrNotActive = errors.New("no active capture session")
	// ErrClosed is returned once the session owner has been torn down.
	ErrClosed = errors.New("capture session closed")
)

// State of the capture state machine.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a device is held in this state.
func (s State) Active() bool { return s == StateRecording || s == StatePaused }

// Event is delivered to the observer on every transition and failure.
type Event struct {
	SessionID string
	State     State
	Err       error
	Artifact  *artifact.Artifact
	At        time.Time
}

// Publisher receives the finalized fragments of a session.
type Publisher interface {
	Publish(chunks [][]byte, mediaType string) (artifact.Artifact, error)
}

// Options configures a Session.
type Options struct {
	MediaType        string
	FragmentInterval time.Duration
	NewEncoder       func() Encoder
	// Observer runs on the session loop; it must not call Session intents.
	Observer func(Event)
}

// StopResult summarizes a completed session.
type StopResult struct {
	SessionID string
	Fragments int
	Bytes     int
	// Artifact is nil when nothing was captured.
	Artifact *artifact.Artifact
}

type commandKind int

const (
	cmdPauseToggle commandKind = iota
	cmdFlush
	cmdStop
	cmdAbort
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	state State
	stop  StopResult
	err   error
}

// Session is the process-wide capture owner. It holds at most one device at
// a time; each Start after a Stop begins a fresh fragment sequence.
type Session struct {
	mic   Microphone
	store Publisher
	opts  Options
	log   *slog.Logger

	sessions  metric.Int64Counter
	fragments metric.Int64Counter

	mu        sync.Mutex
	state     State
	id        string
	acquiring bool
	closed    bool
	chunks    [][]byte
	cmds      chan command
	done      chan struct{}
}

func NewSession(mic Microphone, store Publisher, opts Options, log *slog.Logger) *Session {
	if opts.FragmentInterval <= 0 {
		opts.FragmentInterval = 10 * time.Millisecond
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = NewPCMEncoder
	}
	s := &Session{
		mic:   mic,
		store: store,
		opts:  opts,
		log:   log.With(slog.String("component", "capture")),
	}
	s.initMetrics()
	return s
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-recorder/capture")
	var err error
	if s.sessions, err = meter.Int64Counter("loqa.recorder.capture.sessions", metric.WithDescription("Capture sessions by outcome")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	if s.fragments, err = meter.Int64Counter("loqa.recorder.capture.fragments", metric.WithDescription("Audio fragments appended")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID of the current or most recent session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Start acquires the device and begins recording. It is a no-op while a
// session is active or another Start is awaiting permission.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Active() || s.acquiring {
		s.mu.Unlock()
		return nil
	}
	s.acquiring = true
	s.mu.Unlock()

	stream, err := s.mic.Request(ctx)
	if err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		s.mu.Lock()
		s.acquiring = false
		state := s.state
		s.mu.Unlock()

		err = asCaptureFault(err)
		s.log.Warn("microphone unavailable", slogError(err))
		s.count(s.sessions, outcomeOf(err))
		s.notify(Event{State: state, Err: err})
		return err
	}
	stream = &releaser{DeviceStream: stream}

	s.mu.Lock()
	s.acquiring = false
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	id := uuid.NewString()
	cmds := make(chan command)
	done := make(chan struct{})
	s.id = id
	s.state = StateRecording
	s.chunks = nil
	s.cmds = cmds
	s.done = done
	enc := s.opts.NewEncoder()
	s.mu.Unlock()

	// the loop may stop on its own at once; Recording must reach the
	// observer before any of its events
	s.log.Info("capture started", slog.String("session_id", id))
	s.notify(Event{SessionID: id, State: StateRecording})

	go s.loop(id, stream, enc, cmds, done)
	return nil
}

// PauseToggle switches between Recording and Paused.
func (s *Session) PauseToggle() (State, error) {
	res, ok := s.send(context.Background(), cmdPauseToggle)
	if !ok {
		return s.State(), ErrNotActive
	}
	return res.state, nil
}

// Flush forces the encoder to emit a fragment now.
func (s *Session) Flush() error {
	if _, ok := s.send(context.Background(), cmdFlush); !ok {
		return ErrNotActive
	}
	return nil
}

// Stop ends the session, releases the device and publishes the artifact when
// at least one fragment was captured.
func (s *Session) Stop(ctx context.Context) (StopResult, error) {
	res, ok := s.send(ctx, cmdStop)
	if !ok {
		if err := ctx.Err(); err != nil {
			return StopResult{}, err
		}
		return StopResult{}, ErrNotActive
	}
	return res.stop, res.err
}

// Close releases any held device without publishing and rejects further
// Starts. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.send(context.Background(), cmdAbort)
}

func (s *Session) send(ctx context.Context, kind commandKind) (commandResult, bool) {
	s.mu.Lock()
	cmds, done := s.cmds, s.done
	active := s.state.Active()
	s.mu.Unlock()
	if !active || cmds == nil {
		return commandResult{}, false
	}
	reply := make(chan commandResult, 1)
	select {
	case cmds <- command{kind: kind, reply: reply}:
	case <-done:
		return commandResult{}, false
	case <-ctx.Done():
		return commandResult{}, false
	}
	// the loop always replies to an accepted command
	return <-reply, true
}

func (s *Session) loop(id string, stream DeviceStream, enc Encoder, cmds <-chan command, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.FragmentInterval)
	defer ticker.Stop()

	frames := stream.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				s.abort(id, stream, enc, fault.New(fault.KindDeviceLost, "capture.read", stream.Err()))
				return
			}
			enc.Write(frame)
		case <-ticker.C:
			s.appendFragment(enc.Flush())
		case cmd := <-cmds:
			switch cmd.kind {
			case cmdPauseToggle:
				cmd.reply <- commandResult{state: s.togglePause(id, enc)}
			case cmdFlush:
				s.appendFragment(enc.Flush())
				cmd.reply <- commandResult{state: s.State()}
			case cmdStop:
				res, err := s.finish(id, stream, enc)
				cmd.reply <- commandResult{state: StateStopped, stop: res, err: err}
				return
			case cmdAbort:
				s.abort(id, stream, enc, nil)
				cmd.reply <- commandResult{state: StateStopped}
				return
			}
		}
	}
}

func (s *Session) togglePause(id string, enc Encoder) State {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	var next State
	switch state {
	case StateRecording:
		// audio captured before the pause belongs to the recording
		s.appendFragment(enc.Flush())
		enc.Pause()
		next = StatePaused
	case StatePaused:
		enc.Resume()
		next = StateRecording
	default:
		return state
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.log.Info("capture state changed", slog.String("session_id", id), slog.String("state", next.String()))
	s.notify(Event{SessionID: id, State: next})
	return next
}

func (s *Session) appendFragment(frag []byte) {
	if len(frag) == 0 {
		return
	}
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.chunks = append(s.chunks, frag)
	s.mu.Unlock()
	if s.fragments != nil {
		s.fragments.Add(context.Background(), 1)
	}
}

func (s *Session) finish(id string, stream DeviceStream, enc Encoder) (StopResult, error) {
	s.appendFragment(enc.Close())
	if err := stream.Close(); err != nil {
		s.log.Warn("device release failed", slog.String("session_id", id), slogError(err))
	}

	s.mu.Lock()
	chunks := s.chunks
	s.chunks = nil
	s.state = StateStopped
	s.cmds = nil
	s.mu.Unlock()

	res := StopResult{SessionID: id, Fragments: len(chunks)}
	for _, c := range chunks {
		res.Bytes += len(c)
	}
	if len(chunks) == 0 {
		s.log.Info("capture stopped without audio", slog.String("session_id", id))
		s.count(s.sessions, "empty")
		s.notify(Event{SessionID: id, State: StateStopped})
		return res, nil
	}

	art, err := s.store.Publish(chunks, s.opts.MediaType)
	if err != nil {
		s.log.Error("artifact publish failed", slog.String("session_id", id), slogError(err))
		s.count(s.sessions, "publish_failed")
		s.notify(Event{SessionID: id, State: StateStopped, Err: err})
		return res, err
	}
	res.Artifact = &art
	s.log.Info("capture stopped",
		slog.String("session_id", id),
		slog.Int("fragments", res.Fragments),
		slog.Int("bytes", res.Bytes),
		slog.String("handle", art.Handle.String()))
	s.count(s.sessions, "recorded")
	s.notify(Event{SessionID: id, State: StateStopped, Artifact: &art})
	return res, nil
}

func (s *Session) abort(id string, stream DeviceStream, enc Encoder, cause error) {
	enc.Close()
	if err := stream.Close(); err != nil {
		s.log.Warn("device release failed", slog.String("session_id", id), slogError(err))
	}

	s.mu.Lock()
	s.chunks = nil
	s.state = StateStopped
	s.cmds = nil
	s.mu.Unlock()

	if cause != nil {
		s.log.Warn("capture aborted", slog.String("session_id", id), slogError(cause))
		s.count(s.sessions, outcomeOf(cause))
	} else {
		s.log.Info("capture released on teardown", slog.String("session_id", id))
		s.count(s.sessions, "teardown")
	}
	s.notify(Event{SessionID: id, State: StateStopped, Err: cause})
}

func (s *Session) notify(evt Event) {
	if s.opts.Observer == nil {
		return
	}
	evt.At = time.Now().UTC()
	s.opts.Observer(evt)
}

func (s *Session) count(counter metric.Int64Counter, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func outcomeOf(err error) string {
	if kind, ok := fault.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
