// Package controller binds the user intents of the recorder to the capture
// session, the artifact store and the transcription pipeline, and turns their
// events into snapshots for the view layer.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/recognition"
	"github.com/loqalabs/loqa-recorder/internal/transcribe"
)

// MessageConverting is shown while a run is decoding or running.
const MessageConverting = "Converting speech to text..."

var (
	// ErrRecording rejects download and transcription while a session holds
	// the microphone.
	ErrRecording = errors.New("recording in progress")
	// ErrNoRun is returned by Cancel when nothing is running.
	ErrNoRun = errors.New("no transcription run is active")
	// ErrClosed is returned by intents after Close.
	ErrClosed = errors.New("controller closed")
)

// Journal records capture sessions and runs. *eventstore.Store satisfies it.
type Journal interface {
	RecordCapture(ctx context.Context, rec eventstore.CaptureRecord) error
	RecordRun(ctx context.Context, rec eventstore.RunRecord) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	RecentCaptures(ctx context.Context, limit int) ([]eventstore.CaptureRecord, error)
	RecentRuns(ctx context.Context, limit int) ([]eventstore.RunRecord, error)
}

// Publisher broadcasts view snapshots. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// View receives every snapshot in order. It must not block.
type View func(Snapshot)

// Options configures a Controller. Observer fields of the embedded options
// are chained after the controller's own.
type Options struct {
	Capture    capture.Options
	Transcribe transcribe.Options
	Journal    Journal
	Publisher  Publisher
	// JournalDepth bounds pending journal writes; overflow is dropped.
	JournalDepth int
}

// Controls mirrors which intents the view should enable.
type Controls struct {
	Record     bool `json:"record"`
	Stop       bool `json:"stop"`
	Download   bool `json:"download"`
	Transcribe bool `json:"transcribe"`
	Cancel     bool `json:"cancel"`
}

// Snapshot is everything a view layer needs to render the recorder.
type Snapshot struct {
	CaptureState capture.State      `json:"capture_state"`
	SessionID    string             `json:"session_id,omitempty"`
	RunStatus    transcribe.Status  `json:"run_status"`
	RunID        string             `json:"run_id,omitempty"`
	Artifact     *artifact.Artifact `json:"artifact,omitempty"`
	Transcript   string             `json:"transcript"`
	Hypothesis   string             `json:"hypothesis,omitempty"`
	Message      string             `json:"message,omitempty"`
	ErrorKind    fault.Kind         `json:"error_kind,omitempty"`
	Controls     Controls           `json:"controls"`
	At           time.Time          `json:"at"`
}

// History lists the journaled sessions and runs, newest first.
type History struct {
	Captures []eventstore.CaptureRecord `json:"captures"`
	Runs     []eventstore.RunRecord     `json:"runs"`
}

// Controller owns the capture session, the artifact store and the
// transcription pipeline of one process.
type Controller struct {
	session  *capture.Session
	store    *artifact.Store
	pipeline *transcribe.Pipeline
	decoder  media.Decoder
	journal  Journal
	pub      Publisher
	log      *slog.Logger
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	writes chan func(context.Context)
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	writesClosed bool
	capState     capture.State
	sessionID    string
	runID        string
	runStatus    transcribe.Status
	transcript   string
	hypothesis   string
	message      string
	errKind      fault.Kind
	views        map[int]View
	nextView     int

	// viewMu serializes snapshot delivery across event sources.
	viewMu sync.Mutex
}

// New builds the session and pipeline around the injected collaborators.
// Runs live on parent, which must outlive individual requests.
func New(parent context.Context, mic capture.Microphone, store *artifact.Store, decoder media.Decoder, provider recognition.Provider, opts Options, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	if opts.JournalDepth <= 0 {
		opts.JournalDepth = 64
	}
	c := &Controller{
		store:   store,
		decoder: decoder,
		journal: opts.Journal,
		pub:     opts.Publisher,
		log:     log.With(slog.String("component", "controller")),
		clock:   time.Now,
		ctx:     ctx,
		cancel:  cancel,
		writes:  make(chan func(context.Context), opts.JournalDepth),
		views:   make(map[int]View),
	}

	captureOpts := opts.Capture
	nextCapture := captureOpts.Observer
	captureOpts.Observer = func(evt capture.Event) {
		c.onCapture(evt)
		if nextCapture != nil {
			nextCapture(evt)
		}
	}
	runOpts := opts.Transcribe
	nextRun := runOpts.Observer
	runOpts.Observer = func(u transcribe.Update) {
		c.onRun(u)
		if nextRun != nil {
			nextRun(u)
		}
	}

	c.session = capture.NewSession(mic, store, captureOpts, log)
	c.pipeline = transcribe.NewPipeline(store, decoder, provider, runOpts, log)

	c.wg.Add(1)
	go c.runJournal()
	return c
}

// Toggle is the record button: it starts a session from Idle or Stopped and
// switches between Recording and Paused otherwise.
func (c *Controller) Toggle(ctx context.Context) (capture.State, error) {
	if c.isClosed() {
		return capture.StateStopped, ErrClosed
	}
	if c.session.State().Active() {
		state, err := c.session.PauseToggle()
		if !errors.Is(err, capture.ErrNotActive) {
			return state, err
		}
		// the device was lost between the check and the command
	}
	if err := c.session.Start(ctx); err != nil {
		return c.session.State(), err
	}
	return c.session.State(), nil
}

// Stop ends the active session and publishes its artifact.
func (c *Controller) Stop(ctx context.Context) (capture.StopResult, error) {
	if c.isClosed() {
		return capture.StopResult{}, ErrClosed
	}
	return c.session.Stop(ctx)
}

// Transcribe starts a run against the current artifact.
func (c *Controller) Transcribe() (*transcribe.Run, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.session.State().Active() {
		return nil, ErrRecording
	}
	if _, ok := c.store.Current(); !ok {
		err := fault.Newf(fault.KindArtifactMissing, "transcribe", "nothing recorded")
		c.setMessage(fault.KindArtifactMissing, fault.Describe(err))
		return nil, err
	}
	run, err := c.pipeline.Start(c.ctx)
	if err != nil {
		return nil, err
	}
	c.log.Info("transcription requested", slog.String("run_id", run.ID()), slog.String("handle", run.Handle().String()))
	return run, nil
}

// Cancel stops the active run.
func (c *Controller) Cancel() error {
	run := c.pipeline.Active()
	if run == nil {
		return ErrNoRun
	}
	run.Cancel()
	return nil
}

// ActiveRun returns the run in progress, if any.
func (c *Controller) ActiveRun() *transcribe.Run { return c.pipeline.Active() }

// Subscribe registers v for every snapshot and returns its removal.
func (c *Controller) Subscribe(v View) func() {
	c.mu.Lock()
	id := c.nextView
	c.nextView++
	c.views[id] = v
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.views, id)
		c.mu.Unlock()
	}
}

// Snapshot returns the current view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		CaptureState: c.capState,
		SessionID:    c.sessionID,
		RunStatus:    c.runStatus,
		RunID:        c.runID,
		Transcript:   c.transcript,
		Hypothesis:   c.hypothesis,
		Message:      c.message,
		ErrorKind:    c.errKind,
		At:           time.Now().UTC(),
	}
	if art, ok := c.store.Current(); ok {
		snap.Artifact = &art
	}
	recording := c.capState.Active()
	running := c.runStatus == transcribe.StatusDecoding || c.runStatus == transcribe.StatusRunning
	hasArtifact := snap.Artifact != nil
	snap.Controls = Controls{
		Record:     !c.closed,
		Stop:       recording,
		Download:   hasArtifact && !recording,
		Transcribe: hasArtifact && !recording && !running && !c.closed,
		Cancel:     running,
	}
	return snap
}

// History returns the most recent journaled sessions and runs.
func (c *Controller) History(ctx context.Context, limit int) (History, error) {
	if c.journal == nil {
		return History{}, nil
	}
	captures, err := c.journal.RecentCaptures(ctx, limit)
	if err != nil {
		return History{}, err
	}
	runs, err := c.journal.RecentRuns(ctx, limit)
	if err != nil {
		return History{}, err
	}
	return History{Captures: captures, Runs: runs}, nil
}

// Close releases the microphone, cancels the active run and revokes the
// artifact. It waits for pending journal writes until ctx is done.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.session.Close()
	run := c.pipeline.Active()
	if run != nil {
		run.Cancel()
	}
	c.cancel()
	if run != nil {
		if _, err := run.Wait(ctx); err != nil {
			c.log.Warn("run did not finish before teardown", slog.String("run_id", run.ID()), slogError(err))
		}
	}
	c.store.RevokeAll()
	c.broadcast()

	c.mu.Lock()
	c.writesClosed = true
	close(c.writes)
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) setMessage(kind fault.Kind, msg string) {
	c.mu.Lock()
	c.errKind = kind
	c.message = msg
	c.mu.Unlock()
	c.broadcast()
}

func (c *Controller) onCapture(evt capture.Event) {
	c.mu.Lock()
	c.capState = evt.State
	if evt.SessionID != "" {
		c.sessionID = evt.SessionID
	}
	switch {
	case evt.Err != nil:
		kind, _ := fault.KindOf(evt.Err)
		c.errKind = kind
		c.message = fault.Describe(evt.Err)
	case evt.State == capture.StateRecording && c.runStatus.Terminal():
		// a new take clears the outcome of the previous run
		c.errKind, c.message = "", ""
	case evt.State == capture.StateRecording && c.errKind.Capture():
		c.errKind, c.message = "", ""
	}
	c.mu.Unlock()

	if evt.SessionID != "" {
		c.journalCapture(evt)
	}
	c.broadcast()
}

func (c *Controller) onRun(u transcribe.Update) {
	if u.RunID != c.pipeline.Latest() {
		// a newer run owns the view; only the journal hears about this one
		if u.Status.Terminal() {
			c.journalRun(u)
		}
		return
	}
	c.mu.Lock()
	changed := c.runID != u.RunID || c.runStatus != u.Status
	c.runID = u.RunID
	c.runStatus = u.Status
	c.transcript = u.Transcript
	c.hypothesis = u.Hypothesis
	switch u.Status {
	case transcribe.StatusDecoding, transcribe.StatusRunning:
		c.errKind = ""
		c.message = MessageConverting
	case transcribe.StatusCompleted:
		c.hypothesis = ""
		c.errKind = u.Outcome
		c.message = ""
		if u.Outcome != "" {
			c.message = fault.Message(u.Outcome, "")
		}
	case transcribe.StatusErrored:
		c.hypothesis = ""
		c.errKind = u.Outcome
		c.message = fault.Describe(u.Err)
		if c.message == "" {
			c.message = fault.Message(u.Outcome, "")
		}
	}
	c.mu.Unlock()

	if changed {
		c.journalRun(u)
	}
	c.broadcast()
}

func (c *Controller) broadcast() {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()

	c.mu.Lock()
	snap := c.snapshotLocked()
	views := make([]View, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()

	for _, v := range views {
		v(snap)
	}
	if c.pub != nil {
		if err := c.pub.PublishJSON(protocol.SubjectRecorderView, toView(snap)); err != nil {
			c.log.Warn("failed to publish recorder view", slogError(err))
		}
	}
}

func toView(s Snapshot) protocol.RecorderView {
	v := protocol.RecorderView{
		CaptureState: s.CaptureState.String(),
		SessionID:    s.SessionID,
		RunStatus:    s.RunStatus.String(),
		RunID:        s.RunID,
		Transcript:   s.Transcript,
		Hypothesis:   s.Hypothesis,
		Message:      s.Message,
		ErrorKind:    string(s.ErrorKind),
		Controls: protocol.ControlsEnabled{
			Record:     s.Controls.Record,
			Stop:       s.Controls.Stop,
			Download:   s.Controls.Download,
			Transcribe: s.Controls.Transcribe,
			Cancel:     s.Controls.Cancel,
		},
		Timestamp: s.At,
	}
	if s.Artifact != nil {
		v.Artifact = &protocol.ArtifactRef{
			Handle:    s.Artifact.Handle.String(),
			MediaType: s.Artifact.MediaType,
			Size:      s.Artifact.Size,
			CreatedAt: s.Artifact.CreatedAt,
		}
	}
	return v
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
