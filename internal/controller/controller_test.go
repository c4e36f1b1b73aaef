package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/recognition"
	"github.com/loqalabs/loqa-recorder/internal/stt"
	"github.com/loqalabs/loqa-recorder/internal/transcribe"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStream struct {
	frames chan []byte
	closes atomic.Int32
}

func (f *fakeStream) Frames() <-chan []byte { return f.frames }
func (f *fakeStream) Err() error { return nil }
func (f *fakeStream) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeMicrophone struct {
	mu      sync.Mutex
	err     error
	dead    bool
	streams []*fakeStream
}

func (m *fakeMicrophone) Request(context.Context) (capture.DeviceStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{frames: make(chan []byte)}
	if m.dead {
		close(s.frames)
	}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMicrophone) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[len(m.streams)-1]
}

// lengthRecognizer names each segment after its duration.
type lengthRecognizer struct{}

func (lengthRecognizer) Transcribe(_ context.Context, pcm []byte, rate, ch int, _ bool) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{Text: fmt.Sprintf("seg%d", media.BytesDuration(len(pcm), rate, ch).Milliseconds())}, nil
}

func tone(d time.Duration, amplitude int16) []byte {
	n := media.FrameBytes(16000, 1, d) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

type harness struct {
	ctrl  *Controller
	mic   *fakeMicrophone
	store *artifact.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	sttCfg := config.STTConfig{
		SampleRate:       16000,
		Channels:         1,
		SilenceThreshold: 0.02,
		SegmentSilenceMS: 200,
		MaxSegmentMS:     10000,
	}
	mic := &fakeMicrophone{}
	store := artifact.NewStore(newLogger())
	provider := recognition.NewLocalProvider(lengthRecognizer{}, sttCfg, newLogger())

	opts.Capture.MediaType = media.PCMMediaType(16000, 1)
	opts.Capture.FragmentInterval = time.Hour
	opts.Transcribe.Recognition = recognition.Config{Locale: "en-US", MaxAlternatives: 1, Continuous: true}
	opts.Transcribe.GraceInterval = time.Hour

	ctrl := New(context.Background(), mic, store, media.NewDecoder(), provider, opts, newLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
	})
	return &harness{ctrl: ctrl, mic: mic, store: store}
}

// record captures 300ms of tone followed by 300ms of silence.
func (h *harness) record(t *testing.T) capture.StopResult {
	t.Helper()
	ctx := context.Background()
	state, err := h.ctrl.Toggle(ctx)
	if err != nil || state != capture.StateRecording {
		t.Fatalf("toggle: state=%v err=%v", state, err)
	}
	dev := h.mic.last()
	dev.frames <- tone(300*time.Millisecond, 8000)
	dev.frames <- tone(300*time.Millisecond, 0)
	res, err := h.ctrl.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Artifact == nil {
		t.Fatal("expected an artifact")
	}
	return res
}

func wait(t *testing.T, run *transcribe.Run) transcribe.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	return res
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRecordThenTranscribe(t *testing.T) {
	h := newHarness(t, Options{})
	res := h.record(t)
	if res.Bytes != 19200 {
		t.Fatalf("unexpected size %d", res.Bytes)
	}

	snap := h.ctrl.Snapshot()
	if snap.CaptureState != capture.StateStopped {
		t.Fatalf("unexpected state %v", snap.CaptureState)
	}
	if !snap.Controls.Download || !snap.Controls.Transcribe || snap.Controls.Stop || snap.Controls.Cancel {
		t.Fatalf("unexpected controls %+v", snap.Controls)
	}

	run, err := h.ctrl.Transcribe()
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	result := wait(t, run)
	if result.Status != transcribe.StatusCompleted || result.Transcript != "seg300 " {
		t.Fatalf("unexpected result %+v", result)
	}

	eventually(t, "completed snapshot", func() bool {
		return h.ctrl.Snapshot().RunStatus == transcribe.StatusCompleted
	})
	snap = h.ctrl.Snapshot()
	if snap.Transcript != "seg300 " || snap.Message != "" || snap.ErrorKind != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.Controls.Transcribe || snap.Controls.Cancel {
		t.Fatalf("controls after run %+v", snap.Controls)
	}
}

func TestStaleRunUpdateIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.record(t)

	first, err := h.ctrl.Transcribe()
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	wait(t, first)
	second, err := h.ctrl.Transcribe()
	if err != nil {
		t.Fatalf("second transcribe: %v", err)
	}
	wait(t, second)
	eventually(t, "second run snapshot", func() bool {
		snap := h.ctrl.Snapshot()
		return snap.RunID == second.ID() && snap.RunStatus == transcribe.StatusCompleted
	})

	// the first run finishing late must not overwrite the second
	h.ctrl.onRun(transcribe.Update{
		RunID:   first.ID(),
		Status:  transcribe.StatusErrored,
		Outcome: fault.KindRecognitionEngine,
		Err:     fault.Newf(fault.KindRecognitionEngine, "test", "late"),
	})
	snap := h.ctrl.Snapshot()
	if snap.RunID != second.ID() || snap.RunStatus != transcribe.StatusCompleted || snap.ErrorKind != "" {
		t.Fatalf("stale update leaked into the view %+v", snap)
	}
	if snap.Transcript != "seg300 " {
		t.Fatalf("unexpected transcript %q", snap.Transcript)
	}
}

func TestToggleSwitchesPause(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	var states []capture.State
	for i := 0; i < 3; i++ {
		state, err := h.ctrl.Toggle(ctx)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		states = append(states, state)
	}
	want := []capture.State{capture.StateRecording, capture.StatePaused, capture.StateRecording}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("toggle states %v, want %v", states, want)
		}
	}
	if len(h.mic.streams) != 1 {
		t.Fatalf("toggle must not reacquire the device, got %d streams", len(h.mic.streams))
	}
	if !h.ctrl.Snapshot().Controls.Stop {
		t.Fatal("stop should be enabled while recording")
	}
}

func TestIntentsRejectedWhileRecording(t *testing.T) {
	h := newHarness(t, Options{})
	h.record(t)
	if _, err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ctrl.Transcribe(); !errors.Is(err, ErrRecording) {
		t.Fatalf("expected ErrRecording, got %v", err)
	}
	if _, err := h.ctrl.Download(context.Background(), FormatRaw); !errors.Is(err, ErrRecording) {
		t.Fatalf("expected ErrRecording, got %v", err)
	}
	controls := h.ctrl.Snapshot().Controls
	if controls.Download || controls.Transcribe {
		t.Fatalf("download and transcribe must be disabled while recording: %+v", controls)
	}
}

func TestTranscribeWithoutArtifact(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.ctrl.Transcribe()
	if !errors.Is(err, fault.ErrArtifactMissing) {
		t.Fatalf("expected artifact missing, got %v", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.ErrorKind != fault.KindArtifactMissing || snap.Message != fault.Message(fault.KindArtifactMissing, "") {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := h.ctrl.Cancel(); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun, got %v", err)
	}
}

func TestPermissionDeniedMessage(t *testing.T) {
	h := newHarness(t, Options{})
	h.mic.err = fault.Newf(fault.KindPermissionDenied, "mic", "denied")

	state, err := h.ctrl.Toggle(context.Background())
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if state != capture.StateIdle {
		t.Fatalf("state should stay idle, got %v", state)
	}
	snap := h.ctrl.Snapshot()
	want := "Unable to access microphone. Please ensure you have granted permission."
	if snap.Message != want || snap.ErrorKind != fault.KindPermissionDenied {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDeviceLostAtStartStaysVisible(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := newHarness(t, Options{})
		h.mic.dead = true

		if _, err := h.ctrl.Toggle(context.Background()); err != nil {
			t.Fatalf("toggle: %v", err)
		}
		eventually(t, "session stop", func() bool {
			return h.ctrl.session.State() == capture.StateStopped
		})
		eventually(t, "stopped snapshot", func() bool {
			return h.ctrl.Snapshot().CaptureState == capture.StateStopped
		})
		snap := h.ctrl.Snapshot()
		if snap.ErrorKind != fault.KindDeviceLost || snap.Message == "" {
			t.Fatalf("iteration %d: device loss not shown %+v", i, snap)
		}
		if snap.Controls.Stop || !snap.Controls.Record {
			t.Fatalf("iteration %d: unexpected controls %+v", i, snap.Controls)
		}
	}
}

func TestDownloadFormats(t *testing.T) {
	h := newHarness(t, Options{})
	h.ctrl.clock = func() time.Time { return time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC) }
	h.record(t)
	ctx := context.Background()

	raw, err := h.ctrl.Download(ctx, FormatRaw)
	if err != nil {
		t.Fatalf("raw download: %v", err)
	}
	if raw.Name != "recording_2025-05-06T07:08:09Z.pcm" {
		t.Fatalf("unexpected name %q", raw.Name)
	}
	if len(raw.Data) != 19200 || !strings.HasPrefix(raw.MediaType, media.PCMType) {
		t.Fatalf("unexpected raw download %d bytes %q", len(raw.Data), raw.MediaType)
	}

	wav, err := h.ctrl.Download(ctx, FormatWAV)
	if err != nil {
		t.Fatalf("wav download: %v", err)
	}
	if wav.Name != "recording_2025-05-06T07:08:09Z.wav" || wav.MediaType != media.WAVType {
		t.Fatalf("unexpected wav download %q %q", wav.Name, wav.MediaType)
	}
	if !bytes.HasPrefix(wav.Data, []byte("RIFF")) {
		t.Fatal("wav download is not a RIFF file")
	}
	buf, err := media.NewDecoder().Decode(ctx, wav.Data, media.WAVType)
	if err != nil {
		t.Fatalf("decode exported wav: %v", err)
	}
	if len(buf.Data) != 9600 {
		t.Fatalf("expected 9600 samples, got %d", len(buf.Data))
	}

	if _, err := h.ctrl.Download(ctx, "flac"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	h.record(t)
	if _, err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev := h.mic.last()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ctrl.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if dev.closes.Load() != 1 {
		t.Fatalf("device released %d times", dev.closes.Load())
	}
	if _, ok := h.store.Current(); ok {
		t.Fatal("artifact should be revoked on close")
	}
	if _, err := h.ctrl.Toggle(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := h.ctrl.Transcribe(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := h.ctrl.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestViewsReceiveSnapshots(t *testing.T) {
	h := newHarness(t, Options{})
	var mu sync.Mutex
	var states []capture.State
	unsubscribe := h.ctrl.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.CaptureState)
		mu.Unlock()
	})
	h.record(t)
	unsubscribe()
	if _, err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != capture.StateRecording || states[1] != capture.StateStopped {
		t.Fatalf("unexpected view states %v", states)
	}
}

func TestJournalRecordsSessionsAndRuns(t *testing.T) {
	es, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = es.Close() })

	h := newHarness(t, Options{Journal: es})
	res := h.record(t)
	run, err := h.ctrl.Transcribe()
	if err != nil {
		t.Fatal(err)
	}
	wait(t, run)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ctrl.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	history, err := h.ctrl.History(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history.Captures) != 1 {
		t.Fatalf("expected one capture, got %+v", history.Captures)
	}
	c := history.Captures[0]
	if c.SessionID != res.SessionID || c.State != "stopped" || c.Bytes != 19200 || c.Handle != res.Artifact.Handle.String() {
		t.Fatalf("unexpected capture record %+v", c)
	}
	if len(history.Runs) != 1 || history.Runs[0].Status != "completed" || history.Runs[0].TranscriptChars != len("seg300 ") {
		t.Fatalf("unexpected runs %+v", history.Runs)
	}

	events, err := es.ListEvents(context.Background(), run.ID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	if strings.Join(types, ",") != "decoding,running,completed" {
		t.Fatalf("unexpected run events %v", types)
	}
}

func TestViewPublishedOnBus(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRecorderView, msgs)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, Options{Publisher: client})
	if _, err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-msgs:
		var view protocol.RecorderView
		if err := json.Unmarshal(msg.Data, &view); err != nil {
			t.Fatal(err)
		}
		if view.CaptureState != "recording" || !view.Controls.Stop || view.RunStatus != "idle" {
			t.Fatalf("unexpected view %+v", view)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no view published")
	}
}
