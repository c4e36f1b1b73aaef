package recognition

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sttConfig() config.STTConfig {
	return config.STTConfig{
		Enabled:          true,
		Mode:             "mock",
		SampleRate:       16000,
		Channels:         1,
		SilenceThreshold: 0.02,
		SegmentSilenceMS: 200,
		MaxSegmentMS:     10000,
	}
}

func fixedConfig() Config {
	return Config{Locale: "en-US", MaxAlternatives: 1, Continuous: true}
}

type lengthRecognizer struct{ err error }

func (r lengthRecognizer) Transcribe(_ context.Context, pcm []byte, rate, ch int, final bool) (stt.TranscriptResult, error) {
	if r.err != nil {
		return stt.TranscriptResult{}, r.err
	}
	return stt.TranscriptResult{Text: fmt.Sprintf("seg%d", media.BytesDuration(len(pcm), rate, ch).Milliseconds())}, nil
}

func pcm(d time.Duration, amplitude int16) []byte {
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

// feed replays chunks into a source channel and closes it.
func feed(chunks ...[]byte) <-chan media.Frame {
	ch := make(chan media.Frame, len(chunks))
	for i, c := range chunks {
		ch <- media.Frame{Sequence: i, SampleRate: 16000, Channels: 1, PCM: c}
	}
	close(ch)
	return ch
}

func collect(t *testing.T, engine Engine, stopOnSettle bool) []Event {
	t.Helper()
	var events []Event
	var settled <-chan struct{}
	if s, ok := engine.(Settler); ok && stopOnSettle {
		settled = s.Settled()
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-settled:
			settled = nil
			engine.Stop()
		case evt, ok := <-engine.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("engine did not finish, events so far %+v", events)
		}
	}
}

func finals(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == EventResult && e.Final {
			out = append(out, e.Text)
		}
	}
	return out
}

func TestLocalEngineSettlesThenEnds(t *testing.T) {
	provider := NewLocalProvider(lengthRecognizer{}, sttConfig(), newLogger())
	engine, err := provider.NewEngine(fixedConfig())
	if err != nil {
		t.Fatal(err)
	}
	source := feed(pcm(300*time.Millisecond, 8000), pcm(300*time.Millisecond, 0), pcm(100*time.Millisecond, 8000))
	if err := engine.Start(context.Background(), source); err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(context.Background(), source); err == nil {
		t.Fatal("second start must fail")
	}

	events := collect(t, engine, true)
	got := finals(events)
	if len(got) != 2 || got[0] != "seg300" || got[1] != "seg100" {
		t.Fatalf("unexpected finals %v", got)
	}
	if events[len(events)-1].Kind != EventEnd {
		t.Fatalf("expected End last, got %+v", events[len(events)-1])
	}
}

func TestLocalEngineStopFinalizesPending(t *testing.T) {
	provider := NewLocalProvider(lengthRecognizer{}, sttConfig(), newLogger())
	engine, _ := provider.NewEngine(fixedConfig())
	source := make(chan media.Frame, 1)
	source <- media.Frame{SampleRate: 16000, Channels: 1, PCM: pcm(200*time.Millisecond, 8000)}
	if err := engine.Start(context.Background(), source); err != nil {
		t.Fatal(err)
	}
	// let the engine take the frame before stopping
	deadline := time.Now().Add(time.Second)
	for len(source) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	engine.Stop()
	events := collect(t, engine, false)
	if got := finals(events); len(got) != 1 || got[0] != "seg200" {
		t.Fatalf("unexpected finals %v", got)
	}
	if events[len(events)-1].Kind != EventEnd {
		t.Fatal("expected End")
	}
}

func TestLocalEngineReportsRecognizerError(t *testing.T) {
	provider := NewLocalProvider(lengthRecognizer{err: errors.New("model crashed")}, sttConfig(), newLogger())
	engine, _ := provider.NewEngine(fixedConfig())
	_ = engine.Start(context.Background(), feed(pcm(100*time.Millisecond, 8000)))

	events := collect(t, engine, true)
	last := events[len(events)-1]
	if last.Kind != EventError || !errors.Is(last.Err, fault.ErrRecognitionEngine) {
		t.Fatalf("expected engine error, got %+v", last)
	}
}

func TestLocalProviderUnsupported(t *testing.T) {
	provider := NewLocalProvider(nil, sttConfig(), newLogger())
	if err := provider.Available(context.Background()); !errors.Is(err, fault.ErrRecognitionUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
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
	return client
}

func TestBusProviderWithoutService(t *testing.T) {
	client := startBus(t)
	provider := NewBusProvider(client, time.Second, newLogger())
	if err := provider.Available(context.Background()); !errors.Is(err, fault.ErrRecognitionUnsupported) {
		t.Fatalf("expected unsupported without responders, got %v", err)
	}
}

func TestBusEngineRoundTrip(t *testing.T) {
	client := startBus(t)
	svc := stt.NewService(context.Background(), sttConfig(), client, lengthRecognizer{})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	provider := NewBusProvider(client, 2*time.Second, newLogger())
	if err := provider.Available(context.Background()); err != nil {
		t.Fatalf("available: %v", err)
	}
	engine, err := provider.NewEngine(fixedConfig())
	if err != nil {
		t.Fatal(err)
	}
	source := feed(pcm(300*time.Millisecond, 8000), pcm(300*time.Millisecond, 0), pcm(100*time.Millisecond, 8000))
	if err := engine.Start(context.Background(), source); err != nil {
		t.Fatal(err)
	}

	events := collect(t, engine, true)
	got := finals(events)
	if len(got) != 2 || got[0] != "seg300" || got[1] != "seg100" {
		t.Fatalf("unexpected finals %v", got)
	}
	if events[len(events)-1].Kind != EventEnd {
		t.Fatalf("expected End last, got %+v", events[len(events)-1])
	}
}

func TestBusEngineServiceError(t *testing.T) {
	client := startBus(t)
	svc := stt.NewService(context.Background(), sttConfig(), client, lengthRecognizer{err: errors.New("no model")})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	engine, _ := NewBusProvider(client, 2*time.Second, newLogger()).NewEngine(fixedConfig())
	_ = engine.Start(context.Background(), feed(pcm(100*time.Millisecond, 8000)))

	events := collect(t, engine, true)
	last := events[len(events)-1]
	if last.Kind != EventError || !errors.Is(last.Err, fault.ErrRecognitionEngine) {
		t.Fatalf("expected engine error, got %+v", last)
	}
}

func TestBusEngineStopTimesOutWithoutService(t *testing.T) {
	client := startBus(t)
	engine, _ := NewBusProvider(client, 100*time.Millisecond, newLogger()).NewEngine(fixedConfig())
	if err := engine.Start(context.Background(), make(chan media.Frame)); err != nil {
		t.Fatal(err)
	}
	engine.Stop()
	events := collect(t, engine, false)
	last := events[len(events)-1]
	if last.Kind != EventError || !errors.Is(last.Err, fault.ErrRecognitionConnectivity) {
		t.Fatalf("expected connectivity error, got %+v", last)
	}
}
