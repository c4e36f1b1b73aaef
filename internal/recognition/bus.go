package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusProvider streams audio to a remote STT service over NATS.
type BusProvider struct {
	client  *bus.Client
	timeout time.Duration
	log     *slog.Logger
}

// NewBusProvider creates a provider; timeout bounds status requests and the
// wait for the service to finish after Stop.
func NewBusProvider(client *bus.Client, timeout time.Duration, log *slog.Logger) *BusProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BusProvider{client: client, timeout: timeout, log: log.With(slog.String("component", "recognition.bus"))}
}

func (p *BusProvider) Available(ctx context.Context) error {
	if !p.client.Healthy() {
		return fault.Newf(fault.KindRecognitionConnectivity, "recognition.bus", "not connected to the bus")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var status protocol.STTStatus
	err := p.client.RequestJSON(ctx, protocol.SubjectSTTStatus, nil, &status)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return fault.Newf(fault.KindRecognitionUnsupported, "recognition.bus", "no stt service is listening")
	case err != nil:
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fault.New(fault.KindRecognitionConnectivity, "recognition.bus", err)
	case !status.Ready:
		return fault.Newf(fault.KindRecognitionUnsupported, "recognition.bus", "stt service not ready")
	}
	return nil
}

func (p *BusProvider) NewEngine(cfg Config) (Engine, error) {
	return &busEngine{
		id:      uuid.NewString(),
		cfg:     cfg,
		client:  p.client,
		timeout: p.timeout,
		log:     p.log,
		events:  make(chan Event, 64),
		settled: make(chan struct{}),
		stop:    make(chan struct{}),
	}, nil
}

type busEngine struct {
	id      string
	cfg     Config
	client  *bus.Client
	timeout time.Duration
	log     *slog.Logger

	events   chan Event
	settled  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
}

// SessionID is the bus session this engine streams under.
func (e *busEngine) SessionID() string { return e.id }

func (e *busEngine) Events() <-chan Event { return e.events }

func (e *busEngine) Settled() <-chan struct{} { return e.settled }

func (e *busEngine) Stop() { e.stopOnce.Do(func() { close(e.stop) }) }

func (e *busEngine) Start(ctx context.Context, source <-chan media.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errAlreadyStarted
	}

	incoming := make(chan *nats.Msg, 64)
	subjects := []string{
		protocol.SubjectTranscriptFinal,
		protocol.SubjectSTTError,
		protocol.SubjectSTTSessionEnd,
	}
	if e.cfg.InterimResults {
		subjects = append(subjects, protocol.SubjectTranscriptPartial)
	}
	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := e.client.Conn().ChanSubscribe(subject, incoming)
		if err != nil {
			unsubscribeAll(subs)
			return fault.New(fault.KindRecognitionConnectivity, "recognition.bus.subscribe", err)
		}
		subs = append(subs, sub)
	}
	// make sure the server has our interest before the first frame goes out
	if err := e.client.Conn().FlushWithContext(ctx); err != nil {
		unsubscribeAll(subs)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.New(fault.KindRecognitionConnectivity, "recognition.bus.subscribe", err)
	}

	e.started = true
	go e.run(ctx, source, incoming, subs)
	return nil
}

func (e *busEngine) run(ctx context.Context, source <-chan media.Frame, incoming <-chan *nats.Msg, subs []*nats.Subscription) {
	defer close(e.events)
	defer unsubscribeAll(subs)

	log := e.log.With(slog.String("session_id", e.id))
	var (
		seq           int
		finalSent     bool
		serviceDone   bool
		stopRequested bool
		stopCh        = e.stop
		deadline      <-chan time.Time
	)

	sendFinal := func() bool {
		if finalSent {
			return true
		}
		finalSent = true
		return e.publish(ctx, log, protocol.AudioFrame{SessionID: e.id, Sequence: seq, Final: true})
	}
	requestStop := func() {
		stopRequested = true
		stopCh = nil
		if deadline == nil {
			deadline = time.After(e.timeout)
		}
	}

	for {
		select {
		case frame, ok := <-source:
			if !ok {
				source = nil
				if !sendFinal() {
					return
				}
				continue
			}
			if finalSent {
				continue
			}
			msg := protocol.AudioFrame{
				SessionID:  e.id,
				Sequence:   seq,
				SampleRate: frame.SampleRate,
				Channels:   frame.Channels,
				PCM:        frame.PCM,
			}
			if seq == 0 {
				msg.Locale = e.cfg.Locale
				msg.Interim = e.cfg.InterimResults
			}
			seq++
			if !e.publish(ctx, log, msg) {
				return
			}

		case <-stopCh:
			requestStop()
			if !sendFinal() {
				return
			}
			if serviceDone {
				emit(ctx, e.events, Event{Kind: EventEnd})
				return
			}

		case msg := <-incoming:
			final, done, ok := e.handle(ctx, log, msg)
			if !ok {
				return
			}
			if done && !serviceDone {
				serviceDone = true
				close(e.settled)
				if stopRequested {
					emit(ctx, e.events, Event{Kind: EventEnd})
					return
				}
			}
			if final && !e.cfg.Continuous && !stopRequested {
				requestStop()
				if !sendFinal() {
					return
				}
			}

		case <-deadline:
			err := fault.Newf(fault.KindRecognitionConnectivity, "recognition.bus", "stt service did not finish within %s", e.timeout)
			log.Warn("recognition session timed out", slog.String("error", err.Error()))
			emit(ctx, e.events, Event{Kind: EventError, Err: err})
			return

		case <-ctx.Done():
			return
		}
	}
}

// handle processes one bus message. final reports a final result was
// delivered, done that the service finished the session; ok is false once
// the engine must stop.
func (e *busEngine) handle(ctx context.Context, log *slog.Logger, msg *nats.Msg) (final, done, ok bool) {
	switch msg.Subject {
	case protocol.SubjectTranscriptFinal, protocol.SubjectTranscriptPartial:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			log.Warn("failed to decode transcript", slog.String("error", err.Error()))
			return false, false, true
		}
		if tr.SessionID != e.id {
			return false, false, true
		}
		evt := Event{Kind: EventResult, Final: !tr.Partial, Text: tr.Text, Confidence: tr.Confidence}
		return evt.Final, false, emit(ctx, e.events, evt)

	case protocol.SubjectSTTError:
		var re protocol.RecognitionError
		if err := json.Unmarshal(msg.Data, &re); err != nil || re.SessionID != e.id {
			return false, false, true
		}
		err := fault.New(fault.KindRecognitionEngine, "recognition.bus", errors.New(re.Error))
		emit(ctx, e.events, Event{Kind: EventError, Err: err})
		return false, false, false

	case protocol.SubjectSTTSessionEnd:
		var end protocol.SessionEnd
		if err := json.Unmarshal(msg.Data, &end); err != nil || end.SessionID != e.id {
			return false, false, true
		}
		return false, true, true
	}
	return false, false, true
}

func (e *busEngine) publish(ctx context.Context, log *slog.Logger, frame protocol.AudioFrame) bool {
	err := e.client.PublishJSON(protocol.AudioFrameSubject(e.id), frame)
	if err == nil {
		return true
	}
	log.Warn("failed to stream audio frame", slog.Int("sequence", frame.Sequence), slog.String("error", err.Error()))
	emit(ctx, e.events, Event{Kind: EventError, Err: fault.New(fault.KindRecognitionConnectivity, "recognition.bus.publish", err)})
	return false
}

func unsubscribeAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
