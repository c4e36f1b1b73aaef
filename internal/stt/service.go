package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	sessionQueueDepth  = 256
	sessionIdleTimeout = time.Minute
)

// Service recognizes audio sessions streamed over the bus. Each session is
// handled by its own goroutine so frames are recognized in arrival order.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	frames chan protocol.AudioFrame
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	status, err := s.bus.Conn().Subscribe(protocol.SubjectSTTStatus, s.handleStatus)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe stt status: %w", err)
	}
	s.subs = []*nats.Subscription{frames, status}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("stt service listening", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleStatus(msg *nats.Msg) {
	s.mu.Lock()
	status := protocol.STTStatus{
		Ready:    s.ready,
		Mode:     s.cfg.Mode,
		Language: s.cfg.Language,
		Sessions: len(s.sessions),
	}
	s.mu.Unlock()
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Warn("failed to marshal stt status", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to answer stt status", slogError(err))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{frames: make(chan protocol.AudioFrame, sessionQueueDepth)}
		s.sessions[frame.SessionID] = state
		s.wg.Add(1)
		go s.runSession(frame.SessionID, frame.Interim, state)
	}
	s.mu.Unlock()

	select {
	case state.frames <- frame:
	case <-s.ctx.Done():
	}
}

func (s *Service) runSession(sessionID string, interim bool, state *sessionState) {
	defer s.wg.Done()
	defer s.dropSession(sessionID)

	log := s.log.With(slog.String("session_id", sessionID))
	stream := NewStream(s.recognizer, s.cfg, interim && s.cfg.PublishInterim)
	idle := time.NewTimer(sessionIdleTimeout)
	defer idle.Stop()

	segments := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-idle.C:
			log.Warn("stt session abandoned without final frame")
			return
		case frame := <-state.frames:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(sessionIdleTimeout)

			if len(frame.PCM) > 0 {
				results, err := stream.Write(s.ctx, frame.PCM)
				segments += s.publishResults(sessionID, results)
				if err != nil {
					s.fail(log, sessionID, err)
					return
				}
			}
			if !frame.Final {
				continue
			}
			results, err := stream.Close(s.ctx)
			segments += s.publishResults(sessionID, results)
			if err != nil {
				s.fail(log, sessionID, err)
				return
			}
			s.publish(protocol.SubjectSTTSessionEnd, protocol.SessionEnd{
				SessionID: sessionID,
				Segments:  segments,
				Timestamp: time.Now().UTC(),
			})
			log.Info("stt session finished", slog.Int("segments", segments))
			return
		}
	}
}

func (s *Service) dropSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Service) fail(log *slog.Logger, sessionID string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	log.Warn("stt transcription failed", slogError(err))
	s.publish(protocol.SubjectSTTError, protocol.RecognitionError{
		SessionID: sessionID,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishResults(sessionID string, results []Result) int {
	finals := 0
	for _, r := range results {
		subject := protocol.SubjectTranscriptPartial
		if r.Final {
			subject = protocol.SubjectTranscriptFinal
			finals++
		}
		s.publish(subject, protocol.Transcript{
			SessionID:  sessionID,
			Text:       r.Text,
			Partial:    !r.Final,
			Timestamp:  time.Now().UTC(),
			Confidence: r.Confidence,
			StartMS:    r.Start.Milliseconds(),
			EndMS:      r.End.Milliseconds(),
		})
	}
	return finals
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
