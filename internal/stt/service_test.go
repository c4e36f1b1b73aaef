package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceTranscribesSession(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), testConfig(), client, &scriptedRecognizer{})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	finals := make(chan *nats.Msg, 8)
	ends := make(chan *nats.Msg, 1)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectSTTSessionEnd, ends); err != nil {
		t.Fatal(err)
	}

	send := func(frame protocol.AudioFrame) {
		if err := client.PublishJSON(protocol.AudioFrameSubject(frame.SessionID), frame); err != nil {
			t.Fatal(err)
		}
	}
	send(protocol.AudioFrame{SessionID: "run-1", Sequence: 0, SampleRate: 16000, Channels: 1, PCM: concat(tone(200*time.Millisecond), silence(250*time.Millisecond))})
	send(protocol.AudioFrame{SessionID: "run-1", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: tone(100 * time.Millisecond)})
	send(protocol.AudioFrame{SessionID: "run-1", Sequence: 2, Final: true})

	var texts []string
	timeout := time.After(5 * time.Second)
	for len(texts) < 2 {
		select {
		case msg := <-finals:
			var tr protocol.Transcript
			if err := json.Unmarshal(msg.Data, &tr); err != nil {
				t.Fatal(err)
			}
			if tr.SessionID != "run-1" || tr.Partial {
				t.Fatalf("unexpected transcript %+v", tr)
			}
			texts = append(texts, tr.Text)
		case <-timeout:
			t.Fatalf("timed out, got %v", texts)
		}
	}
	if texts[0] != "final-200" || texts[1] != "final-100" {
		t.Fatalf("unexpected transcripts %v", texts)
	}

	select {
	case msg := <-ends:
		var end protocol.SessionEnd
		_ = json.Unmarshal(msg.Data, &end)
		if end.SessionID != "run-1" || end.Segments != 2 {
			t.Fatalf("unexpected session end %+v", end)
		}
	case <-timeout:
		t.Fatal("no session end")
	}
}

func TestServicePublishesErrors(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), testConfig(), client, &scriptedRecognizer{err: errors.New("model missing")})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	errs := make(chan *nats.Msg, 1)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectSTTError, errs); err != nil {
		t.Fatal(err)
	}
	_ = client.PublishJSON(protocol.AudioFrameSubject("run-2"), protocol.AudioFrame{SessionID: "run-2", SampleRate: 16000, Channels: 1, PCM: tone(100 * time.Millisecond), Final: true})

	select {
	case msg := <-errs:
		var re protocol.RecognitionError
		_ = json.Unmarshal(msg.Data, &re)
		if re.SessionID != "run-2" || re.Error == "" {
			t.Fatalf("unexpected error message %+v", re)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error published")
	}
}

func TestServiceAnswersStatus(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), testConfig(), client, NewMockRecognizer())
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var status protocol.STTStatus
	if err := client.RequestJSON(ctx, protocol.SubjectSTTStatus, nil, &status); err != nil {
		t.Fatal(err)
	}
	if !status.Ready || status.Mode != "mock" {
		t.Fatalf("unexpected status %+v", status)
	}
	if !svc.Healthy() {
		t.Fatal("service should report healthy")
	}
}
