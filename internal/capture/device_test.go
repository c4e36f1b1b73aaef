package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

func TestPCMEncoderMasksWhilePaused(t *testing.T) {
	enc := NewPCMEncoder()
	enc.Write([]byte{1, 2})
	enc.Pause()
	enc.Write([]byte{9, 9})
	if got := enc.Flush(); string(got) != "\x01\x02" {
		t.Fatalf("unexpected flush %v", got)
	}
	enc.Resume()
	enc.Write([]byte{3})
	if got := enc.Close(); string(got) != "\x03" {
		t.Fatalf("unexpected close %v", got)
	}
	enc.Write([]byte{4})
	if got := enc.Flush(); len(got) != 0 {
		t.Fatalf("closed encoder accepted %v", got)
	}
}

func captureConfig() config.CaptureConfig {
	return config.CaptureConfig{SampleRate: 16000, Channels: 1, FrameDurationMS: 20}
}

func drain(t *testing.T, stream DeviceStream) int {
	t.Helper()
	total := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				return total
			}
			total += len(frame)
		case <-timeout:
			t.Fatal("device never ran dry")
		}
	}
}

func TestWAVMicrophoneRunsDry(t *testing.T) {
	pcm := make([]byte, media.FrameBytes(16000, 1, 100*time.Millisecond))
	buf, err := media.BufferFromPCM(pcm, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := media.WriteWAV(f, buf); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg := captureConfig()
	cfg.File = path
	stream, err := NewWAVMicrophone(cfg).Request(context.Background())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer stream.Close()

	if got := drain(t, stream); got != len(pcm) {
		t.Fatalf("expected %d bytes, got %d", len(pcm), got)
	}
	if !errors.Is(stream.Err(), ErrEndOfFile) {
		t.Fatalf("expected ErrEndOfFile, got %v", stream.Err())
	}
}

func TestWAVMicrophoneRejectsMismatchedFormat(t *testing.T) {
	buf, _ := media.BufferFromPCM(make([]byte, 320), 8000, 1)
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, _ := os.Create(path)
	if err := media.WriteWAV(f, buf); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg := captureConfig()
	cfg.File = path
	_, err := NewWAVMicrophone(cfg).Request(context.Background())
	if !errors.Is(err, fault.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
}

func TestWAVMicrophoneMissingFile(t *testing.T) {
	cfg := captureConfig()
	cfg.File = filepath.Join(t.TempDir(), "absent.wav")
	if _, err := NewWAVMicrophone(cfg).Request(context.Background()); !errors.Is(err, fault.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
}

func TestExecMicrophoneStreamsStdout(t *testing.T) {
	cfg := captureConfig()
	cfg.Command = "head -c 1600 /dev/zero"
	mic, err := NewExecMicrophone(cfg)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := mic.Request(context.Background())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer stream.Close()
	if got := drain(t, stream); got != 1600 {
		t.Fatalf("expected 1600 bytes, got %d", got)
	}
	if stream.Err() == nil {
		t.Fatal("process exit should surface as a device error")
	}
}

func TestExecMicrophoneClassifiesRefusal(t *testing.T) {
	cfg := captureConfig()
	cfg.Command = `sh -c "echo 'audio open error: Permission denied' >&2; exit 1"`
	mic, err := NewExecMicrophone(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mic.Request(context.Background()); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}

	cfg.Command = `sh -c "echo 'no such card' >&2; exit 1"`
	mic, _ = NewExecMicrophone(cfg)
	if _, err := mic.Request(context.Background()); !errors.Is(err, fault.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
}

func TestExecMicrophoneRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecMicrophone(captureConfig()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
