package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-recorder/internal/media"
)

type mockRecognizer struct{}

// NewMockRecognizer describes each segment instead of transcribing it.
// Silent audio yields no text.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if Level(pcm) < 1e-4 {
		return TranscriptResult{}, nil
	}
	mode := "partial"
	if final {
		mode = "final"
	}
	d := media.BytesDuration(len(pcm), sampleRate, channels)
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s speech %.2fs]", mode, d.Seconds()),
		Confidence: 0,
	}, nil
}
