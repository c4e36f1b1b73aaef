package capture

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// mockMicrophone synthesizes a speech-like pattern: one second of tone
// followed by half a second of silence.
type mockMicrophone struct {
	sampleRate int
	channels   int
	frame      time.Duration
}

func NewMockMicrophone(cfg config.CaptureConfig) Microphone {
	return &mockMicrophone{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		frame:      time.Duration(cfg.FrameDurationMS) * time.Millisecond,
	}
}

func (m *mockMicrophone) Request(ctx context.Context) (DeviceStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticker := time.NewTicker(m.frame)
	samplesPerFrame := media.FrameBytes(m.sampleRate, m.channels, m.frame) / (2 * m.channels)
	var sample int

	read := func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		out := make([]byte, samplesPerFrame*m.channels*2)
		for i := 0; i < samplesPerFrame; i++ {
			v := toneSample(sample, m.sampleRate)
			for c := 0; c < m.channels; c++ {
				binary.LittleEndian.PutUint16(out[(i*m.channels+c)*2:], uint16(v))
			}
			sample++
		}
		return out, nil
	}
	return startPump(read, func() error {
		ticker.Stop()
		return nil
	}), nil
}

func toneSample(n, sampleRate int) int16 {
	period := sampleRate * 3 / 2
	if n%period >= sampleRate {
		return 0
	}
	return int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(n)/float64(sampleRate)))
}
