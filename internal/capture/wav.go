package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// ErrEndOfFile is the device error once a file-backed device runs dry.
var ErrEndOfFile = errors.New("capture file exhausted")

// wavMicrophone plays a WAV file as if it were a live device, paced at real
// time. Running out of audio looks like the device being unplugged.
type wavMicrophone struct {
	path       string
	sampleRate int
	channels   int
	frame      time.Duration
	realtime   bool
}

func NewWAVMicrophone(cfg config.CaptureConfig) Microphone {
	return &wavMicrophone{
		path:       cfg.File,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		frame:      time.Duration(cfg.FrameDurationMS) * time.Millisecond,
		realtime:   true,
	}
}

func (m *wavMicrophone) Request(ctx context.Context) (DeviceStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fault.New(fault.KindDeviceUnavailable, "capture.wav.open", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fault.Newf(fault.KindDeviceUnavailable, "capture.wav.open", "%s is not a valid wav file", m.path)
	}
	if int(dec.SampleRate) != m.sampleRate || int(dec.NumChans) != m.channels {
		f.Close()
		return nil, fault.Newf(fault.KindDeviceUnavailable, "capture.wav.open",
			"%s is %d Hz/%d ch, capture expects %d Hz/%d ch", m.path, dec.SampleRate, dec.NumChans, m.sampleRate, m.channels)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fault.New(fault.KindDeviceUnavailable, "capture.wav.open", err)
	}

	samples := media.FrameBytes(m.sampleRate, m.channels, m.frame) / 2
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: m.channels, SampleRate: m.sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: int(dec.BitDepth),
	}
	var ticker *time.Ticker
	if m.realtime {
		ticker = time.NewTicker(m.frame)
	}

	read := func(ctx context.Context) ([]byte, error) {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read wav pcm: %w", err)
		}
		if n == 0 {
			return nil, ErrEndOfFile
		}
		return media.PCMFromBuffer(buf, 0, n), nil
	}
	return startPump(read, func() error {
		if ticker != nil {
			ticker.Stop()
		}
		return f.Close()
	}), nil
}
