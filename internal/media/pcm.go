// Package media decodes recorded artifacts into sample buffers and replays
// them through a synthetic audio graph.
package media

import (
	"encoding/binary"
	"fmt"
	"mime"
	"strconv"
	"time"

	"github.com/go-audio/audio"
)

// PCMType is the base media type for raw signed 16-bit little-endian PCM.
const PCMType = "audio/pcm"

// Frame is one slice of replayed or captured audio.
type Frame struct {
	Sequence   int           `json:"sequence"`
	Offset     time.Duration `json:"offset"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	PCM        []byte        `json:"pcm"`
}

// Duration of the frame's audio.
func (f Frame) Duration() time.Duration {
	return BytesDuration(len(f.PCM), f.SampleRate, f.Channels)
}

// PCMMediaType formats the media type tag for raw PCM at the given format.
func PCMMediaType(sampleRate, channels int) string {
	return mime.FormatMediaType(PCMType, map[string]string{
		"rate":     strconv.Itoa(sampleRate),
		"channels": strconv.Itoa(channels),
	})
}

// ParsePCMMediaType extracts the format parameters of a PCM media type.
func ParsePCMMediaType(mediaType string) (sampleRate, channels int, err error) {
	base, params, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return 0, 0, fmt.Errorf("parse media type: %w", err)
	}
	if base != PCMType {
		return 0, 0, fmt.Errorf("media type %q is not %s", base, PCMType)
	}
	sampleRate, err = strconv.Atoi(params["rate"])
	if err != nil || sampleRate <= 0 {
		return 0, 0, fmt.Errorf("invalid rate parameter %q", params["rate"])
	}
	channels = 1
	if v, ok := params["channels"]; ok {
		channels, err = strconv.Atoi(v)
		if err != nil || channels <= 0 {
			return 0, 0, fmt.Errorf("invalid channels parameter %q", v)
		}
	}
	return sampleRate, channels, nil
}

// FrameBytes is the byte size of d worth of s16 audio, aligned to whole
// sample frames.
func FrameBytes(sampleRate, channels int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * channels * 2
}

// BytesDuration converts an s16 byte length into playback time.
func BytesDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// BufferFromPCM wraps s16le bytes as an IntBuffer.
func BufferFromPCM(pcm []byte, sampleRate, channels int) (*audio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// PCMFromBuffer renders samples as s16le, rescaling other bit depths.
func PCMFromBuffer(buf *audio.IntBuffer, from, to int) []byte {
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = 16
	}
	if from < 0 {
		from = 0
	}
	if to > len(buf.Data) {
		to = len(buf.Data)
	}
	if from >= to {
		return nil
	}
	out := make([]byte, (to-from)*2)
	for i, v := range buf.Data[from:to] {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toS16(v, depth)))
	}
	return out
}

func toS16(v, depth int) int16 {
	switch {
	case depth == 8:
		// 8-bit WAV is unsigned
		v = (v - 128) << 8
	case depth > 16:
		v >>= uint(depth - 16)
	case depth < 16:
		v <<= uint(16 - depth)
	}
	if v > 32767 {
		v = 32767
	}
	if v < -32768 {
		v = -32768
	}
	return int16(v)
}
