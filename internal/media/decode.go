package media

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-recorder/internal/fault"
)

// Decoder turns artifact bytes into a sample buffer.
type Decoder interface {
	Decode(ctx context.Context, data []byte, mediaType string) (*audio.IntBuffer, error)
}

type decoder struct{}

// NewDecoder supports raw PCM (audio/pcm;rate=...;channels=...) and WAV.
func NewDecoder() Decoder {
	return decoder{}
}

func (decoder) Decode(ctx context.Context, data []byte, mediaType string) (*audio.IntBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fault.Newf(fault.KindDecodeFailed, "media.decode", "empty payload")
	}
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return nil, fault.New(fault.KindDecodeFailed, "media.decode", err)
	}

	var buf *audio.IntBuffer
	switch strings.ToLower(base) {
	case PCMType:
		rate, channels, perr := ParsePCMMediaType(mediaType)
		if perr != nil {
			return nil, fault.New(fault.KindDecodeFailed, "media.decode", perr)
		}
		buf, err = BufferFromPCM(data, rate, channels)
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		buf, err = decodeWAV(data)
	default:
		return nil, fault.Newf(fault.KindDecodeFailed, "media.decode", "unsupported media type %q", base)
	}
	if err != nil {
		return nil, fault.New(fault.KindDecodeFailed, "media.decode", err)
	}
	if len(buf.Data) == 0 {
		return nil, fault.Newf(fault.KindDecodeFailed, "media.decode", "no samples")
	}
	return buf, nil
}

func decodeWAV(data []byte) (*audio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("wav format missing")
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return buf, nil
}
