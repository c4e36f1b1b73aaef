package media

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVType is the media type of exported WAV files.
const WAVType = "audio/wav"

// WriteWAV encodes buf as 16-bit PCM WAV.
func WriteWAV(w io.WriteSeeker, buf *audio.IntBuffer) error {
	if buf == nil || buf.Format == nil {
		return fmt.Errorf("wav export: missing format")
	}
	out := buf
	if buf.SourceBitDepth != 0 && buf.SourceBitDepth != 16 {
		pcm := PCMFromBuffer(buf, 0, len(buf.Data))
		converted, err := BufferFromPCM(pcm, buf.Format.SampleRate, buf.Format.NumChannels)
		if err != nil {
			return err
		}
		out = converted
	}
	enc := wav.NewEncoder(w, out.Format.SampleRate, 16, out.Format.NumChannels, 1)
	if err := enc.Write(out); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
