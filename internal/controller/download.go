package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// Download formats.
const (
	FormatRaw = "raw"
	FormatWAV = "wav"
)

// ErrUnknownFormat is returned for download formats other than raw and wav.
var ErrUnknownFormat = errors.New("unknown download format")

// Download is a recording ready to be saved by the user.
type Download struct {
	Name      string
	MediaType string
	Data      []byte
}

// Download returns the current artifact as raw bytes or as a WAV file, named
// recording_<timestamp>.<ext>.
func (c *Controller) Download(ctx context.Context, format string) (Download, error) {
	if c.session.State().Active() {
		return Download{}, ErrRecording
	}
	art, ok := c.store.Current()
	if !ok {
		return Download{}, fault.Newf(fault.KindArtifactMissing, "download", "nothing recorded")
	}
	_, data, err := c.store.Resolve(art.Handle)
	if err != nil {
		return Download{}, err
	}

	out := Download{MediaType: art.MediaType, Data: data}
	switch strings.ToLower(format) {
	case "", FormatRaw:
	case FormatWAV:
		if extension(art.MediaType) != "wav" {
			wav, err := c.toWAV(ctx, data, art.MediaType)
			if err != nil {
				return Download{}, err
			}
			out.Data = wav
			out.MediaType = media.WAVType
		}
	default:
		return Download{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	out.Name = "recording_" + c.clock().UTC().Format(time.RFC3339) + "." + extension(out.MediaType)
	return out, nil
}

func (c *Controller) toWAV(ctx context.Context, data []byte, mediaType string) ([]byte, error) {
	buf, err := c.decoder.Decode(ctx, data, mediaType)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp("", "loqa_recorder_export_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := media.WriteWAV(file, buf); err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	return io.ReadAll(file)
}

func extension(mediaType string) string {
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "bin"
	}
	switch strings.ToLower(base) {
	case media.PCMType:
		return "pcm"
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return "wav"
	}
	if i := strings.IndexByte(base, '/'); i >= 0 && i < len(base)-1 {
		return base[i+1:]
	}
	return "bin"
}
