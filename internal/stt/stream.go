package stt

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// Result is one recognized hypothesis. Final results are never revised.
type Result struct {
	Text       string
	Confidence float64
	Final      bool
	Start      time.Duration
	End        time.Duration
}

// Stream recognizes a continuous audio stream segment by segment. It is not
// safe for concurrent use; callers feed it from one goroutine.
type Stream struct {
	rec          Recognizer
	seg          *Segmenter
	sampleRate   int
	channels     int
	timeout      time.Duration
	interim      bool
	partialEvery int // bytes of new speech between partials
	lastPartial  int
	closed       bool
}

// NewStream starts a recognition stream. Partial results are produced only
// when interim is requested and cfg.PartialEveryMS is positive.
func NewStream(rec Recognizer, cfg config.STTConfig, interim bool) *Stream {
	s := &Stream{
		rec:        rec,
		seg:        NewSegmenter(cfg),
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		timeout:    time.Duration(cfg.TranscribeTimeout) * time.Millisecond,
		interim:    interim && cfg.PartialEveryMS > 0,
	}
	if s.interim {
		s.partialEvery = media.FrameBytes(cfg.SampleRate, cfg.Channels, time.Duration(cfg.PartialEveryMS)*time.Millisecond)
	}
	return s
}

// Write feeds audio and returns the results it produced, in order.
func (s *Stream) Write(ctx context.Context, pcm []byte) ([]Result, error) {
	if s.closed {
		return nil, nil
	}
	var out []Result
	for _, seg := range s.seg.Feed(pcm) {
		res, ok, err := s.recognize(ctx, seg, true)
		if err != nil {
			return out, err
		}
		s.lastPartial = 0
		if ok {
			out = append(out, res)
		}
	}
	if s.interim {
		pending := s.seg.Pending()
		if len(pending)-s.lastPartial >= s.partialEvery {
			s.lastPartial = len(pending)
			res, ok, err := s.recognize(ctx, Segment{PCM: append([]byte(nil), pending...)}, false)
			if err != nil {
				return out, err
			}
			if ok {
				out = append(out, res)
			}
		}
	}
	return out, nil
}

// Close finalizes speech still pending.
func (s *Stream) Close(ctx context.Context) ([]Result, error) {
	if s.closed {
		return nil, nil
	}
	s.closed = true
	seg, ok := s.seg.Flush()
	if !ok {
		return nil, nil
	}
	res, ok, err := s.recognize(ctx, seg, true)
	if err != nil || !ok {
		return nil, err
	}
	return []Result{res}, nil
}

func (s *Stream) recognize(ctx context.Context, seg Segment, final bool) (Result, bool, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	tr, err := s.rec.Transcribe(ctx, seg.PCM, s.sampleRate, s.channels, final)
	if err != nil {
		return Result{}, false, err
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return Result{}, false, nil
	}
	return Result{Text: text, Confidence: tr.Confidence, Final: final, Start: seg.Start, End: seg.End}, true, nil
}
