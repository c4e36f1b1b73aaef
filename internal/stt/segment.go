package stt

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

const analysisWindow = 10 * time.Millisecond

// Segment is one stretch of speech cut out of a continuous stream.
type Segment struct {
	PCM   []byte
	Start time.Duration
	End   time.Duration
}

// Segmenter splits s16le audio into utterances on silence gaps. It keeps
// leading silence out of segments and trims the trailing gap that ended one.
type Segmenter struct {
	sampleRate int
	channels   int
	threshold  float64
	gap        time.Duration
	max        time.Duration
	window     int

	carry  []byte
	speech []byte
	tail   int // bytes of trailing silence inside speech
	start  time.Duration
	pos    time.Duration
}

func NewSegmenter(cfg config.STTConfig) *Segmenter {
	return &Segmenter{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		threshold:  cfg.SilenceThreshold,
		gap:        time.Duration(cfg.SegmentSilenceMS) * time.Millisecond,
		max:        time.Duration(cfg.MaxSegmentMS) * time.Millisecond,
		window:     media.FrameBytes(cfg.SampleRate, cfg.Channels, analysisWindow),
	}
}

// Feed consumes audio and returns every segment it completed.
func (s *Segmenter) Feed(pcm []byte) []Segment {
	data := append(s.carry, pcm...)
	var out []Segment
	for len(data) >= s.window {
		if seg, ok := s.step(data[:s.window]); ok {
			out = append(out, seg)
		}
		data = data[s.window:]
	}
	s.carry = append([]byte(nil), data...)
	return out
}

// Flush returns speech still pending at end of stream.
func (s *Segmenter) Flush() (Segment, bool) {
	if len(s.carry) > 0 && Level(s.carry) >= s.threshold {
		s.appendSpeech(s.carry, true)
	} else if len(s.speech) > 0 {
		s.speech = append(s.speech, s.carry...)
		s.tail += len(s.carry)
	}
	s.pos += media.BytesDuration(len(s.carry), s.sampleRate, s.channels)
	s.carry = nil
	return s.cut()
}

// Pending is the speech accumulated for the segment in progress.
func (s *Segmenter) Pending() []byte {
	return s.speech[:len(s.speech)-s.tail]
}

func (s *Segmenter) step(win []byte) (Segment, bool) {
	voiced := Level(win) >= s.threshold
	defer func() { s.pos += analysisWindow }()

	if len(s.speech) == 0 {
		if !voiced {
			return Segment{}, false
		}
		s.start = s.pos
	}
	s.appendSpeech(win, voiced)

	if s.gap > 0 && s.tail > 0 && media.BytesDuration(s.tail, s.sampleRate, s.channels) >= s.gap {
		return s.cutAt(s.pos + analysisWindow)
	}
	if s.max > 0 && media.BytesDuration(len(s.speech), s.sampleRate, s.channels) >= s.max {
		return s.cutAt(s.pos + analysisWindow)
	}
	return Segment{}, false
}

func (s *Segmenter) appendSpeech(win []byte, voiced bool) {
	s.speech = append(s.speech, win...)
	if voiced {
		s.tail = 0
	} else {
		s.tail += len(win)
	}
}

func (s *Segmenter) cut() (Segment, bool) {
	return s.cutAt(s.pos)
}

func (s *Segmenter) cutAt(now time.Duration) (Segment, bool) {
	body := s.Pending()
	tailDur := media.BytesDuration(s.tail, s.sampleRate, s.channels)
	seg := Segment{
		PCM:   append([]byte(nil), body...),
		Start: s.start,
		End:   now - tailDur,
	}
	s.speech = nil
	s.tail = 0
	if len(seg.PCM) == 0 {
		return Segment{}, false
	}
	return seg, true
}

// Level is the RMS of s16le samples normalized to [0,1].
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
