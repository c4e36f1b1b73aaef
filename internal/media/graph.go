package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-audio/audio"
)

// ErrSinkClosed is returned by writes to a closed sink.
var ErrSinkClosed = errors.New("audio sink closed")

// Sink is the destination of a replay graph.
type Sink interface {
	Write(ctx context.Context, frame Frame) error
	Close() error
}

// CaptureSink is a capture-only destination: nothing is played, frames are
// handed to whoever listens on Frames.
type CaptureSink struct {
	frames chan Frame
	closed chan struct{}
	mu     sync.RWMutex
	once   sync.Once
}

func NewCaptureSink(depth int) *CaptureSink {
	if depth < 0 {
		depth = 0
	}
	return &CaptureSink{
		frames: make(chan Frame, depth),
		closed: make(chan struct{}),
	}
}

// Frames is closed when the sink closes.
func (s *CaptureSink) Frames() <-chan Frame { return s.frames }

func (s *CaptureSink) Write(ctx context.Context, frame Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return ErrSinkClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	case <-s.closed:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CaptureSink) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.frames)
		s.mu.Unlock()
	})
	return nil
}

// GraphOptions tune replay pacing.
type GraphOptions struct {
	FrameDuration time.Duration
	// Realtime paces frames at playback speed; otherwise frames are written
	// as fast as the sink accepts them.
	Realtime bool
}

// Graph replays a decoded buffer into a sink, starting at time 0.
type Graph struct {
	buf  *audio.IntBuffer
	sink Sink
	opts GraphOptions

	mu      sync.Mutex
	started bool
	err     error
	cancel  context.CancelFunc

	ended     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewGraph(buf *audio.IntBuffer, sink Sink, opts GraphOptions) *Graph {
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	return &Graph{
		buf:   buf,
		sink:  sink,
		opts:  opts,
		ended: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Duration of the buffered audio.
func (g *Graph) Duration() time.Duration {
	return BufferDuration(g.buf)
}

// BufferDuration is the playback length of buf.
func BufferDuration(buf *audio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return 0
	}
	frames := len(buf.Data) / buf.Format.NumChannels
	return time.Duration(frames) * time.Second / time.Duration(buf.Format.SampleRate)
}

// Start begins replay. It may be called once.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("audio graph already started")
	}
	if g.buf == nil || g.buf.Format == nil {
		return errors.New("audio graph has no buffer")
	}
	g.started = true
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.run(ctx)
	return nil
}

// Ended is closed once the last frame has been written to the sink.
func (g *Graph) Ended() <-chan struct{} { return g.ended }

// Err reports why replay stopped early, if it did.
func (g *Graph) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Close stops replay and closes the sink. Safe to call repeatedly.
func (g *Graph) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.mu.Lock()
		started := g.started
		cancel := g.cancel
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-g.done
		}
		err = g.sink.Close()
	})
	return err
}

func (g *Graph) run(ctx context.Context) {
	defer close(g.done)

	rate := g.buf.Format.SampleRate
	channels := g.buf.Format.NumChannels
	step := int(int64(rate)*int64(g.opts.FrameDuration)/int64(time.Second)) * channels
	if step < channels {
		step = channels
	}

	var ticker *time.Ticker
	if g.opts.Realtime {
		ticker = time.NewTicker(g.opts.FrameDuration)
		defer ticker.Stop()
	}

	seq := 0
	for from := 0; from < len(g.buf.Data); from += step {
		if ticker != nil && seq > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				g.fail(ctx.Err())
				return
			}
		}
		frame := Frame{
			Sequence:   seq,
			Offset:     time.Duration(from/channels) * time.Second / time.Duration(rate),
			SampleRate: rate,
			Channels:   channels,
			PCM:        PCMFromBuffer(g.buf, from, from+step),
		}
		if err := g.sink.Write(ctx, frame); err != nil {
			g.fail(err)
			return
		}
		seq++
	}
	close(g.ended)
}

func (g *Graph) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}
