package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-recorder/internal/fault"
)

// Microphone grants access to a live audio device.
type Microphone interface {
	// Request blocks until access is granted or refused. Failures carry
	// fault.KindPermissionDenied or fault.KindDeviceUnavailable.
	Request(ctx context.Context) (DeviceStream, error)
}

// DeviceStream is an open device. Frames is closed when the device stops
// producing audio; Err then explains why.
type DeviceStream interface {
	Frames() <-chan []byte
	Err() error
	Close() error
}

// releaser makes Close run exactly once for a stream.
type releaser struct {
	DeviceStream
	once sync.Once
	err  error
}

func (r *releaser) Close() error {
	r.once.Do(func() { r.err = r.DeviceStream.Close() })
	return r.err
}

// pumpStream adapts a blocking read function into a DeviceStream.
type pumpStream struct {
	frames  chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	closeFn func() error

	mu  sync.Mutex
	err error
}

func startPump(read func(ctx context.Context) ([]byte, error), closeFn func() error) *pumpStream {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pumpStream{
		frames:  make(chan []byte, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
	go p.run(ctx, read)
	return p
}

func (p *pumpStream) run(ctx context.Context, read func(ctx context.Context) ([]byte, error)) {
	defer close(p.done)
	defer close(p.frames)
	for {
		data, err := read(ctx)
		if len(data) > 0 {
			select {
			case p.frames <- data:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
			}
			return
		}
	}
}

func (p *pumpStream) Frames() <-chan []byte { return p.frames }

func (p *pumpStream) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pumpStream) Close() error {
	p.cancel()
	var err error
	if p.closeFn != nil {
		err = p.closeFn()
	}
	<-p.done
	return err
}

// asCaptureFault keeps capture kinds and classifies anything else as an
// unavailable device.
func asCaptureFault(err error) error {
	if kind, ok := fault.KindOf(err); ok && kind.Capture() {
		return err
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fault.New(fault.KindDeviceUnavailable, fe.Op, err)
	}
	return fault.New(fault.KindDeviceUnavailable, "capture.request", err)
}
