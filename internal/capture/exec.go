package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/mattn/go-shellwords"
)

// execMicrophone reads raw s16le PCM from the stdout of a capture command
// such as `arecord -q -t raw -f S16_LE -r {sample_rate} -c {channels}`.
type execMicrophone struct {
	cmd        []string
	frameBytes int
}

func NewExecMicrophone(cfg config.CaptureConfig) (Microphone, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	replacer := strings.NewReplacer(
		"{sample_rate}", strconv.Itoa(cfg.SampleRate),
		"{channels}", strconv.Itoa(cfg.Channels),
	)
	for i := range args {
		args[i] = replacer.Replace(args[i])
	}
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	return &execMicrophone{cmd: args, frameBytes: media.FrameBytes(cfg.SampleRate, cfg.Channels, frame)}, nil
}

// lockedBuffer collects stderr while the process runs.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (m *execMicrophone) Request(ctx context.Context) (DeviceStream, error) {
	command := exec.Command(m.cmd[0], m.cmd[1:]...)
	stderr := &lockedBuffer{}
	command.Stderr = stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fault.New(fault.KindDeviceUnavailable, "capture.exec", err)
	}
	if err := command.Start(); err != nil {
		return nil, fault.New(fault.KindDeviceUnavailable, "capture.exec", err)
	}

	var waitOnce sync.Once
	var waitErr error
	wait := func() error {
		waitOnce.Do(func() { waitErr = command.Wait() })
		return waitErr
	}
	kill := func() error {
		if command.Process != nil {
			_ = command.Process.Kill()
		}
		_ = wait()
		return nil
	}

	// The first frame doubles as the permission grant: tools that cannot
	// open the device exit before producing audio.
	first := make(chan []byte, 1)
	firstErr := make(chan error, 1)
	go func() {
		buf := make([]byte, m.frameBytes)
		n, err := io.ReadFull(stdout, buf)
		if err != nil && n == 0 {
			firstErr <- err
			return
		}
		first <- buf[:n]
	}()

	var head []byte
	select {
	case head = <-first:
	case err := <-firstErr:
		_ = wait()
		return nil, classifyExecFailure(err, stderr.String())
	case <-ctx.Done():
		_ = kill()
		return nil, ctx.Err()
	}

	read := func(ctx context.Context) ([]byte, error) {
		if head != nil {
			out := head
			head = nil
			return out, nil
		}
		buf := make([]byte, m.frameBytes)
		n, err := io.ReadFull(stdout, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				werr := wait()
				return buf[:n], fmt.Errorf("capture process exited: %v: %s", werr, strings.TrimSpace(stderr.String()))
			}
			return buf[:n], err
		}
		return buf, nil
	}
	return startPump(read, kill), nil
}

func classifyExecFailure(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	cause := fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr))
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed") {
		return fault.New(fault.KindPermissionDenied, "capture.exec", cause)
	}
	return fault.New(fault.KindDeviceUnavailable, "capture.exec", cause)
}
