package capture

// Encoder turns device frames into fragments. The session loop is its only
// caller, so implementations need no locking.
type Encoder interface {
	// Write feeds one device frame. Frames written while paused are dropped.
	Write(frame []byte)
	// Flush returns everything encoded since the previous flush.
	Flush() []byte
	Pause()
	Resume()
	// Close finalizes the encoder and returns any trailing bytes.
	Close() []byte
}

// PCMEncoder passes raw s16le frames through unchanged.
type PCMEncoder struct {
	pending []byte
	paused  bool
	closed  bool
}

func NewPCMEncoder() Encoder {
	return &PCMEncoder{}
}

func (e *PCMEncoder) Write(frame []byte) {
	if e.paused || e.closed || len(frame) == 0 {
		return
	}
	e.pending = append(e.pending, frame...)
}

func (e *PCMEncoder) Flush() []byte {
	out := e.pending
	e.pending = nil
	return out
}

func (e *PCMEncoder) Pause()  { e.paused = true }
func (e *PCMEncoder) Resume() { e.paused = false }

func (e *PCMEncoder) Close() []byte {
	e.closed = true
	return e.Flush()
}
