package protocol

import "time"

// AudioFrame carries replayed PCM from a transcription run to the STT service.
// The first frame of a session also carries its recognition settings.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Locale     string `json:"locale,omitempty"`
	Interim    bool   `json:"interim,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	StartMS    int64     `json:"start_ms,omitempty"`
	EndMS      int64     `json:"end_ms,omitempty"`
}

// RecognitionError reports a failed recognition session.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEnd is published once every final transcript of a session is out.
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	Segments  int       `json:"segments"`
	Timestamp time.Time `json:"timestamp"`
}

// STTStatus answers requests on SubjectSTTStatus.
type STTStatus struct {
	Ready    bool   `json:"ready"`
	Mode     string `json:"mode"`
	Language string `json:"language,omitempty"`
	Sessions int    `json:"sessions"`
}

// RecorderView is the published snapshot of the recorder for view layers.
type RecorderView struct {
	CaptureState string          `json:"capture_state"`
	SessionID    string          `json:"session_id,omitempty"`
	RunStatus    string          `json:"run_status"`
	RunID        string          `json:"run_id,omitempty"`
	Artifact     *ArtifactRef    `json:"artifact,omitempty"`
	Transcript   string          `json:"transcript"`
	Hypothesis   string          `json:"hypothesis,omitempty"`
	Message      string          `json:"message,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Controls     ControlsEnabled `json:"controls"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ArtifactRef describes the current recording without its bytes.
type ArtifactRef struct {
	Handle    string    `json:"handle"`
	MediaType string    `json:"media_type"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ControlsEnabled mirrors which intents the view should offer.
type ControlsEnabled struct {
	Record     bool `json:"record"`
	Stop       bool `json:"stop"`
	Download   bool `json:"download"`
	Transcribe bool `json:"transcribe"`
	Cancel     bool `json:"cancel"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSTTError          = "stt.error"
	SubjectSTTSessionEnd     = "stt.session.end"
	SubjectSTTStatus         = "stt.status"
	SubjectRecorderView      = "recorder.view"
)

// AudioFrameSubject is the subject frames of one session are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
