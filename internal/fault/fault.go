// Package fault defines the failure taxonomy shared by capture and
// transcription, and the single user-facing message each kind maps to.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal failure.
type Kind string

const (
	KindPermissionDenied        Kind = "permission_denied"
	KindDeviceUnavailable       Kind = "device_unavailable"
	KindDeviceLost              Kind = "device_lost"
	KindArtifactMissing         Kind = "artifact_missing"
	KindDecodeFailed            Kind = "decode_failed"
	KindRecognitionUnsupported  Kind = "recognition_unsupported"
	KindRecognitionConnectivity Kind = "recognition_connectivity"
	KindRecognitionEngine       Kind = "recognition_engine_error"
	KindNothingRecognized       Kind = "nothing_recognized"
	KindCanceled                Kind = "canceled"
	KindTimeout                 Kind = "timeout"
)

// Capture reports whether the kind belongs to the capture stage.
func (k Kind) Capture() bool {
	switch k {
	case KindPermissionDenied, KindDeviceUnavailable, KindDeviceLost:
		return true
	}
	return false
}

// Retryable reports whether retrying the same operation is likely to help.
func (k Kind) Retryable() bool {
	switch k {
	case KindRecognitionConnectivity, KindTimeout, KindCanceled, KindNothingRecognized:
		return true
	}
	return false
}

// Error carries a Kind together with the operation and underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable       = &Error{Kind: KindDeviceUnavailable}
	ErrDeviceLost              = &Error{Kind: KindDeviceLost}
	ErrArtifactMissing         = &Error{Kind: KindArtifactMissing}
	ErrDecodeFailed            = &Error{Kind: KindDecodeFailed}
	ErrRecognitionUnsupported  = &Error{Kind: KindRecognitionUnsupported}
	ErrRecognitionConnectivity = &Error{Kind: KindRecognitionConnectivity}
	ErrRecognitionEngine       = &Error{Kind: KindRecognitionEngine}
	ErrCanceled                = &Error{Kind: KindCanceled}
	ErrTimeout                 = &Error{Kind: KindTimeout}
)

// New wraps err with kind. A nil err is allowed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Message returns the user-facing text for kind. detail is used only by
// kinds that surface the engine's own reason.
func Message(kind Kind, detail string) string {
	switch kind {
	case KindPermissionDenied:
		return "Unable to access microphone. Please ensure you have granted permission."
	case KindDeviceUnavailable:
		return "No microphone is available. Please connect a microphone and try again."
	case KindDeviceLost:
		return "The microphone was disconnected during recording. The recording was discarded."
	case KindArtifactMissing:
		return "The recording is no longer available. Please record again."
	case KindDecodeFailed:
		return "Error processing audio for speech recognition. Please try again."
	case KindRecognitionUnsupported:
		return "Speech recognition is not available on this host."
	case KindRecognitionConnectivity:
		return "Network error occurred. Please check your internet connection and try again."
	case KindRecognitionEngine:
		if detail == "" {
			detail = "unknown"
		}
		return "Speech recognition error: " + detail
	case KindNothingRecognized:
		return "No speech was recognized. Please try again."
	case KindCanceled:
		return "Speech recognition was canceled."
	case KindTimeout:
		return "Speech recognition timed out. Please try again."
	default:
		return "Unexpected error: " + string(kind)
	}
}

// Describe renders err as a user-facing message.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	kind, ok := KindOf(err)
	if !ok {
		return "Unexpected error: " + err.Error()
	}
	detail := ""
	var fe *Error
	if errors.As(err, &fe) && fe.Err != nil {
		detail = fe.Err.Error()
	}
	return Message(kind, detail)
}
