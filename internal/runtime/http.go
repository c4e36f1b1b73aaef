package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/controller"
	"github.com/loqalabs/loqa-recorder/internal/fault"
	"github.com/loqalabs/loqa-recorder/internal/transcribe"
)

type errorBody struct {
	Error   string     `json:"error"`
	Kind    fault.Kind `json:"kind,omitempty"`
	Message string     `json:"message,omitempty"`
}

type captureBody struct {
	State    capture.State      `json:"state"`
	Session  string             `json:"session_id,omitempty"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
}

type runBody struct {
	RunID  string            `json:"run_id"`
	Handle artifact.Handle   `json:"handle,omitempty"`
	Status transcribe.Status `json:"status"`
}

// Handler serves the recorder intents, status and probes.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("POST /v1/capture/toggle", r.handleToggle)
	mux.HandleFunc("POST /v1/capture/stop", r.handleStop)
	mux.HandleFunc("GET /v1/artifact", r.handleArtifact)
	mux.HandleFunc("POST /v1/transcribe", r.handleTranscribe)
	mux.HandleFunc("DELETE /v1/transcribe", r.handleCancel)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/history", r.handleHistory)
	return mux
}

func (r *Runtime) handleToggle(w http.ResponseWriter, req *http.Request) {
	state, err := r.ctrl.Toggle(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureBody{State: state, Session: r.ctrl.Snapshot().SessionID})
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	res, err := r.ctrl.Stop(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureBody{State: capture.StateStopped, Session: res.SessionID, Artifact: res.Artifact})
}

func (r *Runtime) handleArtifact(w http.ResponseWriter, req *http.Request) {
	dl, err := r.ctrl.Download(req.Context(), req.URL.Query().Get("format"))
	if err != nil {
		r.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", dl.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

func (r *Runtime) handleTranscribe(w http.ResponseWriter, _ *http.Request) {
	run, err := r.ctrl.Transcribe()
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runBody{RunID: run.ID(), Handle: run.Handle(), Status: run.Status()})
}

func (r *Runtime) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if err := r.ctrl.Cancel(); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.ctrl.Snapshot())
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	history, err := r.ctrl.History(req.Context(), limit)
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	if kind, ok := fault.KindOf(err); ok {
		body.Kind = kind
		body.Message = fault.Describe(err)
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, controller.ErrClosed), errors.Is(err, capture.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrRecording),
		errors.Is(err, controller.ErrNoRun),
		errors.Is(err, capture.ErrNotActive),
		errors.Is(err, transcribe.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, controller.ErrUnknownFormat):
		return http.StatusBadRequest
	}
	kind, ok := fault.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case fault.KindArtifactMissing:
		return http.StatusNotFound
	case fault.KindPermissionDenied:
		return http.StatusForbidden
	case fault.KindDeviceUnavailable, fault.KindRecognitionUnsupported:
		return http.StatusServiceUnavailable
	case fault.KindDecodeFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
