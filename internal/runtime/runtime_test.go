package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/fault"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Capture.FrameDurationMS = 10
	cfg.Transcription.RealtimeReplay = false
	cfg.Bus.StoreDir = t.TempDir()
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, newLogger())
	if err := rt.build(ctx); err != nil {
		cancel()
		rt.teardown()
		t.Fatalf("build: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rt.teardown()
	})
	return rt, srv
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

type statusView struct {
	CaptureState string `json:"capture_state"`
	RunStatus    string `json:"run_status"`
	Transcript   string `json:"transcript"`
	Message      string `json:"message"`
	Controls     struct {
		Download   bool `json:"download"`
		Transcribe bool `json:"transcribe"`
	} `json:"controls"`
}

func waitForRun(t *testing.T, base string) statusView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := do(t, http.MethodGet, base+"/v1/status")
		expectStatus(t, resp, body, http.StatusOK)
		var view statusView
		if err := json.Unmarshal(body, &view); err != nil {
			t.Fatal(err)
		}
		if view.RunStatus == "completed" || view.RunStatus == "errored" {
			return view
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run did not finish")
	return statusView{}
}

func recordAndTranscribe(t *testing.T, base string) statusView {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/v1/capture/toggle")
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte(`"state":"recording"`)) {
		t.Fatalf("unexpected toggle body %s", body)
	}

	resp, body = do(t, http.MethodPost, base+"/v1/transcribe")
	expectStatus(t, resp, body, http.StatusConflict)

	time.Sleep(200 * time.Millisecond)
	resp, body = do(t, http.MethodPost, base+"/v1/capture/stop")
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte(`"handle":"blob:loqa-recorder/`)) {
		t.Fatalf("stop did not publish an artifact: %s", body)
	}

	resp, body = do(t, http.MethodPost, base+"/v1/transcribe")
	expectStatus(t, resp, body, http.StatusAccepted)
	return waitForRun(t, base)
}

func TestHTTPRecordDownloadTranscribe(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/artifact")
	expectStatus(t, resp, body, http.StatusNotFound)
	if !bytes.Contains(body, []byte(string(fault.KindArtifactMissing))) {
		t.Fatalf("expected artifact_missing kind, got %s", body)
	}

	view := recordAndTranscribe(t, srv.URL)
	if view.RunStatus != "completed" {
		t.Fatalf("unexpected outcome %+v", view)
	}
	if !view.Controls.Download || !view.Controls.Transcribe {
		t.Fatalf("unexpected controls %+v", view.Controls)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/artifact?format=wav")
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("Content-Type") != "audio/wav" || !bytes.HasPrefix(body, []byte("RIFF")) {
		t.Fatalf("unexpected wav download %q", resp.Header.Get("Content-Type"))
	}
	disposition := resp.Header.Get("Content-Disposition")
	if !strings.Contains(disposition, `filename="recording_`) || !strings.HasSuffix(disposition, `.wav"`) {
		t.Fatalf("unexpected disposition %q", disposition)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/artifact?format=ogg")
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = do(t, http.MethodDelete, srv.URL+"/v1/transcribe")
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/capture/stop")
	expectStatus(t, resp, body, http.StatusConflict)
}

func TestHTTPTranscribeOverBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Recognition.Mode = "bus"
	_, srv := startRuntime(t, cfg)

	resp, body := do(t, http.MethodGet, srv.URL+"/readyz")
	expectStatus(t, resp, body, http.StatusOK)

	view := recordAndTranscribe(t, srv.URL)
	if view.RunStatus != "completed" {
		t.Fatalf("unexpected outcome %+v", view)
	}
}

func TestProbes(t *testing.T) {
	rt, srv := startRuntime(t, testConfig(t))

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz")
	expectStatus(t, resp, body, http.StatusOK)

	rt.ready.Store(false)
	resp, body = do(t, http.MethodGet, srv.URL+"/readyz")
	expectStatus(t, resp, body, http.StatusServiceUnavailable)
}

func startAndWait(t *testing.T, rt *Runtime) error {
	t.Helper()
	errs := make(chan error, 1)
	go func() { errs <- rt.Start(context.Background()) }()
	select {
	case err := <-errs:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func TestStartFailsWhenAddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	takenAddr := taken.Addr().(*net.TCPAddr)

	t.Run("http", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.HTTP.Bind = "127.0.0.1"
		cfg.HTTP.Port = takenAddr.Port
		cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
		rt := New(cfg, newLogger())

		err := startAndWait(t, rt)
		if err == nil || !strings.Contains(err.Error(), "failed to listen for http") {
			t.Fatalf("expected listen failure, got %v", err)
		}
		if rt.ready.Load() {
			t.Fatal("runtime must not report ready")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		free, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		port := free.Addr().(*net.TCPAddr).Port
		free.Close()

		cfg := testConfig(t)
		cfg.HTTP.Bind = "127.0.0.1"
		cfg.HTTP.Port = port
		cfg.Telemetry.PrometheusBind = "127.0.0.1:" + strconv.Itoa(takenAddr.Port)
		rt := New(cfg, newLogger())

		err = startAndWait(t, rt)
		if err == nil || !strings.Contains(err.Error(), "failed to listen for metrics") {
			t.Fatalf("expected listen failure, got %v", err)
		}
		// the http listener was released on the way out
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			t.Fatalf("http port still held: %v", err)
		}
		ln.Close()
	})
}
