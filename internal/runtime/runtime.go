package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/controller"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/recognition"
	"github.com/loqalabs/loqa-recorder/internal/stt"
	"github.com/loqalabs/loqa-recorder/internal/transcribe"
)

const (
	viewStream     = "RECORDER_VIEW"
	viewStreamMax  = 1000
	pruneInterval  = time.Hour
	teardownBudget = 10 * time.Second
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	stt     *stt.Service
	journal *eventstore.Store
	ctrl    *controller.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the recorder until ctx is done or a server fails, then releases
// the microphone, cancels any run and revokes the artifact before returning.
// An address that cannot be bound fails Start before the runtime is ready.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	serveErrs := make(chan error, 2)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := r.serve(r.httpServer, "http", serveErrs); err != nil {
		r.teardown()
		return err
	}

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := r.serve(r.metricsServer, "metrics", serveErrs); err != nil {
			r.teardown()
			return err
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
	case runErr = <-serveErrs:
		r.logger.Error("runtime stopping after server failure", slog.String("error", runErr.Error()))
	}
	r.ready.Store(false)
	r.teardown()
	return runErr
}

// serve binds srv before returning, so an unusable address fails Start.
// Later serve failures are reported on errs.
func (r *Runtime) serve(srv *http.Server, name string, errs chan<- error) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s on %s: %w", name, srv.Addr, err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errs <- fmt.Errorf("%s server failed: %w", name, err):
			default:
			}
		}
	}()
	return nil
}

// build wires the recorder components in dependency order.
func (r *Runtime) build(ctx context.Context) error {
	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.journal = journal

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	var recognizer stt.Recognizer
	if r.cfg.STT.Enabled {
		recognizer, err = stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("failed to initialize recognizer: %w", err)
		}
		if r.bus != nil {
			r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer)
			if err := r.stt.Start(); err != nil {
				return fmt.Errorf("failed to start stt service: %w", err)
			}
		}
	}

	var provider recognition.Provider
	switch r.cfg.Recognition.Mode {
	case "bus":
		if r.bus == nil {
			return errors.New("recognition.mode=bus requires the bus")
		}
		timeout := time.Duration(r.cfg.Recognition.RequestTimeoutMS) * time.Millisecond
		provider = recognition.NewBusProvider(r.bus, timeout, r.logger)
	default:
		provider = recognition.NewLocalProvider(recognizer, r.cfg.STT, r.logger)
	}

	mic, err := newMicrophone(r.cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to initialize microphone: %w", err)
	}

	opts := controller.Options{
		Capture: capture.Options{
			MediaType:        media.PCMMediaType(r.cfg.Capture.SampleRate, r.cfg.Capture.Channels),
			FragmentInterval: time.Duration(r.cfg.Capture.FragmentIntervalMS) * time.Millisecond,
		},
		Transcribe: transcribe.Options{
			Recognition:   recognition.ConfigFrom(r.cfg.Recognition),
			GraceInterval: time.Duration(r.cfg.Transcription.GraceIntervalMS) * time.Millisecond,
			ReplayFrame:   time.Duration(r.cfg.Transcription.ReplayFrameMS) * time.Millisecond,
			Realtime:      r.cfg.Transcription.RealtimeReplay,
			MaxRun:        time.Duration(r.cfg.Transcription.MaxRunMS) * time.Millisecond,
		},
		Journal: journal,
	}
	if r.bus != nil {
		opts.Publisher = r.bus
	}
	r.ctrl = controller.New(ctx, mic, artifact.NewStore(r.logger), media.NewDecoder(), provider, opts, r.logger)

	if r.cfg.EventStore.RetentionMode == "persistent" {
		r.wg.Add(1)
		go r.prune(ctx)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	if ns != nil {
		if err := client.EnsureStream(viewStream, viewStreamMax, protocol.SubjectRecorderView); err != nil {
			r.logger.Warn("recorder view stream unavailable", slog.String("error", err.Error()))
		}
	}
	return nil
}

func newMicrophone(cfg config.CaptureConfig) (capture.Microphone, error) {
	switch cfg.Mode {
	case "wav":
		return capture.NewWAVMicrophone(cfg), nil
	case "exec":
		return capture.NewExecMicrophone(cfg)
	default:
		return capture.NewMockMicrophone(cfg), nil
	}
}

func (r *Runtime) prune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// teardown releases everything build and Start acquired, in reverse order.
func (r *Runtime) teardown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), teardownBudget)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}

	if r.ctrl != nil {
		if err := r.ctrl.Close(shutdownCtx); err != nil {
			r.logger.Error("controller shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	r.wg.Wait()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.stt != nil && !r.stt.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
