package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string    `yaml:"log_level"`
	// TraceExporter is one of none|stderr|otlp. Traces never share stdout
	// with the JSON log stream.
	TraceExporter    string    `yaml:"trace_exporter"`
	TraceSampleRatio float64   `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string    `yaml:"otlp_endpoint"`
	OTLPInsecure     bool      `yaml:"otlp_insecure"`
	PrometheusBind   string    `yaml:"prometheus_bind"`
	// DurationBuckets are the histogram bounds, in seconds, of the
	// transcription duration instrument.
	DurationBuckets  []float64 `yaml:"duration_buckets"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Recognition   RecognitionConfig   `yaml:"recognition"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	STT           STTConfig           `yaml:"stt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the microphone and the fragment polling cadence.
type CaptureConfig struct {
	Mode               string `yaml:"mode"` // mock, wav, exec
	Command            string `yaml:"command"`
	File               string `yaml:"file"`
	SampleRate         int    `yaml:"sample_rate"`
	Channels           int    `yaml:"channels"`
	FrameDurationMS    int    `yaml:"frame_duration_ms"`
	FragmentIntervalMS int    `yaml:"fragment_interval_ms"`
}

type RecognitionConfig struct {
	Mode             string `yaml:"mode"` // local, bus
	Locale           string `yaml:"locale"`
	InterimResults   bool   `yaml:"interim_results"`
	MaxAlternatives  int    `yaml:"max_alternatives"`
	Continuous       bool   `yaml:"continuous"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type TranscriptionConfig struct {
	GraceIntervalMS int  `yaml:"grace_interval_ms"`
	ReplayFrameMS   int  `yaml:"replay_frame_ms"`
	RealtimeReplay  bool `yaml:"realtime_replay"`
	MaxRunMS        int  `yaml:"max_run_ms"`
}

type STTConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Mode              string  `yaml:"mode"`
	Command           string  `yaml:"command"`
	ModelPath         string  `yaml:"model_path"`
	Language          string  `yaml:"language"`
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	SegmentSilenceMS  int     `yaml:"segment_silence_ms"`
	MaxSegmentMS      int     `yaml:"max_segment_ms"`
	PartialEveryMS    int     `yaml:"partial_every_ms"`
	PublishInterim    bool    `yaml:"publish_interim"`
	TranscribeTimeout int     `yaml:"transcribe_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-recorder",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceExporter:    "none",
			TraceSampleRatio: 1,
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9092",
			DurationBuckets:  []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-recorder.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:               "mock",
			SampleRate:         16000,
			Channels:           1,
			FrameDurationMS:    20,
			FragmentIntervalMS: 10,
		},
		Recognition: RecognitionConfig{
			Mode:             "local",
			Locale:           "en-US",
			InterimResults:   false,
			MaxAlternatives:  1,
			Continuous:       true,
			RequestTimeoutMS: 2000,
		},
		Transcription: TranscriptionConfig{
			GraceIntervalMS: 1000,
			ReplayFrameMS:   20,
			RealtimeReplay:  true,
		},
		STT: STTConfig{
			Enabled:           true,
			Mode:              "mock",
			SampleRate:        16000,
			Channels:          1,
			SilenceThreshold:  0.02,
			SegmentSilenceMS:  400,
			MaxSegmentMS:      15000,
			PartialEveryMS:    800,
			TranscribeTimeout: 45000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RECORDER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RECORDER_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_RECORDER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_RECORDER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_RECORDER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_RECORDER_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_RECORDER_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_RECORDER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_RECORDER_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_RECORDER_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_RECORDER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_RECORDER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_RECORDER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_RECORDER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_RECORDER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_RECORDER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_RECORDER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_RECORDER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_RECORDER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_RECORDER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_RECORDER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_RECORDER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_RECORDER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_RECORDER_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_RECORDER_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_RECORDER_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_RECORDER_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "LOQA_RECORDER_CAPTURE_FILE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_RECORDER_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_RECORDER_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_RECORDER_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.FragmentIntervalMS, "LOQA_RECORDER_CAPTURE_FRAGMENT_INTERVAL_MS")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECORDER_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Locale, "LOQA_RECORDER_RECOGNITION_LOCALE")
	overrideBool(&cfg.Recognition.InterimResults, "LOQA_RECORDER_RECOGNITION_INTERIM_RESULTS")
	overrideInt(&cfg.Recognition.MaxAlternatives, "LOQA_RECORDER_RECOGNITION_MAX_ALTERNATIVES")
	overrideBool(&cfg.Recognition.Continuous, "LOQA_RECORDER_RECOGNITION_CONTINUOUS")
	overrideInt(&cfg.Recognition.RequestTimeoutMS, "LOQA_RECORDER_RECOGNITION_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.GraceIntervalMS, "LOQA_RECORDER_TRANSCRIPTION_GRACE_INTERVAL_MS")
	overrideInt(&cfg.Transcription.ReplayFrameMS, "LOQA_RECORDER_TRANSCRIPTION_REPLAY_FRAME_MS")
	overrideBool(&cfg.Transcription.RealtimeReplay, "LOQA_RECORDER_TRANSCRIPTION_REALTIME_REPLAY")
	overrideInt(&cfg.Transcription.MaxRunMS, "LOQA_RECORDER_TRANSCRIPTION_MAX_RUN_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_RECORDER_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_RECORDER_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_RECORDER_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_RECORDER_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_RECORDER_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_RECORDER_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_RECORDER_STT_CHANNELS")
	overrideFloat(&cfg.STT.SilenceThreshold, "LOQA_RECORDER_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.SegmentSilenceMS, "LOQA_RECORDER_STT_SEGMENT_SILENCE_MS")
	overrideInt(&cfg.STT.MaxSegmentMS, "LOQA_RECORDER_STT_MAX_SEGMENT_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_RECORDER_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_RECORDER_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TranscribeTimeout, "LOQA_RECORDER_STT_TRANSCRIBE_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stderr":
		// ok
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter is otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stderr|otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	for i := 1; i < len(cfg.Telemetry.DurationBuckets); i++ {
		if cfg.Telemetry.DurationBuckets[i] <= cfg.Telemetry.DurationBuckets[i-1] {
			return errors.New("telemetry.duration_buckets must be strictly increasing")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.Capture.Mode {
	case "mock", "wav", "exec":
	default:
		return errors.New("capture.mode must be one of mock|wav|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.Mode == "wav" && cfg.Capture.File == "" {
		return errors.New("capture.file must be set when mode=wav")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if cfg.Capture.FragmentIntervalMS <= 0 {
		return errors.New("capture.fragment_interval_ms must be positive")
	}

	switch cfg.Recognition.Mode {
	case "local":
		if !cfg.STT.Enabled {
			return errors.New("stt.enabled must be true when recognition.mode=local")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when recognition.mode=bus")
		}
	default:
		return errors.New("recognition.mode must be one of local|bus")
	}
	if cfg.Recognition.Locale == "" {
		return errors.New("recognition.locale must not be empty")
	}
	if cfg.Recognition.MaxAlternatives < 1 {
		return errors.New("recognition.max_alternatives must be >= 1")
	}

	if cfg.Transcription.GraceIntervalMS < 0 {
		return errors.New("transcription.grace_interval_ms must be >= 0")
	}
	if cfg.Transcription.ReplayFrameMS <= 0 {
		return errors.New("transcription.replay_frame_ms must be positive")
	}
	if cfg.Transcription.MaxRunMS < 0 {
		return errors.New("transcription.max_run_ms must be >= 0")
	}

	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SilenceThreshold < 0 || cfg.STT.SilenceThreshold >= 1 {
			return errors.New("stt.silence_threshold must be in [0, 1)")
		}
		if cfg.STT.SegmentSilenceMS <= 0 {
			return errors.New("stt.segment_silence_ms must be positive")
		}
	}
	return nil
}
