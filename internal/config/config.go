package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Transcription TranscriptionConfig `yaml:"transcription"`
	Answer        AnswerConfig        `yaml:"answer"`
	Tabs          TabsConfig          `yaml:"tabs"`
	Surface       SurfaceConfig       `yaml:"surface"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
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

// CaptureConfig controls tab audio acquisition and the per-session audio graph.
type CaptureConfig struct {
	Mode             string  `yaml:"mode"` // bus, mock
	Gain             float64 `yaml:"gain"`
	AcquireTimeoutMS int     `yaml:"acquire_timeout_ms"`
	RestartDelayMS   int     `yaml:"restart_delay_ms"`
	FrameBuffer      int     `yaml:"frame_buffer"`
}

type TranscriptionConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Continuous     bool   `yaml:"continuous"`
	InterimResults bool   `yaml:"interim_results"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	FinalAfterMS   int    `yaml:"final_after_ms"`
	MaxRunMS       int    `yaml:"max_run_ms"`
}

type AnswerConfig struct {
	Mode           string `yaml:"mode"` // http, ollama, exec, mock
	Endpoint       string `yaml:"endpoint"`
	Context        string `yaml:"context"`
	Command        string `yaml:"command"`
	Model          string `yaml:"model"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	Fallback       string `yaml:"fallback"`
	DedupeWindowMS int    `yaml:"dedupe_window_ms"`
}

type TabsConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout_ms"`
	SweepInterval    int `yaml:"sweep_interval_ms"`
}

type SurfaceConfig struct {
	WebSocketPath  string   `yaml:"websocket_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MirrorToBus    bool     `yaml:"mirror_to_bus"`
	SendBuffer     int      `yaml:"send_buffer"`
	PingIntervalMS int      `yaml:"ping_interval_ms"`
	CaptureRetries int      `yaml:"capture_retries"`
	CaptureRetryMS int      `yaml:"capture_retry_ms"`
}

const DefaultFallbackAnswer = "I apologize, but I couldn't generate an answer at this moment. Please try again."

func Default() Config {
	return Config{
		RuntimeName: "loqa-copilot",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8787,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/copilot-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:             "bus",
			Gain:             2.0,
			AcquireTimeoutMS: 3000,
			RestartDelayMS:   1000,
			FrameBuffer:      64,
		},
		Transcription: TranscriptionConfig{
			Mode:           "mock",
			Language:       "en-US",
			Continuous:     true,
			InterimResults: true,
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
			FinalAfterMS:   4000,
			MaxRunMS:       60000,
		},
		Answer: AnswerConfig{
			Mode:      "http",
			Endpoint:  "https://api.cheatly.io/generate-answer",
			Context:   "interview",
			Model:     "llama3.2:latest",
			TimeoutMS: 15000,
			Fallback:  DefaultFallbackAnswer,
		},
		Tabs: TabsConfig{
			HeartbeatTimeout: 30000,
			SweepInterval:    1000,
		},
		Surface: SurfaceConfig{
			WebSocketPath:  "/ws",
			MirrorToBus:    true,
			SendBuffer:     64,
			PingIntervalMS: 10000,
			CaptureRetries: 3,
			CaptureRetryMS: 2000,
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

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv reads ./.env when present. Variables already set in the
// environment win over the file.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COPILOT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COPILOT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COPILOT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COPILOT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COPILOT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COPILOT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COPILOT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COPILOT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "COPILOT_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "COPILOT_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "COPILOT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "COPILOT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COPILOT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COPILOT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COPILOT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COPILOT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COPILOT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "COPILOT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COPILOT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COPILOT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COPILOT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COPILOT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "COPILOT_CAPTURE_MODE")
	overrideFloat(&cfg.Capture.Gain, "COPILOT_CAPTURE_GAIN")
	overrideInt(&cfg.Capture.AcquireTimeoutMS, "COPILOT_CAPTURE_ACQUIRE_TIMEOUT_MS")
	overrideInt(&cfg.Capture.RestartDelayMS, "COPILOT_CAPTURE_RESTART_DELAY_MS")
	overrideInt(&cfg.Capture.FrameBuffer, "COPILOT_CAPTURE_FRAME_BUFFER")
	overrideString(&cfg.Transcription.Mode, "COPILOT_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Command, "COPILOT_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.ModelPath, "COPILOT_TRANSCRIPTION_MODEL_PATH")
	overrideString(&cfg.Transcription.Language, "COPILOT_TRANSCRIPTION_LANGUAGE")
	overrideBool(&cfg.Transcription.InterimResults, "COPILOT_TRANSCRIPTION_INTERIM_RESULTS")
	overrideInt(&cfg.Transcription.SampleRate, "COPILOT_TRANSCRIPTION_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.Channels, "COPILOT_TRANSCRIPTION_CHANNELS")
	overrideInt(&cfg.Transcription.PartialEveryMS, "COPILOT_TRANSCRIPTION_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Transcription.FinalAfterMS, "COPILOT_TRANSCRIPTION_FINAL_AFTER_MS")
	overrideInt(&cfg.Transcription.MaxRunMS, "COPILOT_TRANSCRIPTION_MAX_RUN_MS")
	overrideString(&cfg.Answer.Mode, "COPILOT_ANSWER_MODE")
	overrideString(&cfg.Answer.Endpoint, "COPILOT_ANSWER_ENDPOINT")
	overrideString(&cfg.Answer.Context, "COPILOT_ANSWER_CONTEXT")
	overrideString(&cfg.Answer.Command, "COPILOT_ANSWER_COMMAND")
	overrideString(&cfg.Answer.Model, "COPILOT_ANSWER_MODEL")
	overrideInt(&cfg.Answer.TimeoutMS, "COPILOT_ANSWER_TIMEOUT_MS")
	overrideString(&cfg.Answer.Fallback, "COPILOT_ANSWER_FALLBACK")
	overrideInt(&cfg.Answer.DedupeWindowMS, "COPILOT_ANSWER_DEDUPE_WINDOW_MS")
	overrideInt(&cfg.Tabs.HeartbeatTimeout, "COPILOT_TABS_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Tabs.SweepInterval, "COPILOT_TABS_SWEEP_INTERVAL_MS")
	overrideString(&cfg.Surface.WebSocketPath, "COPILOT_SURFACE_WEBSOCKET_PATH")
	overrideStringSlice(&cfg.Surface.AllowedOrigins, "COPILOT_SURFACE_ALLOWED_ORIGINS")
	overrideBool(&cfg.Surface.MirrorToBus, "COPILOT_SURFACE_MIRROR_TO_BUS")
	overrideInt(&cfg.Surface.CaptureRetries, "COPILOT_SURFACE_CAPTURE_RETRIES")
	overrideInt(&cfg.Surface.CaptureRetryMS, "COPILOT_SURFACE_CAPTURE_RETRY_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Mode {
	case "bus", "mock":
	default:
		return errors.New("capture.mode must be one of bus|mock")
	}
	if cfg.Capture.Gain <= 0 {
		return errors.New("capture.gain must be positive")
	}
	if cfg.Capture.RestartDelayMS < 0 {
		return errors.New("capture.restart_delay_ms must be >= 0")
	}
	if cfg.Capture.AcquireTimeoutMS <= 0 {
		return errors.New("capture.acquire_timeout_ms must be positive")
	}
	switch cfg.Transcription.Mode {
	case "mock":
	case "exec":
		if cfg.Transcription.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
		if cfg.Transcription.SampleRate <= 0 {
			return errors.New("transcription.sample_rate must be positive")
		}
		if cfg.Transcription.Channels <= 0 {
			return errors.New("transcription.channels must be positive")
		}
	default:
		return errors.New("transcription.mode must be one of mock|exec")
	}
	if cfg.Transcription.Language == "" {
		return errors.New("transcription.language must not be empty")
	}
	switch cfg.Answer.Mode {
	case "mock":
	case "http", "ollama":
		if cfg.Answer.Endpoint == "" {
			return fmt.Errorf("answer.endpoint must be set when mode=%s", cfg.Answer.Mode)
		}
	case "exec":
		if cfg.Answer.Command == "" {
			return errors.New("answer.command must be set when mode=exec")
		}
	default:
		return errors.New("answer.mode must be one of http|ollama|exec|mock")
	}
	if cfg.Answer.TimeoutMS <= 0 {
		return errors.New("answer.timeout_ms must be positive")
	}
	if cfg.Answer.DedupeWindowMS < 0 {
		return errors.New("answer.dedupe_window_ms must be >= 0")
	}
	if cfg.Tabs.HeartbeatTimeout < 0 {
		return errors.New("tabs.heartbeat_timeout_ms must be >= 0")
	}
	if !strings.HasPrefix(cfg.Surface.WebSocketPath, "/") {
		return errors.New("surface.websocket_path must start with /")
	}
	if cfg.Surface.CaptureRetries < 0 {
		return errors.New("surface.capture_retries must be >= 0")
	}
	return nil
}
