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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"` // empty serves /metrics on the main listener
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	WebSocket   WebSocketConfig  `yaml:"websocket"`
	Model       ModelConfig      `yaml:"model"`
	Audio       AudioConfig      `yaml:"audio"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
}

type WebSocketConfig struct {
	Path           string `yaml:"path"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	PongTimeoutMS  int    `yaml:"pong_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"` // 0 disables the limit
}

type ModelConfig struct {
	Mode          string `yaml:"mode"` // onnx, mock
	Encoder       string `yaml:"encoder"`
	Decoder       string `yaml:"decoder"`
	Joiner        string `yaml:"joiner"`
	Tokens        string `yaml:"tokens"`
	SharedLibrary string `yaml:"shared_library"`
	Threads       int    `yaml:"threads"`
}

type AudioConfig struct {
	Decoder           string `yaml:"decoder"` // wav, exec
	Command           string `yaml:"command"`
	CommandSampleRate int    `yaml:"command_sample_rate"`
	TargetSampleRate  int    `yaml:"target_sample_rate"`
	TailPaddingMS     int    `yaml:"tail_padding_ms"`
	ResampleQuality   int    `yaml:"resample_quality"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	Subject        string   `yaml:"subject"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Mode            string  `yaml:"mode"` // exec, mock
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Speed           float64 `yaml:"speed"`
	Language        string  `yaml:"language"`
	SampleRate      int     `yaml:"sample_rate"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	TimeoutMS       int     `yaml:"timeout_ms"`
}

// DefaultDecodeCommand converts any container ffmpeg understands into raw
// 16-bit little-endian mono PCM on stdout, keeping only the first channel.
const DefaultDecodeCommand = "ffmpeg -hide_banner -loglevel error -i pipe:0 -af 'pan=mono|c0=c0' -f s16le -acodec pcm_s16le -ar 16000 pipe:1"

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8001,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		WebSocket: WebSocketConfig{
			Path:           "/asr",
			PingIntervalMS: 20000,
			PongTimeoutMS:  60000,
			WriteTimeoutMS: 10000,
		},
		Model: ModelConfig{
			Mode:    "onnx",
			Encoder: "./models/encoder.onnx",
			Decoder: "./models/decoder.onnx",
			Joiner:  "./models/joiner.onnx",
			Tokens:  "./models/tokens.txt",
			Threads: 1,
		},
		Audio: AudioConfig{
			Decoder:           "exec",
			Command:           DefaultDecodeCommand,
			CommandSampleRate: 16000,
			TargetSampleRate:  16000,
			TailPaddingMS:     2000,
			ResampleQuality:   4,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "stt.text.final",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-stt.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			Voice:           "af_nicole",
			Speed:           1.0,
			Language:        "en-us",
			SampleRate:      24000,
			ChunkDurationMS: 400,
			TimeoutMS:       45000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.WebSocket.Path, "LOQA_WEBSOCKET_PATH")
	overrideInt(&cfg.WebSocket.PingIntervalMS, "LOQA_WEBSOCKET_PING_INTERVAL_MS")
	overrideInt(&cfg.WebSocket.PongTimeoutMS, "LOQA_WEBSOCKET_PONG_TIMEOUT_MS")
	overrideInt(&cfg.WebSocket.WriteTimeoutMS, "LOQA_WEBSOCKET_WRITE_TIMEOUT_MS")
	overrideInt64(&cfg.WebSocket.ReadLimitBytes, "LOQA_WEBSOCKET_READ_LIMIT_BYTES")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Encoder, "LOQA_MODEL_ENCODER")
	overrideString(&cfg.Model.Decoder, "LOQA_MODEL_DECODER")
	overrideString(&cfg.Model.Joiner, "LOQA_MODEL_JOINER")
	overrideString(&cfg.Model.Tokens, "LOQA_MODEL_TOKENS")
	overrideString(&cfg.Model.SharedLibrary, "LOQA_MODEL_SHARED_LIBRARY")
	overrideInt(&cfg.Model.Threads, "LOQA_MODEL_THREADS")
	overrideString(&cfg.Audio.Decoder, "LOQA_AUDIO_DECODER")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.CommandSampleRate, "LOQA_AUDIO_COMMAND_SAMPLE_RATE")
	overrideInt(&cfg.Audio.TargetSampleRate, "LOQA_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.TailPaddingMS, "LOQA_AUDIO_TAIL_PADDING_MS")
	overrideInt(&cfg.Audio.ResampleQuality, "LOQA_AUDIO_RESAMPLE_QUALITY")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Subject, "LOQA_BUS_SUBJECT")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if !strings.HasPrefix(cfg.WebSocket.Path, "/") || cfg.WebSocket.Path == "/" {
		return errors.New("websocket.path must start with / and name a route")
	}
	switch cfg.WebSocket.Path {
	case "/healthz", "/readyz", "/metrics", "/api/tts", "/api/voices", "/ws/stream":
		return fmt.Errorf("websocket.path %s collides with a built-in route", cfg.WebSocket.Path)
	}
	if cfg.WebSocket.PingIntervalMS <= 0 {
		return errors.New("websocket.ping_interval_ms must be positive")
	}
	if cfg.WebSocket.PongTimeoutMS <= cfg.WebSocket.PingIntervalMS {
		return errors.New("websocket.pong_timeout_ms must be greater than ping interval")
	}
	if cfg.WebSocket.ReadLimitBytes < 0 {
		return errors.New("websocket.read_limit_bytes must be >= 0")
	}
	switch cfg.Model.Mode {
	case "onnx":
		if cfg.Model.Encoder == "" || cfg.Model.Decoder == "" || cfg.Model.Joiner == "" {
			return errors.New("model.encoder, model.decoder and model.joiner must be set when mode=onnx")
		}
		if cfg.Model.Threads <= 0 {
			return errors.New("model.threads must be >= 1")
		}
	case "mock":
	default:
		return errors.New("model.mode must be one of onnx|mock")
	}
	if cfg.Model.Tokens == "" {
		return errors.New("model.tokens must not be empty")
	}
	switch cfg.Audio.Decoder {
	case "wav":
	case "exec":
		if strings.TrimSpace(cfg.Audio.Command) == "" {
			return errors.New("audio.command must be set when decoder=exec")
		}
		if cfg.Audio.CommandSampleRate <= 0 {
			return errors.New("audio.command_sample_rate must be positive")
		}
	default:
		return errors.New("audio.decoder must be one of wav|exec")
	}
	if cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio.target_sample_rate must be positive")
	}
	if cfg.Audio.TailPaddingMS < 0 {
		return errors.New("audio.tail_padding_ms must be >= 0")
	}
	if cfg.Audio.ResampleQuality < 1 || cfg.Audio.ResampleQuality > 64 {
		return errors.New("audio.resample_quality must be between 1 and 64")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock":
		case "exec":
			if strings.TrimSpace(cfg.TTS.Command) == "" {
				return errors.New("tts.command must be set when mode=exec")
			}
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Speed <= 0 {
			return errors.New("tts.speed must be positive")
		}
		if cfg.TTS.ChunkDurationMS <= 0 {
			return errors.New("tts.chunk_duration_ms must be positive")
		}
		if cfg.TTS.TimeoutMS < 0 {
			return errors.New("tts.timeout_ms must be >= 0")
		}
	}
	return nil
}
