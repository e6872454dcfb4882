package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-listen/internal/speech"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is otlp, stdout or none. Empty picks otlp when an
	// endpoint is set.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Audio       AudioConfig      `yaml:"audio"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Search      SearchConfig     `yaml:"search"`
	Text        TextConfig       `yaml:"text"`
	Metadata    MetadataConfig   `yaml:"metadata"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EventStoreConfig controls the speech event journal. Nothing is written to
// disk: "memory" keeps the journal in an in-memory sqlite database.
type EventStoreConfig struct {
	RetentionMode string `yaml:"retention_mode"`
	MaxSessions   int    `yaml:"max_sessions"`
	MaxEvents     int    `yaml:"max_events_per_session"`
}

type SpeechConfig struct {
	Mode             string `yaml:"mode"` // stt, s2s, endpoint
	Region           string `yaml:"region"`
	Key              string `yaml:"key"`
	Language         string `yaml:"language"`
	From             string `yaml:"from"`
	To               string `yaml:"to"`
	Endpoint         string `yaml:"endpoint"`
	ContentType      string `yaml:"content_type"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	Device     string `yaml:"device"` // exec, file
	Command    string `yaml:"command"`
	File       string `yaml:"file"`
	Realtime   bool   `yaml:"realtime"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	OutputRate int    `yaml:"output_rate"`
	BlockSize  int    `yaml:"block_size"`
}

type RecorderConfig struct {
	MaxDurationMS   int  `yaml:"max_duration_ms"`
	QueueSize       int  `yaml:"queue_size"`
	PublishPartials bool `yaml:"publish_partials"`
}

type SearchConfig struct {
	Service  string `yaml:"service"`
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`
	Index    string `yaml:"index"`
}

type TextConfig struct {
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`
}

type MetadataConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	Concurrency     int    `yaml:"concurrency"`
}

type RouterConfig struct {
	Enabled      bool `yaml:"enabled"`
	UseKeyPhrase bool `yaml:"use_key_phrases"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			RetentionMode: "memory",
			MaxSessions:   100,
			MaxEvents:     1000,
		},
		Speech: SpeechConfig{
			Mode:             "stt",
			Region:           "westus",
			Language:         "en-US",
			From:             "en-US",
			To:               "de",
			ContentType:      "audio/x-wav",
			ConnectTimeoutMS: 10000,
		},
		Audio: AudioConfig{
			Device:     "exec",
			Command:    "arecord -q -t raw -f FLOAT_LE -r 16000 -c 1",
			Realtime:   true,
			SampleRate: 16000,
			Channels:   1,
			OutputRate: 16000,
			BlockSize:  4096,
		},
		Recorder: RecorderConfig{
			MaxDurationMS:   10000,
			QueueSize:       64,
			PublishPartials: true,
		},
		Search: SearchConfig{
			Index: "artworks8",
		},
		Metadata: MetadataConfig{
			Enabled:         false,
			CacheTTLSeconds: 3600,
			Concurrency:     4,
		},
		Router: RouterConfig{
			Enabled: false,
		},
	}
}

// Load reads the YAML file at path over Default, then applies a .env file
// from the working directory and LOQA_* environment overrides.
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

	if err := loadDotEnv(".env"); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv exports the variables of file without replacing ones already set.
func loadDotEnv(file string) error {
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
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
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideInt(&cfg.EventStore.MaxEvents, "LOQA_EVENT_STORE_MAX_EVENTS_PER_SESSION")
	overrideString(&cfg.Speech.Mode, "LOQA_SPEECH_MODE")
	overrideString(&cfg.Speech.Region, "LOQA_SPEECH_REGION")
	overrideString(&cfg.Speech.Key, "LOQA_SPEECH_KEY")
	overrideString(&cfg.Speech.Language, "LOQA_SPEECH_LANGUAGE")
	overrideString(&cfg.Speech.From, "LOQA_SPEECH_FROM")
	overrideString(&cfg.Speech.To, "LOQA_SPEECH_TO")
	overrideString(&cfg.Speech.Endpoint, "LOQA_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.ContentType, "LOQA_SPEECH_CONTENT_TYPE")
	overrideInt(&cfg.Speech.ConnectTimeoutMS, "LOQA_SPEECH_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.File, "LOQA_AUDIO_FILE")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.OutputRate, "LOQA_AUDIO_OUTPUT_RATE")
	overrideInt(&cfg.Audio.BlockSize, "LOQA_AUDIO_BLOCK_SIZE")
	overrideInt(&cfg.Recorder.MaxDurationMS, "LOQA_RECORDER_MAX_DURATION_MS")
	overrideInt(&cfg.Recorder.QueueSize, "LOQA_RECORDER_QUEUE_SIZE")
	overrideBool(&cfg.Recorder.PublishPartials, "LOQA_RECORDER_PUBLISH_PARTIALS")
	overrideString(&cfg.Search.Service, "LOQA_SEARCH_SERVICE")
	overrideString(&cfg.Search.Endpoint, "LOQA_SEARCH_ENDPOINT")
	overrideString(&cfg.Search.Key, "LOQA_SEARCH_KEY")
	overrideString(&cfg.Search.Index, "LOQA_SEARCH_INDEX")
	overrideString(&cfg.Text.Endpoint, "LOQA_TEXT_ENDPOINT")
	overrideString(&cfg.Text.Key, "LOQA_TEXT_KEY")
	overrideBool(&cfg.Metadata.Enabled, "LOQA_METADATA_ENABLED")
	overrideString(&cfg.Metadata.Endpoint, "LOQA_METADATA_ENDPOINT")
	overrideInt(&cfg.Metadata.CacheTTLSeconds, "LOQA_METADATA_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Metadata.Concurrency, "LOQA_METADATA_CONCURRENCY")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideBool(&cfg.Router.UseKeyPhrase, "LOQA_ROUTER_USE_KEY_PHRASES")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "memory":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|memory")
	}
	if cfg.EventStore.MaxSessions < 0 || cfg.EventStore.MaxEvents < 0 {
		return errors.New("event_store limits must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.TraceExporter) {
	case "", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Speech.Mode {
	case "stt":
		if cfg.Speech.Region == "" || cfg.Speech.Language == "" {
			return errors.New("speech.region and speech.language must be set when mode=stt")
		}
	case "s2s":
		if cfg.Speech.Region == "" {
			return errors.New("speech.region must be set when mode=s2s")
		}
		if !speech.IsSourceLanguage(cfg.Speech.From) {
			return fmt.Errorf("speech.from %q is not a supported source language", cfg.Speech.From)
		}
		if !speech.IsTargetLanguage(cfg.Speech.To) {
			return fmt.Errorf("speech.to %q is not a supported target language", cfg.Speech.To)
		}
	case "endpoint":
		if cfg.Speech.Endpoint == "" {
			return errors.New("speech.endpoint must be set when mode=endpoint")
		}
	default:
		return errors.New("speech.mode must be one of stt|s2s|endpoint")
	}
	if cfg.Speech.ConnectTimeoutMS <= 0 {
		return errors.New("speech.connect_timeout_ms must be positive")
	}
	switch cfg.Audio.Device {
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when device=exec")
		}
	case "file":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when device=file")
		}
	default:
		return errors.New("audio.device must be one of exec|file")
	}
	if cfg.Audio.SampleRate <= 0 || cfg.Audio.Channels <= 0 {
		return errors.New("audio.sample_rate and audio.channels must be positive")
	}
	if cfg.Audio.OutputRate <= 0 {
		return errors.New("audio.output_rate must be positive")
	}
	if cfg.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if cfg.Recorder.MaxDurationMS < 0 {
		return errors.New("recorder.max_duration_ms must be >= 0")
	}
	if cfg.Router.Enabled {
		if cfg.Search.Service == "" && cfg.Search.Endpoint == "" {
			return errors.New("search.service or search.endpoint must be set when the router is enabled")
		}
		if cfg.Search.Index == "" {
			return errors.New("search.index must not be empty when the router is enabled")
		}
		if cfg.Router.UseKeyPhrase && cfg.Text.Endpoint == "" {
			return errors.New("text.endpoint must be set when router.use_key_phrases is enabled")
		}
	}
	if cfg.Metadata.Enabled && cfg.Metadata.CacheTTLSeconds <= 0 {
		return errors.New("metadata.cache_ttl_seconds must be positive")
	}
	return nil
}
