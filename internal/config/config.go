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
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Storage     StorageConfig   `yaml:"storage"`
	TTS         TTSConfig       `yaml:"tts"`
	Segment     SegmentConfig   `yaml:"segment"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Assembly    AssemblyConfig  `yaml:"assembly"`
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

type StoreConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig describes the S3-compatible object store holding chunk
// audio and final narrations.
type StorageConfig struct {
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	PublicBaseURL string `yaml:"public_base_url"`
	PartSizeBytes int64  `yaml:"part_size_bytes"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, http
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	DefaultVoice string `yaml:"default_voice"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	// MinAudioBytes rejects implausibly small synthesis payloads.
	MinAudioBytes int `yaml:"min_audio_bytes"`
}

type SegmentConfig struct {
	ChunkCharLimit int `yaml:"chunk_char_limit"`
	PaddingStartMS int `yaml:"padding_start_ms"`
	PaddingEndMS   int `yaml:"padding_end_ms"`
}

type SynthesisConfig struct {
	BatchSize       int `yaml:"batch_size"`
	BatchIntervalMS int `yaml:"batch_interval_ms"`
	TaskTimeoutMS   int `yaml:"task_timeout_ms"`
}

type AssemblyConfig struct {
	FFmpegCommand       string `yaml:"ffmpeg_command"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	Codec               string `yaml:"codec"`
	Bitrate             string `yaml:"bitrate"`
	DownloadConcurrency int    `yaml:"download_concurrency"`
	MinOutputBytes      int64  `yaml:"min_output_bytes"`
	TempDir             string `yaml:"temp_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "taleweave-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/taleweave.db",
		},
		Storage: StorageConfig{
			Bucket:        "taleweave-audio",
			Prefix:        "narrations",
			Region:        "us-east-1",
			PublicBaseURL: "https://audio.taleweave.app",
			PartSizeBytes: 8 << 20,
		},
		TTS: TTSConfig{
			Mode:          "mock",
			DefaultVoice:  "en-US-amber",
			TimeoutMS:     45000,
			MinAudioBytes: 256,
		},
		Segment: SegmentConfig{
			ChunkCharLimit: 900,
			PaddingStartMS: 500,
			PaddingEndMS:   500,
		},
		Synthesis: SynthesisConfig{
			BatchSize:       15,
			BatchIntervalMS: 5000,
			TaskTimeoutMS:   60000,
		},
		Assembly: AssemblyConfig{
			FFmpegCommand:       "ffmpeg",
			SampleRate:          24000,
			Channels:            1,
			Codec:               "libmp3lame",
			Bitrate:             "64k",
			DownloadConcurrency: 8,
			MinOutputBytes:      1024,
			TempDir:             "",
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
	overrideString(&cfg.RuntimeName, "TALEWEAVE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TALEWEAVE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TALEWEAVE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TALEWEAVE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TALEWEAVE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TALEWEAVE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TALEWEAVE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TALEWEAVE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TALEWEAVE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TALEWEAVE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TALEWEAVE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TALEWEAVE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TALEWEAVE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TALEWEAVE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TALEWEAVE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TALEWEAVE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "TALEWEAVE_STORE_PATH")
	overrideString(&cfg.Storage.Bucket, "TALEWEAVE_STORAGE_BUCKET")
	overrideString(&cfg.Storage.Prefix, "TALEWEAVE_STORAGE_PREFIX")
	overrideString(&cfg.Storage.Region, "TALEWEAVE_STORAGE_REGION")
	overrideString(&cfg.Storage.Endpoint, "TALEWEAVE_STORAGE_ENDPOINT")
	overrideString(&cfg.Storage.PublicBaseURL, "TALEWEAVE_STORAGE_PUBLIC_BASE_URL")
	overrideInt64(&cfg.Storage.PartSizeBytes, "TALEWEAVE_STORAGE_PART_SIZE_BYTES")
	overrideString(&cfg.TTS.Mode, "TALEWEAVE_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "TALEWEAVE_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "TALEWEAVE_TTS_API_KEY")
	overrideString(&cfg.TTS.DefaultVoice, "TALEWEAVE_TTS_DEFAULT_VOICE")
	overrideInt(&cfg.TTS.TimeoutMS, "TALEWEAVE_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MinAudioBytes, "TALEWEAVE_TTS_MIN_AUDIO_BYTES")
	overrideInt(&cfg.Segment.ChunkCharLimit, "TALEWEAVE_SEGMENT_CHUNK_CHAR_LIMIT")
	overrideInt(&cfg.Segment.PaddingStartMS, "TALEWEAVE_SEGMENT_PADDING_START_MS")
	overrideInt(&cfg.Segment.PaddingEndMS, "TALEWEAVE_SEGMENT_PADDING_END_MS")
	overrideInt(&cfg.Synthesis.BatchSize, "TALEWEAVE_SYNTHESIS_BATCH_SIZE")
	overrideInt(&cfg.Synthesis.BatchIntervalMS, "TALEWEAVE_SYNTHESIS_BATCH_INTERVAL_MS")
	overrideInt(&cfg.Synthesis.TaskTimeoutMS, "TALEWEAVE_SYNTHESIS_TASK_TIMEOUT_MS")
	overrideString(&cfg.Assembly.FFmpegCommand, "TALEWEAVE_ASSEMBLY_FFMPEG_COMMAND")
	overrideInt(&cfg.Assembly.SampleRate, "TALEWEAVE_ASSEMBLY_SAMPLE_RATE")
	overrideInt(&cfg.Assembly.Channels, "TALEWEAVE_ASSEMBLY_CHANNELS")
	overrideString(&cfg.Assembly.Codec, "TALEWEAVE_ASSEMBLY_CODEC")
	overrideString(&cfg.Assembly.Bitrate, "TALEWEAVE_ASSEMBLY_BITRATE")
	overrideInt(&cfg.Assembly.DownloadConcurrency, "TALEWEAVE_ASSEMBLY_DOWNLOAD_CONCURRENCY")
	overrideInt64(&cfg.Assembly.MinOutputBytes, "TALEWEAVE_ASSEMBLY_MIN_OUTPUT_BYTES")
	overrideString(&cfg.Assembly.TempDir, "TALEWEAVE_ASSEMBLY_TEMP_DIR")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Storage.Bucket == "" {
		return errors.New("storage.bucket must not be empty")
	}
	if cfg.Storage.PublicBaseURL == "" {
		return errors.New("storage.public_base_url must not be empty")
	}
	if cfg.Storage.PartSizeBytes < 5<<20 {
		return errors.New("storage.part_size_bytes must be at least 5 MiB")
	}
	switch cfg.TTS.Mode {
	case "mock", "http":
	default:
		return errors.New("tts.mode must be one of mock|http")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.MinAudioBytes < 0 {
		return errors.New("tts.min_audio_bytes must be >= 0")
	}
	if cfg.Segment.ChunkCharLimit <= 0 {
		return errors.New("segment.chunk_char_limit must be positive")
	}
	if cfg.Segment.PaddingStartMS < 0 || cfg.Segment.PaddingEndMS < 0 {
		return errors.New("segment paddings must be >= 0")
	}
	if cfg.Synthesis.BatchSize <= 0 {
		return errors.New("synthesis.batch_size must be >= 1")
	}
	if cfg.Synthesis.BatchIntervalMS < 0 {
		return errors.New("synthesis.batch_interval_ms must be >= 0")
	}
	if cfg.Synthesis.TaskTimeoutMS <= 0 {
		return errors.New("synthesis.task_timeout_ms must be positive")
	}
	if cfg.Assembly.FFmpegCommand == "" {
		return errors.New("assembly.ffmpeg_command must not be empty")
	}
	if cfg.Assembly.SampleRate <= 0 {
		return errors.New("assembly.sample_rate must be positive")
	}
	if cfg.Assembly.Channels <= 0 {
		return errors.New("assembly.channels must be positive")
	}
	if cfg.Assembly.Codec == "" || cfg.Assembly.Bitrate == "" {
		return errors.New("assembly.codec and assembly.bitrate must not be empty")
	}
	if cfg.Assembly.DownloadConcurrency <= 0 {
		return errors.New("assembly.download_concurrency must be >= 1")
	}
	if cfg.Assembly.MinOutputBytes <= 0 {
		return errors.New("assembly.min_output_bytes must be positive")
	}
	return nil
}
