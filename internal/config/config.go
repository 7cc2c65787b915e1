package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MEDIA_"

// listKeys take comma-separated values when set from the environment.
var listKeys = map[string]bool{
	"worker.kinds": true,
}

// Config holds shared runtime configuration for the api, worker and sweeper binaries.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Metrics       MetricsConfig       `koanf:"metrics"`
	Redis         RedisConfig         `koanf:"redis"`
	Database      DatabaseConfig      `koanf:"database"`
	Backends      BackendsConfig      `koanf:"backends"`
	Storage       StorageConfig       `koanf:"storage"`
	Worker        WorkerConfig        `koanf:"worker"`
	Notify        NotifyConfig        `koanf:"notify"`
	Retention     RetentionConfig     `koanf:"retention"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	Mastering     MasteringConfig     `koanf:"mastering"`
	Transcription TranscriptionConfig `koanf:"transcription"`
	Render        RenderConfig        `koanf:"render"`
	Templates     TemplatesConfig     `koanf:"templates"`
	Logging       LoggingConfig       `koanf:"logging"`
}

type ServerConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	PublicURL string `koanf:"public_url"`
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
}

// BackendsConfig picks the implementation behind each shared store.
type BackendsConfig struct {
	Status string `koanf:"status"` // redis | memory
	Files  string `koanf:"files"`  // postgres | memory
	Queue  string `koanf:"queue"`  // redis | local
}

type StorageConfig struct {
	Driver          string        `koanf:"driver"` // s3 | local
	Bucket          string        `koanf:"bucket"`
	Region          string        `koanf:"region"`
	Endpoint        string        `koanf:"endpoint"`
	AccessKeyID     string        `koanf:"access_key_id"`
	SecretAccessKey string        `koanf:"secret_access_key"`
	PathStyle       bool          `koanf:"path_style"`
	LocalDir        string        `koanf:"local_dir"`
	SigningSecret   string        `koanf:"signing_secret"`
	UploadURLTTL    time.Duration `koanf:"upload_url_ttl"`
	DownloadURLTTL  time.Duration `koanf:"download_url_ttl"`
}

type WorkerConfig struct {
	ID               string        `koanf:"id"`
	Concurrency      int           `koanf:"concurrency"`
	ScratchDir       string        `koanf:"scratch_dir"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	Kinds            []string      `koanf:"kinds"`
	Embedded         bool          `koanf:"embedded"`
	DownloadTimeout  time.Duration `koanf:"download_timeout"`
	MaxDownloadBytes int64         `koanf:"max_download_bytes"`
}

type NotifyConfig struct {
	WebhookURL         string        `koanf:"webhook_url"`
	Token              string        `koanf:"token"`
	Timeout            time.Duration `koanf:"timeout"`
	BlobCredentialsURL string        `koanf:"blob_credentials_url"`
	BlobBaseURL        string        `koanf:"blob_base_url"`
	BlobTimeout        time.Duration `koanf:"blob_timeout"`
}

type RetentionConfig struct {
	Window   time.Duration `koanf:"window"`
	Interval time.Duration `koanf:"interval"`
}

type RateLimitConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Capacity     int     `koanf:"capacity"`
	RefillPerSec float64 `koanf:"refill_per_sec"`
}

type MasteringConfig struct {
	Command   string        `koanf:"command"`
	MaxLength int64         `koanf:"max_length"`
	Timeout   time.Duration `koanf:"timeout"`
}

type TranscriptionConfig struct {
	FFmpeg    string        `koanf:"ffmpeg"`
	Whisper   string        `koanf:"whisper"`
	ModelPath string        `koanf:"model_path"`
	Language  string        `koanf:"language"`
	Timeout   time.Duration `koanf:"timeout"`
}

type RenderConfig struct {
	Command     string        `koanf:"command"`
	Entry       string        `koanf:"entry"`
	Composition string        `koanf:"composition"`
	Concurrency int           `koanf:"concurrency"`
	Timeout     time.Duration `koanf:"timeout"`
}

type TemplatesConfig struct {
	Dir string `koanf:"dir"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads defaults, then the TOML file (if provided), then MEDIA_* env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	loadDefaults(k)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// MEDIA_STORAGE_ACCESS_KEY_ID -> storage.access_key_id
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		k := envKey(key)
		if listKeys[k] {
			return k, splitList(value)
		}
		return k, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Worker.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Worker.ID = hostname
	}
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	return &cfg, nil
}

func envKey(raw string) string {
	key := strings.ToLower(strings.TrimPrefix(raw, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
