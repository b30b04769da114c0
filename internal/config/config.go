package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll    = "ALL"
	ModeAPI    = "API"
	ModeWorker = "WORKER"

	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var (
	ErrInvalidBackend     = errors.New("STORAGE_BACKEND must be 'sql', 'redis' or 'memory'")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required for the sql storage backend")
	ErrMissingRemoteURL   = errors.New("REMOTE_BASE_URL is required when REMOTE_KIND is set")
	ErrInvalidBudget      = errors.New("STORAGE_BUDGET_BYTES must be >= 0")
)

type Config struct {
	AppMode string

	HTTP    HTTPConfig
	Remote  RemoteConfig
	Offline OfflineConfig
	Media   MediaConfig
	Storage StorageConfig
	Redis   RedisConfig
	Worker  WorkerConfig
	Rate    RateConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type HTTPConfig struct {
	ListenAddr      string
	HealthPath      string
	MetricsPath     string
	APIToken        string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

type RemoteConfig struct {
	Kind         string
	BaseURL      string
	APIKey       string
	Endpoint     string
	BodyTemplate string
	Headers      map[string]string

	ProModel       string
	FlashModel     string
	ImageModel     string
	ImageEditModel string
	VideoModel     string

	Timeout       time.Duration
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type OfflineConfig struct {
	ForceOffline  bool
	ProbeAddr     string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	LocalDelay    time.Duration
}

type MediaConfig struct {
	ImageDelay        time.Duration
	VideoDelay        time.Duration
	PollInterval      time.Duration
	MaxPolls          int
	PlaceholderImages []string
	PlaceholderVideo  string
	ResultTTL         time.Duration
	DedupeTTL         time.Duration
}

type StorageConfig struct {
	Backend     string
	Driver      string
	DSN         string
	AutoMigrate bool
	Budget      int64
	RedisPrefix string
	FilesKey    string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type RateConfig struct {
	// PerHour is the remote call allowance per client; 0 disables limiting.
	PerHour int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// Enabled reports whether at-rest encryption was configured.
func (c CryptoConfig) Enabled() bool {
	return len(c.Keys) > 0
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		HTTP: HTTPConfig{
			ListenAddr:      mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:      mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:     mustEnv("METRICS_PATH", "/metrics"),
			APIToken:        mustEnv("API_TOKEN", ""),
			MaxUploadBytes:  mustInt64("HTTP_MAX_UPLOAD_BYTES", 32<<20),
			ShutdownTimeout: mustDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Remote: RemoteConfig{
			Kind:           strings.ToLower(mustEnv("REMOTE_KIND", "")),
			BaseURL:        mustEnv("REMOTE_BASE_URL", ""),
			APIKey:         mustEnv("REMOTE_API_KEY", ""),
			Endpoint:       mustEnv("REMOTE_ENDPOINT", "chat_completions"),
			BodyTemplate:   mustEnv("REMOTE_BODY_TEMPLATE", ""),
			ProModel:       mustEnv("REMOTE_PRO_MODEL", "gemini-3-pro-preview"),
			FlashModel:     mustEnv("REMOTE_FLASH_MODEL", "gemini-3-flash-preview"),
			ImageModel:     mustEnv("REMOTE_IMAGE_MODEL", "gemini-3-pro-image-preview"),
			ImageEditModel: mustEnv("REMOTE_IMAGE_EDIT_MODEL", "gemini-2.5-flash-image"),
			VideoModel:     mustEnv("REMOTE_VIDEO_MODEL", "veo-3.1-fast-generate-preview"),
			Timeout:        mustDuration("REMOTE_TIMEOUT", 60*time.Second),
			ClientTimeout:  mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:     mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:    mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Offline: OfflineConfig{
			ForceOffline:  mustBool("FORCE_OFFLINE", false),
			ProbeAddr:     mustEnv("CONNECTIVITY_PROBE_ADDR", ""),
			ProbeInterval: mustDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
			ProbeTimeout:  mustDuration("CONNECTIVITY_PROBE_TIMEOUT", 3*time.Second),
			LocalDelay:    mustDuration("LOCAL_ENGINE_DELAY", 1500*time.Millisecond),
		},
		Media: MediaConfig{
			ImageDelay:        mustDuration("MEDIA_IMAGE_DELAY", 1500*time.Millisecond),
			VideoDelay:        mustDuration("MEDIA_VIDEO_DELAY", 3*time.Second),
			PollInterval:      mustDuration("MEDIA_POLL_INTERVAL", 5*time.Second),
			MaxPolls:          mustInt("MEDIA_MAX_POLLS", 60),
			PlaceholderImages: mustList("MEDIA_PLACEHOLDER_IMAGES"),
			PlaceholderVideo:  mustEnv("MEDIA_PLACEHOLDER_VIDEO", ""),
			ResultTTL:         mustDuration("MEDIA_RESULT_TTL", 24*time.Hour),
			DedupeTTL:         mustDuration("MEDIA_DEDUPE_TTL", 6*time.Hour),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(mustEnv("STORAGE_BACKEND", BackendSQL)),
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:clarity.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
			Budget:      mustInt64("STORAGE_BUDGET_BYTES", 5<<20),
			RedisPrefix: mustEnv("STORAGE_REDIS_PREFIX", "clarity:kv"),
			FilesKey:    mustEnv("STORAGE_FILES_KEY", "local_files"),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", ""),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "clarity:media"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "clarity-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 0),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.AppMode != ModeAll && cfg.AppMode != ModeAPI && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	switch cfg.Storage.Backend {
	case BackendSQL:
		if cfg.Storage.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	case BackendRedis, BackendMemory:
	default:
		return nil, ErrInvalidBackend
	}
	if cfg.Storage.Budget < 0 {
		return nil, ErrInvalidBudget
	}
	if cfg.Remote.Kind != "" && cfg.Remote.Kind != "none" && cfg.Remote.BaseURL == "" {
		return nil, ErrMissingRemoteURL
	}

	headers, err := loadHeaders()
	if err != nil {
		return nil, err
	}
	cfg.Remote.Headers = headers

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadHeaders() (map[string]string, error) {
	headers := map[string]string{}
	raw := mustEnv("REMOTE_HEADERS_JSON", "")
	if raw == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("parse REMOTE_HEADERS_JSON: %w", err)
	}
	return headers, nil
}

// loadCryptoConfig reads optional master keys. No keys means values are
// stored unencrypted.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") || k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required with more than one master key")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// mustList splits a comma separated variable, dropping blanks.
func mustList(key string) []string {
	var out []string
	for _, part := range strings.Split(mustEnv(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
