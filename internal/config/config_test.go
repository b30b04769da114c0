package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("REMOTE_KIND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendSQL || cfg.Storage.Driver != "sqlite" || cfg.Storage.Budget != 5<<20 {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Offline.LocalDelay != 1500*time.Millisecond || cfg.Media.PollInterval != 5*time.Second {
		t.Fatalf("unexpected timing defaults %+v %+v", cfg.Offline, cfg.Media)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("FORCE_OFFLINE", "true")
	t.Setenv("MEDIA_MAX_POLLS", "12")
	t.Setenv("MEDIA_PLACEHOLDER_IMAGES", " https://a/1.png, ,https://a/2.png")
	t.Setenv("REMOTE_KIND", "openai")
	t.Setenv("REMOTE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai")
	t.Setenv("REMOTE_HEADERS_JSON", `{"X-Tenant":"clarity"}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Offline.ForceOffline || cfg.Media.MaxPolls != 12 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Offline, cfg.Media)
	}
	if len(cfg.Media.PlaceholderImages) != 2 || cfg.Media.PlaceholderImages[1] != "https://a/2.png" {
		t.Fatalf("unexpected placeholder list %v", cfg.Media.PlaceholderImages)
	}
	if cfg.Remote.Headers["X-Tenant"] != "clarity" {
		t.Fatalf("headers not parsed: %v", cfg.Remote.Headers)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "floppy")
	if _, err := Load(); !errors.Is(err, ErrInvalidBackend) {
		t.Fatalf("expected ErrInvalidBackend, got %v", err)
	}

	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("REMOTE_KIND", "custom_http")
	t.Setenv("REMOTE_BASE_URL", "")
	if _, err := Load(); !errors.Is(err, ErrMissingRemoteURL) {
		t.Fatalf("expected ErrMissingRemoteURL, got %v", err)
	}
}

func TestLoadCryptoKeys(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("MASTER_KEY_B64", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	t.Setenv("MASTER_KEY_CURRENT_ID", "k1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Crypto.Enabled() || cfg.Crypto.CurrentKeyID != "k1" || len(cfg.Crypto.Keys["k1"]) != 32 {
		t.Fatalf("unexpected crypto config %+v", cfg.Crypto)
	}

	t.Setenv("MASTER_KEY_B64", "c2hvcnQ=")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short key")
	}
}
