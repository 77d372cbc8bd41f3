package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired sets the minimum environment for Load to succeed.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_HMAC_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ValidityWindow != 10*time.Second {
		t.Errorf("ValidityWindow = %v, want 10s", cfg.ValidityWindow)
	}
	if cfg.HistoryTTL != 30*24*time.Hour {
		t.Errorf("HistoryTTL = %v, want 720h", cfg.HistoryTTL)
	}
	if cfg.EgressRetryBudget != 3 {
		t.Errorf("EgressRetryBudget = %d, want 3", cfg.EgressRetryBudget)
	}
	if cfg.FIFOTopic == cfg.StandardTopic {
		t.Errorf("topics must differ by default")
	}
	if cfg.TokenVerifyTimeout != 2*time.Second {
		t.Errorf("TokenVerifyTimeout = %v, want 2s", cfg.TokenVerifyTimeout)
	}
	if cfg.PublishTimeout != 5*time.Second {
		t.Errorf("PublishTimeout = %v, want 5s", cfg.PublishTimeout)
	}
}

func TestLoadSpecEnvironmentKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("VALIDITY_WINDOW_MS", "2500")
	t.Setenv("HISTORY_TTL_DAYS", "7")
	t.Setenv("FIFO_TOPIC", "bus.ordered")
	t.Setenv("STANDARD_TOPIC", "bus.besteffort")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ValidityWindow != 2500*time.Millisecond {
		t.Errorf("ValidityWindow = %v, want 2.5s", cfg.ValidityWindow)
	}
	if cfg.HistoryTTL != 7*24*time.Hour {
		t.Errorf("HistoryTTL = %v, want 168h", cfg.HistoryTTL)
	}
	if cfg.FIFOTopic != "bus.ordered" || cfg.StandardTopic != "bus.besteffort" {
		t.Errorf("topics = %q, %q", cfg.FIFOTopic, cfg.StandardTopic)
	}
}

func TestLoadRequiresAuthConfig(t *testing.T) {
	t.Setenv("ISSUER_URL", "")
	t.Setenv("AUTH_HMAC_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() without issuer or secret succeeded")
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("AUTH_HMAC_SECRET", "short")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "AUTH_HMAC_SECRET") {
		t.Fatalf("Load() error = %v, want secret length complaint", err)
	}
}

func TestLoadRejectsInvalidIssuerURL(t *testing.T) {
	t.Setenv("ISSUER_URL", "not a url")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() with invalid ISSUER_URL succeeded")
	}
}

func TestLoadRejectsEqualTopics(t *testing.T) {
	setRequired(t)
	t.Setenv("FIFO_TOPIC", "same")
	t.Setenv("STANDARD_TOPIC", "same")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() with identical topics succeeded")
	}
}

func TestLoadCollectsParseErrors(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("VALIDITY_WINDOW_MS", "also-bad")

	_, err := Load()
	if err == nil {
		t.Fatalf("Load() with invalid values succeeded")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") || !strings.Contains(err.Error(), "VALIDITY_WINDOW_MS") {
		t.Errorf("error = %q, want both keys reported", err)
	}
}

func TestStorageBatchSizeBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_BATCH_SIZE", "11")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() with batch size over 10 succeeded")
	}
}

func TestIsDevelopment(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("IsDevelopment() = false, want true")
	}
	if cfg.OIDCConfigured() {
		t.Errorf("OIDCConfigured() = true without ISSUER_URL")
	}
}
