package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "termvoid.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validSecret = "0123456789abcdef0123456789abcdef"

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "`+validSecret+`"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Gateway.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.ReconnectTimeout.Duration != 60*time.Second {
		t.Errorf("reconnect timeout = %v", cfg.Gateway.ReconnectTimeout)
	}
	if cfg.Gateway.MaxRetries != 3 || cfg.Gateway.BatchSize != 50 {
		t.Errorf("retries/batch = %d/%d", cfg.Gateway.MaxRetries, cfg.Gateway.BatchSize)
	}
	if cfg.Gateway.QueueCapacity != 1000 || cfg.Gateway.PendingBufferSize != 1000 {
		t.Errorf("capacities = %d/%d", cfg.Gateway.QueueCapacity, cfg.Gateway.PendingBufferSize)
	}
	if cfg.RateLimit.Window.Duration != time.Minute || cfg.RateLimit.MaxMessages != 100 {
		t.Errorf("rate limit = %v/%d", cfg.RateLimit.Window, cfg.RateLimit.MaxMessages)
	}
	if cfg.Model.Provider != "stub" || cfg.Model.ModelName != "gpt-3.5-turbo" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestDurationParsing(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"45s"`), &d); err != nil || d.Duration != 45*time.Second {
		t.Fatalf("string form: %v, %v", d, err)
	}
	if err := json.Unmarshal([]byte(`90`), &d); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("numeric form: %v, %v", d, err)
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Fatal("bool should be rejected")
	}
}

func TestValidateRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "short"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("err = %v, want jwt_secret complaint", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "`+validSecret+`"}, "storage": {"driver": "oracle"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "storage driver") {
		t.Fatalf("err = %v, want storage driver complaint", err)
	}
}

func TestValidateHostedRequiresAPIKey(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "`+validSecret+`"}, "model": {"provider": "hosted"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("err = %v, want api_key complaint", err)
	}
}

func TestValidateRejectsBackoffMultiplierBelowOne(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "`+validSecret+`"}, "gateway": {"backoff_multiplier": 0.5}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "backoff_multiplier") {
		t.Fatalf("err = %v, want backoff_multiplier complaint", err)
	}
}

func TestWriteStarterProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "starter.json")
	if err := WriteStarter(path); err != nil {
		t.Fatalf("write starter: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Fatalf("secret length = %d, want 64", len(cfg.Auth.JWTSecret))
	}
}
