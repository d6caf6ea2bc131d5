package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}

	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Error("ConfigError must unwrap to ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestValidateMissingListen(t *testing.T) {
	var cfg Config
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for empty listen address")
	}
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("error %v does not unwrap to ErrMissingRequiredField", err)
	}

	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "server.listen" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Session.TTL.Std() != 10*time.Minute {
		t.Errorf("TTL = %v", cfg.Session.TTL.Std())
	}
	if cfg.Providers.CSAM.PollInterval.Std() != 5*time.Second {
		t.Errorf("PollInterval = %v", cfg.Providers.CSAM.PollInterval.Std())
	}
	if cfg.Providers.CSAM.MaxPollAttempts != 60 {
		t.Errorf("MaxPollAttempts = %d", cfg.Providers.CSAM.MaxPollAttempts)
	}
	if cfg.Audit.Mode != "off" {
		t.Errorf("Audit.Mode = %q", cfg.Audit.Mode)
	}
	if cfg.Jobs.Retention.Std() != 15*time.Minute {
		t.Errorf("Retention = %v", cfg.Jobs.Retention.Std())
	}
}

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen: ":9090"
  write-timeout: 3m
  max-upload-bytes: 1048576
session:
  ttl: 5m
  postgres-dsn: "postgres://esign@localhost/esign"
providers:
  card:
    endpoint: "http://localhost:9800"
  itsme:
    client-id: "client"
    client-secret: "secret"
    authorize-url: "https://idp.example/authorize"
    token-url: "https://idp.example/token"
    redirect-uri: "https://app.example/callback"
    scope: "openid sign"
    userinfo-url: "https://idp.example/userinfo"
    sign-url: "https://idp.example/sign"
  csam:
    client-id: "client"
    client-secret: "secret"
    authorize-url: "https://csam.example/authorize"
    token-url: "https://csam.example/token"
    redirect-uri: "https://app.example/callback"
    base-url: "https://csam.example/api"
    poll-interval: 2s
    max-poll-attempts: 10
audit:
  mode: kafka
  brokers: ["localhost:9092"]
  topic: "esign.signing-events"
logging:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.WriteTimeout.Std() != 3*time.Minute {
		t.Errorf("WriteTimeout = %v", cfg.Server.WriteTimeout.Std())
	}
	if cfg.Session.PostgresDSN == "" {
		t.Error("PostgresDSN not set")
	}
	if !cfg.Providers.Itsme.Configured() {
		t.Error("itsme should be configured")
	}
	if cfg.Providers.CSAM.PollInterval.Std() != 2*time.Second {
		t.Errorf("PollInterval = %v", cfg.Providers.CSAM.PollInterval.Std())
	}
	if cfg.Providers.CSAM.MaxPollAttempts != 10 {
		t.Errorf("MaxPollAttempts = %d", cfg.Providers.CSAM.MaxPollAttempts)
	}
	if cfg.Audit.Mode != "kafka" {
		t.Errorf("Audit.Mode = %q", cfg.Audit.Mode)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("server:\n  listne: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("session:\n  ttl: soon\n"))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateIncompleteOAuth(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  itsme:
    client-id: "client"
    client-secret: "secret"
    authorize-url: "https://idp.example/authorize"
    token-url: "https://idp.example/token"
    redirect-uri: "https://app.example/callback"
`))
	if err == nil {
		t.Fatal("expected error for itsme without userinfo-url and sign-url")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T", err)
	}
}

func TestValidateAuditMode(t *testing.T) {
	t.Run("unknown mode", func(t *testing.T) {
		if _, err := Parse([]byte("audit:\n  mode: pigeon\n")); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("kafka without brokers", func(t *testing.T) {
		if _, err := Parse([]byte("audit:\n  mode: kafka\n")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestValidateLogging(t *testing.T) {
	if _, err := Parse([]byte("logging:\n  level: loud\n")); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := Parse([]byte("logging:\n  format: xml\n")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
