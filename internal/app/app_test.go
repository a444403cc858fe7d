package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/content"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{Hostname: "cadence.test"},
		API:      config.APIConfig{ListenAddr: "127.0.0.1:0"},
		Storage:  config.StorageConfig{Path: filepath.Join(dir, "state.db")},
		Contacts: config.ContactsConfig{Path: filepath.Join(dir, "contacts.db")},
		Dispatch: config.DispatchConfig{From: "news@cadence.test"},
		Delivery: config.DeliveryConfig{Mode: config.DeliveryLog},
		Tracking: config.TrackingConfig{BaseURL: "https://t.cadence.test", Secret: "s3cret"},
		Inbound:  config.InboundConfig{Enabled: true, ListenAddr: "127.0.0.1:0", Domain: "in.cadence.test"},
		Logging:  config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func TestNewAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.inboundServer == nil {
		t.Error("inbound server not created")
	}
	if a.kafkaConsumer != nil {
		t.Error("kafka consumer created while disabled")
	}
	if a.metricsServer != nil {
		t.Error("metrics server created while disabled")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewFailsOnBadDKIMKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delivery = config.DeliveryConfig{
		Mode: config.DeliverySMTP,
		SMTP: config.DeliverySMTPConfig{Addr: "127.0.0.1:25", TLS: "none"},
		DKIM: config.DKIMConfig{
			Enabled:  true,
			Selector: "mail",
			Domain:   "cadence.test",
			KeyFile:  filepath.Join(t.TempDir(), "missing.pem"),
		},
	}

	if _, err := New(cfg); err == nil {
		t.Fatal("New() expected error for missing DKIM key")
	}

	// Storage handles were released, so the files can be reopened
	cfg.Delivery = config.DeliveryConfig{Mode: config.DeliveryLog}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() after failure error = %v", err)
	}
	a.Shutdown(context.Background())
}

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		cfg  config.GeneratorConfig
		want string
	}{
		{config.GeneratorConfig{Type: config.GeneratorNone}, "<nil>"},
		{config.GeneratorConfig{Type: config.GeneratorHTTP, BaseURL: "http://gen"}, "*content.HTTPGenerator"},
		{config.GeneratorConfig{Type: config.GeneratorOpenAI, APIKey: "sk"}, "*content.OpenAIGenerator"},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			g := newGenerator(tt.cfg)
			switch tt.want {
			case "<nil>":
				if g != nil {
					t.Errorf("newGenerator() = %T, want nil", g)
				}
			case "*content.HTTPGenerator":
				if _, ok := g.(*content.HTTPGenerator); !ok {
					t.Errorf("newGenerator() = %T, want %s", g, tt.want)
				}
			case "*content.OpenAIGenerator":
				if _, ok := g.(*content.OpenAIGenerator); !ok {
					t.Errorf("newGenerator() = %T, want %s", g, tt.want)
				}
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := setupLogger(config.LoggingConfig{Level: tt.level, Format: "json"})
			if !logger.Enabled(context.Background(), tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-4) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}

func TestNewWithSendQuotas(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.RateLimits = config.RateLimitConfig{
		RecipientDomain: config.QuotaConfig{PerHour: 100},
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.limiter == nil {
		t.Error("limiter not created for configured quotas")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	// Without quotas no limiter runs
	cfg.Dispatch.RateLimits = config.RateLimitConfig{}
	a, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.limiter != nil {
		t.Error("limiter created without quotas")
	}
	a.Shutdown(context.Background())
}
