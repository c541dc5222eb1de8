package config

import (
	"os"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default values",
			env:  map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != "8080" {
					t.Errorf("expected port 8080, got %s", cfg.Port)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected log level info, got %s", cfg.LogLevel)
				}
				if cfg.CycleInterval != 10*time.Second {
					t.Errorf("expected CycleInterval 10s, got %v", cfg.CycleInterval)
				}
				if cfg.CycleWorkers != 4 {
					t.Errorf("expected 4 cycle workers, got %d", cfg.CycleWorkers)
				}
				if cfg.Store.Mode != storage.ModeMemory {
					t.Errorf("expected memory store, got %s", cfg.Store.Mode)
				}
				if cfg.AHTTimeout != 2*time.Second {
					t.Errorf("expected AHTTimeout 2s, got %v", cfg.AHTTimeout)
				}
				if cfg.SkipAuth {
					t.Error("expected auth enabled by default")
				}
				if cfg.RedisAddr != "" || cfg.AHTURL != "" {
					t.Error("expected optional collaborators to be disabled by default")
				}
			},
		},
		{
			name: "custom values",
			env: map[string]string{
				"PORT":                   "9000",
				"LOG_LEVEL":              "debug",
				"WS_READ_TIMEOUT":        "30",
				"ALLOWED_ORIGINS":        "http://example.com, http://test.com",
				"CYCLE_INTERVAL_SECONDS": "5",
				"CYCLE_WORKERS":          "8",
				"RULES_FILE":             "rules.yaml",
				"STORE_MODE":             "sqlite",
				"SQLITE_PATH":            "/tmp/q.db",
				"REDIS_ADDR":             "localhost:6379",
				"AHT_URL":                "http://metrics.local/",
				"SKIP_AUTH":              "true",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != "9000" {
					t.Errorf("expected port 9000, got %s", cfg.Port)
				}
				if cfg.WSReadTimeout != 30*time.Second {
					t.Errorf("expected WSReadTimeout 30s, got %v", cfg.WSReadTimeout)
				}
				if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://test.com" {
					t.Errorf("unexpected allowed origins %v", cfg.AllowedOrigins)
				}
				if cfg.CycleInterval != 5*time.Second || cfg.CycleWorkers != 8 {
					t.Errorf("unexpected cycle settings %v/%d", cfg.CycleInterval, cfg.CycleWorkers)
				}
				if cfg.RulesFile != "rules.yaml" {
					t.Errorf("expected rules file, got %q", cfg.RulesFile)
				}
				if cfg.Store.Mode != storage.ModeSQLite || cfg.Store.SQLitePath != "/tmp/q.db" {
					t.Errorf("unexpected store config %+v", cfg.Store)
				}
				if cfg.RedisAddr != "localhost:6379" {
					t.Errorf("expected redis address, got %q", cfg.RedisAddr)
				}
				if cfg.AHTURL != "http://metrics.local" {
					t.Errorf("expected trailing slash trimmed, got %q", cfg.AHTURL)
				}
				if !cfg.SkipAuth {
					t.Error("expected SkipAuth")
				}
			},
		},
		{
			name:    "invalid WS_READ_TIMEOUT",
			env:     map[string]string{"WS_READ_TIMEOUT": "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid CYCLE_INTERVAL_SECONDS",
			env:     map[string]string{"CYCLE_INTERVAL_SECONDS": "soon"},
			wantErr: true,
		},
		{
			name:    "zero CYCLE_INTERVAL_SECONDS",
			env:     map[string]string{"CYCLE_INTERVAL_SECONDS": "0"},
			wantErr: true,
		},
		{
			name:    "zero CYCLE_WORKERS",
			env:     map[string]string{"CYCLE_WORKERS": "0"},
			wantErr: true,
		},
		{
			name:    "invalid AHT_TIMEOUT_SECONDS",
			env:     map[string]string{"AHT_TIMEOUT_SECONDS": "2s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := Load()

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestWebSocketConstants(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.PongWait != cfg.WSReadTimeout {
		t.Errorf("PongWait (%v) should equal WSReadTimeout (%v)", cfg.PongWait, cfg.WSReadTimeout)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("PingPeriod (%v) should be less than PongWait (%v)", cfg.PingPeriod, cfg.PongWait)
	}
	if cfg.WriteWait != cfg.WSWriteTimeout {
		t.Errorf("WriteWait (%v) should equal WSWriteTimeout (%v)", cfg.WriteWait, cfg.WSWriteTimeout)
	}
	if cfg.MaxMessageSize <= 0 {
		t.Errorf("MaxMessageSize should be positive, got %d", cfg.MaxMessageSize)
	}
}
