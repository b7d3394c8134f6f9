package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9090
assistant:
  model: gpt-4o
  daily_query_cap: 25
  reserve_cents: 5
  max_rounds: 3
providers:
  - name: primary
    base_url: https://api.example.com/v1
    api_key: sk-test
    failure_threshold: 3
    cooldown_sec: 30
pricing:
  gpt-4o:
    input_cents_per_million: 250
    output_cents_per_million: 1000
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Assistant.Model != "gpt-4o" {
		t.Errorf("Assistant.Model = %q, want gpt-4o", cfg.Assistant.Model)
	}
	if cfg.Assistant.DailyQueryCap != 25 {
		t.Errorf("DailyQueryCap = %d, want 25", cfg.Assistant.DailyQueryCap)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "primary" {
		t.Fatalf("Providers = %+v, want one entry named primary", cfg.Providers)
	}
	if cfg.Pricing["gpt-4o"].OutputCentsPerMillion != 1000 {
		t.Errorf("Pricing output = %f, want 1000", cfg.Pricing["gpt-4o"].OutputCentsPerMillion)
	}
	// Unset fields keep defaults.
	if cfg.Assistant.HistoryMessageLimit != 40 {
		t.Errorf("HistoryMessageLimit = %d, want default 40", cfg.Assistant.HistoryMessageLimit)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("AL_TEST_API_KEY", "sk-from-env")
	path := writeConfig(t, `
providers:
  - name: primary
    api_key: ${AL_TEST_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", cfg.Providers[0].APIKey)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("FindConfig() should fail for missing explicit path")
	}
}

func TestTimeoutDefaults(t *testing.T) {
	var a AssistantConfig
	if a.TurnTimeout() <= 0 {
		t.Error("TurnTimeout() should have a positive default")
	}
	if a.ToolTimeout() <= 0 {
		t.Error("ToolTimeout() should have a positive default")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
