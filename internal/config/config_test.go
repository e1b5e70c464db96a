package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("homeassistant:\n  token: ${SENTRYD_TEST_TOKEN}\n"), 0600)
	os.Setenv("SENTRYD_TEST_TOKEN", "secret123")
	defer os.Unsetenv("SENTRYD_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: test-broker-pw\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "test-broker-pw" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "test-broker-pw")
	}
}

func TestApplyDefaults_FillsListenPortAndDataDir(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.MQTT.BaseTopic != "zigbee2mqtt" {
		t.Errorf("MQTT.BaseTopic = %q, want zigbee2mqtt", cfg.MQTT.BaseTopic)
	}
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range listen.port")
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestValidate_RejectsKeypadWithoutNodeID(t *testing.T) {
	cfg := Default()
	cfg.Keypads = []KeypadConfig{{Name: "front door keypad", NodeID: 0}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for keypad with node_id <= 0")
	}
}

func TestHomeAssistantConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  HomeAssistantConfig
		want bool
	}{
		{"both set", HomeAssistantConfig{URL: "http://ha.local", Token: "tok"}, true},
		{"no token", HomeAssistantConfig{URL: "http://ha.local"}, false},
		{"no url", HomeAssistantConfig{Token: "tok"}, false},
		{"neither", HomeAssistantConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultRuntimeSettings_MatchesPersistedConfigDefaults(t *testing.T) {
	settings := DefaultRuntimeSettings()
	if settings.EventsRetentionDays != 30 {
		t.Errorf("EventsRetentionDays = %d, want 30", settings.EventsRetentionDays)
	}
	if settings.RuleLogsRetentionDays != 14 {
		t.Errorf("RuleLogsRetentionDays = %d, want 14", settings.RuleLogsRetentionDays)
	}
	if settings.EntitySyncIntervalSeconds != 300 {
		t.Errorf("EntitySyncIntervalSeconds = %d, want 300", settings.EntitySyncIntervalSeconds)
	}
}
