package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "secret")
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DB_PATH", "TOKEN_TTL", "AUTH_REGISTRY", "HANDSHAKE_TIMEOUT",
		"NOTIFICATION_TIMEOUT", "GENERATION_TIMEOUT", "DIALOGUE_HISTORY_TURNS",
		"DIALOGUE_HISTORY_CHARS", "PROMPTS_FILE", "SPEECH_APP_ID", "SPEECH_ACCESS_TOKEN",
		"SPEECH_API_KEY", "SPEECH_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 100*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.Registry != RegistryStore {
		t.Fatalf("unexpected registry: %s", cfg.Auth.Registry)
	}
	if cfg.Dialogue.GenerationTimeout != 45*time.Second {
		t.Fatalf("unexpected generation timeout: %s", cfg.Dialogue.GenerationTimeout)
	}
	if cfg.Dialogue.HistoryTurns != 20 || cfg.Dialogue.HistoryChars != 12000 {
		t.Fatalf("unexpected history window: %+v", cfg.Dialogue)
	}
	if cfg.Speech.Enabled {
		t.Fatal("speech should be disabled without credentials")
	}
	if cfg.Prompts.Conversation == "" {
		t.Fatal("expected default conversation prompt")
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("GENERATION_TIMEOUT", "5")
	t.Setenv("DIALOGUE_HISTORY_TURNS", "4")
	t.Setenv("AUTH_REGISTRY", "memory")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected ttl: %s", cfg.Auth.TokenTTL)
	}
	if cfg.Dialogue.GenerationTimeout != 5*time.Second {
		t.Fatalf("integer seconds should be accepted, got %s", cfg.Dialogue.GenerationTimeout)
	}
	if cfg.Dialogue.HistoryTurns != 4 {
		t.Fatalf("unexpected history turns: %d", cfg.Dialogue.HistoryTurns)
	}
	if cfg.Auth.Registry != RegistryMemory {
		t.Fatalf("unexpected registry: %s", cfg.Auth.Registry)
	}
	if cfg.Server.LogLevel.String() != "DEBUG" {
		t.Fatalf("unexpected log level: %s", cfg.Server.LogLevel)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret":  {"JWT_SECRET": ""},
		"bad port":        {"PORT": "80 80"},
		"bad registry":    {"AUTH_REGISTRY": "redis"},
		"bad duration":    {"TOKEN_TTL": "soon"},
		"zero history":    {"DIALOGUE_HISTORY_TURNS": "0"},
		"bad int":         {"DIALOGUE_HISTORY_CHARS": "lots"},
		"bad log level":   {"LOG_LEVEL": "loud"},
		"missing prompts": {"PROMPTS_FILE": filepath.Join(os.TempDir(), "does-not-exist.yaml")},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadPromptsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	content := "conversation: Be brief.\nwelcome: Hello there.\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write prompts: %v", err)
	}

	prompts, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts err: %v", err)
	}

	if prompts.Conversation != "Be brief." {
		t.Fatalf("unexpected conversation prompt: %q", prompts.Conversation)
	}
	if prompts.Welcome != "Hello there." {
		t.Fatalf("unexpected welcome: %q", prompts.Welcome)
	}
	if prompts.OneShot != DefaultPrompts().OneShot {
		t.Fatal("unset fields should keep defaults")
	}
}

func TestLoadPromptsRejectsBadRecommendation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte("recommendation: no placeholder\n"), 0o600); err != nil {
		t.Fatalf("write prompts: %v", err)
	}

	_, err := LoadPrompts(path)
	if err == nil || !strings.Contains(err.Error(), "recommendation") {
		t.Fatalf("expected recommendation error, got %v", err)
	}
}

func TestRecommendationTimeoutLeavesHeadroom(t *testing.T) {
	cfg := RealtimeConfig{NotificationTimeout: 8 * time.Second}
	if got := cfg.RecommendationTimeout(); got != 6*time.Second {
		t.Fatalf("unexpected recommendation timeout: %s", got)
	}

	short := RealtimeConfig{NotificationTimeout: 4 * time.Millisecond}
	if got := short.RecommendationTimeout(); got <= 0 || got >= short.NotificationTimeout {
		t.Fatalf("recommendation timeout %s must fall inside %s", got, short.NotificationTimeout)
	}
}
