package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// clearEnv unsets the given env vars for the duration of the test.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t, "CAREMIND_CONFIG")
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	path, err := Load("", testLogger())
	if err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	clearEnv(t,
		"MODEL_PROVIDER", "OLLAMA_MODEL",
		"RETRIEVAL_MIN_SIMILARITY", "RETRIEVAL_TOP_N",
		"RATELIMIT_PER_MINUTE", "RATELIMIT_WINDOW_SECONDS", "SERVER_PORT",
		"CAREMIND_AUDIT_DB", "CAREMIND_API_TOKENS",
	)

	dir := t.TempDir()
	path := filepath.Join(dir, "caremind.yaml")
	yaml := `
model:
  provider: ollama
  ollama:
    model: llama3.2
retrieval:
  min_similarity: 0.45
  top_n: 6
ratelimit:
  per_minute: 30
  window_seconds: 30
server:
  port: 9090
  tokens:
    - tok-a:clinic-a:dr-stone
audit:
  db_path: /tmp/audit.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != path {
		t.Errorf("loaded path = %q, want %q", loaded, path)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":           "ollama",
		"OLLAMA_MODEL":             "llama3.2",
		"RETRIEVAL_MIN_SIMILARITY": "0.45",
		"RETRIEVAL_TOP_N":          "6",
		"RATELIMIT_PER_MINUTE":     "30",
		"RATELIMIT_WINDOW_SECONDS": "30",
		"SERVER_PORT":              "9090",
		"CAREMIND_AUDIT_DB":        "/tmp/audit.db",
		"CAREMIND_API_TOKENS":      "tok-a:clinic-a:dr-stone",
	}
	for key, want := range checks {
		if got := os.Getenv(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestLoad_EnvWins(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("RETRIEVAL_TOP_N", "12")

	dir := t.TempDir()
	path := filepath.Join(dir, "caremind.yaml")
	yaml := `
model:
  provider: ollama
retrieval:
  top_n: 6
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path, testLogger()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := os.Getenv("MODEL_PROVIDER"); got != "openai" {
		t.Errorf("MODEL_PROVIDER = %q, env var should win over YAML", got)
	}
	if got := os.Getenv("RETRIEVAL_TOP_N"); got != "12" {
		t.Errorf("RETRIEVAL_TOP_N = %q, env var should win over YAML", got)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caremind.yaml")
	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, testLogger()); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}

func TestParseAPITokens(t *testing.T) {
	t.Parallel()

	tokens, err := ParseAPITokens("tok-a:clinic-a:dr-stone, tok-b:clinic-b:dr-vega")
	if err != nil {
		t.Fatalf("ParseAPITokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	if got := tokens["tok-a"]; got != [2]string{"clinic-a", "dr-stone"} {
		t.Errorf("tok-a = %v", got)
	}

	if _, err := ParseAPITokens("tok-only"); err == nil {
		t.Error("expected error for malformed entry")
	}
	if _, err := ParseAPITokens("tok::actor"); err == nil {
		t.Error("expected error for empty tenant")
	}

	empty, err := ParseAPITokens("  ")
	if err != nil || empty != nil {
		t.Errorf("blank input: tokens = %v, err = %v", empty, err)
	}
}
