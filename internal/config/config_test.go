package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("CORTEX_TEST_VAR", "resolved")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain var", "${CORTEX_TEST_VAR}", "resolved"},
		{"default unused", "${CORTEX_TEST_VAR:-fallback}", "resolved"},
		{"default used", "${CORTEX_MISSING_VAR:-fallback}", "fallback"},
		{"missing no default", "${CORTEX_MISSING_VAR}", ""},
		{"no interpolation", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnv(tt.in); got != tt.want {
				t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadToolServers(t *testing.T) {
	t.Setenv("CORTEX_TEST_TOKEN", "secret123")

	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	body := `{
		"servers": [
			{"name": "git", "transport": "stdio", "command": "git-mcp-server", "args": ["--token", "${CORTEX_TEST_TOKEN}"]},
			{"name": "search", "transport": "sse", "url": "https://example.test/mcp", "headers": {"Authorization": "Bearer ${CORTEX_TEST_TOKEN}"}}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	servers, err := LoadToolServers(path)
	if err != nil {
		t.Fatalf("LoadToolServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Args[1] != "secret123" {
		t.Errorf("expected interpolated token, got %q", servers[0].Args[1])
	}
	if servers[1].Headers["Authorization"] != "Bearer secret123" {
		t.Errorf("expected interpolated header, got %q", servers[1].Headers["Authorization"])
	}
}

func TestLoadToolServersRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	os.WriteFile(path, []byte(`{"servers": [{"transport": "stdio", "command": "x"}]}`), 0644)

	if _, err := LoadToolServers(path); err == nil {
		t.Fatal("expected error for tool server missing name")
	}
}

func TestLoadRecurringTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	body := `
- name: morning-briefing
  instruction: Summarize overnight activity.
  policy: cron
  cron: "0 7 * * *"
  user_id: owner
- name: health-check
  instruction: Ping dependent services.
  policy: every
  every: 1h
  user_id: owner
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	specs, err := LoadRecurringTasks(path)
	if err != nil {
		t.Fatalf("LoadRecurringTasks: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Cron != "0 7 * * *" {
		t.Errorf("unexpected cron: %q", specs[0].Cron)
	}
	if specs[1].Every != "1h" {
		t.Errorf("unexpected every: %q", specs[1].Every)
	}
}

func TestLoadMissingFilesIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	old, _ := os.Getwd()
	defer os.Chdir(old)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ToolServers) != 0 || len(cfg.RecurringTasks) != 0 {
		t.Errorf("expected empty config with no files present, got %+v", cfg)
	}
}
