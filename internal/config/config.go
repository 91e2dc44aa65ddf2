// Package config loads the two file formats a cortex instance is
// configured from: a JSON tool-fleet manifest and a YAML list of
// recurring task specs. Both support ${VAR} / ${VAR:-default}
// environment interpolation, expanded before unmarshaling.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nevindra/cortex"
)

// defaultToolsPaths and defaultTasksPaths are the fixed search list
// Load walks, first match wins — the same discovery-list shape the
// teacher's own config loader uses for its single TOML file.
var (
	defaultToolsPaths = []string{"cortex.tools.json", "config/tools.json"}
	defaultTasksPaths = []string{"cortex.tasks.yaml", "config/tasks.yaml"}
)

// Config bundles everything loaded from disk: the tool server fleet
// and the recurring task specs.
type Config struct {
	ToolServers   []cortex.ToolServerConfig `json:"tool_servers"`
	RecurringTasks []cortex.RecurringTaskSpec
}

// Load walks the default search paths for a tools manifest and a tasks
// spec file, returning whatever it finds (either may be absent — a
// Runtime with no tool servers or no recurring tasks is valid).
func Load() (Config, error) {
	var cfg Config

	if path := firstExisting(defaultToolsPaths); path != "" {
		servers, err := LoadToolServers(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: load tool servers from %s: %w", path, err)
		}
		cfg.ToolServers = servers
	}

	if path := firstExisting(defaultTasksPaths); path != "" {
		specs, err := LoadRecurringTasks(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: load recurring tasks from %s: %w", path, err)
		}
		cfg.RecurringTasks = specs
	}

	return cfg, nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// toolServersFile is the on-disk JSON shape: a "servers" array of
// cortex.ToolServerConfig.
type toolServersFile struct {
	Servers []cortex.ToolServerConfig `json:"servers"`
}

// LoadToolServers reads and interpolates a JSON tool-fleet manifest.
func LoadToolServers(path string) ([]cortex.ToolServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := expandEnv(string(raw))

	var file toolServersFile
	if err := json.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("decode tool servers: %w", err)
	}
	for _, s := range file.Servers {
		if s.Name == "" {
			return nil, &cortex.ValidationError{Field: "name", Message: "tool server entry missing name"}
		}
	}
	return file.Servers, nil
}

// reservedScheduledTaskNames are recurring-task names a YAML file can
// never enable, no matter what its own "enabled" field says. Each one
// names a task capable of rewriting the runtime's own memory, guard
// configuration, or identity — self-directed introspection a human
// must opt into deliberately (by renaming the task), not something a
// checked-in config file should be able to flip on by itself.
var reservedScheduledTaskNames = map[string]bool{
	"self_audit":           true,
	"memory_consolidation": true,
	"guard_update":         true,
}

// LoadRecurringTasks reads and interpolates a YAML recurring-task spec
// list, then drops every spec left disabled (explicitly, or forced off
// because its name is reserved).
func LoadRecurringTasks(path string) ([]cortex.RecurringTaskSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := expandEnv(string(raw))

	var specs []cortex.RecurringTaskSpec
	if err := yaml.Unmarshal([]byte(expanded), &specs); err != nil {
		return nil, fmt.Errorf("decode recurring tasks: %w", err)
	}

	enabled := make([]cortex.RecurringTaskSpec, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, &cortex.ValidationError{Field: "name", Message: "recurring task entry missing name"}
		}
		if reservedScheduledTaskNames[s.Name] {
			disabled := false
			s.Enabled = &disabled
		}
		if !s.IsEnabled() {
			continue
		}
		enabled = append(enabled, s)
	}
	return enabled, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv replaces every ${VAR} or ${VAR:-default} occurrence in s
// with the named environment variable's value, or its default (with
// the leading ":-" stripped) if the variable is unset or empty.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if def != "" {
			return def[2:] // strip the leading ":-"
		}
		return ""
	})
}
