// Package config resolves the tool server's configuration by merging a
// user-global file with a project-local file, project winning per key.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	"github.com/llamar/toolserver/internal/logging"
)

// BackupCount is the number of rotated backups kept for the global config file.
const BackupCount = 5

// RateLimitConfig holds the windowed caps for one provider.
type RateLimitConfig struct {
	TokensPerHour     int `json:"tokens_per_hour"`
	RequestsPerMinute int `json:"requests_per_minute"`
}

// SubagentsConfig holds child-process policy for the subagent supervisor.
type SubagentsConfig struct {
	Enabled        bool     `json:"enabled"`
	MaxConcurrent  int      `json:"max_concurrent"`
	TimeoutMinutes int      `json:"timeout_minutes"`
	AllowNested    bool     `json:"allow_nested"`
	DefaultTools   []string `json:"default_tools"`
	BasePort       int      `json:"base_port"`
}

// Config is the fully-merged, default-filled configuration.
type Config struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	ContextFiles []string `json:"context_files"`

	ApprovalMode   string            `json:"approval_mode"` // allow | ask | deny
	DangerousTools []string          `json:"dangerous_tools"`
	Permissions    map[string]string `json:"permissions"` // tool -> allow|ask|deny

	AllowedPaths []string `json:"allowed_paths"`
	DeniedPaths  []string `json:"denied_paths"`

	SkillTimeout int  `json:"skill_timeout"`
	DryRun       bool `json:"dry_run"`

	RateLimits map[string]RateLimitConfig `json:"rate_limits"`

	Subagents SubagentsConfig `json:"subagents"`

	ContextWarnPct    int `json:"context_warn_pct"`
	ContextHighPct    int `json:"context_high_pct"`
	ContextCritPct    int `json:"context_crit_pct"`
	ContextCompactPct int `json:"context_compact_pct"`
}

// Defaults returns the built-in configuration used before any file is merged in.
func Defaults() *Config {
	return &Config{
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-20250514",
		ContextFiles:   []string{"AGENTS.md", "CLAUDE.md"},
		ApprovalMode:   "allow",
		DangerousTools: []string{"bash", "write_file"},
		Permissions:    map[string]string{},
		AllowedPaths:   []string{},
		DeniedPaths:    []string{},
		SkillTimeout:   30,
		DryRun:         false,
		RateLimits:     map[string]RateLimitConfig{},
		Subagents: SubagentsConfig{
			Enabled:        true,
			MaxConcurrent:  3,
			TimeoutMinutes: 15,
			AllowNested:    false,
			DefaultTools:   []string{"read_file", "write_file", "list_files", "grep_files", "bash"},
			BasePort:       9100,
		},
		ContextWarnPct:    50,
		ContextHighPct:    75,
		ContextCritPct:    90,
		ContextCompactPct: 95,
	}
}

// GlobalPath returns ~/.llamar/config.json.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".llamar", "config.json"), nil
}

// ProjectPath returns <cwd>/.llamar/config.json.
func ProjectPath(cwd string) string {
	return filepath.Join(cwd, ".llamar", "config.json")
}

// Load merges the global config into the project config (project wins per
// key) over hard-coded defaults. Load is a pure function of the two files'
// contents: same inputs always produce the same Config. Malformed JSON in
// either file is treated as empty and logged, never aborts startup.
func Load(cwd string) (*Config, error) {
	cfg := Defaults()

	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}

	if global := readLayer(globalPath); global != nil {
		if err := mergo.Merge(cfg, global, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge global config: %w", err)
		}
	}

	projectPath := ProjectPath(cwd)
	if project := readLayer(projectPath); project != nil {
		if err := mergo.Merge(cfg, project, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge project config: %w", err)
		}
	}

	return cfg, nil
}

// readLayer reads and parses one config file layer. A missing file is not
// logged; a present-but-malformed file is logged and treated as empty.
func readLayer(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var layer Config
	if err := json.Unmarshal(data, &layer); err != nil {
		logging.L_warn("config: malformed JSON, ignoring layer", "path", path, "error", err)
		return nil
	}
	return &layer
}

// Save writes cfg to path atomically, rotating up to BackupCount prior
// versions of the existing file first.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return BackupAndWriteJSON(path, cfg, BackupCount)
}
