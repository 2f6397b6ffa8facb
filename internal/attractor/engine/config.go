package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunConfigFile is the operator-facing run configuration, loaded from YAML
// or JSON. Unknown keys are errors in both formats: a typoed knob should
// fail loudly, not silently fall back to a default.
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	// Name overrides the manifest name (defaults to the graph name).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Graph is the DOT file path, resolved relative to the config file.
	Graph string `json:"graph,omitempty" yaml:"graph,omitempty"`

	LogsRoot string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`
	WorkDir  string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`

	StageTimeoutMS       *int `json:"stage_timeout_ms,omitempty" yaml:"stage_timeout_ms,omitempty"`
	StallTimeoutMS       *int `json:"stall_timeout_ms,omitempty" yaml:"stall_timeout_ms,omitempty"`
	StallCheckIntervalMS *int `json:"stall_check_interval_ms,omitempty" yaml:"stall_check_interval_ms,omitempty"`

	Retry   RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Human   HumanConfig   `json:"human,omitempty" yaml:"human,omitempty"`
	Archive ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// RetryConfig sets run-wide retry defaults. Node attrs always win; these
// land as graph-level fallbacks.
type RetryConfig struct {
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Backoff    BackoffConfigFile `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

type BackoffConfigFile struct {
	InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     *int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// HumanConfig selects how wait.human nodes get their answers.
type HumanConfig struct {
	// Mode is "auto" (first option / default choice, no blocking) or
	// "file" (watch nodes/<id>/answer for an operator-written reply).
	Mode          string `json:"mode,omitempty" yaml:"mode,omitempty"`
	TimeoutMS     *int   `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	DefaultChoice string `json:"default_choice,omitempty" yaml:"default_choice,omitempty"`
}

type ArchiveConfig struct {
	Enabled      bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`
}

const (
	HumanModeAuto = "auto"
	HumanModeFile = "file"
)

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, &cfg)
	case ".yaml", ".yml":
		err = decodeYAMLStrict(b, &cfg)
	default:
		// Extensionless configs get a content sniff: JSON documents start
		// with an object brace, everything else is treated as YAML.
		if looksLikeJSON(b) {
			err = decodeJSONStrict(b, &cfg)
		} else {
			err = decodeYAMLStrict(b, &cfg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load run config %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("run config %s: %w", path, err)
	}
	return &cfg, nil
}

func looksLikeJSON(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c == '{'
	}
	return false
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.StageTimeoutMS == nil {
		v := 0
		cfg.StageTimeoutMS = &v
	}
	if cfg.StallTimeoutMS == nil {
		v := 0
		cfg.StallTimeoutMS = &v
	}
	if cfg.StallCheckIntervalMS == nil {
		v := 5000
		cfg.StallCheckIntervalMS = &v
	}
	cfg.Human.Mode = strings.ToLower(strings.TrimSpace(cfg.Human.Mode))
	if cfg.Human.Mode == "" {
		cfg.Human.Mode = HumanModeAuto
	}
	cfg.Archive.ExcludeGlobs = trimNonEmpty(cfg.Archive.ExcludeGlobs)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be >= 0")
	}
	if *cfg.StageTimeoutMS < 0 {
		return fmt.Errorf("stage_timeout_ms must be >= 0")
	}
	if *cfg.StallTimeoutMS < 0 {
		return fmt.Errorf("stall_timeout_ms must be >= 0")
	}
	if *cfg.StallCheckIntervalMS < 0 {
		return fmt.Errorf("stall_check_interval_ms must be >= 0")
	}
	if *cfg.StallTimeoutMS > 0 && *cfg.StallCheckIntervalMS == 0 {
		return fmt.Errorf("stall_check_interval_ms must be > 0 when stall_timeout_ms > 0")
	}
	if cfg.Retry.MaxRetries != nil && *cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if cfg.Retry.Backoff.InitialDelayMS != nil && *cfg.Retry.Backoff.InitialDelayMS < 0 {
		return fmt.Errorf("retry.backoff.initial_delay_ms must be >= 0")
	}
	if cfg.Retry.Backoff.MaxDelayMS != nil && *cfg.Retry.Backoff.MaxDelayMS < 0 {
		return fmt.Errorf("retry.backoff.max_delay_ms must be >= 0")
	}
	if cfg.Retry.Backoff.BackoffFactor != nil && *cfg.Retry.Backoff.BackoffFactor < 1.0 {
		return fmt.Errorf("retry.backoff.backoff_factor must be >= 1.0")
	}
	switch cfg.Human.Mode {
	case HumanModeAuto, HumanModeFile:
	default:
		return fmt.Errorf("invalid human.mode: %q (want auto|file)", cfg.Human.Mode)
	}
	if cfg.Human.TimeoutMS != nil && *cfg.Human.TimeoutMS < 0 {
		return fmt.Errorf("human.timeout_ms must be >= 0")
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
