package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/strongdm/attractor/internal/attractor/model"
)

// RunWithConfig executes a run using the run configuration file schema.
// Overrides beat the config; the config beats built-in defaults.
func RunWithConfig(ctx context.Context, dotSource []byte, cfg *RunConfigFile, overrides RunOptions) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	opts := RunOptions{
		LogsRoot:            cfg.LogsRoot,
		WorkDir:             cfg.WorkDir,
		MaxSteps:            cfg.MaxSteps,
		StageTimeout:        durationFromOptionalMS(cfg.StageTimeoutMS),
		StallTimeout:        durationFromOptionalMS(cfg.StallTimeoutMS),
		StallCheckInterval:  durationFromOptionalMS(cfg.StallCheckIntervalMS),
		ArchiveEnabled:      cfg.Archive.Enabled,
		ArchiveExcludeGlobs: append([]string{}, cfg.Archive.ExcludeGlobs...),
	}
	if overrides.RunID != "" {
		opts.RunID = overrides.RunID
	}
	if overrides.LogsRoot != "" {
		opts.LogsRoot = overrides.LogsRoot
	}
	if overrides.WorkDir != "" {
		opts.WorkDir = overrides.WorkDir
	}
	if overrides.GraphBaseDir != "" {
		opts.GraphBaseDir = overrides.GraphBaseDir
	}
	if overrides.MaxSteps > 0 {
		opts.MaxSteps = overrides.MaxSteps
	}
	if overrides.StageTimeout > 0 {
		opts.StageTimeout = overrides.StageTimeout
	}
	if overrides.StallTimeout > 0 {
		opts.StallTimeout = overrides.StallTimeout
	}
	if overrides.StallCheckInterval > 0 {
		opts.StallCheckInterval = overrides.StallCheckInterval
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	g, _, err := PrepareWithOptions(dotSource, PrepareOptions{
		Transforms: []Transform{PromptFileTransform{BaseDir: opts.GraphBaseDir}},
	})
	if err != nil {
		return nil, err
	}

	applyConfigGraphDefaults(cfg, g)
	if cfg.Name != "" {
		g.Name = cfg.Name
	}

	eng := newBaseEngine(g, dotSource, opts)
	eng.RunConfig = cfg
	if cfg.Human.Mode == HumanModeFile {
		eng.Interviewer = &FileInterviewer{
			Root:    opts.LogsRoot,
			Timeout: durationFromOptionalMS(cfg.Human.TimeoutMS),
		}
	}

	return eng.run(ctx)
}

// applyConfigGraphDefaults lands config-level retry knobs as graph attrs so
// the node-attr/graph-attr resolution in the retry path stays the single
// source of truth. Attrs already present in the DOT win.
func applyConfigGraphDefaults(cfg *RunConfigFile, g *model.Graph) {
	if cfg == nil || g == nil {
		return
	}
	setIfMissing := func(key, val string) {
		if val == "" {
			return
		}
		if _, ok := g.Attrs[key]; !ok {
			g.Attrs[key] = val
		}
	}
	if cfg.Retry.MaxRetries != nil {
		setIfMissing("default_max_retry", strconv.Itoa(*cfg.Retry.MaxRetries))
	}
	if cfg.Retry.Backoff.InitialDelayMS != nil {
		setIfMissing("retry.backoff.initial_delay_ms", strconv.Itoa(*cfg.Retry.Backoff.InitialDelayMS))
	}
	if cfg.Retry.Backoff.BackoffFactor != nil {
		setIfMissing("retry.backoff.backoff_factor", strconv.FormatFloat(*cfg.Retry.Backoff.BackoffFactor, 'f', -1, 64))
	}
	if cfg.Retry.Backoff.MaxDelayMS != nil {
		setIfMissing("retry.backoff.max_delay_ms", strconv.Itoa(*cfg.Retry.Backoff.MaxDelayMS))
	}
	if cfg.Retry.Backoff.Jitter != nil {
		setIfMissing("retry.backoff.jitter", strconv.FormatBool(*cfg.Retry.Backoff.Jitter))
	}
	if cfg.Human.DefaultChoice != "" {
		setIfMissing("human.default_choice", cfg.Human.DefaultChoice)
	}
}

func durationFromOptionalMS(ms *int) time.Duration {
	if ms == nil || *ms <= 0 {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}
