package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// Resume continues an interrupted run from its directory. Sources of truth:
//
//   - checkpoint.json: loop position, completed nodes, retry counters, context
//   - nodes/<last>/status.json: the last node's outcome, re-read for routing
//   - graph.dot: the snapshotted pipeline, fingerprint-checked against the
//     checkpoint so an edited graph is refused
//
// The last completed node is never re-executed; resume re-selects its
// outgoing edge and continues the loop from there.
func Resume(ctx context.Context, logsRoot string) (*Result, error) {
	logsRoot = strings.TrimSpace(logsRoot)
	if logsRoot == "" {
		return nil, fmt.Errorf("resume: empty logs root")
	}
	if _, err := os.Stat(filepath.Join(logsRoot, "final.json")); err == nil {
		return nil, fmt.Errorf("resume: run already reached a terminal state (final.json exists)")
	}

	rd, err := rundir.Open(logsRoot)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	m, err := rd.ReadManifest()
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	rawCP, err := os.ReadFile(rd.CheckpointPath())
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if err := ValidateCheckpointJSON(rawCP); err != nil {
		return nil, fmt.Errorf("resume: checkpoint.json: %w", err)
	}
	cp, err := runtime.LoadCheckpoint(rd.CheckpointPath())
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	dotSource, err := os.ReadFile(filepath.Join(logsRoot, "graph.dot"))
	if err != nil {
		return nil, fmt.Errorf("resume: read graph snapshot: %w", err)
	}
	if cp.GraphFP != "" && cp.GraphFP != graphFingerprint(dotSource) {
		return nil, fmt.Errorf("resume: graph.dot does not match checkpoint fingerprint %s", cp.GraphFP)
	}

	g, _, err := PrepareWithOptions(dotSource, PrepareOptions{
		Transforms: []Transform{PromptFileTransform{BaseDir: m.GraphDir}},
	})
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	// The snapshotted run config restores the knobs the run started with.
	// Absence is fine (direct Run calls snapshot no config).
	var cfg *RunConfigFile
	cfgWarning := ""
	cfgPath := filepath.Join(logsRoot, "run_config.json")
	if _, serr := os.Stat(cfgPath); serr == nil {
		loaded, lerr := LoadRunConfigFile(cfgPath)
		if lerr != nil {
			cfgWarning = fmt.Sprintf("resume: ignoring run_config.json: %v", lerr)
		} else {
			cfg = loaded
		}
	}

	opts := RunOptions{RunID: cp.RunID, LogsRoot: logsRoot, GraphBaseDir: m.GraphDir}
	if cfg != nil {
		opts.WorkDir = cfg.WorkDir
		opts.MaxSteps = cfg.MaxSteps
		opts.StageTimeout = durationFromOptionalMS(cfg.StageTimeoutMS)
		opts.StallTimeout = durationFromOptionalMS(cfg.StallTimeoutMS)
		opts.StallCheckInterval = durationFromOptionalMS(cfg.StallCheckIntervalMS)
		opts.ArchiveEnabled = cfg.Archive.Enabled
		opts.ArchiveExcludeGlobs = append([]string{}, cfg.Archive.ExcludeGlobs...)
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	applyConfigGraphDefaults(cfg, g)
	if cfg != nil && cfg.Name != "" {
		g.Name = cfg.Name
	}

	eng := newBaseEngine(g, dotSource, opts)
	eng.RunDir = rd
	eng.RunConfig = cfg
	eng.graphFP = graphFingerprint(dotSource)
	eng.retries = copyStringIntMap(cp.NodeRetries)
	eng.stepsTaken = len(cp.CompletedNodes)
	if cfg != nil && cfg.Human.Mode == HumanModeFile {
		eng.Interviewer = &FileInterviewer{
			Root:    opts.LogsRoot,
			Timeout: durationFromOptionalMS(cfg.Human.TimeoutMS),
		}
	}
	if cfgWarning != "" {
		eng.Warn(cfgWarning)
	}

	eng.Context.ReplaceSnapshot(cp.ContextValues, cp.Logs)
	for k, v := range g.Attrs {
		eng.Context.Set("graph."+k, v)
	}
	eng.Context.Set("run_id", opts.RunID)

	return eng.resumeLoop(ctx, cp)
}

// resumeLoop re-routes from the checkpointed node and rejoins the main loop.
// Split from Resume so the fatal-outcome defer brackets exactly the part
// that can fail mid-run.
func (e *Engine) resumeLoop(ctx context.Context, cp *runtime.Checkpoint) (res *Result, err error) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	defer func() {
		if err != nil {
			e.persistFatalOutcome(err)
		}
	}()

	if werr := writeRunPID(e.LogsRoot); werr != nil {
		e.warnf("write run.pid: %v", werr)
	}

	lastID := strings.TrimSpace(cp.CurrentNode)
	if lastID == "" {
		return nil, fmt.Errorf("resume: checkpoint missing current_node")
	}
	lastNode := e.Graph.Nodes[lastID]
	if lastNode == nil {
		return nil, fmt.Errorf("resume: checkpoint node %s not in graph", lastID)
	}
	completed := append([]string{}, cp.CompletedNodes...)

	e.setLastProgressTime(time.Now().UTC())
	if e.Options.StallTimeout > 0 {
		go e.runStallWatchdog(runCtx, cancelRun, e.Options.StallTimeout, e.Options.StallCheckInterval)
	}

	e.appendProgress(map[string]any{
		"event":      "run_started",
		"resumed":    true,
		"graph":      e.Graph.Name,
		"from_node":  lastID,
		"steps_done": len(completed),
		"max_steps":  e.maxSteps(),
	})

	// Crash window: status.json and checkpoint landed but final.json did not.
	if isExitNode(lastNode) {
		return e.finishSuccess(lastID, len(completed))
	}

	// Parallel nodes control their own next hop through the restored context.
	if lastNode.HandlerType() == "parallel" {
		join := strings.TrimSpace(e.Context.GetString("parallel.join_node", ""))
		if join == "" {
			return nil, fmt.Errorf("resume: parallel node %s has no join node in checkpoint context", lastID)
		}
		e.appendProgress(map[string]any{
			"event":      "edge_selected",
			"from_node":  lastID,
			"to_node":    join,
			"hop_source": "parallel_join",
		})
		return e.runLoop(runCtx, join, completed)
	}

	lastOut, err := e.RunDir.ReadStatus(lastID)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	next, err := selectNextEdge(e.Graph, lastID, lastOut, e.Context)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if lastOut.Status == runtime.StatusFail {
			if target := resolveRetryTarget(e.Graph, lastNode); target != "" {
				e.appendProgress(map[string]any{
					"event":      "edge_selected",
					"from_node":  lastID,
					"to_node":    target,
					"hop_source": "retry_target",
				})
				return e.runLoop(runCtx, target, completed)
			}
			ferr := fmt.Errorf("stage %s failed with no outgoing fail edge: %s", lastID, lastOut.FailureReason)
			e.persistTerminalOutcome(runtime.FinalOutcome{
				Status:        runtime.FinalFail,
				RunID:         e.Options.RunID,
				LastNode:      lastID,
				Steps:         len(completed),
				FailureReason: ferr.Error(),
			})
			return nil, ferr
		}
		return e.finishSuccess(lastID, len(completed))
	}

	e.appendProgress(map[string]any{
		"event":      "edge_selected",
		"from_node":  lastID,
		"to_node":    next.To,
		"label":      next.Label,
		"condition":  next.Condition,
		"hop_source": "selector",
	})
	return e.runLoop(runCtx, next.To, completed)
}
