// Package engine walks a prepared pipeline graph: it resolves a handler for
// the current node, executes it, merges the outcome into the shared context,
// persists per-node status to the run directory, and follows the selected
// edge until an exit node (or a dead end) terminates the run.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/strongdm/attractor/internal/attractor/cond"
	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// defaultMaxSteps bounds the node loop when neither the options nor the
// graph set a limit. Exceeding the bound is a fatal error, not a routable
// outcome: a graph that hits it is cycling.
const defaultMaxSteps = 1000

const defaultStallCheckInterval = 5 * time.Second

type RunOptions struct {
	// RunID is a globally unique filesystem-safe identifier. If empty, one
	// is generated (ULID).
	RunID string

	// LogsRoot defaults to:
	//   ${XDG_STATE_HOME:-$HOME/.local/state}/attractor/runs/<run_id>
	LogsRoot string

	// WorkDir is where tool commands execute. Empty means the process
	// working directory; nodes may still override with a cwd attr.
	WorkDir string

	// GraphBaseDir anchors relative prompt_file paths, typically the
	// directory the graph file was loaded from. Recorded in the manifest so
	// resume resolves the same files.
	GraphBaseDir string

	// MaxSteps bounds the number of node executions per run. Zero means
	// the graph's max_steps attr, else the built-in default.
	MaxSteps int

	// StageTimeout caps every handler attempt. Zero means no global cap;
	// per-node timeout attrs still apply. The smaller positive value wins.
	StageTimeout time.Duration

	// Watchdog for no-progress stalls. Zero disables the watchdog.
	StallTimeout       time.Duration
	StallCheckInterval time.Duration

	// ArchiveEnabled tars the run directory next to itself once the run
	// reaches a terminal state.
	ArchiveEnabled      bool
	ArchiveExcludeGlobs []string
}

func (o *RunOptions) applyDefaults() error {
	if o.RunID == "" {
		o.RunID = NewRunID()
	}
	if strings.ContainsAny(o.RunID, "/\\") {
		return fmt.Errorf("run id must be filesystem-safe: %q", o.RunID)
	}
	if o.LogsRoot == "" {
		o.LogsRoot = DefaultLogsRoot(o.RunID)
	}
	if o.MaxSteps < 0 {
		o.MaxSteps = 0
	}
	if o.StageTimeout < 0 {
		o.StageTimeout = 0
	}
	if o.StallTimeout < 0 {
		o.StallTimeout = 0
	}
	if o.StallCheckInterval <= 0 {
		o.StallCheckInterval = defaultStallCheckInterval
	}
	return nil
}

// NewRunID returns a fresh lowercase ULID. ULIDs sort by creation time, so
// run directories list chronologically.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}

type Engine struct {
	Graph *model.Graph

	Options RunOptions

	// Original DOT input (pre-transforms), captured for replay and resume.
	DotSource []byte

	// Optional: the config used to start the run. Snapshotted into the run
	// directory so resume sees the same knobs.
	RunConfig *RunConfigFile

	RunDir   *rundir.Dir
	LogsRoot string
	WorkDir  string

	Context *runtime.Context

	Registry *HandlerRegistry

	// Backend for codergen nodes. Defaults to the simulated backend;
	// integrators swap in a real one before Run.
	CodergenBackend CodergenBackend

	Interviewer Interviewer

	warningsMu sync.Mutex
	Warnings   []string

	// Fingerprint of DotSource, stamped into every checkpoint so resume can
	// refuse a mismatched graph.
	graphFP string

	// Per-node retry counts. Persisted via checkpoint so counts survive
	// resume; reset to zero when a node finally succeeds.
	retries map[string]int

	stepsTaken               int
	terminalOutcomePersisted bool

	progressMu sync.Mutex
	// Guarded by progressMu.
	lastProgressAt time.Time
	progressSink   func(map[string]any)
}

func newBaseEngine(g *model.Graph, dotSource []byte, opts RunOptions) *Engine {
	return &Engine{
		Graph:           g,
		Options:         opts,
		DotSource:       append([]byte(nil), dotSource...),
		LogsRoot:        opts.LogsRoot,
		WorkDir:         opts.WorkDir,
		Context:         runtime.NewContext(),
		Registry:        NewDefaultRegistry(),
		CodergenBackend: &SimulatedCodergenBackend{},
		Interviewer:     &AutoApproveInterviewer{},
		retries:         map[string]int{},
	}
}

// SetProgressSink mirrors every progress event to fn, in addition to the
// progress.ndjson / live.json files. fn must not block.
func (e *Engine) SetProgressSink(fn func(map[string]any)) {
	e.progressMu.Lock()
	e.progressSink = fn
	e.progressMu.Unlock()
}

type Result struct {
	RunID       string
	LogsRoot    string
	FinalStatus runtime.FinalStatus
	LastNode    string
	Steps       int
	Warnings    []string
}

// Run parses, prepares, and executes a pipeline graph to its terminal state.
func Run(ctx context.Context, dotSource []byte, opts RunOptions) (*Result, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	g, _, err := PrepareWithOptions(dotSource, PrepareOptions{
		Transforms: []Transform{PromptFileTransform{BaseDir: opts.GraphBaseDir}},
	})
	if err != nil {
		return nil, err
	}
	eng := newBaseEngine(g, dotSource, opts)
	return eng.run(ctx)
}

func (e *Engine) run(ctx context.Context) (res *Result, err error) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	defer func() {
		if err != nil {
			e.persistFatalOutcome(err)
		}
	}()

	rd, err := rundir.Create(e.LogsRoot)
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	e.RunDir = rd
	if werr := writeRunPID(e.LogsRoot); werr != nil {
		e.warnf("write run.pid: %v", werr)
	}

	// Snapshot the inputs for repeatability and resume.
	if len(e.DotSource) > 0 {
		if werr := os.WriteFile(filepath.Join(e.LogsRoot, "graph.dot"), e.DotSource, 0o644); werr != nil {
			return nil, fmt.Errorf("snapshot graph.dot: %w", werr)
		}
	}
	if e.RunConfig != nil {
		if werr := writeJSON(filepath.Join(e.LogsRoot, "run_config.json"), e.RunConfig); werr != nil {
			e.warnf("snapshot run_config.json: %v", werr)
		}
	}
	e.graphFP = graphFingerprint(e.DotSource)

	if err := e.writeManifest(); err != nil {
		return nil, err
	}

	// Mirror graph attributes into context so conditions can address them
	// as context.graph.<attr>.
	for k, v := range e.Graph.Attrs {
		e.Context.Set("graph."+k, v)
	}
	e.Context.Set("run_id", e.Options.RunID)

	start, err := e.Graph.StartNode()
	if err != nil {
		return nil, err
	}

	e.setLastProgressTime(time.Now().UTC())
	if e.Options.StallTimeout > 0 {
		go e.runStallWatchdog(runCtx, cancelRun, e.Options.StallTimeout, e.Options.StallCheckInterval)
	}

	e.appendProgress(map[string]any{
		"event":      "run_started",
		"graph":      e.Graph.Name,
		"start_node": start.ID,
		"node_count": len(e.Graph.Nodes),
		"max_steps":  e.maxSteps(),
	})

	return e.runLoop(runCtx, start.ID, nil)
}

// runLoop is the orchestration state machine. Each iteration executes one
// node, persists its status before anything can observe an advance, and
// routes to the next node. completed carries over from resume.
func (e *Engine) runLoop(ctx context.Context, current string, completed []string) (*Result, error) {
	maxSteps := e.maxSteps()
	e.stepsTaken = len(completed)

	for {
		if err := runContextError(ctx); err != nil {
			return nil, err
		}
		node := e.Graph.Nodes[current]
		if node == nil {
			return nil, fmt.Errorf("missing node: %s", current)
		}
		if len(completed) >= maxSteps {
			return nil, fmt.Errorf("max steps exceeded (%d) at node %s: likely a graph cycle", maxSteps, current)
		}

		prev := ""
		if len(completed) > 0 {
			prev = completed[len(completed)-1]
		}
		e.Context.Set("previous_node", prev)
		e.Context.Set("current_node", current)

		e.appendProgress(map[string]any{
			"event":   "node_started",
			"node_id": node.ID,
			"type":    node.HandlerType(),
			"step":    len(completed) + 1,
		})

		out, err := e.executeWithRetry(ctx, node)
		if err != nil {
			return nil, err
		}
		if err := runContextError(ctx); err != nil {
			return nil, err
		}

		completed = append(completed, node.ID)
		e.stepsTaken = len(completed)

		// Merge context updates, then the routing built-ins handlers and
		// conditions read back.
		e.Context.ApplyUpdates(out.ContextUpdates)
		e.Context.Set("outcome", string(out.Status))
		e.Context.Set("preferred_label", out.PreferredLabel)
		e.Context.Set("failure_reason", out.FailureReason)
		e.Context.Set("completed_nodes", append([]string{}, completed...))

		// Persist before advancing: an observer reading the run directory
		// always sees a consistent prefix of completed nodes.
		if werr := e.RunDir.WriteStatus(node.ID, out); werr != nil {
			return nil, fmt.Errorf("write status for %s: %w", node.ID, werr)
		}
		if cerr := e.checkpoint(node.ID, completed); cerr != nil {
			return nil, cerr
		}

		e.appendProgress(map[string]any{
			"event":          "node_completed",
			"node_id":        node.ID,
			"status":         string(out.Status),
			"failure_reason": out.FailureReason,
			"step":           len(completed),
		})

		if isExitNode(node) {
			return e.finishSuccess(node.ID, len(completed))
		}

		// Parallel nodes control their own next hop: the fan-out handler
		// publishes the join node it ran the branches toward.
		if node.HandlerType() == "parallel" {
			join := strings.TrimSpace(e.Context.GetString("parallel.join_node", ""))
			if join == "" {
				return nil, fmt.Errorf("parallel node %s published no join node", node.ID)
			}
			e.appendProgress(map[string]any{
				"event":      "edge_selected",
				"from_node":  node.ID,
				"to_node":    join,
				"hop_source": "parallel_join",
			})
			current = join
			continue
		}

		next, err := selectNextEdge(e.Graph, node.ID, out, e.Context)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if out.Status == runtime.StatusFail {
				if target := resolveRetryTarget(e.Graph, node); target != "" {
					e.appendProgress(map[string]any{
						"event":      "edge_selected",
						"from_node":  node.ID,
						"to_node":    target,
						"hop_source": "retry_target",
					})
					current = target
					continue
				}
				ferr := fmt.Errorf("stage %s failed with no outgoing fail edge: %s", node.ID, out.FailureReason)
				e.persistTerminalOutcome(runtime.FinalOutcome{
					Status:        runtime.FinalFail,
					RunID:         e.Options.RunID,
					LastNode:      node.ID,
					Steps:         len(completed),
					FailureReason: ferr.Error(),
				})
				return nil, ferr
			}
			// A leaf on the success path terminates the run cleanly.
			return e.finishSuccess(node.ID, len(completed))
		}

		e.appendProgress(map[string]any{
			"event":      "edge_selected",
			"from_node":  node.ID,
			"to_node":    next.To,
			"label":      next.Label,
			"condition":  next.Condition,
			"hop_source": "selector",
		})
		current = next.To
	}
}

func (e *Engine) finishSuccess(lastNode string, steps int) (*Result, error) {
	e.persistTerminalOutcome(runtime.FinalOutcome{
		Status:   runtime.FinalSuccess,
		RunID:    e.Options.RunID,
		LastNode: lastNode,
		Steps:    steps,
	})
	return &Result{
		RunID:       e.Options.RunID,
		LogsRoot:    e.LogsRoot,
		FinalStatus: runtime.FinalSuccess,
		LastNode:    lastNode,
		Steps:       steps,
		Warnings:    e.warningsCopy(),
	}, nil
}

// executeNode runs one handler attempt: node dir setup, panic recovery,
// stage timeout, and the authoritative status.json re-read. Routable
// failures come back as outcomes; the error return is reserved for
// infrastructure problems that must abort the run.
func (e *Engine) executeNode(ctx context.Context, node *model.Node) (runtime.Outcome, error) {
	runCtx := ctx
	timeout := effectiveStageTimeout(node, e.Options.StageTimeout)
	if timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx = cctx
	}

	h := e.Registry.Resolve(node)
	if h == nil {
		err := fmt.Errorf("no handler for node %s (type %q)", node.ID, node.HandlerType())
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, err
	}

	stageDir := e.RunDir.NodeDir(node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, err
	}
	// Nodes may execute multiple times (retry policy, retry_target loops).
	// A stale status.json from a prior attempt must never be mistaken for
	// this attempt's result.
	_ = os.Remove(filepath.Join(stageDir, "status.json"))

	var (
		out runtime.Outcome
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(rdebug.Stack())
				_ = os.WriteFile(filepath.Join(stageDir, "panic.txt"), []byte(fmt.Sprintf("%v\n\n%s", r, stack)), 0o644)
				out = runtime.Outcome{
					Status:        runtime.StatusFail,
					FailureReason: fmt.Sprintf("panic: %v", r),
					Notes:         "handler panic recovered",
				}
				err = nil
			}
		}()

		out, err = h.Execute(ctx, &Execution{
			Graph:    e.Graph,
			Context:  e.Context,
			RunDir:   e.RunDir,
			LogsRoot: e.LogsRoot,
			WorkDir:  e.WorkDir,
			Engine:   e,
		}, node)
	}()
	if err != nil {
		if rerr := runContextError(runCtx); rerr != nil {
			return out, rerr
		}
		if ctx.Err() == context.DeadlineExceeded {
			// Stage timeout is routable: the pipeline may have a branch for
			// it. Handlers that map their own timeouts never reach here.
			out = runtime.Outcome{
				Status:        runtime.StatusFail,
				FailureReason: fmt.Sprintf("stage timed out after %s: %v", timeout, err),
			}
			err = nil
		} else {
			return out, err
		}
	}

	// If the handler (or a subprocess it launched) wrote status.json, that
	// file is authoritative over the returned value. It must pass schema
	// validation first: external writers get a precise complaint in the
	// warnings instead of a silent misroute.
	if b, readErr := os.ReadFile(filepath.Join(stageDir, "status.json")); readErr == nil {
		if verr := ValidateStatusJSON(b); verr != nil {
			e.warnf("node %s wrote invalid status.json: %v", node.ID, verr)
		} else if parsed, decErr := runtime.DecodeOutcomeJSON(b); decErr == nil {
			out = parsed
		} else {
			e.warnf("node %s wrote malformed status.json: %v", node.ID, decErr)
		}
	}

	out, cerr := out.Canonicalize()
	if cerr != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: cerr.Error()}, cerr
	}
	if (out.Status == runtime.StatusFail || out.Status == runtime.StatusRetry) && ctx.Err() == context.DeadlineExceeded {
		out.Meta["timeout"] = true
		if timeout > 0 {
			out.Meta["timeout_seconds"] = int(timeout.Seconds())
		}
	}
	// Coerce contract violations instead of aborting: a fail without a
	// reason still has to route somewhere.
	if verr := out.Validate(); verr != nil {
		if strings.TrimSpace(out.FailureReason) == "" {
			out.FailureReason = verr.Error()
		}
	}
	return out, nil
}

// executeWithRetry wraps executeNode with the bounded per-node retry
// policy: fail/retry outcomes re-invoke the same handler (never re-route)
// up to max_retries, sleeping an exponential backoff between attempts.
func (e *Engine) executeWithRetry(ctx context.Context, node *model.Node) (runtime.Outcome, error) {
	h := e.Registry.Resolve(node)
	if s, ok := h.(SingleExecutionHandler); ok && s.SkipRetry() {
		// Pass-through routing points execute exactly once.
		return e.executeNode(ctx, node)
	}

	maxRetries := node.AttrInt("max_retries", 0)
	if maxRetries == 0 {
		maxRetries = parseInt(e.Graph.Attrs["default_max_retry"], 0)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxAttempts := maxRetries + 1
	allowPartial := node.AttrBool("allow_partial", false)

	var out runtime.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.appendProgress(map[string]any{
			"event":   "stage_attempt_start",
			"node_id": node.ID,
			"attempt": attempt,
			"max":     maxAttempts,
		})
		var err error
		out, err = e.executeNode(ctx, node)
		if err != nil {
			return out, err
		}
		e.appendProgress(map[string]any{
			"event":          "stage_attempt_end",
			"node_id":        node.ID,
			"attempt":        attempt,
			"max":            maxAttempts,
			"status":         string(out.Status),
			"failure_reason": out.FailureReason,
		})
		if err := runContextError(ctx); err != nil {
			return out, err
		}

		if out.Status != runtime.StatusFail && out.Status != runtime.StatusRetry {
			e.retries[node.ID] = 0
			return out, nil
		}
		if attempt == maxAttempts {
			break
		}

		e.retries[node.ID]++
		delay := backoffDelayForNode(e.Options.RunID, e.Graph, node, attempt)
		e.appendProgress(map[string]any{
			"event":     "retry_scheduled",
			"node_id":   node.ID,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"retries":   e.retries[node.ID],
			"max_retry": maxRetries,
		})
		if !sleepWithContext(ctx, delay) {
			return out, runContextError(ctx)
		}
	}

	if allowPartial {
		po, _ := (runtime.Outcome{
			Status:        runtime.StatusPartialSuccess,
			Notes:         "retries exhausted, partial accepted",
			FailureReason: out.FailureReason,
		}).Canonicalize()
		return po, nil
	}
	if out.Status == runtime.StatusRetry {
		out.Status = runtime.StatusFail
		if strings.TrimSpace(out.FailureReason) == "" {
			out.FailureReason = "retry limit exceeded"
		} else {
			out.FailureReason = fmt.Sprintf("retry limit exceeded: %s", out.FailureReason)
		}
	}
	fo, _ := out.Canonicalize()
	return fo, nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func runContextError(ctx context.Context) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// checkpoint persists the resumable run state after every completed node.
func (e *Engine) checkpoint(nodeID string, completed []string) error {
	cp := runtime.Checkpoint{
		Version:        runtime.CheckpointVersion,
		RunID:          e.Options.RunID,
		CurrentNode:    nodeID,
		CompletedNodes: append([]string{}, completed...),
		NodeRetries:    copyStringIntMap(e.retries),
		ContextValues:  e.Context.Snapshot(),
		Logs:           e.Context.Logs(),
		GraphFP:        e.graphFP,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := cp.Save(e.RunDir.CheckpointPath()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.appendProgress(map[string]any{
		"event":   "checkpoint_saved",
		"node_id": nodeID,
		"steps":   len(completed),
	})
	return nil
}

func (e *Engine) writeManifest() error {
	m := rundir.Manifest{
		Name:      e.Graph.Name,
		Goal:      e.Graph.Attrs["goal"],
		GraphDir:  e.Options.GraphBaseDir,
		StartTime: time.Now().UTC(),
	}
	if strings.TrimSpace(m.Name) == "" {
		m.Name = e.Options.RunID
	}
	return e.RunDir.WriteManifest(m)
}

// persistFatalOutcome records a hard-error abort. Routable failures never
// come through here; they terminate via runLoop with a full FinalOutcome.
func (e *Engine) persistFatalOutcome(runErr error) {
	if e == nil || runErr == nil || e.terminalOutcomePersisted {
		return
	}
	lastNode := ""
	if e.Context != nil {
		lastNode = strings.TrimSpace(e.Context.GetString("current_node", ""))
	}
	e.persistTerminalOutcome(runtime.FinalOutcome{
		Status:        runtime.FinalFail,
		RunID:         e.Options.RunID,
		LastNode:      lastNode,
		Steps:         e.stepsTaken,
		FailureReason: strings.TrimSpace(runErr.Error()),
	})
}

func (e *Engine) persistTerminalOutcome(final runtime.FinalOutcome) {
	if e == nil || e.terminalOutcomePersisted {
		return
	}
	e.terminalOutcomePersisted = true

	if final.Timestamp.IsZero() {
		final.Timestamp = time.Now().UTC()
	}
	if strings.TrimSpace(final.RunID) == "" {
		final.RunID = e.Options.RunID
	}
	if strings.TrimSpace(e.LogsRoot) != "" {
		if err := final.Save(filepath.Join(e.LogsRoot, "final.json")); err != nil {
			e.warnf("write final.json: %v", err)
		}
	}

	ev := map[string]any{
		"event":     "run_completed",
		"status":    string(final.Status),
		"last_node": final.LastNode,
		"steps":     final.Steps,
	}
	if final.Status != runtime.FinalSuccess {
		ev["event"] = "run_failed"
		ev["failure_reason"] = final.FailureReason
	}
	e.appendProgress(ev)

	if e.Options.ArchiveEnabled {
		if path, err := e.archiveRun(); err != nil {
			e.warnf("archive run: %v", err)
		} else if path != "" {
			e.appendProgress(map[string]any{
				"event":   "run_archived",
				"archive": path,
			})
		}
	}
}

// runStallWatchdog cancels the run when no progress event lands within
// stallTimeout. It observes the same clock appendProgress feeds, so any
// event from any component (branches included) resets the deadline.
func (e *Engine) runStallWatchdog(ctx context.Context, cancel context.CancelCauseFunc, stallTimeout, checkEvery time.Duration) {
	if e == nil || cancel == nil || stallTimeout <= 0 {
		return
	}
	if checkEvery <= 0 {
		checkEvery = defaultStallCheckInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := e.lastProgressTime()
			if last.IsZero() {
				e.setLastProgressTime(time.Now().UTC())
				continue
			}
			idle := time.Since(last)
			if idle < stallTimeout {
				continue
			}
			e.appendProgress(map[string]any{
				"event":            "stall_abort",
				"stall_timeout_ms": stallTimeout.Milliseconds(),
				"idle_ms":          idle.Milliseconds(),
			})
			cancel(fmt.Errorf("stall watchdog: no progress within %s", stallTimeout))
			return
		}
	}
}

func (e *Engine) maxSteps() int {
	if e.Options.MaxSteps > 0 {
		return e.Options.MaxSteps
	}
	if e.Graph != nil {
		if n := parseInt(e.Graph.Attrs["max_steps"], 0); n > 0 {
			return n
		}
	}
	return defaultMaxSteps
}

// graphFingerprint hashes the original DOT source. Resume compares
// fingerprints so a checkpoint is never replayed onto an edited graph.
func graphFingerprint(dotSource []byte) string {
	sum := blake3.Sum256(dotSource)
	return hex.EncodeToString(sum[:])
}

func effectiveStageTimeout(node *model.Node, global time.Duration) time.Duration {
	nodeTimeout := time.Duration(0)
	if node != nil {
		nodeTimeout = node.AttrDuration("timeout", 0)
	}
	return minPositiveDuration(nodeTimeout, global)
}

func minPositiveDuration(a, b time.Duration) time.Duration {
	switch {
	case a > 0 && b > 0:
		if a < b {
			return a
		}
		return b
	case a > 0:
		return a
	case b > 0:
		return b
	default:
		return 0
	}
}

func isExitNode(n *model.Node) bool {
	if n == nil {
		return false
	}
	if n.HandlerType() == "exit" {
		return true
	}
	return strings.EqualFold(n.ID, "exit") || strings.EqualFold(n.ID, "end")
}

// resolveRetryTarget names the recovery node for a failure that selected no
// edge: the node's retry_target attr, else the graph-wide fallback.
func resolveRetryTarget(g *model.Graph, n *model.Node) string {
	if n != nil {
		if t := strings.TrimSpace(n.Attr("retry_target", "")); t != "" {
			return t
		}
	}
	if g != nil {
		return strings.TrimSpace(g.Attrs["fallback_retry_target"])
	}
	return ""
}

// selectNextEdge picks the next hop from a node's outgoing edges. Priority:
//
//  1. conditional edges whose condition evaluates true (best by tie-break)
//  2. outcome.preferred_label matched against every edge's normalized label
//  3. outcome.suggested_next_ids, in order, matched against every edge's target
//  4. unconditional edges (best by tie-break)
//  5. every edge regardless of condition (best by tie-break)
//
// Steps 2 and 3 scan all edges, not just the survivors of step 1, so a
// handler's explicit preference can route onto a conditional edge whose
// condition just failed. Returns nil when the node has no outgoing edges.
func selectNextEdge(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) (*model.Edge, error) {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil, nil
	}
	byOrder := append([]*model.Edge{}, edges...)
	sort.SliceStable(byOrder, func(i, j int) bool { return byOrder[i].Order < byOrder[j].Order })

	var condMatched []*model.Edge
	for _, ed := range byOrder {
		if ed == nil || strings.TrimSpace(ed.Condition) == "" {
			continue
		}
		if cond.Evaluate(ed.Condition, out, ctx) {
			condMatched = append(condMatched, ed)
		}
	}
	if len(condMatched) > 0 {
		return bestEdge(condMatched), nil
	}

	if want := normalizeLabel(out.PreferredLabel); want != "" {
		for _, ed := range byOrder {
			if ed != nil && normalizeLabel(ed.Label) == want {
				return ed, nil
			}
		}
	}

	for _, suggested := range out.SuggestedNextIDs {
		for _, ed := range byOrder {
			if ed != nil && ed.To == suggested {
				return ed, nil
			}
		}
	}

	var uncond []*model.Edge
	for _, ed := range byOrder {
		if ed != nil && strings.TrimSpace(ed.Condition) == "" {
			uncond = append(uncond, ed)
		}
	}
	if len(uncond) > 0 {
		return bestEdge(uncond), nil
	}

	return bestEdge(byOrder), nil
}

// selectAllEligibleEdges returns the candidate set the selector would pick
// from, before the tie-break. Validation and tooling use it to explain
// routing; selectNextEdge(g, ...) == bestEdge(selectAllEligibleEdges(g, ...))
// except in steps 2-3 where the first match wins outright.
func selectAllEligibleEdges(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) []*model.Edge {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil
	}
	byOrder := append([]*model.Edge{}, edges...)
	sort.SliceStable(byOrder, func(i, j int) bool { return byOrder[i].Order < byOrder[j].Order })

	var condMatched []*model.Edge
	for _, ed := range byOrder {
		if ed == nil || strings.TrimSpace(ed.Condition) == "" {
			continue
		}
		if cond.Evaluate(ed.Condition, out, ctx) {
			condMatched = append(condMatched, ed)
		}
	}
	if len(condMatched) > 0 {
		return condMatched
	}

	if want := normalizeLabel(out.PreferredLabel); want != "" {
		for _, ed := range byOrder {
			if ed != nil && normalizeLabel(ed.Label) == want {
				return []*model.Edge{ed}
			}
		}
	}

	for _, suggested := range out.SuggestedNextIDs {
		for _, ed := range byOrder {
			if ed != nil && ed.To == suggested {
				return []*model.Edge{ed}
			}
		}
	}

	var uncond []*model.Edge
	for _, ed := range byOrder {
		if ed != nil && strings.TrimSpace(ed.Condition) == "" {
			uncond = append(uncond, ed)
		}
	}
	if len(uncond) > 0 {
		return uncond
	}

	return byOrder
}

// bestEdge reduces a non-empty candidate set: weight descending, then
// target id lexically ascending, then declaration order. The single shared
// tie-break for every selector step.
func bestEdge(edges []*model.Edge) *model.Edge {
	if len(edges) == 0 {
		return nil
	}
	sorted := append([]*model.Edge{}, edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		if sorted[i].To != sorted[j].To {
			return sorted[i].To < sorted[j].To
		}
		return sorted[i].Order < sorted[j].Order
	})
	return sorted[0]
}

// normalizeLabel lowercases, trims, and strips at most one accelerator
// prefix: "[x] ", "x) ", or "x - ". Applied identically to edge labels and
// preferred labels before comparison.
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "] "); i > 1 && !strings.ContainsAny(s[1:i], " \t") {
			return strings.TrimSpace(s[i+2:])
		}
	}
	if len(s) >= 3 && s[1] == ')' && s[2] == ' ' {
		return strings.TrimSpace(s[3:])
	}
	if len(s) >= 4 && s[1] == ' ' && s[2] == '-' && s[3] == ' ' {
		return strings.TrimSpace(s[4:])
	}
	return s
}

func writeJSON(path string, v any) error {
	return runtime.WriteJSONAtomicFile(path, v)
}

func copyStringIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

// DefaultLogsRoot is where a run's directory lands when no logs root is
// given: ${XDG_STATE_HOME:-$HOME/.local/state}/attractor/runs/<run_id>.
func DefaultLogsRoot(runID string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "attractor", "runs", runID)
}
