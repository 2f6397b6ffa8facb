package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// Execution carries the per-run collaborators a handler may need. Handlers
// must treat Graph as immutable and must not write to Context directly;
// state flows back through Outcome.ContextUpdates and the engine merges it
// between steps.
type Execution struct {
	Graph    *model.Graph
	Context  *runtime.Context
	RunDir   *rundir.Dir
	LogsRoot string
	WorkDir  string
	Engine   *Engine
}

// ensureNodeDir returns the node's artifact directory, creating it on first
// use so handlers can drop files before any status has been written.
func (x *Execution) ensureNodeDir(nodeID string) (string, error) {
	dir := x.RunDir.NodeDir(nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create node dir: %w", err)
	}
	return dir, nil
}

type Handler interface {
	Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error)
}

// SingleExecutionHandler is an optional interface that handlers implement to
// declare they should bypass retry logic (execute exactly once). Conditional
// pass-through nodes are the canonical example.
type SingleExecutionHandler interface {
	Handler
	SkipRetry() bool
}

type HandlerRegistry struct {
	handlers       map[string]Handler
	defaultHandler Handler
}

// NewDefaultRegistry returns a registry with the built-in handlers bound to
// their type strings: start, exit, conditional, tool, parallel.fan_in, and
// codergen (which is also the fallback for unmapped types). Handlers that
// need runtime collaborators, such as the parallel fan-out and the human
// gate, are registered by the engine bootstrap instead.
func NewDefaultRegistry() *HandlerRegistry {
	reg := &HandlerRegistry{
		handlers: map[string]Handler{},
	}
	reg.Register("start", &StartHandler{})
	reg.Register("exit", &ExitHandler{})
	reg.Register("conditional", &ConditionalHandler{})
	reg.Register("tool", &ToolHandler{})
	reg.Register("parallel.fan_in", &FanInHandler{})
	reg.defaultHandler = &CodergenHandler{}
	reg.Register("codergen", reg.defaultHandler)
	return reg
}

func (r *HandlerRegistry) Register(typeString string, h Handler) {
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[typeString] = h
}

// RegisterDefault sets the fallback handler used when a node's type has no
// explicit registration.
func (r *HandlerRegistry) RegisterDefault(h Handler) {
	r.defaultHandler = h
}

// KnownTypes returns the list of registered handler type strings.
// Used by the validate package's TypeKnownRule to check node type overrides.
func (r *HandlerRegistry) KnownTypes() []string {
	if r == nil || r.handlers == nil {
		return nil
	}
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Resolve maps a node to its handler via the node's resolved handler type,
// falling back to the default handler. A nil result means the registry was
// built without a default; the engine treats that as a fatal configuration
// error rather than a retryable failure.
func (r *HandlerRegistry) Resolve(n *model.Node) Handler {
	if n == nil {
		return r.defaultHandler
	}
	if h, ok := r.handlers[n.HandlerType()]; ok {
		return h
	}
	return r.defaultHandler
}

type StartHandler struct{}

func (h *StartHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: "start"}, nil
}

type ExitHandler struct{}

func (h *ExitHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: "exit"}, nil
}

type ConditionalHandler struct{}

// SkipRetry implements SingleExecutionHandler. Conditional nodes re-emit a
// prior outcome, so a retry always reproduces the same result.
func (h *ConditionalHandler) SkipRetry() bool { return true }

// Execute re-emits the previous stage's outcome fields so that the edge
// conditions leaving a conditional node can still see them. Overwriting the
// prior status with an unconditional success would make `outcome=fail`
// branches unreachable.
func (h *ConditionalHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	_ = ctx
	_ = node

	prevStatus := runtime.StatusSuccess
	prevPreferred := ""
	prevFailure := ""
	if exec != nil && exec.Context != nil {
		if st, err := runtime.ParseStageStatus(exec.Context.GetString("outcome", "")); err == nil && st != "" {
			prevStatus = st
		}
		prevPreferred = exec.Context.GetString("preferred_label", "")
		prevFailure = exec.Context.GetString("failure_reason", "")
	}

	return runtime.Outcome{
		Status:         prevStatus,
		PreferredLabel: prevPreferred,
		FailureReason:  prevFailure,
		Notes:          "conditional pass-through",
	}, nil
}

// CodergenBackend produces the content for a codergen node. Run returns the
// raw response text plus an optional explicit outcome; when the outcome is
// nil the handler synthesizes one (or defers to a status.json the backend
// wrote into the node directory). A non-nil error marks a backend-level
// failure that pipeline authors can route around, not a hard engine error.
type CodergenBackend interface {
	Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (string, *runtime.Outcome, error)
}

// SimulatedCodergenBackend is the default stand-in used when no real
// backend is registered. It succeeds deterministically, which keeps graphs
// runnable end-to-end without external services.
type SimulatedCodergenBackend struct{}

func (b *SimulatedCodergenBackend) Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (string, *runtime.Outcome, error) {
	_ = ctx
	_ = exec
	_ = prompt
	out := runtime.Outcome{Status: runtime.StatusSuccess, Notes: "simulated codergen completed"}
	return "[simulated] response for stage: " + node.ID, &out, nil
}

type CodergenHandler struct{}

func (h *CodergenHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	stageDir, err := exec.ensureNodeDir(node.ID)
	if err != nil {
		return runtime.Outcome{}, err
	}

	prompt := strings.TrimSpace(node.Attr("prompt", ""))
	if prompt == "" {
		prompt = strings.TrimSpace(node.Attr("label", ""))
	}
	if prompt == "" {
		prompt = node.ID
	}
	if err := os.WriteFile(filepath.Join(stageDir, "prompt.md"), []byte(prompt), 0o644); err != nil {
		return runtime.Outcome{}, fmt.Errorf("write prompt.md: %w", err)
	}

	var backend CodergenBackend
	if exec.Engine != nil {
		backend = exec.Engine.CodergenBackend
	}
	if backend == nil {
		backend = &SimulatedCodergenBackend{}
	}
	resp, out, err := backend.Run(ctx, exec, node, prompt)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}
	if strings.TrimSpace(resp) != "" {
		_ = os.WriteFile(filepath.Join(stageDir, "response.md"), []byte(resp), 0o644)
	}

	var result runtime.Outcome
	switch {
	case out != nil:
		result = *out
	case exec.RunDir.StatusExists(node.ID):
		// The backend signalled through status.json; the engine ingests the
		// file after this handler returns.
		result = runtime.Outcome{Status: runtime.StatusSuccess, Notes: "codergen completed (status.json written)"}
	default:
		result = runtime.Outcome{Status: runtime.StatusSuccess, Notes: "codergen completed"}
	}

	if result.ContextUpdates == nil {
		result.ContextUpdates = map[string]any{}
	}
	if _, ok := result.ContextUpdates["last_stage"]; !ok {
		result.ContextUpdates["last_stage"] = node.ID
	}
	if _, ok := result.ContextUpdates["last_response"]; !ok {
		result.ContextUpdates["last_response"] = truncate(resp, 200)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
