package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

func nodeWith(id string, attrs map[string]string) *model.Node {
	n := model.NewNode(id)
	for k, v := range attrs {
		n.Attrs[k] = v
	}
	return n
}

func TestHandlerRegistry_Resolve(t *testing.T) {
	reg := NewDefaultRegistry()
	cases := []struct {
		name  string
		attrs map[string]string
		want  string
	}{
		{"type_attr_wins", map[string]string{"type": "tool", "shape": "box"}, "*engine.ToolHandler"},
		{"tool_command_infers_tool", map[string]string{"tool_command": "true", "shape": "box"}, "*engine.ToolHandler"},
		{"start_shape", map[string]string{"shape": "Mdiamond"}, "*engine.StartHandler"},
		{"exit_shape", map[string]string{"shape": "Msquare"}, "*engine.ExitHandler"},
		{"conditional_shape", map[string]string{"shape": "diamond"}, "*engine.ConditionalHandler"},
		{"fan_in_shape", map[string]string{"shape": "tripleoctagon"}, "*engine.FanInHandler"},
		{"box_defaults_to_codergen", map[string]string{"shape": "box"}, "*engine.CodergenHandler"},
		{"unknown_type_falls_back", map[string]string{"type": "bespoke.kind"}, "*engine.CodergenHandler"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := reg.Resolve(nodeWith("n", tc.attrs))
			if got := typeName(h); got != tc.want {
				t.Fatalf("handler %s, want %s", got, tc.want)
			}
		})
	}

	if got := typeName(reg.Resolve(nil)); got != "*engine.CodergenHandler" {
		t.Fatalf("nil node handler %s", got)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *ToolHandler:
		return "*engine.ToolHandler"
	case *StartHandler:
		return "*engine.StartHandler"
	case *ExitHandler:
		return "*engine.ExitHandler"
	case *ConditionalHandler:
		return "*engine.ConditionalHandler"
	case *FanInHandler:
		return "*engine.FanInHandler"
	case *CodergenHandler:
		return "*engine.CodergenHandler"
	default:
		return "unknown"
	}
}

func TestHandlerRegistry_KnownTypes(t *testing.T) {
	types := map[string]bool{}
	for _, tp := range NewDefaultRegistry().KnownTypes() {
		types[tp] = true
	}
	for _, want := range []string{"start", "exit", "conditional", "tool", "parallel.fan_in", "codergen"} {
		if !types[want] {
			t.Fatalf("missing %q in %v", want, types)
		}
	}

	var nilReg *HandlerRegistry
	if got := nilReg.KnownTypes(); got != nil {
		t.Fatalf("nil registry types %v", got)
	}
}

type staticHandler struct{ note string }

func (h *staticHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: h.note}, nil
}

func TestHandlerRegistry_RegisterDefault(t *testing.T) {
	reg := NewDefaultRegistry()
	reg.RegisterDefault(&staticHandler{note: "custom"})

	h := reg.Resolve(nodeWith("n", map[string]string{"type": "unmapped"}))
	out, err := h.Execute(context.Background(), nil, nil)
	if err != nil || out.Notes != "custom" {
		t.Fatalf("outcome %+v, err %v", out, err)
	}
}

func TestStartAndExitHandlers(t *testing.T) {
	start, err := (&StartHandler{}).Execute(context.Background(), nil, nil)
	if err != nil || start.Status != runtime.StatusSuccess || start.Notes != "start" {
		t.Fatalf("start %+v, err %v", start, err)
	}
	exit, err := (&ExitHandler{}).Execute(context.Background(), nil, nil)
	if err != nil || exit.Status != runtime.StatusSuccess || exit.Notes != "exit" {
		t.Fatalf("exit %+v, err %v", exit, err)
	}
}

func TestConditionalHandler_ReEmitsPriorOutcome(t *testing.T) {
	h := &ConditionalHandler{}
	if !h.SkipRetry() {
		t.Fatalf("conditional must skip retries")
	}

	cx := runtime.NewContext()
	cx.Set("outcome", "fail")
	cx.Set("preferred_label", "recover")
	cx.Set("failure_reason", "prior stage broke")

	out, err := h.Execute(context.Background(), &Execution{Context: cx}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != runtime.StatusFail || out.PreferredLabel != "recover" || out.FailureReason != "prior stage broke" {
		t.Fatalf("outcome %+v", out)
	}
	if out.Notes != "conditional pass-through" {
		t.Fatalf("notes %q", out.Notes)
	}
}

func TestConditionalHandler_DefaultsToSuccess(t *testing.T) {
	h := &ConditionalHandler{}

	out, err := h.Execute(context.Background(), nil, nil)
	if err != nil || out.Status != runtime.StatusSuccess {
		t.Fatalf("nil exec outcome %+v, err %v", out, err)
	}

	out, err = h.Execute(context.Background(), &Execution{Context: runtime.NewContext()}, nil)
	if err != nil || out.Status != runtime.StatusSuccess {
		t.Fatalf("empty context outcome %+v, err %v", out, err)
	}
}

func TestConditionalHandler_CustomStatusPassesThrough(t *testing.T) {
	cx := runtime.NewContext()
	cx.Set("outcome", "needs_review")

	out, err := (&ConditionalHandler{}).Execute(context.Background(), &Execution{Context: cx}, nil)
	if err != nil || out.Status != runtime.StageStatus("needs_review") {
		t.Fatalf("outcome %+v, err %v", out, err)
	}
}

func codergenExec(t *testing.T, eng *Engine) *Execution {
	t.Helper()
	rd, err := rundir.Create(filepath.Join(t.TempDir(), "run"))
	if err != nil {
		t.Fatal(err)
	}
	return &Execution{
		Context: runtime.NewContext(),
		RunDir:  rd,
		Engine:  eng,
	}
}

func TestCodergenHandler_PromptPrecedence(t *testing.T) {
	cases := []struct {
		name  string
		attrs map[string]string
		want  string
	}{
		{"prompt_attr", map[string]string{"prompt": "refactor the parser", "label": "ignored"}, "refactor the parser"},
		{"label_fallback", map[string]string{"label": "Build the thing"}, "Build the thing"},
		{"id_fallback", map[string]string{}, "stage-a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := codergenExec(t, nil)
			node := nodeWith("stage-a", tc.attrs)

			out, err := (&CodergenHandler{}).Execute(context.Background(), exec, node)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.Status != runtime.StatusSuccess || out.Notes != "simulated codergen completed" {
				t.Fatalf("outcome %+v", out)
			}

			promptData, err := os.ReadFile(filepath.Join(exec.RunDir.NodeDir("stage-a"), "prompt.md"))
			if err != nil {
				t.Fatalf("prompt.md: %v", err)
			}
			if string(promptData) != tc.want {
				t.Fatalf("prompt %q, want %q", promptData, tc.want)
			}

			respData, err := os.ReadFile(filepath.Join(exec.RunDir.NodeDir("stage-a"), "response.md"))
			if err != nil {
				t.Fatalf("response.md: %v", err)
			}
			if string(respData) != "[simulated] response for stage: stage-a" {
				t.Fatalf("response %q", respData)
			}

			if out.ContextUpdates["last_stage"] != "stage-a" {
				t.Fatalf("context updates %v", out.ContextUpdates)
			}
			if out.ContextUpdates["last_response"] != "[simulated] response for stage: stage-a" {
				t.Fatalf("context updates %v", out.ContextUpdates)
			}
		})
	}
}

type stubBackend struct {
	resp string
	out  *runtime.Outcome
	err  error
}

func (b *stubBackend) Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (string, *runtime.Outcome, error) {
	return b.resp, b.out, b.err
}

func TestCodergenHandler_BackendErrorIsRoutableFailure(t *testing.T) {
	eng := &Engine{CodergenBackend: &stubBackend{err: errors.New("model unavailable")}}
	exec := codergenExec(t, eng)

	out, err := (&CodergenHandler{}).Execute(context.Background(), exec, nodeWith("gen", nil))
	if err != nil {
		t.Fatalf("backend errors must not abort the engine: %v", err)
	}
	if out.Status != runtime.StatusFail || out.FailureReason != "model unavailable" {
		t.Fatalf("outcome %+v", out)
	}
}

func TestCodergenHandler_BackendOutcomeWins(t *testing.T) {
	eng := &Engine{CodergenBackend: &stubBackend{
		resp: "draft body",
		out: &runtime.Outcome{
			Status:         runtime.StatusPartialSuccess,
			Notes:          "half done",
			ContextUpdates: map[string]any{"last_stage": "overridden"},
		},
	}}
	exec := codergenExec(t, eng)

	out, err := (&CodergenHandler{}).Execute(context.Background(), exec, nodeWith("gen", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != runtime.StatusPartialSuccess || out.Notes != "half done" {
		t.Fatalf("outcome %+v", out)
	}
	// Backend-supplied updates keep their values; only the missing keys fill.
	if out.ContextUpdates["last_stage"] != "overridden" {
		t.Fatalf("context updates %v", out.ContextUpdates)
	}
	if out.ContextUpdates["last_response"] != "draft body" {
		t.Fatalf("context updates %v", out.ContextUpdates)
	}
}

func TestCodergenHandler_StatusFileSignal(t *testing.T) {
	eng := &Engine{CodergenBackend: &stubBackend{resp: "wrote my own status"}}
	exec := codergenExec(t, eng)
	if err := exec.RunDir.WriteStatus("gen", runtime.Outcome{Status: runtime.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	out, err := (&CodergenHandler{}).Execute(context.Background(), exec, nodeWith("gen", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Notes != "codergen completed (status.json written)" {
		t.Fatalf("outcome %+v", out)
	}
}

func TestCodergenHandler_TruncatesLongResponses(t *testing.T) {
	long := strings.Repeat("x", 300)
	eng := &Engine{CodergenBackend: &stubBackend{resp: long}}
	exec := codergenExec(t, eng)

	out, err := (&CodergenHandler{}).Execute(context.Background(), exec, nodeWith("gen", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := out.ContextUpdates["last_response"].(string)
	if len(got) != 200 || got != long[:200] {
		t.Fatalf("last_response length %d", len(got))
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		s    string
		n    int
		want string
	}{
		{"abc", 0, "abc"},
		{"abc", -1, "abc"},
		{"abc", 5, "abc"},
		{"abc", 3, "abc"},
		{"abcdef", 4, "abcd"},
	}
	for _, tc := range cases {
		if got := truncate(tc.s, tc.n); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.s, tc.n, got, tc.want)
		}
	}
}
