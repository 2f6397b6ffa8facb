package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

const parallelDOT = `digraph par {
	start [shape=Mdiamond]
	fan [shape=component, max_parallel=2]
	alpha [tool_command="printf '{\"status\":\"success\",\"context_updates\":{\"score\":3}}' > \"$ATTRACTOR_RUN_ROOT/nodes/$ATTRACTOR_NODE_ID/status.json\""]
	beta [tool_command="printf '{\"status\":\"success\",\"context_updates\":{\"score\":9}}' > \"$ATTRACTOR_RUN_ROOT/nodes/$ATTRACTOR_NODE_ID/status.json\""]
	join [shape=tripleoctagon]
	exit [shape=Msquare]
	start -> fan
	fan -> alpha
	fan -> beta
	alpha -> join
	beta -> join
	join -> exit
}`

func TestRun_ParallelFanOutSelectsBestBranch(t *testing.T) {
	res, err, root := runPipeline(t, parallelDOT, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess || res.LastNode != "exit" {
		t.Fatalf("result %+v, want success at exit", res)
	}
	// Branch nodes run inside the fan-out; the main walk is
	// start, fan, join, exit.
	if res.Steps != 4 {
		t.Fatalf("steps %d, want 4", res.Steps)
	}

	fanOut := readNodeStatus(t, root, "fan")
	if fanOut.Status != runtime.StatusSuccess {
		t.Fatalf("fan status %+v", fanOut)
	}
	if !strings.Contains(fanOut.Notes, "parallel fan-out complete (2 branches), join=join") {
		t.Fatalf("fan notes %q", fanOut.Notes)
	}

	joinOut := readNodeStatus(t, root, "join")
	if joinOut.Status != runtime.StatusSuccess {
		t.Fatalf("join status %+v", joinOut)
	}
	if joinOut.Notes != "Selected best candidate: beta" {
		t.Fatalf("join notes %q", joinOut.Notes)
	}

	rd, err := rundir.Open(root)
	if err != nil {
		t.Fatalf("open run dir: %v", err)
	}
	cp, err := runtime.LoadCheckpoint(rd.CheckpointPath())
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.ContextValues["parallel.fan_in.best_id"] != "beta" {
		t.Fatalf("best_id %v", cp.ContextValues["parallel.fan_in.best_id"])
	}
	if cp.ContextValues["parallel.fan_in.best_outcome"] != "success" {
		t.Fatalf("best_outcome %v", cp.ContextValues["parallel.fan_in.best_outcome"])
	}

	// Fan-out persists the ranked candidates sorted by target.
	b, err := os.ReadFile(filepath.Join(root, "nodes", "fan", "parallel_results.json"))
	if err != nil {
		t.Fatalf("read parallel_results.json: %v", err)
	}
	var results []branchResult
	if err := json.Unmarshal(b, &results); err != nil {
		t.Fatalf("decode parallel_results.json: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results %+v", results)
	}
	if results[0].Target != "alpha" || results[0].Score != 3 || results[0].BranchKey != "alpha" {
		t.Fatalf("alpha result %+v", results[0])
	}
	if results[1].Target != "beta" || results[1].Score != 9 || results[1].BranchKey != "beta" {
		t.Fatalf("beta result %+v", results[1])
	}
	for _, r := range results {
		if r.Outcome != string(runtime.StatusSuccess) {
			t.Fatalf("branch %s outcome %q", r.Target, r.Outcome)
		}
	}

	// Each branch gets its own numbered run directory with the usual layout.
	for i, want := range []struct{ dir, node string }{
		{"01-alpha", "alpha"},
		{"02-beta", "beta"},
	} {
		branchRoot := filepath.Join(root, "nodes", "fan", "branches", want.dir)
		if results[i].LogsRoot != branchRoot {
			t.Fatalf("branch %s logs root %q, want %q", want.node, results[i].LogsRoot, branchRoot)
		}
		brd, err := rundir.Open(branchRoot)
		if err != nil {
			t.Fatalf("open branch dir %s: %v", want.dir, err)
		}
		out, err := brd.ReadStatus(want.node)
		if err != nil {
			t.Fatalf("branch %s status: %v", want.node, err)
		}
		if out.Status != runtime.StatusSuccess {
			t.Fatalf("branch %s status %+v", want.node, out)
		}
		if _, err := os.Stat(filepath.Join(branchRoot, "progress.ndjson")); err != nil {
			t.Fatalf("branch progress stream: %v", err)
		}
	}

	events := readProgress(t, root)
	var joinHop bool
	for _, ev := range eventsNamed(events, "edge_selected") {
		if ev["from_node"] == "fan" && ev["to_node"] == "join" && ev["hop_source"] == "parallel_join" {
			joinHop = true
		}
	}
	if !joinHop {
		t.Fatalf("no parallel_join edge_selected event")
	}

	// Branch events are mirrored into the parent stream under their key.
	mirrored := map[string]bool{}
	for _, ev := range eventsNamed(events, "branch_progress") {
		key := eventField(ev, "branch_key")
		if key == "" || eventField(ev, "branch_event") == "" {
			t.Fatalf("branch_progress missing key or inner event: %v", ev)
		}
		if eventField(ev, "branch_event") == "stage_attempt_start" {
			mirrored[key] = true
		}
	}
	if !mirrored["alpha"] || !mirrored["beta"] {
		t.Fatalf("mirrored stage_attempt_start per branch: %v", mirrored)
	}
}

func TestRun_ParallelAllBranchesFailAborts(t *testing.T) {
	src := `digraph par {
		start [shape=Mdiamond]
		fan [shape=component]
		a [tool_command="exit 1"]
		b [tool_command="exit 2"]
		join [shape=tripleoctagon]
		exit [shape=Msquare]
		start -> fan [weight=1]
		start -> exit
		fan -> a
		fan -> b
		a -> join
		b -> join
	}`
	res, err, root := runPipeline(t, src, nil)
	if err == nil {
		t.Fatalf("want run failure, got %+v", res)
	}
	if !strings.Contains(err.Error(), "all parallel candidates failed") {
		t.Fatalf("error %v", err)
	}
	if !strings.Contains(err.Error(), "no outgoing fail edge") {
		t.Fatalf("error %v", err)
	}

	fin := readFinal(t, root)
	if fin.Status != runtime.FinalFail || fin.LastNode != "join" {
		t.Fatalf("final %+v", fin)
	}

	joinOut := readNodeStatus(t, root, "join")
	if joinOut.Status != runtime.StatusFail || joinOut.FailureReason != "all parallel candidates failed" {
		t.Fatalf("join status %+v", joinOut)
	}

	b, err := os.ReadFile(filepath.Join(root, "nodes", "fan", "parallel_results.json"))
	if err != nil {
		t.Fatalf("read parallel_results.json: %v", err)
	}
	var results []branchResult
	if err := json.Unmarshal(b, &results); err != nil {
		t.Fatalf("decode parallel_results.json: %v", err)
	}
	for _, r := range results {
		if r.Outcome != string(runtime.StatusFail) {
			t.Fatalf("branch %s outcome %q, want fail", r.Target, r.Outcome)
		}
		if !strings.Contains(r.FailureReason, "tool_command failed") {
			t.Fatalf("branch %s failure reason %q", r.Target, r.FailureReason)
		}
	}
}

func TestRun_ParallelPartialWinnerWhenBestIsNotSuccess(t *testing.T) {
	src := `digraph par {
		start [shape=Mdiamond]
		fan [shape=component]
		a [tool_command="printf '{\"status\":\"partial_success\",\"context_updates\":{\"score\":5}}' > \"$ATTRACTOR_RUN_ROOT/nodes/$ATTRACTOR_NODE_ID/status.json\""]
		b [tool_command="exit 1"]
		join [shape=tripleoctagon]
		exit [shape=Msquare]
		start -> fan
		fan -> a
		fan -> b
		a -> join
		b -> join
		join -> exit
	}`
	res, err, root := runPipeline(t, src, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final %q", res.FinalStatus)
	}

	joinOut := readNodeStatus(t, root, "join")
	if joinOut.Status != runtime.StatusPartialSuccess {
		t.Fatalf("join status %+v, want partial_success", joinOut)
	}
	if joinOut.Notes != "Selected best candidate: a" {
		t.Fatalf("join notes %q", joinOut.Notes)
	}
	if joinOut.ContextUpdates["parallel.fan_in.best_id"] != "a" {
		t.Fatalf("best_id %v", joinOut.ContextUpdates["parallel.fan_in.best_id"])
	}
}

func TestSanitizeBranchKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"alpha", "alpha"},
		{"Alpha Branch!", "alpha-branch"},
		{"  Fast-Path_2.x  ", "fast-path_2.x"},
		{"--trim--", "trim"},
		{"---", ""},
		{"", ""},
		{"über", "ber"},
	}
	for _, tc := range cases {
		if got := sanitizeBranchKey(tc.in); got != tc.want {
			t.Fatalf("sanitizeBranchKey(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func fanInTyped(g *model.Graph, ids ...string) {
	for _, id := range ids {
		g.Nodes[id].Attrs["type"] = "parallel.fan_in"
	}
}

func TestFindJoinFanInNode_NearestWins(t *testing.T) {
	g := selGraph(t, []edgeSpec{
		{"fan", "a", nil},
		{"fan", "b", nil},
		{"a", "j1", nil},
		{"b", "j1", nil},
		{"a", "x", nil},
		{"x", "j2", nil},
		{"b", "j2", nil},
	})
	fanInTyped(g, "j1", "j2")

	got, err := findJoinFanInNode(g, g.Outgoing("fan"))
	if err != nil {
		t.Fatalf("findJoinFanInNode: %v", err)
	}
	if got != "j1" {
		t.Fatalf("join %q, want j1", got)
	}
}

func TestFindJoinFanInNode_SumDistanceThenLexicalTieBreak(t *testing.T) {
	// jx and jy are both one hop from each branch; lexical order decides.
	g := selGraph(t, []edgeSpec{
		{"fan", "a", nil},
		{"fan", "b", nil},
		{"a", "jy", nil},
		{"a", "jx", nil},
		{"b", "jy", nil},
		{"b", "jx", nil},
	})
	fanInTyped(g, "jx", "jy")

	got, err := findJoinFanInNode(g, g.Outgoing("fan"))
	if err != nil {
		t.Fatalf("findJoinFanInNode: %v", err)
	}
	if got != "jx" {
		t.Fatalf("join %q, want jx", got)
	}

	// Equal max distance, smaller total distance wins.
	g2 := selGraph(t, []edgeSpec{
		{"fan", "a", nil},
		{"fan", "b", nil},
		{"a", "near", nil},
		{"b", "m", nil},
		{"m", "n", nil},
		{"n", "near", nil},
		{"a", "p", nil},
		{"p", "q", nil},
		{"q", "far", nil},
		{"b", "r", nil},
		{"r", "s", nil},
		{"s", "far", nil},
	})
	fanInTyped(g2, "near", "far")

	got, err = findJoinFanInNode(g2, g2.Outgoing("fan"))
	if err != nil {
		t.Fatalf("findJoinFanInNode: %v", err)
	}
	if got != "near" {
		t.Fatalf("join %q, want near", got)
	}
}

func TestFindJoinFanInNode_NoCommonJoin(t *testing.T) {
	g := selGraph(t, []edgeSpec{
		{"fan", "a", nil},
		{"fan", "b", nil},
		{"a", "j1", nil},
		{"b", "other", nil},
	})
	fanInTyped(g, "j1")

	_, err := findJoinFanInNode(g, g.Outgoing("fan"))
	if err == nil || !strings.Contains(err.Error(), "no parallel.fan_in join node reachable from all branches") {
		t.Fatalf("error %v", err)
	}
}

func TestFanInRank(t *testing.T) {
	cases := []struct {
		outcome string
		want    int
	}{
		{"success", 0},
		{"partial_success", 1},
		{"retry", 2},
		{"fail", 3},
		{"skipped", 4},
		{"escalate", 5},
		{"", 5},
	}
	for _, tc := range cases {
		if got := fanInRank(tc.outcome); got != tc.want {
			t.Fatalf("fanInRank(%q)=%d, want %d", tc.outcome, got, tc.want)
		}
	}
}

func TestFanInLess(t *testing.T) {
	cases := []struct {
		name string
		a, b fanInCandidate
		want bool
	}{
		{
			name: "rank_beats_score",
			a:    fanInCandidate{Target: "a", Outcome: "success", Score: 0},
			b:    fanInCandidate{Target: "b", Outcome: "partial_success", Score: 100},
			want: true,
		},
		{
			name: "higher_score_within_rank",
			a:    fanInCandidate{Target: "a", Outcome: "success", Score: 2},
			b:    fanInCandidate{Target: "b", Outcome: "success", Score: 5},
			want: false,
		},
		{
			name: "target_breaks_full_tie",
			a:    fanInCandidate{Target: "a", Outcome: "fail", Score: 1},
			b:    fanInCandidate{Target: "b", Outcome: "fail", Score: 1},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fanInLess(tc.a, tc.b); got != tc.want {
				t.Fatalf("fanInLess=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeFanInCandidates(t *testing.T) {
	raw := []map[string]any{
		{"target": "b", "outcome": "OK", "score": "4.5"},
		{"target": "a", "outcome": "failure"},
		{"target": "c", "outcome": "Process", "score": json.Number("7")},
	}
	cands, err := decodeFanInCandidates(raw)
	if err != nil {
		t.Fatalf("decodeFanInCandidates: %v", err)
	}
	want := []fanInCandidate{
		{Target: "b", Outcome: "success", Score: 4.5},
		{Target: "a", Outcome: "fail", Score: 0},
		{Target: "c", Outcome: "process", Score: 7},
	}
	if len(cands) != len(want) {
		t.Fatalf("candidates %+v", cands)
	}
	for i := range want {
		if cands[i] != want[i] {
			t.Fatalf("candidate %d = %+v, want %+v", i, cands[i], want[i])
		}
	}

	// Native fan-out results decode through the same path.
	native, err := decodeFanInCandidates([]branchResult{{Target: "x", Outcome: "success", Score: 2}})
	if err != nil {
		t.Fatalf("decode native: %v", err)
	}
	if len(native) != 1 || native[0] != (fanInCandidate{Target: "x", Outcome: "success", Score: 2}) {
		t.Fatalf("native %+v", native)
	}

	if _, err := decodeFanInCandidates("nope"); err == nil {
		t.Fatalf("non-array input should error")
	}
}

func TestContextScore(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  float64
	}{
		{"float", 2.5, 2.5},
		{"int", 3, 3},
		{"number", json.Number("4.5"), 4.5},
		{"string", " 6 ", 6},
		{"junk_string", "high", 0},
		{"bool", true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := runtime.NewContext()
			c.Set("score", tc.value)
			if got := contextScore(c); got != tc.want {
				t.Fatalf("contextScore=%v, want %v", got, tc.want)
			}
		})
	}

	if got := contextScore(runtime.NewContext()); got != 0 {
		t.Fatalf("missing score should be 0, got %v", got)
	}
}

func TestFanInHandler_Execute(t *testing.T) {
	h := &FanInHandler{}
	node := model.NewNode("join")

	exec := &Execution{Context: runtime.NewContext()}
	out, err := h.Execute(context.Background(), exec, node)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != runtime.StatusFail || out.FailureReason != "No parallel results to evaluate" {
		t.Fatalf("missing results outcome %+v", out)
	}

	exec.Context.Set("parallel.results", []branchResult{})
	out, _ = h.Execute(context.Background(), exec, node)
	if out.FailureReason != "No parallel results to evaluate" {
		t.Fatalf("empty results outcome %+v", out)
	}

	exec.Context.Set("parallel.results", "garbage")
	out, _ = h.Execute(context.Background(), exec, node)
	if out.Status != runtime.StatusFail || !strings.Contains(out.FailureReason, "malformed parallel.results") {
		t.Fatalf("malformed outcome %+v", out)
	}

	exec.Context.Set("parallel.results", []branchResult{
		{Target: "a", Outcome: "fail"},
		{Target: "b", Outcome: "fail"},
	})
	out, _ = h.Execute(context.Background(), exec, node)
	if out.FailureReason != "all parallel candidates failed" {
		t.Fatalf("all-fail outcome %+v", out)
	}

	exec.Context.Set("parallel.results", []branchResult{
		{Target: "a", Outcome: "fail", Score: 50},
		{Target: "b", Outcome: "success", Score: 1},
		{Target: "c", Outcome: "success", Score: 3},
	})
	out, err = h.Execute(context.Background(), exec, node)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != runtime.StatusSuccess || out.Notes != "Selected best candidate: c" {
		t.Fatalf("winner outcome %+v", out)
	}
	if out.ContextUpdates["parallel.fan_in.best_id"] != "c" || out.ContextUpdates["parallel.fan_in.best_outcome"] != "success" {
		t.Fatalf("winner context %+v", out.ContextUpdates)
	}
}

func TestParallelHandler_GuardsExecutionState(t *testing.T) {
	h := &ParallelHandler{}

	out, err := h.Execute(context.Background(), nil, model.NewNode("fan"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != runtime.StatusFail || out.FailureReason != "parallel handler missing execution context" {
		t.Fatalf("nil exec outcome %+v", out)
	}

	g := model.NewGraph("p")
	fan := model.NewNode("fan")
	if err := g.AddNode(fan); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	exec := &Execution{Engine: &Engine{}, Graph: g, Context: runtime.NewContext()}
	out, err = h.Execute(context.Background(), exec, fan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.FailureReason != "parallel node has no outgoing edges" {
		t.Fatalf("no-edges outcome %+v", out)
	}
}
