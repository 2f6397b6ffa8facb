package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// ParallelHandler fans a run out across every outgoing edge of the node.
// Each branch executes the subgraph between its entry node and the shared
// join node on a clone of the Context, inside its own run directory under
// nodes/<id>/branches/. Branches never touch the shared Context: results
// are collected after all branches finish and published once through
// ContextUpdates, which is the only write the fan-in node ever observes.
type ParallelHandler struct{}

// branchResult is both the fan-out bookkeeping record and the fan-in
// candidate shape: target, outcome, and score are what the fan-in ranks on.
type branchResult struct {
	Target        string         `json:"target"`
	Outcome       string         `json:"outcome"`
	Score         float64        `json:"score"`
	FailureReason string         `json:"failure_reason,omitempty"`
	BranchKey     string         `json:"branch_key"`
	LastNodeID    string         `json:"last_node_id,omitempty"`
	Completed     []string       `json:"completed_nodes,omitempty"`
	LogsRoot      string         `json:"logs_root,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (h *ParallelHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	if exec == nil || exec.Engine == nil || exec.Graph == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel handler missing execution context"}, nil
	}

	branches := exec.Graph.Outgoing(node.ID)
	if len(branches) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel node has no outgoing edges"}, nil
	}

	joinID, err := findJoinFanInNode(exec.Graph, branches)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}

	results, err := dispatchParallelBranches(ctx, exec, node, branches, joinID)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, err
	}

	stageDir, err := exec.ensureNodeDir(node.ID)
	if err != nil {
		return runtime.Outcome{}, err
	}
	if werr := writeJSON(filepath.Join(stageDir, "parallel_results.json"), results); werr != nil {
		exec.Engine.warnf("write parallel_results.json: %v", werr)
	}

	return runtime.Outcome{
		Status: runtime.StatusSuccess,
		Notes:  fmt.Sprintf("parallel fan-out complete (%d branches), join=%s", len(results), joinID),
		ContextUpdates: map[string]any{
			"parallel.join_node": joinID,
			"parallel.results":   results,
		},
	}, nil
}

// dispatchParallelBranches runs every branch edge in a worker pool bounded
// by the node's max_parallel attribute and waits for all of them. Results
// come back stably sorted so persistence and fan-in ranking are
// deterministic regardless of completion order.
func dispatchParallelBranches(ctx context.Context, exec *Execution, parallelNode *model.Node, branches []*model.Edge, joinID string) ([]branchResult, error) {
	maxParallel := parallelNode.AttrInt("max_parallel", 4)
	if maxParallel <= 0 {
		maxParallel = 4
	}

	type job struct {
		idx  int
		edge *model.Edge
	}

	usedKeys := map[string]int{}
	keys := make([]string, len(branches))
	for idx, e := range branches {
		key := sanitizeBranchKey(e.To)
		if key == "" {
			key = fmt.Sprintf("branch-%d", idx+1)
		}
		if n := usedKeys[key]; n > 0 {
			key = fmt.Sprintf("%s-%d", key, n+1)
		}
		usedKeys[sanitizeBranchKey(e.To)]++
		keys[idx] = key
	}

	jobs := make(chan job)
	results := make([]branchResult, len(branches))
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			if j.edge == nil {
				continue
			}
			results[j.idx] = runParallelBranch(ctx, exec, parallelNode, joinID, j.idx, keys[j.idx], j.edge)
		}
	}

	workers := maxParallel
	if workers > len(branches) {
		workers = len(branches)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for idx, e := range branches {
		jobs <- job{idx: idx, edge: e}
	}
	close(jobs)
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Target != results[j].Target {
			return results[i].Target < results[j].Target
		}
		return results[i].BranchKey < results[j].BranchKey
	})
	return results, nil
}

// runParallelBranch executes one branch subgraph on a clone of the parent
// Context inside its own run directory. The branch's progress events are
// mirrored into the parent stream tagged with the branch key.
func runParallelBranch(ctx context.Context, exec *Execution, parallelNode *model.Node, joinID string, idx int, key string, edge *model.Edge) branchResult {
	res := branchResult{
		Target:    edge.To,
		BranchKey: key,
		Outcome:   string(runtime.StatusFail),
	}

	branchRoot := filepath.Join(exec.LogsRoot, "nodes", parallelNode.ID, "branches", fmt.Sprintf("%02d-%s", idx+1, key))
	branchDir, err := rundir.Create(branchRoot)
	if err != nil {
		res.Error = err.Error()
		res.FailureReason = err.Error()
		return res
	}
	res.LogsRoot = branchRoot

	parent := exec.Engine
	branchEng := &Engine{
		Graph:           exec.Graph,
		Options:         parent.Options,
		DotSource:       parent.DotSource,
		RunDir:          branchDir,
		LogsRoot:        branchRoot,
		WorkDir:         parent.WorkDir,
		Context:         exec.Context.Clone(),
		Registry:        parent.Registry,
		CodergenBackend: parent.CodergenBackend,
		Interviewer:     parent.Interviewer,
		retries:         map[string]int{},
	}
	branchEng.progressSink = func(ev map[string]any) {
		mirrored := map[string]any{
			"event":      "branch_progress",
			"branch_key": key,
		}
		for k, v := range ev {
			if k == "event" {
				mirrored["branch_event"] = v
				continue
			}
			mirrored[k] = v
		}
		parent.appendProgress(mirrored)
	}

	start := time.Now()
	out, lastNode, completed, err := runSubgraphUntil(ctx, branchEng, edge.To, joinID)
	res.DurationMS = time.Since(start).Milliseconds()
	res.LastNodeID = lastNode
	res.Completed = completed
	res.Context = branchEng.Context.Snapshot()
	res.Score = contextScore(branchEng.Context)
	if err != nil {
		res.Error = err.Error()
		res.Outcome = string(runtime.StatusFail)
		res.FailureReason = err.Error()
		return res
	}
	res.Outcome = strings.TrimSpace(string(out.Status))
	res.FailureReason = out.FailureReason
	return res
}

// contextScore reads the branch's numeric "score" context value, the hook a
// branch uses to bid for fan-in selection. Anything non-numeric scores 0.
func contextScore(c *runtime.Context) float64 {
	v, ok := c.Get("score")
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func sanitizeBranchKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// findJoinFanInNode locates the fan-in node every branch converges on: the
// nearest parallel.fan_in typed node reachable from ALL branch entry nodes,
// ties broken by total distance and then lexical id so discovery is
// deterministic.
func findJoinFanInNode(g *model.Graph, branches []*model.Edge) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}
	if len(branches) == 0 {
		return "", fmt.Errorf("no branches")
	}

	type cand struct {
		id      string
		maxDist int
		sumDist int
	}

	reachable := make([]map[string]int, 0, len(branches))
	for _, e := range branches {
		if e == nil {
			continue
		}
		reachable = append(reachable, bfsFanInDistances(g, e.To))
	}
	if len(reachable) == 0 {
		return "", fmt.Errorf("no valid branches")
	}

	var cands []cand
	for id, d0 := range reachable[0] {
		maxD := d0
		sumD := d0
		ok := true
		for i := 1; i < len(reachable); i++ {
			d, exists := reachable[i][id]
			if !exists {
				ok = false
				break
			}
			sumD += d
			if d > maxD {
				maxD = d
			}
		}
		if ok {
			cands = append(cands, cand{id: id, maxDist: maxD, sumDist: sumD})
		}
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("no parallel.fan_in join node reachable from all branches")
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].maxDist != cands[j].maxDist {
			return cands[i].maxDist < cands[j].maxDist
		}
		if cands[i].sumDist != cands[j].sumDist {
			return cands[i].sumDist < cands[j].sumDist
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id, nil
}

// bfsFanInDistances returns the shortest hop count from start to every
// fan-in typed node reachable from it.
func bfsFanInDistances(g *model.Graph, start string) map[string]int {
	type item struct {
		id   string
		dist int
	}
	seen := map[string]bool{start: true}
	queue := []item{{id: start, dist: 0}}
	out := map[string]int{}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		if n := g.Nodes[it.id]; n != nil && n.HandlerType() == "parallel.fan_in" {
			if _, exists := out[it.id]; !exists {
				out[it.id] = it.dist
			}
		}
		for _, e := range g.Outgoing(it.id) {
			if e == nil || seen[e.To] {
				continue
			}
			seen[e.To] = true
			queue = append(queue, item{id: e.To, dist: it.dist + 1})
		}
	}
	return out
}

// FanInHandler consolidates the fan-out results published in
// context["parallel.results"] into a single winner.
type FanInHandler struct{}

type fanInCandidate struct {
	Target  string
	Outcome string
	Score   float64
}

func (h *FanInHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	_ = ctx
	_ = node
	raw, ok := exec.Context.Get("parallel.results")
	if !ok || raw == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "No parallel results to evaluate"}, nil
	}

	cands, err := decodeFanInCandidates(raw)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("malformed parallel.results: %v", err)}, nil
	}
	if len(cands) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "No parallel results to evaluate"}, nil
	}

	// The all-fail gate is independent of ranking: a "best" failure is
	// still a failure.
	allFail := true
	for _, c := range cands {
		if c.Outcome != string(runtime.StatusFail) {
			allFail = false
			break
		}
	}
	if allFail {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "all parallel candidates failed"}, nil
	}

	best := cands[0]
	for _, c := range cands[1:] {
		if fanInLess(c, best) {
			best = c
		}
	}

	status := runtime.StatusPartialSuccess
	if best.Outcome == string(runtime.StatusSuccess) {
		status = runtime.StatusSuccess
	}
	return runtime.Outcome{
		Status: status,
		Notes:  "Selected best candidate: " + best.Target,
		ContextUpdates: map[string]any{
			"parallel.fan_in.best_id":      best.Target,
			"parallel.fan_in.best_outcome": best.Outcome,
		},
	}, nil
}

// fanInRank orders candidate outcomes; lower is better. Unknown outcome
// strings rank below every canonical status.
func fanInRank(outcome string) int {
	switch outcome {
	case string(runtime.StatusSuccess):
		return 0
	case string(runtime.StatusPartialSuccess):
		return 1
	case string(runtime.StatusRetry):
		return 2
	case string(runtime.StatusFail):
		return 3
	case string(runtime.StatusSkipped):
		return 4
	default:
		return 5
	}
}

// fanInLess reports whether a beats b: lowest rank, then highest score,
// then lexically smallest target. Total and deterministic for any pair.
func fanInLess(a, b fanInCandidate) bool {
	ra, rb := fanInRank(a.Outcome), fanInRank(b.Outcome)
	if ra != rb {
		return ra < rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Target < b.Target
}

// decodeFanInCandidates accepts whatever shape the fan-out (or an external
// publisher) put into context: native []branchResult, []any of JSON
// objects, or anything JSON-round-trippable to an array. Missing or
// non-numeric scores default to 0.
func decodeFanInCandidates(raw any) ([]fanInCandidate, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var elems []map[string]any
	if err := json.Unmarshal(b, &elems); err != nil {
		return nil, fmt.Errorf("expected a JSON array of objects: %w", err)
	}
	out := make([]fanInCandidate, 0, len(elems))
	for _, m := range elems {
		if m == nil {
			continue
		}
		c := fanInCandidate{
			Target:  strings.TrimSpace(stringField(m, "target")),
			Outcome: strings.ToLower(strings.TrimSpace(stringField(m, "outcome"))),
		}
		if st, err := runtime.ParseStageStatus(c.Outcome); err == nil {
			c.Outcome = string(st)
		}
		if v, ok := m["score"]; ok {
			switch t := v.(type) {
			case float64:
				c.Score = t
			case string:
				if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
					c.Score = f
				}
			case json.Number:
				if f, err := t.Float64(); err == nil {
					c.Score = f
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
