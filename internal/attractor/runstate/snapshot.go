// Package runstate summarizes a run directory for observers that were not
// part of the run process: the status CLI, dashboards, cleanup jobs. It only
// reads; the engine remains the sole writer.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/attractor/internal/attractor/procutil"
)

// State is the coarse run condition derived from the artifacts on disk.
type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// Snapshot is the compact view assembled from a run directory. Field
// precedence follows artifact authority: final.json beats the live feed,
// which beats the raw progress log; run.pid only contributes liveness.
type Snapshot struct {
	RunID    string
	Name     string
	Goal     string
	LogsRoot string

	State         State
	CurrentNodeID string
	Steps         int
	FailureReason string

	LastEvent   string
	LastEventAt time.Time
	StartedAt   time.Time

	PID      int
	PIDAlive bool
}

type finalOutcomeDoc struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id"`
	LastNode      string `json:"last_node"`
	Steps         int    `json:"steps"`
	FailureReason string `json:"failure_reason"`
}

type manifestDoc struct {
	Name      string    `json:"name"`
	Goal      string    `json:"goal"`
	StartTime time.Time `json:"start_time"`
}

type checkpointDoc struct {
	RunID          string   `json:"run_id"`
	CurrentNode    string   `json:"current_node"`
	CompletedNodes []string `json:"completed_nodes"`
}

// LoadSnapshot reads run artifacts in logsRoot and returns a compact run
// snapshot without touching the engine.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	s := &Snapshot{LogsRoot: root, State: StateUnknown}

	// Manifest fields are cosmetic; a run that crashed before writing one
	// still deserves a snapshot.
	var man manifestDoc
	if readOptionalJSON(filepath.Join(root, "manifest.json"), &man) {
		s.Name = strings.TrimSpace(man.Name)
		s.Goal = strings.TrimSpace(man.Goal)
		s.StartedAt = man.StartTime
	}

	final, haveFinal, err := readFinal(filepath.Join(root, "final.json"))
	if err != nil {
		return nil, err
	}
	if haveFinal {
		if rid := strings.TrimSpace(final.RunID); rid != "" {
			s.RunID = rid
		}
		if node := strings.TrimSpace(final.LastNode); node != "" {
			s.CurrentNodeID = node
		}
		if final.Steps > 0 {
			s.Steps = final.Steps
		}
		switch strings.ToLower(strings.TrimSpace(final.Status)) {
		case string(StateSuccess):
			s.State = StateSuccess
		case string(StateFail):
			s.State = StateFail
			if reason := strings.TrimSpace(final.FailureReason); reason != "" {
				s.FailureReason = reason
			}
		}
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	if !terminal {
		ev, err := tailEvent(root)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			if rid := evText(ev["run_id"]); rid != "" && s.RunID == "" {
				s.RunID = rid
			}
			s.LastEvent = evText(ev["event"])
			s.CurrentNodeID = evText(ev["node_id"])
			if ts := evTime(ev["ts"]); !ts.IsZero() {
				s.LastEventAt = ts
			}
			if reason := evText(ev["failure_reason"]); reason != "" {
				s.FailureReason = reason
			}
		}

		// The checkpoint fills position gaps the event feed left: progress
		// events carry a node_id, but step counts only live here.
		var cp checkpointDoc
		if readOptionalJSON(filepath.Join(root, "checkpoint.json"), &cp) {
			if s.RunID == "" {
				s.RunID = strings.TrimSpace(cp.RunID)
			}
			if s.CurrentNodeID == "" {
				s.CurrentNodeID = strings.TrimSpace(cp.CurrentNode)
			}
			if s.Steps == 0 {
				s.Steps = len(cp.CompletedNodes)
			}
		}
	}

	pid, err := readPIDFile(filepath.Join(root, "run.pid"), terminal)
	if err != nil {
		return nil, err
	}
	if pid > 0 {
		s.PID = pid
		s.PIDAlive = procutil.PIDAlive(pid)
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

// readOptionalJSON decodes path into v, reporting success. Best-effort
// artifacts that are missing or malformed are simply skipped.
func readOptionalJSON(path string, v any) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, v) == nil
}

func readFinal(path string) (finalOutcomeDoc, bool, error) {
	var doc finalOutcomeDoc
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, false, nil
		}
		return doc, false, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, true, nil
}

// tailEvent returns the most recent progress event: live.json when present,
// otherwise the last line of progress.ndjson. A nil map means no events yet.
func tailEvent(root string) (map[string]any, error) {
	livePath := filepath.Join(root, "live.json")
	b, err := os.ReadFile(livePath)
	switch {
	case err == nil:
		var ev map[string]any
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", livePath, err)
		}
		return ev, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	progressPath := filepath.Join(root, "progress.ndjson")
	line, err := lastNonEmptyLine(progressPath)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", progressPath, err)
	}
	return ev, nil
}

func lastNonEmptyLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last, sc.Err()
}

// readPIDFile parses run.pid. A malformed file is an error for a live run
// but ignorable once the run is terminal.
func readPIDFile(path string, terminal bool) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, convErr := strconv.Atoi(raw)
	if raw == "" || convErr != nil || pid <= 0 {
		if terminal {
			return 0, nil
		}
		return 0, fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	return pid, nil
}

func evText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func evTime(v any) time.Time {
	raw := evText(v)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
