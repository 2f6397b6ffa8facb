package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// appendProgress records one observable run event. Every event is appended
// as a line to <logs_root>/progress.ndjson and mirrored atomically into
// <logs_root>/live.json, so a poller reading live.json never sees a torn
// write and a tail of progress.ndjson never misses an event. Events also
// feed the stall watchdog and any configured sink (parallel branches mirror
// into their parent's stream this way).
func (e *Engine) appendProgress(ev map[string]any) {
	if e == nil || ev == nil {
		return
	}

	now := time.Now().UTC()
	enriched := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		enriched[k] = v
	}
	if _, ok := enriched["ts"]; !ok {
		enriched["ts"] = now.Format(time.RFC3339Nano)
	}
	if _, ok := enriched["run_id"]; !ok && strings.TrimSpace(e.Options.RunID) != "" {
		enriched["run_id"] = e.Options.RunID
	}

	e.progressMu.Lock()
	e.lastProgressAt = now
	sink := e.progressSink
	e.progressMu.Unlock()

	if sink != nil {
		sink(enriched)
	}

	root := strings.TrimSpace(e.LogsRoot)
	if root == "" {
		return
	}
	line, err := json.Marshal(enriched)
	if err != nil {
		return
	}
	if f, err := os.OpenFile(filepath.Join(root, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		_, _ = f.Write(append(line, '\n'))
		_ = f.Close()
	}
	_ = runtime.WriteFileAtomic(filepath.Join(root, "live.json"), line, 0o644)
}

func (e *Engine) lastProgressTime() time.Time {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.lastProgressAt
}

func (e *Engine) setLastProgressTime(t time.Time) {
	e.progressMu.Lock()
	e.lastProgressAt = t
	e.progressMu.Unlock()
}

// Warn records a non-fatal problem on the run without interrupting it.
func (e *Engine) Warn(msg string) {
	if e == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.Warnings = append(e.Warnings, msg)
	e.warningsMu.Unlock()
	e.appendProgress(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

func (e *Engine) warnf(format string, args ...any) {
	e.Warn(fmt.Sprintf(format, args...))
}

func (e *Engine) warningsCopy() []string {
	if e == nil {
		return nil
	}
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.Warnings...)
}

// writeRunPID drops the engine's PID at <logs_root>/run.pid so external
// tooling can tell an in-flight run from an abandoned one.
func writeRunPID(root string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	return runtime.WriteFileAtomic(filepath.Join(root, "run.pid"), data, 0o644)
}
