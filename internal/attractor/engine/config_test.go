package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/rundir"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRunConfigFile_YAML(t *testing.T) {
	path := writeConfigFile(t, "run.yaml", `
version: 1
name: nightly
graph: pipeline.dot
logs_root: /tmp/runs
max_steps: 50
stall_timeout_ms: 60000
stall_check_interval_ms: 1000
retry:
  max_retries: 2
  backoff:
    initial_delay_ms: 100
    backoff_factor: 1.5
    max_delay_ms: 5000
    jitter: true
human:
  mode: FILE
  timeout_ms: 30000
  default_choice: approve
archive:
  enabled: true
  exclude_globs:
    - "**/*.log"
    - "   "
`)
	cfg, err := LoadRunConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Name != "nightly" || cfg.Graph != "pipeline.dot" || cfg.LogsRoot != "/tmp/runs" {
		t.Fatalf("config %+v", cfg)
	}
	if cfg.MaxSteps != 50 || *cfg.StallTimeoutMS != 60000 || *cfg.StallCheckIntervalMS != 1000 {
		t.Fatalf("limits %+v", cfg)
	}
	if *cfg.Retry.MaxRetries != 2 || *cfg.Retry.Backoff.InitialDelayMS != 100 ||
		*cfg.Retry.Backoff.BackoffFactor != 1.5 || *cfg.Retry.Backoff.MaxDelayMS != 5000 ||
		!*cfg.Retry.Backoff.Jitter {
		t.Fatalf("retry %+v", cfg.Retry)
	}
	if cfg.Human.Mode != HumanModeFile || *cfg.Human.TimeoutMS != 30000 || cfg.Human.DefaultChoice != "approve" {
		t.Fatalf("human %+v", cfg.Human)
	}
	if !cfg.Archive.Enabled || len(cfg.Archive.ExcludeGlobs) != 1 || cfg.Archive.ExcludeGlobs[0] != "**/*.log" {
		t.Fatalf("archive %+v", cfg.Archive)
	}
}

func TestLoadRunConfigFile_JSONDefaults(t *testing.T) {
	path := writeConfigFile(t, "run.json", `{"name": "minimal"}`)
	cfg, err := LoadRunConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("version %d, want defaulted 1", cfg.Version)
	}
	if *cfg.StageTimeoutMS != 0 || *cfg.StallTimeoutMS != 0 {
		t.Fatalf("timeouts %+v", cfg)
	}
	if *cfg.StallCheckIntervalMS != 5000 {
		t.Fatalf("stall check interval %d, want 5000", *cfg.StallCheckIntervalMS)
	}
	if cfg.Human.Mode != HumanModeAuto {
		t.Fatalf("human mode %q, want auto", cfg.Human.Mode)
	}
}

func TestLoadRunConfigFile_UnknownFieldsRejected(t *testing.T) {
	jsonPath := writeConfigFile(t, "run.json", `{"version": 1, "bogus": true}`)
	if _, err := LoadRunConfigFile(jsonPath); err == nil || !strings.Contains(err.Error(), "load run config") {
		t.Fatalf("json unknown field: %v", err)
	}

	yamlPath := writeConfigFile(t, "run.yaml", "version: 1\nbogus: true\n")
	if _, err := LoadRunConfigFile(yamlPath); err == nil || !strings.Contains(err.Error(), "load run config") {
		t.Fatalf("yaml unknown field: %v", err)
	}
}

func TestLoadRunConfigFile_ExtensionlessSniff(t *testing.T) {
	jsonPath := writeConfigFile(t, "runcfg", `  {"version": 1, "name": "sniffed-json"}`)
	cfg, err := LoadRunConfigFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Name != "sniffed-json" {
		t.Fatalf("config %+v", cfg)
	}

	yamlPath := writeConfigFile(t, "othercfg", "name: sniffed-yaml\n")
	cfg, err = LoadRunConfigFile(yamlPath)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Name != "sniffed-yaml" {
		t.Fatalf("config %+v", cfg)
	}
}

func TestLoadRunConfigFile_MultipleDocumentsRejected(t *testing.T) {
	yamlPath := writeConfigFile(t, "run.yaml", "version: 1\n---\nversion: 1\n")
	if _, err := LoadRunConfigFile(yamlPath); err == nil || !strings.Contains(err.Error(), "multiple documents are not allowed") {
		t.Fatalf("yaml multi-doc: %v", err)
	}

	jsonPath := writeConfigFile(t, "run.json", `{"version": 1}{"version": 1}`)
	if _, err := LoadRunConfigFile(jsonPath); err == nil || !strings.Contains(err.Error(), "multiple top-level values are not allowed") {
		t.Fatalf("json multi-value: %v", err)
	}
}

func TestLoadRunConfigFile_ValidationErrors(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"version", `{"version": 2}`, "unsupported config version: 2"},
		{"max_steps", `{"max_steps": -1}`, "max_steps must be >= 0"},
		{"stage_timeout", `{"stage_timeout_ms": -1}`, "stage_timeout_ms must be >= 0"},
		{"stall_timeout", `{"stall_timeout_ms": -5}`, "stall_timeout_ms must be >= 0"},
		{"stall_interval", `{"stall_check_interval_ms": -1}`, "stall_check_interval_ms must be >= 0"},
		{"stall_needs_interval", `{"stall_timeout_ms": 1000, "stall_check_interval_ms": 0}`, "stall_check_interval_ms must be > 0 when stall_timeout_ms > 0"},
		{"max_retries", `{"retry": {"max_retries": -1}}`, "retry.max_retries must be >= 0"},
		{"initial_delay", `{"retry": {"backoff": {"initial_delay_ms": -1}}}`, "retry.backoff.initial_delay_ms must be >= 0"},
		{"max_delay", `{"retry": {"backoff": {"max_delay_ms": -1}}}`, "retry.backoff.max_delay_ms must be >= 0"},
		{"factor", `{"retry": {"backoff": {"backoff_factor": 0.5}}}`, "retry.backoff.backoff_factor must be >= 1.0"},
		{"human_mode", `{"human": {"mode": "gui"}}`, `invalid human.mode: "gui" (want auto|file)`},
		{"human_timeout", `{"human": {"timeout_ms": -1}}`, "human.timeout_ms must be >= 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, "run.json", tc.body)
			_, err := LoadRunConfigFile(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %v, want %q", err, tc.want)
			}
			if !strings.Contains(err.Error(), "run config") {
				t.Fatalf("error %v missing path prefix", err)
			}
		})
	}
}

func TestLoadRunConfigFile_MissingFile(t *testing.T) {
	if _, err := LoadRunConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file should error")
	}
}

func TestApplyConfigGraphDefaults(t *testing.T) {
	two := 2
	hundred := 100
	factor := 1.5
	jitter := true
	cfg := &RunConfigFile{
		Retry: RetryConfig{
			MaxRetries: &two,
			Backoff: BackoffConfigFile{
				InitialDelayMS: &hundred,
				BackoffFactor:  &factor,
				Jitter:         &jitter,
			},
		},
		Human: HumanConfig{DefaultChoice: "approve"},
	}

	g := model.NewGraph("cfg")
	g.Attrs["default_max_retry"] = "9"

	applyConfigGraphDefaults(cfg, g)

	if g.Attrs["default_max_retry"] != "9" {
		t.Fatalf("dot attr should win: %q", g.Attrs["default_max_retry"])
	}
	if g.Attrs["retry.backoff.initial_delay_ms"] != "100" {
		t.Fatalf("initial delay %q", g.Attrs["retry.backoff.initial_delay_ms"])
	}
	if g.Attrs["retry.backoff.backoff_factor"] != "1.5" {
		t.Fatalf("factor %q", g.Attrs["retry.backoff.backoff_factor"])
	}
	if g.Attrs["retry.backoff.jitter"] != "true" {
		t.Fatalf("jitter %q", g.Attrs["retry.backoff.jitter"])
	}
	if _, ok := g.Attrs["retry.backoff.max_delay_ms"]; ok {
		t.Fatalf("unset knob should not land")
	}
	if g.Attrs["human.default_choice"] != "approve" {
		t.Fatalf("default choice %q", g.Attrs["human.default_choice"])
	}
}

func TestRunWithConfig_NilConfig(t *testing.T) {
	_, err := RunWithConfig(context.Background(), []byte(linearToolDOT), nil, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "config is nil") {
		t.Fatalf("error %v", err)
	}
}

func TestRunWithConfig_RetryNameAndArchive(t *testing.T) {
	src := `digraph flaky {
		start [shape=Mdiamond]
		work [tool_command="test -f marker || { touch marker; exit 1; }"]
		exit [shape=Msquare]
		start -> work
		work -> exit
	}`
	two := 2
	one := 1
	cfg := &RunConfigFile{
		Version: 1,
		Name:    "renamed-run",
		Retry: RetryConfig{
			MaxRetries: &two,
			Backoff:    BackoffConfigFile{InitialDelayMS: &one},
		},
		Archive: ArchiveConfig{Enabled: true},
	}
	root := filepath.Join(t.TempDir(), "run")
	res, err := RunWithConfig(context.Background(), []byte(src), cfg, RunOptions{
		RunID:    "t-cfg-retry",
		LogsRoot: root,
		WorkDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final %q", res.FinalStatus)
	}

	rd, err := rundir.Open(root)
	if err != nil {
		t.Fatalf("open run dir: %v", err)
	}
	m, err := rd.ReadManifest()
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.Name != "renamed-run" {
		t.Fatalf("manifest name %q", m.Name)
	}

	if _, err := os.Stat(filepath.Join(root, "run_config.json")); err != nil {
		t.Fatalf("run_config.json snapshot: %v", err)
	}

	events := readProgress(t, root)
	scheduled := eventsNamed(events, "retry_scheduled")
	if len(scheduled) != 1 {
		t.Fatalf("retry_scheduled %+v", scheduled)
	}
	if scheduled[0]["max_retry"] != float64(2) {
		t.Fatalf("config retry limit not applied: %+v", scheduled[0])
	}

	archived := eventsNamed(events, "run_archived")
	if len(archived) != 1 {
		t.Fatalf("run_archived %+v", archived)
	}
	archivePath := eventField(archived[0], "archive")
	if archivePath != root+".tar.gz" {
		t.Fatalf("archive path %q", archivePath)
	}
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("archive file: %v", err)
	}
}

func TestRunWithConfig_OverridesBeatConfig(t *testing.T) {
	src := `digraph cyc {
		start [shape=Mdiamond]
		a
		b
		exit [shape=Msquare]
		start -> a [weight=1]
		start -> exit
		a -> b
		b -> a
	}`
	cfg := &RunConfigFile{Version: 1, MaxSteps: 100, LogsRoot: filepath.Join(t.TempDir(), "ignored")}
	root := filepath.Join(t.TempDir(), "run")
	_, err := RunWithConfig(context.Background(), []byte(src), cfg, RunOptions{
		RunID:    "t-cfg-override",
		LogsRoot: root,
		WorkDir:  t.TempDir(),
		MaxSteps: 5,
	})
	if err == nil || !strings.Contains(err.Error(), "max steps exceeded (5)") {
		t.Fatalf("error %v", err)
	}

	// The run landed in the override root, not the config one.
	fin := readFinal(t, root)
	if fin.Status != runtime.FinalFail {
		t.Fatalf("final %+v", fin)
	}
	if _, err := os.Stat(filepath.Join(cfg.LogsRoot, "final.json")); !os.IsNotExist(err) {
		t.Fatalf("config logs root should be untouched: %v", err)
	}
}

const humanGateDOT = `digraph gate {
	start [shape=Mdiamond]
	review [shape=hexagon, question="Ship the release?"]
	ship [tool_command="printf shipped"]
	hold [tool_command="printf held"]
	exit [shape=Msquare]
	start -> review
	review -> ship [label="[S] Ship"]
	review -> hold [label="[H] Hold"]
	ship -> exit
	hold -> exit
}`

func TestRunWithConfig_FileModeReadsOperatorAnswer(t *testing.T) {
	ms := 10_000
	cfg := &RunConfigFile{
		Version: 1,
		Human:   HumanConfig{Mode: HumanModeFile, TimeoutMS: &ms},
	}
	root := filepath.Join(t.TempDir(), "run")

	go func() {
		time.Sleep(150 * time.Millisecond)
		dir := filepath.Join(root, "nodes", "review")
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(filepath.Join(dir, "answer"), []byte("hold"), 0o644)
	}()

	res, err := RunWithConfig(context.Background(), []byte(humanGateDOT), cfg, RunOptions{
		RunID:    "t-cfg-file-gate",
		LogsRoot: root,
		WorkDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final %q", res.FinalStatus)
	}

	holdOut := readNodeStatus(t, root, "hold")
	if holdOut.Status != runtime.StatusSuccess {
		t.Fatalf("hold status %+v", holdOut)
	}
	if _, err := os.Stat(filepath.Join(root, "nodes", "ship", "status.json")); !os.IsNotExist(err) {
		t.Fatalf("ship should not have run: %v", err)
	}

	events := readProgress(t, root)
	answers := eventsNamed(events, "human_answer")
	if len(answers) != 1 || answers[0]["answer"] != "hold" {
		t.Fatalf("human_answer %+v", answers)
	}
}

func TestRunWithConfig_GateTimeoutUsesConfiguredDefaultChoice(t *testing.T) {
	ms := 100
	cfg := &RunConfigFile{
		Version: 1,
		Human: HumanConfig{
			Mode:          HumanModeFile,
			TimeoutMS:     &ms,
			DefaultChoice: "hold",
		},
	}
	root := filepath.Join(t.TempDir(), "run")
	res, err := RunWithConfig(context.Background(), []byte(humanGateDOT), cfg, RunOptions{
		RunID:    "t-cfg-gate-timeout",
		LogsRoot: root,
		WorkDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final %q", res.FinalStatus)
	}

	gateOut := readNodeStatus(t, root, "review")
	if gateOut.Notes != "human gate timeout, used default choice" {
		t.Fatalf("gate outcome %+v", gateOut)
	}
	if gateOut.ContextUpdates["human.gate.selected"] != "hold" {
		t.Fatalf("gate selection %+v", gateOut.ContextUpdates)
	}

	holdOut := readNodeStatus(t, root, "hold")
	if holdOut.Status != runtime.StatusSuccess {
		t.Fatalf("hold status %+v", holdOut)
	}
}
