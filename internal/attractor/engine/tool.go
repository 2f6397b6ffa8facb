package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// ToolHandler runs the node's tool_command under `sh -c`. Every way the
// command can go wrong (missing attribute, spawn failure, non-zero exit,
// timeout) is reported as a routable Outcome so pipelines can branch on it;
// only engine-side I/O problems become hard errors.
type ToolHandler struct{}

func (h *ToolHandler) Execute(ctx context.Context, execCtx *Execution, node *model.Node) (runtime.Outcome, error) {
	cmdStr := strings.TrimSpace(node.Attr("tool_command", ""))
	if cmdStr == "" {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "no tool_command specified"}, nil
	}
	stageDir, err := execCtx.ensureNodeDir(node.ID)
	if err != nil {
		return runtime.Outcome{}, err
	}

	workDir := toolWorkDir(execCtx, node)
	timeout := node.AttrDuration("timeout", 0)

	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, "sh", "-c", cmdStr)
	cmd.Dir = workDir
	// tool_command has no way to supply stdin; an empty reader prevents
	// interactive reads from hanging the run.
	cmd.Stdin = strings.NewReader("")
	cmd.Env = toolEnv(execCtx, node)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so shell children cannot outlive the timeout.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}

	callID := ulid.Make().String()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		// Spawn-level failure (binary not found, permission denied) stays
		// routable so graphs can define a recovery branch.
		return runtime.Outcome{
			Status:        runtime.StatusFail,
			FailureReason: fmt.Sprintf("tool_command spawn failed: %v", err),
		}, nil
	}

	// The pipes and the process exit are driven concurrently. Reading both
	// pipes to EOF before Wait keeps a child writing more than the ~64 KiB
	// pipe buffer on either stream from deadlocking against our Wait.
	var stdoutBuf, stderrBuf bytes.Buffer
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer readers.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()
	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()
	runErr := <-waitCh
	elapsed := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	timedOut := timeout > 0 && cctx.Err() == context.DeadlineExceeded

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()
	if werr := os.WriteFile(filepath.Join(stageDir, "stdout.log"), []byte(stdout), 0o644); werr != nil {
		execCtx.Engine.warnf("write stdout.log: %v", werr)
	}
	if werr := os.WriteFile(filepath.Join(stageDir, "stderr.log"), []byte(stderr), 0o644); werr != nil {
		execCtx.Engine.warnf("write stderr.log: %v", werr)
	}

	var artifacts []string
	if runErr == nil && !timedOut {
		artifacts = collectToolArtifacts(execCtx, node, workDir, stageDir)
	}

	if werr := writeJSON(filepath.Join(stageDir, "tool_invocation.json"), map[string]any{
		"call_id":     callID,
		"tool":        "shell",
		"argv":        []string{"sh", "-c", cmdStr},
		"command":     cmdStr,
		"working_dir": workDir,
		"timeout_ms":  timeout.Milliseconds(),
		"duration_ms": elapsed.Milliseconds(),
		"exit_code":   exitCode,
		"timed_out":   timedOut,
		"artifacts":   artifacts,
	}); werr != nil {
		execCtx.Engine.warnf("write tool_invocation.json: %v", werr)
	}

	if timedOut {
		return runtime.Outcome{
			Status:        runtime.StatusFail,
			FailureReason: fmt.Sprintf("tool_command timed out after %s", elapsed.Round(time.Millisecond)),
		}, nil
	}
	if runErr != nil {
		reason := fmt.Sprintf("tool_command failed (%v)", runErr)
		if s := strings.TrimSpace(stderr); s != "" {
			reason += ": " + truncate(s, 8_000)
		}
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: reason}, nil
	}

	return runtime.Outcome{
		Status: runtime.StatusSuccess,
		Notes:  "tool completed",
		ContextUpdates: map[string]any{
			"tool.output": stdout,
		},
	}, nil
}

func toolWorkDir(execCtx *Execution, node *model.Node) string {
	base := "."
	if execCtx != nil && strings.TrimSpace(execCtx.WorkDir) != "" {
		base = execCtx.WorkDir
	}
	cwd := strings.TrimSpace(node.Attr("cwd", ""))
	if cwd == "" {
		return base
	}
	if filepath.IsAbs(cwd) {
		return cwd
	}
	return filepath.Join(base, cwd)
}

func toolEnv(execCtx *Execution, node *model.Node) []string {
	env := os.Environ()
	if execCtx != nil && execCtx.Engine != nil {
		env = append(env, "ATTRACTOR_RUN_ID="+execCtx.Engine.Options.RunID)
		env = append(env, "ATTRACTOR_RUN_ROOT="+execCtx.LogsRoot)
	}
	if node != nil {
		env = append(env, "ATTRACTOR_NODE_ID="+node.ID)
	}
	return env
}

// collectToolArtifacts copies files matching the node's `artifacts` globs
// (comma-separated, ** supported) from the working directory into the node's
// artifacts/ subdirectory. Collection is best-effort debug plumbing: a bad
// glob or an unreadable file is reported as a warning, never a failure.
func collectToolArtifacts(execCtx *Execution, node *model.Node, workDir, stageDir string) []string {
	raw := strings.TrimSpace(node.Attr("artifacts", ""))
	if raw == "" {
		return nil
	}
	fsys := os.DirFS(workDir)
	var collected []string
	for _, pattern := range strings.Split(raw, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			execCtx.Engine.warnf("artifact glob %q: %v", pattern, err)
			continue
		}
		for _, m := range matches {
			src := filepath.Join(workDir, filepath.FromSlash(m))
			info, err := os.Stat(src)
			if err != nil || info.IsDir() {
				continue
			}
			dst := filepath.Join(stageDir, "artifacts", filepath.FromSlash(m))
			if err := copyFile(src, dst); err != nil {
				execCtx.Engine.warnf("collect artifact %q: %v", m, err)
				continue
			}
			collected = append(collected, m)
		}
	}
	return collected
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
