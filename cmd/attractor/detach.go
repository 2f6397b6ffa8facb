package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// launchDetached re-executes the current binary with childArgs in a new
// session so it survives the parent's terminal closing. Child stdout/stderr
// go to daemon.log under logsRoot; the engine writes run.pid itself once it
// starts.
func launchDetached(childArgs []string, logsRoot string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return fmt.Errorf("create logs root: %w", err)
	}

	logPath := filepath.Join(logsRoot, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, childArgs...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached run: %w", err)
	}
	// The child owns its lifecycle from here; reaping is the init process's
	// job once we exit.
	return cmd.Process.Release()
}
