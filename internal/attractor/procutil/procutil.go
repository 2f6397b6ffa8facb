// Package procutil answers liveness and identity questions about other
// processes, preferring procfs and degrading to ps where /proc is absent.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// statAfterComm reads /proc/<pid>/stat and returns the fields after the
// parenthesized comm, which may itself contain spaces and parens. Field N of
// the proc(5) layout lands at index N-3 of the result.
func statAfterComm(pid int) ([]string, error) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, err
	}
	line := string(b)
	end := strings.LastIndexByte(line, ')')
	if end < 0 || end+2 >= len(line) {
		return nil, fmt.Errorf("malformed stat for pid %d", pid)
	}
	return strings.Fields(line[end+2:]), nil
}

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// PIDZombie checks whether a PID is in a zombie/dead state.
func PIDZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	fields, err := statAfterComm(pid)
	if err != nil || len(fields) == 0 || fields[0] == "" {
		return false
	}
	state := fields[0][0]
	return state == 'Z' || state == 'X'
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	return state[0] == 'Z' || state[0] == 'X'
}

// ReadPIDStartTime returns the kernel start time (clock ticks since boot) of
// a process, field 22 of /proc/<pid>/stat. Two reads with the same PID but
// different start times mean the PID was reused.
func ReadPIDStartTime(pid int) (uint64, error) {
	fields, err := statAfterComm(pid)
	if err != nil {
		return 0, err
	}
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}
