// Package rundir owns the on-disk layout of a single pipeline run:
//
//	<root>/manifest.json
//	<root>/checkpoint.json
//	<root>/nodes/<node_id>/status.json
//
// Node artifacts live under nodes/ so node ids can never collide with
// run-level files. All writes are atomic (temp file + rename) so external
// observers only ever see complete JSON.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// Manifest is the run-level metadata written once at run start.
type Manifest struct {
	Name      string    `json:"name"`
	Goal      string    `json:"goal,omitempty"`
	GraphDir  string    `json:"graph_dir,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// Dir is a handle to one run's directory.
type Dir struct {
	root string
}

// Create makes the run root and its nodes/ subdirectory.
func Create(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("rundir: empty root")
	}
	if err := os.MkdirAll(filepath.Join(root, "nodes"), 0o755); err != nil {
		return nil, fmt.Errorf("rundir: create %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Open wraps an existing run directory without creating anything.
func Open(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("rundir: open %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rundir: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Root() string           { return d.root }
func (d *Dir) ManifestPath() string   { return filepath.Join(d.root, "manifest.json") }
func (d *Dir) CheckpointPath() string { return filepath.Join(d.root, "checkpoint.json") }
func (d *Dir) NodesRoot() string      { return filepath.Join(d.root, "nodes") }

// NodeDir returns the directory reserved for one node's artifacts. It is
// created lazily by WriteStatus (or by handlers that stage extra files).
func (d *Dir) NodeDir(nodeID string) string {
	return filepath.Join(d.root, "nodes", nodeID)
}

func (d *Dir) StatusPath(nodeID string) string {
	return filepath.Join(d.NodeDir(nodeID), "status.json")
}

func (d *Dir) WriteManifest(m Manifest) error {
	return runtime.WriteJSONAtomicFile(d.ManifestPath(), m)
}

func (d *Dir) ReadManifest() (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(d.ManifestPath())
	if err != nil {
		return m, fmt.Errorf("rundir: read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("rundir: parse manifest: %w", err)
	}
	return m, nil
}

// WriteStatus persists a node's outcome, creating nodes/<node_id> on first
// use. The engine may not advance past a node until this has returned.
func (d *Dir) WriteStatus(nodeID string, outcome runtime.Outcome) error {
	if err := validNodeID(nodeID); err != nil {
		return err
	}
	dir := d.NodeDir(nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rundir: node dir %s: %w", dir, err)
	}
	return runtime.WriteJSONAtomicFile(d.StatusPath(nodeID), outcome)
}

// ReadStatus loads a node's persisted outcome. A missing or malformed file
// is an error; callers that treat absence as "not executed yet" should
// check with StatusExists first.
func (d *Dir) ReadStatus(nodeID string) (runtime.Outcome, error) {
	if err := validNodeID(nodeID); err != nil {
		return runtime.Outcome{}, err
	}
	data, err := os.ReadFile(d.StatusPath(nodeID))
	if err != nil {
		return runtime.Outcome{}, fmt.Errorf("rundir: read status for %s: %w", nodeID, err)
	}
	oc, err := runtime.DecodeOutcomeJSON(data)
	if err != nil {
		return runtime.Outcome{}, fmt.Errorf("rundir: parse status for %s: %w", nodeID, err)
	}
	return oc, nil
}

func (d *Dir) StatusExists(nodeID string) bool {
	if validNodeID(nodeID) != nil {
		return false
	}
	info, err := os.Stat(d.StatusPath(nodeID))
	return err == nil && !info.IsDir()
}

func validNodeID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("rundir: empty node id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("rundir: invalid node id %q", id)
	}
	return nil
}
