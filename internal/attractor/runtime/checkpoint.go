package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// CheckpointVersion is bumped when the checkpoint schema changes shape.
const CheckpointVersion = 1

// Checkpoint is the engine-owned resumption state written to
// checkpoint.json after every completed node. CurrentNode is the last node
// whose status.json was persisted; resume re-routes from it rather than
// re-executing it.
type Checkpoint struct {
	Version        int            `json:"version"`
	RunID          string         `json:"run_id"`
	CurrentNode    string         `json:"current_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	NodeRetries    map[string]int `json:"node_retries,omitempty"`
	ContextValues  map[string]any `json:"context"`
	Logs           []string       `json:"logs,omitempty"`
	GraphFP        string         `json:"graph_blake3,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (cp *Checkpoint) Save(path string) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if cp.Version == 0 {
		cp.Version = CheckpointVersion
	}
	return WriteJSONAtomicFile(path, cp)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version > CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported %d", cp.Version, CheckpointVersion)
	}
	if strings.TrimSpace(cp.RunID) == "" {
		return nil, fmt.Errorf("checkpoint missing run_id")
	}
	if cp.ContextValues == nil {
		cp.ContextValues = map[string]any{}
	}
	if cp.NodeRetries == nil {
		cp.NodeRetries = map[string]int{}
	}
	return &cp, nil
}
