package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// statusSchemaJSON structurally validates a status.json document before the
// engine trusts it over the handler's returned outcome. Both the canonical
// shape and the legacy "outcome"-keyed shape are accepted. Status values are
// deliberately unconstrained beyond being non-empty strings: custom routing
// statuses are legal.
const statusSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "anyOf": [
    {
      "type": "object",
      "required": ["status"],
      "properties": {
        "status": {"type": "string", "minLength": 1},
        "preferred_label": {"type": "string"},
        "suggested_next_ids": {"type": "array", "items": {"type": "string"}},
        "context_updates": {"type": "object"},
        "notes": {"type": "string"},
        "failure_reason": {"type": "string"},
        "meta": {"type": "object"}
      }
    },
    {
      "type": "object",
      "required": ["outcome"],
      "properties": {
        "outcome": {"type": "string", "minLength": 1},
        "preferred_next_label": {"type": "string"},
        "suggested_next_ids": {"type": "array", "items": {"type": "string"}},
        "context_updates": {"type": "object"},
        "notes": {"type": "string"},
        "failure_reason": {"type": "string"},
        "details": {}
      }
    }
  ]
}`

const checkpointSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "run_id", "current_node", "completed_nodes", "context"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "run_id": {"type": "string", "minLength": 1},
    "current_node": {"type": "string", "minLength": 1},
    "completed_nodes": {"type": "array", "items": {"type": "string"}},
    "node_retries": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}},
    "context": {"type": "object"},
    "logs": {"type": "array", "items": {"type": "string"}},
    "graph_blake3": {"type": "string"},
    "updated_at": {"type": "string"}
  }
}`

var (
	statusSchemaOnce sync.Once
	statusSchema     *jsonschema.Schema
	statusSchemaErr  error

	checkpointSchemaOnce sync.Once
	checkpointSchema     *jsonschema.Schema
	checkpointSchemaErr  error
)

func compileSchemaSource(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// ValidateStatusJSON checks an externally written status.json payload
// against the accepted shapes without decoding it into an Outcome. The
// engine warns and ignores files that fail it rather than aborting the run.
func ValidateStatusJSON(data []byte) error {
	statusSchemaOnce.Do(func() {
		statusSchema, statusSchemaErr = compileSchemaSource("status.schema.json", statusSchemaJSON)
	})
	if statusSchemaErr != nil {
		return fmt.Errorf("compile status schema: %w", statusSchemaErr)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := statusSchema.Validate(doc); err != nil {
		return err
	}
	return nil
}

// ValidateCheckpointJSON checks a checkpoint.json payload before resume
// trusts it. Unlike status files, a bad checkpoint aborts the resume: there
// is no handler outcome to fall back on.
func ValidateCheckpointJSON(data []byte) error {
	checkpointSchemaOnce.Do(func() {
		checkpointSchema, checkpointSchemaErr = compileSchemaSource("checkpoint.schema.json", checkpointSchemaJSON)
	})
	if checkpointSchemaErr != nil {
		return fmt.Errorf("compile checkpoint schema: %w", checkpointSchemaErr)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := checkpointSchema.Validate(doc); err != nil {
		return err
	}
	return nil
}
