// Package runtime holds the run-scoped value types shared by handlers and
// the engine: stage statuses, outcomes, the mutable context, and checkpoint
// state, plus the atomic file helpers used to persist them.
package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

type StageStatus string

const (
	StatusSuccess        StageStatus = "success"
	StatusPartialSuccess StageStatus = "partial_success"
	StatusRetry          StageStatus = "retry"
	StatusFail           StageStatus = "fail"
	StatusSkipped        StageStatus = "skipped"
)

// statusAliases maps accepted spellings onto canonical statuses.
var statusAliases = map[string]StageStatus{
	"success":         StatusSuccess,
	"ok":              StatusSuccess,
	"partial_success": StatusPartialSuccess,
	"partialsuccess":  StatusPartialSuccess,
	"partial-success": StatusPartialSuccess,
	"retry":           StatusRetry,
	"fail":            StatusFail,
	"failure":         StatusFail,
	"error":           StatusFail,
	"skipped":         StatusSkipped,
	"skip":            StatusSkipped,
}

// ParseStageStatus normalizes a status string. Unrecognized non-empty values
// are NOT errors: custom outcomes (e.g. "process", "done") are legal and
// drive multi-way conditional routing, so they pass through lowercased.
func ParseStageStatus(s string) (StageStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return "", fmt.Errorf("invalid stage status: empty string")
	}
	if st, ok := statusAliases[normalized]; ok {
		return st, nil
	}
	return StageStatus(normalized), nil
}

func (s StageStatus) Valid() bool {
	_, err := ParseStageStatus(string(s))
	return err == nil
}

// IsCanonical reports whether the status is one of the five canonical values
// rather than a custom routing value.
func (s StageStatus) IsCanonical() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusRetry, StatusFail, StatusSkipped:
		return true
	}
	return false
}

// Outcome is the result of one handler invocation. It is produced fresh per
// execution and drives both the context merge and edge selection; the engine
// never mutates it after the handler returns.
type Outcome struct {
	Status           StageStatus    `json:"status"`
	PreferredLabel   string         `json:"preferred_label,omitempty"`
	SuggestedNextIDs []string       `json:"suggested_next_ids,omitempty"`
	ContextUpdates   map[string]any `json:"context_updates,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	// Optional: handler-specific metadata (not used for routing).
	Meta map[string]any `json:"meta,omitempty"`
}

// Canonicalize normalizes the status and replaces nil collections with empty
// ones so downstream merges never nil-check.
func (o Outcome) Canonicalize() (Outcome, error) {
	st, err := ParseStageStatus(string(o.Status))
	if err != nil {
		return Outcome{}, err
	}
	o.Status = st
	if o.ContextUpdates == nil {
		o.ContextUpdates = map[string]any{}
	}
	if o.SuggestedNextIDs == nil {
		o.SuggestedNextIDs = []string{}
	}
	if o.Meta == nil {
		o.Meta = map[string]any{}
	}
	return o, nil
}

func (o Outcome) Validate() error {
	co, err := o.Canonicalize()
	if err != nil {
		return err
	}
	needsReason := co.Status == StatusFail || co.Status == StatusRetry
	if needsReason && strings.TrimSpace(co.FailureReason) == "" {
		return fmt.Errorf("failure_reason must be non-empty when status=%q", co.Status)
	}
	return nil
}

// legacyStatusFile is the older status.json shape keyed by "outcome" and
// "preferred_next_label", still produced by some external tool wrappers.
type legacyStatusFile struct {
	Outcome            string         `json:"outcome"`
	PreferredNextLabel string         `json:"preferred_next_label"`
	SuggestedNextIDs   []string       `json:"suggested_next_ids"`
	ContextUpdates     map[string]any `json:"context_updates"`
	Notes              string         `json:"notes"`
	FailureReason      string         `json:"failure_reason"`
	Details            any            `json:"details"`
}

// DecodeOutcomeJSON parses a status.json payload. The canonical shape (the
// Outcome field names) wins when it carries a status; otherwise the legacy
// shape is tried before giving up.
func DecodeOutcomeJSON(b []byte) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(b, &o); err == nil && o.Status != "" {
		return o.Canonicalize()
	}

	var legacy legacyStatusFile
	if err := json.Unmarshal(b, &legacy); err != nil {
		return Outcome{}, err
	}
	status := StageStatus(legacy.Outcome)
	o = Outcome{
		Status:           status,
		PreferredLabel:   legacy.PreferredNextLabel,
		SuggestedNextIDs: legacy.SuggestedNextIDs,
		ContextUpdates:   legacy.ContextUpdates,
		Notes:            legacy.Notes,
		FailureReason:    legacy.failureReason(status),
	}
	return o.Canonicalize()
}

// failureReason backfills a reason for legacy fail/retry outcomes that never
// set failure_reason, mining details and notes before settling for a stub.
func (l legacyStatusFile) failureReason(status StageStatus) string {
	if fr := strings.TrimSpace(l.FailureReason); fr != "" {
		return fr
	}
	st, err := ParseStageStatus(string(status))
	if err != nil || (st != StatusFail && st != StatusRetry) {
		return ""
	}
	if d := flattenDetails(l.Details); d != "" {
		return d
	}
	if n := strings.TrimSpace(l.Notes); n != "" {
		return n
	}
	return "legacy fail outcome missing failure_reason"
}

// flattenDetails extracts a human-readable summary from a legacy "details"
// value, which in the wild is a string, a list, or an error-ish object.
func flattenDetails(details any) string {
	switch v := details.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := flattenDetails(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		for _, key := range []string{"failure_reason", "reason", "message", "error", "details"} {
			if s := strings.TrimSpace(fmt.Sprint(v[key])); s != "" && s != "<nil>" {
				return s
			}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
		return strings.TrimSpace(string(b))
	default:
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "<nil>" {
			return ""
		}
		return s
	}
}
