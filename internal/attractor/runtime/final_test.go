package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFinalOutcome_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "final.json")
	want := &FinalOutcome{
		Timestamp:     time.Unix(1700000000, 0).UTC(),
		Status:        FinalFail,
		RunID:         "run-01",
		LastNode:      "deploy",
		Steps:         7,
		FailureReason: "retry limit exceeded",
	}
	if err := want.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	var got FinalOutcome
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	got.Timestamp, want.Timestamp = time.Time{}, time.Time{}
	if got != *want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, *want)
	}

	// Atomic write must not leave temp files behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "final.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestFinalOutcome_OmitsEmptyOptionalFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final.json")
	fo := &FinalOutcome{Timestamp: time.Now().UTC(), Status: FinalSuccess, RunID: "r", Steps: 3}
	if err := fo.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	for _, key := range []string{"last_node", "failure_reason"} {
		if _, ok := raw[key]; ok {
			t.Errorf("%s should be omitted when empty", key)
		}
	}
	if raw["steps"] != float64(3) {
		t.Errorf("steps = %v, want 3 (always present)", raw["steps"])
	}
}

func TestFinalOutcome_SaveNil(t *testing.T) {
	var fo *FinalOutcome
	if err := fo.Save(filepath.Join(t.TempDir(), "final.json")); err == nil {
		t.Fatalf("expected error for nil receiver")
	}
}
