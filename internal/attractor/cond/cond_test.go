package cond

import (
	"testing"

	"github.com/strongdm/attractor/internal/attractor/runtime"
)

func TestEvaluate(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("tests_passed", true)
	ctx.Set("context.loop_state", "active")

	out := runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: "Yes"}

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"outcome=success", true},
		{"outcome==success", true},
		{"outcome!=fail", true},
		{"status=success", true},
		{"preferred_label=Yes", true},
		{"context.tests_passed=true", true},
		{"context.loop_state!=exhausted", true},
		{"outcome=fail", false},
		{"context.missing=foo", false},
		{"tests_passed", true},
		{"context.missing", false},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.cond, out, ctx); got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_BooleanCombinators(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("approved", "true")
	ctx.Set("count", 3)

	out := runtime.Outcome{Status: runtime.StatusFail, FailureReason: "boom"}

	cases := []struct {
		cond string
		want bool
	}{
		{"outcome=fail && approved", true},
		{"outcome=fail && outcome=success", false},
		{"outcome=success || approved", true},
		{"outcome=success || outcome=retry", false},
		{"!approved", false},
		{"!(outcome=success)", true},
		{"outcome=fail && (count=3 || count=4)", true},
		{"outcome=fail && !(count=4)", true},
		{"failure_reason=boom", true},
		// && binds tighter than ||.
		{"outcome=success && approved || count=3", true},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.cond, out, ctx); got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_NumericComparisons(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("score", 7.5)
	ctx.Set("attempts", 2)
	ctx.Set("name", "alpha")

	out := runtime.Outcome{Status: runtime.StatusSuccess}

	cases := []struct {
		cond string
		want bool
	}{
		{"context.score > 7", true},
		{"context.score >= 7.5", true},
		{"context.score < 7", false},
		{"context.score <= 7.5", true},
		{"attempts < 3", true},
		{"attempts > 3", false},
		// Numeric equality tolerates representation differences.
		{"context.score = 7.50", true},
		{"context.score != 7.5", false},
		// Ordering on non-numeric operands is false, never an error.
		{"name > 3", false},
		{"name < zzz", false},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.cond, out, ctx); got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_QuotedValues(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("msg", "hello world")

	out := runtime.Outcome{Status: runtime.StatusSuccess}

	if !Evaluate(`msg="hello world"`, out, ctx) {
		t.Fatalf("quoted value with space should match")
	}
	if !Evaluate(`msg!="goodbye"`, out, ctx) {
		t.Fatalf("quoted inequality should hold")
	}
}

func TestEvaluate_MalformedIsFalse(t *testing.T) {
	ctx := runtime.NewContext()
	out := runtime.Outcome{Status: runtime.StatusSuccess}

	cases := []string{
		"outcome=",
		"=success",
		"outcome==",
		"outcome=success &&",
		"(outcome=success",
		"outcome=success)",
		"a & b",
		"a | b",
		`msg="unterminated`,
		"outcome = = success",
	}
	for _, cond := range cases {
		if Evaluate(cond, out, ctx) {
			t.Fatalf("Evaluate(%q) should be false for malformed input", cond)
		}
	}
}

func TestEvaluate_CustomOutcome(t *testing.T) {
	ctx := runtime.NewContext()
	out := runtime.Outcome{Status: runtime.StageStatus("process")}

	cases := []struct {
		cond string
		want bool
	}{
		{"outcome=process", true},
		{"outcome=done", false},
		{"outcome!=process", false},
		{"outcome!=done", true},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.cond, out, ctx); got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_OutcomeAliasesMatch(t *testing.T) {
	// Edge conditions using aliases (e.g. outcome=skip) must match the
	// canonical form produced by ParseStageStatus (e.g. "skipped").
	ctx := runtime.NewContext()

	cases := []struct {
		name   string
		status runtime.StageStatus
		cond   string
		want   bool
	}{
		{"skip_alias_eq", runtime.StatusSkipped, "outcome=skip", true},
		{"skip_alias_canonical", runtime.StatusSkipped, "outcome=skipped", true},
		{"skip_alias_neq", runtime.StatusSkipped, "outcome!=skip", false},
		{"failure_alias_eq", runtime.StatusFail, "outcome=failure", true},
		{"failure_alias_neq", runtime.StatusFail, "outcome!=failure", false},
		{"error_alias_eq", runtime.StatusFail, "outcome=error", true},
		{"ok_alias_eq", runtime.StatusSuccess, "outcome=ok", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := runtime.Outcome{Status: tc.status}
			if got := Evaluate(tc.cond, out, ctx); got != tc.want {
				t.Fatalf("Evaluate(%q) with status=%q: got %v, want %v", tc.cond, tc.status, got, tc.want)
			}
		})
	}
}

func TestParse_ReportsSyntaxErrors(t *testing.T) {
	good := []string{
		"outcome=success",
		"a && b || !c",
		"(x = 1) && (y != 2)",
		"context.score >= 10",
	}
	for _, cond := range good {
		if _, err := Parse(cond); err != nil {
			t.Fatalf("Parse(%q) error: %v", cond, err)
		}
	}
	bad := []string{
		"",
		"&& outcome=success",
		"outcome=success extra",
		"(a",
		"a ||",
	}
	for _, cond := range bad {
		if _, err := Parse(cond); err == nil {
			t.Fatalf("Parse(%q): want error", cond)
		}
	}
}
