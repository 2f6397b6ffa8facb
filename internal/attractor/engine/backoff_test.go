package engine

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/strongdm/attractor/internal/attractor/model"
)

func TestDelayForAttempt_ExponentialGrowthAndCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2.0, MaxDelayMS: 950}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 950 * time.Millisecond}, // capped
		{6, 950 * time.Millisecond},
		{0, 100 * time.Millisecond}, // floored to attempt 1
		{-3, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := DelayForAttempt(tc.attempt, cfg, "seed"); got != tc.want {
			t.Fatalf("DelayForAttempt(%d)=%v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayForAttempt_ZeroInitialDisablesDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 0, BackoffFactor: 2.0, MaxDelayMS: 1000}
	if got := DelayForAttempt(3, cfg, "seed"); got != 0 {
		t.Fatalf("zero initial delay should yield 0, got %v", got)
	}
}

func TestDelayForAttempt_JitterIsDeterministicPerSeed(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 1000, BackoffFactor: 1.0, MaxDelayMS: 10_000, Jitter: true}

	a := DelayForAttempt(1, cfg, "run:a:1")
	b := DelayForAttempt(1, cfg, "run:a:1")
	if a != b {
		t.Fatalf("same seed must give same delay: %v vs %v", a, b)
	}
	c := DelayForAttempt(1, cfg, "run:b:1")
	if a == c {
		t.Fatalf("different seeds should almost surely differ, both %v", a)
	}
}

func TestBackoffConfigFor_NodeBeatsGraphBeatsDefault(t *testing.T) {
	g := model.NewGraph("b")
	g.Attrs["retry.backoff.initial_delay_ms"] = "500"
	g.Attrs["retry.backoff.backoff_factor"] = "3"
	n := model.NewNode("work")
	n.Attrs["retry.backoff.initial_delay_ms"] = "50"

	cfg := backoffConfigFor(g, n)
	if cfg.InitialDelayMS != 50 {
		t.Fatalf("node attr should win: %d", cfg.InitialDelayMS)
	}
	if cfg.BackoffFactor != 3 {
		t.Fatalf("graph attr should fill the gap: %v", cfg.BackoffFactor)
	}
	if cfg.MaxDelayMS != 60_000 {
		t.Fatalf("default max delay expected, got %d", cfg.MaxDelayMS)
	}
	if cfg.Jitter {
		t.Fatalf("jitter defaults off")
	}

	bare := backoffConfigFor(nil, nil)
	if bare != defaultBackoffConfig() {
		t.Fatalf("nil inputs should yield defaults, got %+v", bare)
	}
}

func TestBackoffConfigFor_JitterAttr(t *testing.T) {
	g := model.NewGraph("b")
	g.Attrs["retry.backoff.jitter"] = "yes"
	cfg := backoffConfigFor(g, nil)
	if !cfg.Jitter {
		t.Fatalf("jitter attr not honored")
	}
}

func TestParseBool(t *testing.T) {
	cases := []struct {
		in   string
		def  bool
		want bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"y", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"n", true, false},
		{"", true, true},
		{"maybe", false, false},
		{" true ", false, true},
	}
	for _, tc := range cases {
		if got := parseBool(tc.in, tc.def); got != tc.want {
			t.Fatalf("parseBool(%q, %v)=%v, want %v", tc.in, tc.def, got, tc.want)
		}
	}
}

func TestBackoffDelayForNode_SeedVariesByAttempt(t *testing.T) {
	g := model.NewGraph("b")
	g.Attrs["retry.backoff.initial_delay_ms"] = "1000"
	g.Attrs["retry.backoff.backoff_factor"] = "1"
	g.Attrs["retry.backoff.jitter"] = "true"
	n := model.NewNode("work")

	first := backoffDelayForNode("run-1", g, n, 1)
	again := backoffDelayForNode("run-1", g, n, 1)
	if first != again {
		t.Fatalf("same run/node/attempt must be deterministic: %v vs %v", first, again)
	}
	second := backoffDelayForNode("run-1", g, n, 2)
	if first == second {
		t.Fatalf("jitter seed should vary by attempt, both %v", first)
	}
}

func TestDelayForAttempt_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := BackoffConfig{
			InitialDelayMS: rapid.IntRange(1, 2000).Draw(rt, "initial"),
			BackoffFactor:  float64(rapid.IntRange(10, 40).Draw(rt, "factor10")) / 10.0,
			MaxDelayMS:     rapid.IntRange(1, 120_000).Draw(rt, "max"),
		}
		seed := fmt.Sprintf("run:%d", rapid.IntRange(0, 1_000_000).Draw(rt, "seed"))

		capMS := time.Duration(cfg.MaxDelayMS) * time.Millisecond
		prev := time.Duration(-1)
		for attempt := 1; attempt <= 16; attempt++ {
			d := DelayForAttempt(attempt, cfg, seed)
			if d < 0 {
				rt.Fatalf("attempt %d: negative delay %v", attempt, d)
			}
			if d > capMS {
				rt.Fatalf("attempt %d: delay %v above cap %v", attempt, d, capMS)
			}
			if d < prev {
				rt.Fatalf("attempt %d: delay %v regressed below %v without jitter", attempt, d, prev)
			}
			prev = d
		}
	})
}

func TestDelayForAttempt_JitterBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		// Integer factors keep the unjittered delay on whole milliseconds,
		// so the [0.5, 1.5] window below is exact.
		base := BackoffConfig{
			InitialDelayMS: rapid.IntRange(1, 2000).Draw(rt, "initial"),
			BackoffFactor:  float64(rapid.IntRange(1, 4).Draw(rt, "factor")),
			MaxDelayMS:     rapid.IntRange(1, 120_000).Draw(rt, "max"),
		}
		attempt := rapid.IntRange(1, 12).Draw(rt, "attempt")
		seed := rapid.StringMatching(`[a-z0-9:-]{1,24}`).Draw(rt, "seed")

		plain := DelayForAttempt(attempt, base, seed)
		jcfg := base
		jcfg.Jitter = true
		jittered := DelayForAttempt(attempt, jcfg, seed)

		lo := plain / 2
		hi := plain + plain/2
		if jittered < lo || jittered > hi {
			rt.Fatalf("jittered %v outside [%v, %v] around %v", jittered, lo, hi, plain)
		}
	})
}

func TestJitterUnit_Range(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.String().Draw(rt, "seed")
		u := jitterUnit(seed)
		if u < 0 || u > 1 {
			rt.Fatalf("jitterUnit(%q)=%v outside [0,1]", seed, u)
		}
		if u != jitterUnit(seed) {
			rt.Fatalf("jitterUnit(%q) not deterministic", seed)
		}
	})
}
