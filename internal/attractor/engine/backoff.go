package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/attractor/internal/attractor/model"
)

// BackoffConfig configures the delay between retry attempts of a node.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	// Jitter defaults off so retry timing stays deterministic; enable it
	// per node or graph with `retry.backoff.jitter=true`.
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// retryAttr resolves a retry.* attribute, node value first, then the
// graph-level default.
func retryAttr(g *model.Graph, n *model.Node, key string) string {
	if n != nil {
		if v := strings.TrimSpace(n.Attrs[key]); v != "" {
			return v
		}
	}
	if g != nil {
		if v := strings.TrimSpace(g.Attrs[key]); v != "" {
			return v
		}
	}
	return ""
}

func backoffConfigFor(g *model.Graph, n *model.Node) BackoffConfig {
	cfg := defaultBackoffConfig()
	if v := retryAttr(g, n, "retry.backoff.initial_delay_ms"); v != "" {
		cfg.InitialDelayMS = parseInt(v, cfg.InitialDelayMS)
	}
	if v := retryAttr(g, n, "retry.backoff.backoff_factor"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.BackoffFactor = f
		}
	}
	if v := retryAttr(g, n, "retry.backoff.max_delay_ms"); v != "" {
		cfg.MaxDelayMS = parseInt(v, cfg.MaxDelayMS)
	}
	if v := retryAttr(g, n, "retry.backoff.jitter"); v != "" {
		cfg.Jitter = parseBool(v, cfg.Jitter)
	}
	cfg.clamp()
	return cfg
}

func (c *BackoffConfig) clamp() {
	c.InitialDelayMS = max(c.InitialDelayMS, 0)
	c.MaxDelayMS = max(c.MaxDelayMS, 0)
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.0
	}
}

// DelayForAttempt computes the backoff delay for a retry. attempt is
// 1-indexed: the first retry is attempt=1.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	attempt = max(attempt, 1)
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	ms := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		ms = min(ms, float64(cfg.MaxDelayMS))
	}
	// Jitter applies after the cap so the multiplier range survives it.
	if cfg.Jitter {
		ms *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	return time.Duration(max(ms, 0) * float64(time.Millisecond))
}

// jitterUnit maps a seed string to a deterministic value in [0,1] so the
// same run, node, and attempt always jitter identically.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func backoffDelayForNode(runID string, g *model.Graph, n *model.Node, attempt int) time.Duration {
	nodeID := ""
	if n != nil {
		nodeID = n.ID
	}
	seed := fmt.Sprintf("%s:%s:%d", strings.TrimSpace(runID), nodeID, attempt)
	return DelayForAttempt(attempt, backoffConfigFor(g, n), seed)
}
