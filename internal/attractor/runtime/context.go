package runtime

import (
	"fmt"
	"strings"
	"sync"
)

// Context is the run-scoped key/value store handlers read and the engine
// mutates between steps. Keys are dot-namespaced by convention
// ("tool.output", "parallel.results"). Values are JSON-like. The engine
// applies an Outcome's context_updates as one atomic merge after a node
// completes; handlers never write it directly mid-execution.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
	logs   []string
}

func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value at key rendered as a string, or def when the
// key is absent or nil.
func (c *Context) GetString(key, def string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// ApplyUpdates merges updates into the context as a single atomic operation.
func (c *Context) ApplyUpdates(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range updates {
		c.values[k] = v
	}
}

// AppendLog records a run-log line kept alongside the values for
// checkpointing and observability.
func (c *Context) AppendLog(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, line)
}

func (c *Context) Logs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns a shallow copy of the values map.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// ReplaceSnapshot swaps in checkpointed state wholesale.
func (c *Context) ReplaceSnapshot(values map[string]any, logs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]any, len(values))
	for k, v := range values {
		c.values[k] = v
	}
	c.logs = make([]string, len(logs))
	copy(c.logs, logs)
}

// Clone returns an independent copy. Parallel branches execute against
// clones so the shared context is only ever written by the engine's own
// collect-then-merge step.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &Context{
		values: make(map[string]any, len(c.values)),
		logs:   make([]string, len(c.logs)),
	}
	for k, v := range c.values {
		out.values[k] = v
	}
	copy(out.logs, c.logs)
	return out
}
