package orchestrator

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// LoopGuard counts identical tool calls within one turn.
type LoopGuard struct {
	limit  int
	counts map[string]int
}

// NewLoopGuard trips once the same (tool, args) pair has been seen limit
// times. A limit below 2 is raised to 2.
func NewLoopGuard(limit int) *LoopGuard {
	if limit < 2 {
		limit = 2
	}
	return &LoopGuard{limit: limit, counts: map[string]int{}}
}

// Observe records call and reports whether the guard tripped.
func (g *LoopGuard) Observe(call ToolCall) bool {
	key := callKey(call)
	g.counts[key]++
	return g.counts[key] >= g.limit
}

// callKey hashes the tool name with its canonical JSON arguments.
// encoding/json sorts map keys, so equal argument maps hash equally.
func callKey(call ToolCall) string {
	args, _ := json.Marshal(call.Args)
	h := sha256.Sum256(args)
	return fmt.Sprintf("%s:%x", call.Name, h[:16])
}
