package ghostrun

import (
	"math/rand"
	"sync"
)

// MockTool describes how a tool behaves under simulation. Zero values fall
// back to registry defaults.
type MockTool struct {
	BaseLatencyMS int64
	// FailureProbability, when set, overrides the risk-derived probability.
	FailureProbability *float64
	Response           map[string]any
}

// FailureRate is a convenience for MockTool.FailureProbability literals.
func FailureRate(p float64) *float64 { return &p }

// MockToolRegistry holds per-tool simulation behavior keyed by tool name.
// Unknown tools get the default profile so a plan never fails to simulate
// just because a mock was not registered.
type MockToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]MockTool
	defaults MockTool
}

func NewMockToolRegistry() *MockToolRegistry {
	return &MockToolRegistry{
		tools: make(map[string]MockTool),
		defaults: MockTool{
			BaseLatencyMS: 250,
			Response:      map[string]any{"status": "ok"},
		},
	}
}

// Register installs or replaces a mock for a tool name.
func (r *MockToolRegistry) Register(name string, tool MockTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
}

// Lookup returns the mock for a tool, falling back to defaults.
func (r *MockToolRegistry) Lookup(name string) MockTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return r.defaults
	}
	if tool.BaseLatencyMS == 0 {
		tool.BaseLatencyMS = r.defaults.BaseLatencyMS
	}
	if tool.Response == nil {
		tool.Response = r.defaults.Response
	}
	return tool
}

// failureProbability maps a step risk level to a simulated failure rate.
func failureProbability(risk string) float64 {
	switch risk {
	case "CRITICAL":
		return 0.30
	case "HIGH":
		return 0.15
	case "MEDIUM":
		return 0.05
	default:
		return 0.01
	}
}

// sampleLatency draws base +/- 30% from the simulation PRNG.
func sampleLatency(rng *rand.Rand, base int64) int64 {
	if base <= 0 {
		return 0
	}
	jitter := (rng.Float64()*2 - 1) * 0.30
	latency := int64(float64(base) * (1 + jitter))
	if latency < 1 {
		latency = 1
	}
	return latency
}
