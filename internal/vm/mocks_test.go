package vm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// mockOrchestrator is a mock implementation of the Orchestrator interface for testing.
type mockOrchestrator struct {
	mu sync.Mutex

	// Configurable behavior
	createFunc func(req CreateRequest) (any, error)
	startFunc  func(id string) (any, error)
	actionFunc func(action, id string, extra []string) (any, error)

	// Call tracking
	createCalls []CreateRequest
	startCalls  []string
	actionCalls []string
}

// newMockOrchestrator returns a mock whose instance is running until stopped
// and disappears once removed.
func newMockOrchestrator() *mockOrchestrator {
	m := &mockOrchestrator{}

	m.createFunc = func(req CreateRequest) (any, error) {
		return map[string]any{"instance": map[string]any{"id": "inst-1", "name": req.Name}}, nil
	}
	m.startFunc = func(id string) (any, error) {
		return map[string]any{"instance": map[string]any{"id": id, "state": "running"}}, nil
	}
	m.actionFunc = func(action, id string, extra []string) (any, error) {
		return showReply(id, "running"), nil
	}
	return m
}

func (m *mockOrchestrator) Create(ctx context.Context, req CreateRequest) (any, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, req)
	m.mu.Unlock()
	return m.createFunc(req)
}

func (m *mockOrchestrator) Start(ctx context.Context, id string) (any, error) {
	m.mu.Lock()
	m.startCalls = append(m.startCalls, id)
	m.mu.Unlock()
	return m.startFunc(id)
}

func (m *mockOrchestrator) Action(ctx context.Context, action, id string, extra ...string) (any, error) {
	m.mu.Lock()
	m.actionCalls = append(m.actionCalls, strings.Join(append([]string{action, id}, extra...), " "))
	m.mu.Unlock()
	return m.actionFunc(action, id, extra)
}

func (m *mockOrchestrator) showCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.actionCalls {
		if strings.HasPrefix(c, ActionShow+" ") {
			n++
		}
	}
	return n
}

func showReply(id, state string) map[string]any {
	return map[string]any{"instance": map[string]any{"id": id, "state": state}}
}

// recordingSleep counts sleeps without pausing.
type recordingSleep struct {
	calls []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return ctx.Err()
}
