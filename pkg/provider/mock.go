package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/api"
	"github.com/google/uuid"
)

// MockScheme prefixes every artifact URL produced by the mock provider.
const MockScheme = "mock://"

// Mock is a scriptable provider backend for tests, examples, and local
// development. It answers every operation from the request itself and can be
// told to fail a fixed number of times before succeeding.
//
// A single Mock is safe for concurrent use and for repeated acquisition; the
// failure budget is shared across acquisitions so "fail twice then succeed"
// scripts behave the same whether calls come from one stage or several.
type Mock struct {
	// Latency is added to every Generate call, to make ordering and
	// cancellation observable in tests.
	Latency time.Duration

	// FailTimes makes the first FailTimes Generate calls fail. Failures are
	// transient unless Permanent is set.
	FailTimes int

	// Permanent switches scripted failures to the non-retryable class.
	Permanent bool

	mu    sync.Mutex
	calls int
	fails int
}

var _ api.Provider = (*Mock)(nil)

// Factory returns a ProviderFactory yielding this Mock on every acquisition.
// The Mock outlives individual acquisitions; Close is a no-op.
func (m *Mock) Factory() api.ProviderFactory {
	return func(ctx context.Context) (api.Provider, error) {
		return m, nil
	}
}

// Generate answers the request, honoring the scripted failure budget.
func (m *Mock) Generate(ctx context.Context, req api.GenerateRequest) (*api.Artifact, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, api.NewTransientError("mock call timed out", ctx.Err())
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	m.calls++
	fail := m.fails < m.FailTimes
	if fail {
		m.fails++
	}
	m.mu.Unlock()

	if fail {
		if m.Permanent {
			return nil, api.NewPermanentError("mock scripted permanent failure", nil)
		}
		return nil, api.NewTransientError("mock scripted transient failure", nil)
	}

	id := uuid.NewString()
	art := &api.Artifact{
		ID:  id,
		URL: fmt.Sprintf("%s%s/%s", MockScheme, req.Operation, id),
		Metadata: map[string]any{
			"operation": req.Operation,
		},
	}

	switch req.Operation {
	case "optimize_prompt":
		art.Text = "optimized: " + req.Prompt
	case "generate_image":
		art.Metadata["width"] = req.Width
		art.Metadata["height"] = req.Height
	default:
		art.Text = fmt.Sprintf("%s output for %q", req.Operation, req.Prompt)
	}

	return art, nil
}

// Close is a no-op; the Mock holds no session state.
func (m *Mock) Close() error { return nil }

// Calls returns how many Generate calls the mock has served, including the
// scripted failures.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
