package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/api"
)

// stageContext is the engine-side implementation handed to stage functions.
// It is only ever used from the run goroutine, so the working-data accessors
// take the run lock solely to stay consistent with snapshot readers.
type stageContext struct {
	engine *engineImpl
	rs     *runState
	stage  string
	retry  api.RetryPolicy
}

var _ api.StageContext = (*stageContext)(nil)

func (sc *stageContext) WorkflowID() string { return sc.rs.run.ID }

func (sc *stageContext) Stage() string { return sc.stage }

func (sc *stageContext) Input() api.RunInput {
	sc.rs.mu.Lock()
	defer sc.rs.mu.Unlock()
	return sc.rs.run.Input
}

func (sc *stageContext) Get(key string) (any, bool) {
	sc.rs.mu.Lock()
	defer sc.rs.mu.Unlock()
	v, ok := sc.rs.run.Working[key]
	return v, ok
}

func (sc *stageContext) Set(key string, value any) {
	sc.rs.mu.Lock()
	defer sc.rs.mu.Unlock()
	if sc.rs.run.Working == nil {
		sc.rs.run.Working = make(map[string]any)
	}
	sc.rs.run.Working[key] = value
}

// SetResult stages the final payload. It is copied onto the run only when
// the run actually reaches completed, so a later stage failure never leaves
// a result on a failed run.
func (sc *stageContext) SetResult(res api.RunResult) {
	sc.rs.mu.Lock()
	defer sc.rs.mu.Unlock()
	sc.rs.stagedResult = &res
}

// Think publishes an intermediate reasoning note as a progress event.
func (sc *stageContext) Think(ctx context.Context, note string) {
	sc.engine.publish(sc.rs, sc.stage, api.PhaseProgress, map[string]any{
		"thought": note,
	})
}

// Generate calls the named provider with retry. Each individual call gets
// its own timeout. Transient failures (including timeouts) consume a retry;
// permanent ones abort immediately. A progress event and an observer
// callback precede every retried attempt.
func (sc *stageContext) Generate(ctx context.Context, providerName string, req api.GenerateRequest) (*api.Artifact, error) {
	p, err := sc.engine.providers.Acquire(ctx, providerName)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	policy := sc.retry
	backoff := policy.InitialBackoff
	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, sc.engine.callTimeout)
		artifact, err := p.Generate(callCtx, req)
		cancel()

		if err == nil {
			return artifact, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("provider %s: %w", providerName, ctx.Err())
		}
		if !api.IsTransient(err) {
			return nil, fmt.Errorf("provider %s: %w", providerName, err)
		}
		if attempt >= policy.MaxRetries {
			return nil, &api.MaxRetriesError{Retries: attempt, Last: err}
		}

		sc.engine.publish(sc.rs, sc.stage, api.PhaseProgress, map[string]any{
			"retry":   attempt + 1,
			"backoff": backoff.String(),
			"reason":  err.Error(),
		})
		sc.engine.observer.OnProviderRetry(ctx, sc.rs.snapshot(), sc.stage, attempt+1, err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("provider %s: %w", providerName, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}
