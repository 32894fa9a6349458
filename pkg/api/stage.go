package api

import "context"

// StageContext is the engine-provided handle a StageFunc uses to interact
// with its run. It is valid only for the duration of the stage invocation.
type StageContext interface {
	// WorkflowID returns the id of the run this stage belongs to.
	WorkflowID() string

	// Stage returns the name of the currently executing stage.
	Stage() string

	// Input returns the immutable parameters the run was started with.
	Input() RunInput

	// Get reads a value from the run's working data, typically set by an
	// earlier stage.
	Get(key string) (any, bool)

	// Set records a value in the run's working data. Working data survives
	// stage failures for diagnostic visibility but is never the advertised
	// result.
	Set(key string, value any)

	// Generate acquires the named provider, invokes it with the engine's
	// per-call timeout, and releases it. Transient failures are retried
	// according to the stage's retry policy (or the engine default), with one
	// progress event published per scheduled retry. Permanent failures and
	// unknown provider names return immediately.
	Generate(ctx context.Context, provider string, req GenerateRequest) (*Artifact, error)

	// Think publishes a progress event carrying a free-form thought note so
	// stream subscribers can follow intermediate reasoning.
	Think(ctx context.Context, note string)

	// SetResult records the run's final result. Meaningful only in the last
	// stage; the engine publishes it when the run completes.
	SetResult(res RunResult)
}
