// Package atelier provides an embeddable orchestration engine for AI content
// generation workflows.
//
// Atelier runs multi-stage pipelines (image generation, product copywriting)
// asynchronously inside a Go service: each run executes on its own goroutine,
// emits an ordered stream of stage events to any number of subscribers, and
// checkpoints its state after every transition so a supervisor can inspect or
// recover runs across restarts.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Orchestrator
//  2. PipelineBuilder
//  3. StageFunc
//  4. Provider
//  5. Observer
//
// # Orchestrator
//
// The Orchestrator owns run state. It starts runs, reports status, applies
// cooperative cancellation at stage boundaries, fans stage events out to
// subscribers, and evicts terminal runs after a retention window.
//
// Orchestrators can checkpoint to different backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//
// All methods are safe for concurrent use.
//
// # PipelineBuilder
//
// PipelineBuilder is the declarative API used to define pipelines:
//
//	atelier.NewPipeline(atelier.KindImage).
//	    Stage("optimize_prompt", optimize).
//	    StageWithRetry("generate_image", generate,
//	        atelier.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second).Policy()).
//	    Stage("persist_asset", persist)
//
// ImagePipeline and CopywritingPipeline build the standard stage sequences
// for the two built-in kinds.
//
// # StageFunc
//
// A StageFunc is the executable unit of a pipeline:
//
//	type StageFunc func(ctx context.Context, sc StageContext) error
//
// The StageContext gives a stage its input, shared working data, provider
// access with retry and per-call timeouts, and a way to record the run's
// final result.
//
// # Provider
//
// Providers wrap external generation services behind a single Generate call.
// They are registered by name as factories and instantiated lazily on first
// use, so registration order never matters and unused providers cost nothing.
//
// # Observer
//
// Observers receive run and stage lifecycle callbacks. LoggingObserver emits
// structured logs, BasicMetrics keeps cheap in-process counters, and the
// metrics package exports the same signals to Prometheus. Use
// NewCompositeObserver to combine them.
//
// For runnable examples, see the /examples directory.
package atelier
