package api

import (
	"context"
	"time"
)

// Kind identifies a pipeline type. Each kind maps to a fixed ordered list
// of stages registered with the orchestrator at startup.
type Kind string

const (
	KindImage       Kind = "image"
	KindCopywriting Kind = "copywriting"
)

// Status represents the lifecycle state of a workflow run.
//
// Transitions are monotonic and form a small DAG:
//
//	pending → running → {completed | failed | cancelled}
//
// The three terminal states are absorbing; a run never leaves them.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is one of the absorbing states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunInput holds the immutable parameters supplied when a run is started.
// Prompt is common to every pipeline kind; the remaining fields are
// interpreted per kind. Params carries kind-specific extras.
type RunInput struct {
	Prompt string
	Width  int
	Height int
	Style  string
	Params map[string]any
}

// RunResult is populated only when a run reaches StatusCompleted.
type RunResult struct {
	ArtifactID string
	URL        string
	Text       string
	Metadata   map[string]any
}

// RunError is populated only when a run reaches StatusFailed. Classification
// is one of the stable strings from errors.go; Message is human-readable.
type RunError struct {
	Classification string
	Message        string
}

// Run is one execution of a pipeline. The engine owns the authoritative copy;
// everything handed out through Orchestrator.Status (and observer callbacks)
// is a deep copy, safe to retain and read concurrently.
//
// Invariants:
//   - CurrentStage is non-empty iff Status == StatusRunning.
//   - Result and Error are mutually exclusive, each set at most once.
//   - Working holds partial stage outputs for diagnostics; it is never the
//     advertised result.
type Run struct {
	ID           string
	Kind         Kind
	Status       Status
	CurrentStage string
	Input        RunInput
	Working      map[string]any
	Result       *RunResult
	Error        *RunError
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Input.Params != nil {
		cp.Input.Params = make(map[string]any, len(r.Input.Params))
		for k, v := range r.Input.Params {
			cp.Input.Params[k] = v
		}
	}
	if r.Working != nil {
		cp.Working = make(map[string]any, len(r.Working))
		for k, v := range r.Working {
			cp.Working[k] = v
		}
	}
	if r.Result != nil {
		res := *r.Result
		if r.Result.Metadata != nil {
			res.Metadata = make(map[string]any, len(r.Result.Metadata))
			for k, v := range r.Result.Metadata {
				res.Metadata[k] = v
			}
		}
		cp.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// CancelResult reports the outcome of a cancellation request. Cancelled is
// true only when this request actually flagged the run; cancelling a run that
// is already terminal is a no-op and Status reports the existing state.
type CancelResult struct {
	Cancelled bool
	Status    Status
}

// StageFunc is a single stage of a pipeline. It receives a StageContext for
// provider calls (with retry/backoff applied), working data, thought events,
// and the final result.
type StageFunc func(ctx context.Context, sc StageContext) error

// StageDefinition describes a named stage. Retry, if set, overrides the
// engine's default retry policy for provider calls made in this stage.
type StageDefinition struct {
	Name  string
	Fn    StageFunc
	Retry *RetryPolicy
}

// PipelineDefinition describes a pipeline kind as a fixed ordered stage list.
type PipelineDefinition struct {
	Kind   Kind
	Stages []StageDefinition
}

// RetryPolicy controls how a provider call is retried on a transient failure.
// MaxRetries counts retries after the first attempt:
//
//	MaxRetries = 0 => the initial call only
//	MaxRetries = 3 => initial call + up to 3 retries
//
// Each scheduled retry publishes one progress event so observers see retry
// activity rather than silence. Permanent failures are never retried.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// ArtifactRecord is the finalized record handed to the ArtifactSink when a
// run completes. The engine itself writes no durable artifact storage.
type ArtifactRecord struct {
	WorkflowID string
	Kind       Kind
	Result     RunResult
	CreatedAt  time.Time
}

// ArtifactSink receives finalized artifact records for durable storage.
// Implementations belong to the persistence layer outside the engine.
type ArtifactSink interface {
	StoreArtifact(ctx context.Context, rec ArtifactRecord) error
}

// NoopArtifactSink discards all records. Used when no sink is configured.
type NoopArtifactSink struct{}

func (NoopArtifactSink) StoreArtifact(ctx context.Context, rec ArtifactRecord) error { return nil }

// Orchestrator is the high-level engine API. Runs execute asynchronously on
// their own goroutines; all methods are safe for concurrent use.
type Orchestrator interface {
	// RegisterPipeline registers a pipeline definition by kind.
	RegisterPipeline(def PipelineDefinition) error

	// Start allocates a new run in StatusPending, schedules stage execution
	// asynchronously, and returns immediately with the initial snapshot.
	Start(ctx context.Context, kind Kind, input RunInput) (*Run, error)

	// Status returns a read-only snapshot of the run. It is safe to call
	// concurrently with the in-flight run mutating the same state; a reader
	// may observe a slightly stale CurrentStage but never an out-of-order
	// Status. Unknown ids fail with ErrRunNotFound.
	Status(ctx context.Context, id string) (*Run, error)

	// Cancel sets a cooperative cancellation flag on the run. The flag is
	// honored at the next stage boundary, never mid-provider-call. Cancelling
	// a terminal run is a no-op reporting the existing status.
	Cancel(ctx context.Context, id string) (*CancelResult, error)

	// Subscribe returns a live, ordered stream of stage events for the run,
	// plus a cancel func that must be called when done. Multiple subscribers
	// each receive every event. A subscriber joining after the run reached a
	// terminal state receives a single synthetic terminal event, then the
	// channel closes. clientID identifies the originating client for
	// admission control; exceeding the per-client cap fails with
	// ErrAdmissionDenied.
	Subscribe(ctx context.Context, id string, clientID string) (<-chan StageEvent, func(), error)

	// RecoverInterruptedRuns marks runs left PENDING or RUNNING in the
	// checkpoint store (for example after a process crash) as failed. It is
	// intended to be called on startup before new runs are accepted, and
	// returns the number of runs it updated.
	RecoverInterruptedRuns(ctx context.Context) (int, error)

	// Close stops the retention sweeper, flags every in-flight run for
	// cancellation, and waits for run goroutines to settle.
	Close() error
}
