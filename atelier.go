package atelier

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atelier-ai/atelier/internal/checkpoint"
	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/pkg/api"
	"github.com/atelier-ai/atelier/pkg/provider"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator         = api.Orchestrator
	Kind                 = api.Kind
	Status               = api.Status
	Run                  = api.Run
	RunInput             = api.RunInput
	RunResult            = api.RunResult
	RunError             = api.RunError
	CancelResult         = api.CancelResult
	StageFunc            = api.StageFunc
	StageContext         = api.StageContext
	StageDefinition      = api.StageDefinition
	PipelineDefinition   = api.PipelineDefinition
	StageEvent           = api.StageEvent
	Phase                = api.Phase
	RetryPolicy          = api.RetryPolicy
	Provider             = api.Provider
	ProviderFactory      = api.ProviderFactory
	GenerateRequest      = api.GenerateRequest
	Artifact             = api.Artifact
	ArtifactRecord       = api.ArtifactRecord
	ArtifactSink         = api.ArtifactSink
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	ProviderError        = api.ProviderError
	MaxRetriesError      = api.MaxRetriesError
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export error helpers and sentinels.

var (
	ErrRunNotFound      = api.ErrRunNotFound
	ErrProviderNotFound = api.ErrProviderNotFound
	ErrPipelineNotFound = api.ErrPipelineNotFound
	ErrAdmissionDenied  = api.ErrAdmissionDenied

	NewTransientError = api.NewTransientError
	NewPermanentError = api.NewPermanentError
)

// Re-export status and phase values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	PhaseStart    = api.PhaseStart
	PhaseProgress = api.PhaseProgress
	PhaseComplete = api.PhaseComplete
	PhaseError    = api.PhaseError

	KindImage       = api.KindImage
	KindCopywriting = api.KindCopywriting
)

// Options tunes an orchestrator beyond its checkpoint backend. The zero
// value is usable; see the field docs in internal/engine for defaults.
type Options struct {
	// Providers supplies generation providers to stages. When nil, an empty
	// registry is used and Generate calls fail with ErrProviderNotFound.
	Providers *provider.Registry

	// Observer receives run and stage lifecycle callbacks.
	Observer Observer

	// Sink receives finalized artifact records when runs complete.
	Sink ArtifactSink

	// DefaultRetry applies to provider calls in stages without an explicit
	// policy.
	DefaultRetry RetryPolicy

	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration

	// StreamBuffer is the per-subscriber event buffer size.
	StreamBuffer int

	// MaxStreamsPerClient caps concurrent Subscribe streams per client id.
	MaxStreamsPerClient int

	// RetainFor keeps terminal runs queryable before eviction; SweepInterval
	// sets the eviction cadence.
	RetainFor     time.Duration
	SweepInterval time.Duration
}

func (o Options) engineConfig(store checkpoint.Store) engine.Config {
	return engine.Config{
		Store:               store,
		Providers:           o.Providers,
		Observer:            o.Observer,
		Sink:                o.Sink,
		DefaultRetry:        o.DefaultRetry,
		CallTimeout:         o.CallTimeout,
		StreamBuffer:        o.StreamBuffer,
		MaxStreamsPerClient: o.MaxStreamsPerClient,
		RetainFor:           o.RetainFor,
		SweepInterval:       o.SweepInterval,
	}
}

// Orchestrator constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryOrchestrator returns an Orchestrator backed entirely by
// in-memory state. Runs do not survive a restart.
func NewInMemoryOrchestrator(opts Options) Orchestrator {
	return engine.New(opts.engineConfig(checkpoint.NewInMemoryStore()))
}

// NewSQLiteOrchestrator returns an Orchestrator that checkpoints run
// snapshots in a SQLite database.
func NewSQLiteOrchestrator(db *sql.DB, opts Options) (Orchestrator, error) {
	store, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(opts.engineConfig(store)), nil
}

// NewRedisOrchestrator returns an Orchestrator that checkpoints run
// snapshots in Redis under the given key prefix.
func NewRedisOrchestrator(client *redis.Client, prefix string, opts Options) Orchestrator {
	return engine.New(opts.engineConfig(checkpoint.NewRedisStore(client, prefix)))
}

// NewProviderRegistry returns an empty provider registry.
func NewProviderRegistry() *provider.Registry {
	return provider.NewRegistry()
}

// Convenience helpers that just forward to the underlying Orchestrator.

// Start starts a run of the registered pipeline kind.
func Start(ctx context.Context, o Orchestrator, kind Kind, input RunInput) (*Run, error) {
	return o.Start(ctx, kind, input)
}

// GetStatus fetches a run snapshot by id.
func GetStatus(ctx context.Context, o Orchestrator, id string) (*Run, error) {
	return o.Status(ctx, id)
}

// Cancel requests cooperative cancellation of a run.
func Cancel(ctx context.Context, o Orchestrator, id string) (*CancelResult, error) {
	return o.Cancel(ctx, id)
}
