// Package engine implements the workflow state machine: one goroutine per
// run driving a fixed per-kind stage list, with cooperative cancellation at
// stage boundaries, retry/backoff around provider calls, checkpointing on
// every transition, and event publication to the stream hub.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/admission"
	"github.com/atelier-ai/atelier/internal/checkpoint"
	"github.com/atelier-ai/atelier/internal/stream"
	"github.com/atelier-ai/atelier/pkg/api"
	"github.com/atelier-ai/atelier/pkg/provider"
)

// Config describes how to construct an engine. Zero values select sensible
// defaults; only external callers with special needs touch most fields.
type Config struct {
	// Store checkpoints run snapshots. Defaults to the in-memory store.
	Store checkpoint.Store

	// Providers is the injected provider registry. Defaults to an empty
	// registry (every Generate then fails with provider_not_found).
	Providers *provider.Registry

	// Observer receives lifecycle callbacks. Defaults to NoopObserver.
	Observer api.Observer

	// Sink receives finalized artifact records on completion. Defaults to
	// NoopArtifactSink.
	Sink api.ArtifactSink

	// DefaultRetry applies to provider calls in stages without their own
	// policy.
	DefaultRetry api.RetryPolicy

	// CallTimeout bounds each individual provider call. Expiry is classified
	// as a transient failure and enters the retry count.
	CallTimeout time.Duration

	// StreamBuffer is the per-subscriber event channel capacity.
	StreamBuffer int

	// MaxStreamsPerClient caps concurrent subscriptions per client identity.
	MaxStreamsPerClient int

	// RetainFor keeps terminal runs queryable before the sweeper evicts
	// them; SweepInterval is the sweep cadence.
	RetainFor     time.Duration
	SweepInterval time.Duration
}

const (
	defaultCallTimeout   = 30 * time.Second
	defaultRetainFor     = time.Hour
	defaultSweepInterval = time.Minute
)

var defaultRetry = api.RetryPolicy{
	MaxRetries:        3,
	InitialBackoff:    100 * time.Millisecond,
	BackoffMultiplier: 2.0,
	MaxBackoff:        2 * time.Second,
}

// runState is the engine's authoritative record for one run. The run
// goroutine is the only writer; status/cancel queries read through the
// per-run mutex, so unrelated workflows never contend on a shared lock.
type runState struct {
	mu           sync.Mutex
	run          api.Run
	stagedResult *api.RunResult
	cancelled    atomic.Bool
}

var validTransitions = map[api.Status][]api.Status{
	api.StatusPending: {api.StatusRunning, api.StatusCancelled},
	api.StatusRunning: {api.StatusCompleted, api.StatusFailed, api.StatusCancelled},
}

func transitionAllowed(from, to api.Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (rs *runState) snapshot() *api.Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Clone()
}

// transition moves the run to a new status if the DAG allows it. Terminal
// transitions clear the current stage and stamp CompletedAt. mutate runs
// under the lock after the status change.
func (rs *runState) transition(to api.Status, mutate func(*api.Run)) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !transitionAllowed(rs.run.Status, to) {
		return false
	}

	now := time.Now()
	rs.run.Status = to
	rs.run.UpdatedAt = now
	if to.Terminal() {
		rs.run.CurrentStage = ""
		rs.run.CompletedAt = now
	}
	if mutate != nil {
		mutate(&rs.run)
	}
	return true
}

func (rs *runState) setStage(name string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.CurrentStage = name
	rs.run.UpdatedAt = time.Now()
}

type engineImpl struct {
	store     checkpoint.Store
	providers *provider.Registry
	observer  api.Observer
	sink      api.ArtifactSink
	hub       *stream.Hub
	limiter   *admission.Limiter

	defaultRetry api.RetryPolicy
	callTimeout  time.Duration
	retainFor    time.Duration
	sweepEvery   time.Duration

	pipelinesMu sync.RWMutex
	pipelines   map[api.Kind]api.PipelineDefinition

	runsMu sync.RWMutex
	runs   map[string]*runState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs an Orchestrator from cfg, applying defaults, and starts the
// retention sweeper.
func New(cfg Config) api.Orchestrator {
	if cfg.Store == nil {
		cfg.Store = checkpoint.NewInMemoryStore()
	}
	if cfg.Providers == nil {
		cfg.Providers = provider.NewRegistry()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Sink == nil {
		cfg.Sink = api.NoopArtifactSink{}
	}
	if cfg.DefaultRetry == (api.RetryPolicy{}) {
		cfg.DefaultRetry = defaultRetry
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = defaultRetainFor
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &engineImpl{
		store:        cfg.Store,
		providers:    cfg.Providers,
		observer:     cfg.Observer,
		sink:         cfg.Sink,
		hub:          stream.NewHub(cfg.StreamBuffer),
		limiter:      admission.NewLimiter(cfg.MaxStreamsPerClient),
		defaultRetry: cfg.DefaultRetry,
		callTimeout:  cfg.CallTimeout,
		retainFor:    cfg.RetainFor,
		sweepEvery:   cfg.SweepInterval,
		pipelines:    make(map[api.Kind]api.PipelineDefinition),
		runs:         make(map[string]*runState),
		ctx:          ctx,
		cancel:       cancel,
	}

	e.wg.Add(1)
	go e.sweepLoop()

	return e
}

var _ api.Orchestrator = (*engineImpl)(nil)

func (e *engineImpl) RegisterPipeline(def api.PipelineDefinition) error {
	if def.Kind == "" {
		return errors.New("pipeline kind is required")
	}
	if len(def.Stages) == 0 {
		return errors.New("pipeline must have at least one stage")
	}
	for _, st := range def.Stages {
		if st.Name == "" {
			return errors.New("pipeline stage name is required")
		}
		if st.Fn == nil {
			return fmt.Errorf("pipeline stage %q has nil function", st.Name)
		}
	}

	e.pipelinesMu.Lock()
	defer e.pipelinesMu.Unlock()

	if _, exists := e.pipelines[def.Kind]; exists {
		return fmt.Errorf("pipeline already registered: %s", def.Kind)
	}
	e.pipelines[def.Kind] = def
	return nil
}

func (e *engineImpl) Start(ctx context.Context, kind api.Kind, input api.RunInput) (*api.Run, error) {
	if e.ctx.Err() != nil {
		return nil, errors.New("orchestrator is closed")
	}

	e.pipelinesMu.RLock()
	def, ok := e.pipelines[kind]
	e.pipelinesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrPipelineNotFound, kind)
	}

	now := time.Now()
	rs := &runState{
		run: api.Run{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    api.StatusPending,
			Input:     input,
			Working:   make(map[string]any),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	e.runsMu.Lock()
	e.runs[rs.run.ID] = rs
	e.runsMu.Unlock()

	if err := e.store.SaveRun(rs.snapshot()); err != nil {
		e.runsMu.Lock()
		delete(e.runs, rs.run.ID)
		e.runsMu.Unlock()
		return nil, fmt.Errorf("checkpoint run %s: %w", rs.run.ID, err)
	}

	// The topic exists for the run's whole queryable lifetime; only the
	// retention sweeper removes it.
	e.hub.Open(rs.run.ID)

	e.wg.Add(1)
	go e.execute(rs, def)

	return rs.snapshot(), nil
}

func (e *engineImpl) Status(ctx context.Context, id string) (*api.Run, error) {
	if rs := e.lookup(id); rs != nil {
		return rs.snapshot(), nil
	}

	run, err := e.store.GetRun(id)
	if err != nil {
		if errors.Is(err, api.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
		}
		return nil, err
	}
	return run, nil
}

func (e *engineImpl) Cancel(ctx context.Context, id string) (*api.CancelResult, error) {
	rs := e.lookup(id)
	if rs == nil {
		run, err := e.store.GetRun(id)
		if err != nil {
			if errors.Is(err, api.ErrRunNotFound) {
				return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
			}
			return nil, err
		}
		// Not executing in this process; nothing to flag.
		return &api.CancelResult{Cancelled: false, Status: run.Status}, nil
	}

	rs.mu.Lock()
	status := rs.run.Status
	rs.mu.Unlock()

	if status.Terminal() {
		return &api.CancelResult{Cancelled: false, Status: status}, nil
	}

	rs.cancelled.Store(true)
	return &api.CancelResult{Cancelled: true, Status: status}, nil
}

func (e *engineImpl) Subscribe(ctx context.Context, id string, clientID string) (<-chan api.StageEvent, func(), error) {
	rs := e.lookup(id)
	var storeRun *api.Run
	if rs == nil {
		run, err := e.store.GetRun(id)
		if err != nil {
			if errors.Is(err, api.ErrRunNotFound) {
				return nil, nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
			}
			return nil, nil, err
		}
		storeRun = run
	}

	release, err := e.limiter.Acquire(clientID)
	if err != nil {
		return nil, nil, err
	}

	if storeRun != nil {
		// Run is not executing in this process (restart leftovers or an
		// evicted live table entry): one synthetic terminal event, then EOF.
		ch := make(chan api.StageEvent, 1)
		ch <- terminalEvent(storeRun)
		close(ch)
		var once sync.Once
		return ch, func() { once.Do(release) }, nil
	}

	ch, cancel, done, ok := e.hub.Subscribe(id, release)
	if !ok {
		// The retention sweeper evicted the run between the liveness check
		// and the subscription attempt.
		release()
		return nil, nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
	}

	// Abrupt disconnects release their slot through the subscriber context.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}

	return ch, cancel, nil
}

func (e *engineImpl) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	count := 0
	for _, st := range []api.Status{api.StatusPending, api.StatusRunning} {
		runs, err := e.store.ListRuns(checkpoint.Filter{Status: st})
		if err != nil {
			return count, err
		}
		for _, run := range runs {
			if e.lookup(run.ID) != nil {
				// Legitimately executing in this process.
				continue
			}
			now := time.Now()
			run.Status = api.StatusFailed
			run.CurrentStage = ""
			run.Error = &api.RunError{
				Classification: api.ClassStageFailed,
				Message:        "run interrupted by restart",
			}
			run.UpdatedAt = now
			run.CompletedAt = now
			if err := e.store.UpdateRun(run); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (e *engineImpl) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
	})
	e.wg.Wait()
	return nil
}

func (e *engineImpl) lookup(id string) *runState {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	return e.runs[id]
}

// execute drives one run through its stage list. It is the only goroutine
// that mutates the run; everything it hands out is a snapshot.
func (e *engineImpl) execute(rs *runState, def api.PipelineDefinition) {
	defer e.wg.Done()
	ctx := e.ctx

	// CurrentStage must be non-empty for the whole running window.
	rs.transition(api.StatusRunning, func(run *api.Run) {
		run.CurrentStage = def.Stages[0].Name
	})
	_ = e.store.UpdateRun(rs.snapshot())
	e.observer.OnRunStart(ctx, rs.snapshot())

	for i, stage := range def.Stages {
		// Cooperative cancellation: checked only here, at the stage
		// boundary, never mid-provider-call.
		if e.shouldCancel(rs) {
			e.finalizeCancelled(ctx, rs)
			return
		}

		rs.setStage(stage.Name)
		_ = e.store.UpdateRun(rs.snapshot())
		e.publish(rs, stage.Name, api.PhaseStart, nil)
		e.observer.OnStageStart(ctx, rs.snapshot(), stage.Name, i)

		sc := &stageContext{
			engine: e,
			rs:     rs,
			stage:  stage.Name,
			retry:  e.retryFor(stage),
		}

		started := time.Now()
		err := stage.Fn(ctx, sc)
		elapsed := time.Since(started)

		e.observer.OnStageCompleted(ctx, rs.snapshot(), stage.Name, i, err, elapsed)

		if err != nil {
			if e.shouldCancel(rs) {
				// Engine shutdown or cancellation surfaced through the stage;
				// settle as cancelled, not failed.
				e.finalizeCancelled(ctx, rs)
				return
			}
			e.finalizeFailed(ctx, rs, stage.Name, err)
			return
		}

		e.publish(rs, stage.Name, api.PhaseComplete, map[string]any{
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}

	e.finalizeCompleted(ctx, rs)
}

func (e *engineImpl) shouldCancel(rs *runState) bool {
	return rs.cancelled.Load() || e.ctx.Err() != nil
}

func (e *engineImpl) retryFor(stage api.StageDefinition) api.RetryPolicy {
	if stage.Retry != nil {
		return *stage.Retry
	}
	return e.defaultRetry
}

func (e *engineImpl) finalizeCompleted(ctx context.Context, rs *runState) {
	rs.transition(api.StatusCompleted, func(run *api.Run) {
		if rs.stagedResult != nil {
			run.Result = rs.stagedResult
		} else {
			run.Result = &api.RunResult{}
		}
	})
	snap := rs.snapshot()
	_ = e.store.UpdateRun(snap)

	e.observer.OnRunCompleted(ctx, snap)

	// Hand the finalized artifact record to the persistence layer. The run
	// is already completed; sink failures belong to that layer's retries.
	_ = e.sink.StoreArtifact(ctx, api.ArtifactRecord{
		WorkflowID: snap.ID,
		Kind:       snap.Kind,
		Result:     *snap.Result,
		CreatedAt:  snap.CompletedAt,
	})

	e.hub.CloseTopic(snap.ID, terminalEvent(snap))
}

func (e *engineImpl) finalizeFailed(ctx context.Context, rs *runState, stage string, err error) {
	classification := api.Classify(err)
	rs.transition(api.StatusFailed, func(run *api.Run) {
		run.Error = &api.RunError{
			Classification: classification,
			Message:        err.Error(),
		}
	})
	snap := rs.snapshot()
	_ = e.store.UpdateRun(snap)

	e.publish(rs, stage, api.PhaseError, map[string]any{
		"classification": classification,
		"message":        err.Error(),
	})
	e.observer.OnRunFailed(ctx, snap, err)
	e.hub.CloseTopic(snap.ID, terminalEvent(snap))
}

func (e *engineImpl) finalizeCancelled(ctx context.Context, rs *runState) {
	rs.transition(api.StatusCancelled, nil)
	snap := rs.snapshot()
	_ = e.store.UpdateRun(snap)

	e.observer.OnRunCancelled(ctx, snap)
	e.hub.CloseTopic(snap.ID, terminalEvent(snap))
}

func (e *engineImpl) publish(rs *runState, stage string, phase api.Phase, payload map[string]any) {
	e.hub.Publish(api.StageEvent{
		WorkflowID: rs.run.ID,
		Stage:      stage,
		Phase:      phase,
		Payload:    payload,
		Timestamp:  time.Now(),
	})
}

// terminalEvent builds the synthetic event describing a run's final state.
func terminalEvent(run *api.Run) api.StageEvent {
	phase := api.PhaseComplete
	payload := map[string]any{
		"status": string(run.Status),
	}
	if run.Status == api.StatusFailed {
		phase = api.PhaseError
		if run.Error != nil {
			payload["classification"] = run.Error.Classification
			payload["message"] = run.Error.Message
		}
	}
	return api.StageEvent{
		WorkflowID: run.ID,
		Stage:      api.StageTerminal,
		Phase:      phase,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
}

// sweepLoop evicts terminal runs past the retention window: live table entry,
// hub topic, and checkpoint row together.
func (e *engineImpl) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.sweepOnce(now)
		}
	}
}

func (e *engineImpl) sweepOnce(now time.Time) {
	cutoff := now.Add(-e.retainFor)

	e.runsMu.Lock()
	var expired []string
	for id, rs := range e.runs {
		rs.mu.Lock()
		gone := rs.run.Status.Terminal() && rs.run.CompletedAt.Before(cutoff)
		rs.mu.Unlock()
		if gone {
			delete(e.runs, id)
			expired = append(expired, id)
		}
	}
	e.runsMu.Unlock()

	for _, id := range expired {
		e.hub.Remove(id)
		_ = e.store.DeleteRun(id)
	}

	// Terminal rows only present in the store (from a previous process).
	for _, st := range []api.Status{api.StatusCompleted, api.StatusFailed, api.StatusCancelled} {
		runs, err := e.store.ListRuns(checkpoint.Filter{Status: st})
		if err != nil {
			continue
		}
		for _, run := range runs {
			if e.lookup(run.ID) != nil {
				continue
			}
			if !run.CompletedAt.IsZero() && run.CompletedAt.Before(cutoff) {
				e.hub.Remove(run.ID)
				_ = e.store.DeleteRun(run.ID)
			}
		}
	}
}
