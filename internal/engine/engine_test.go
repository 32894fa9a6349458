package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/checkpoint"
	"github.com/atelier-ai/atelier/pkg/api"
	"github.com/atelier-ai/atelier/pkg/provider"
)

// immediate retries without sleeping, to keep failure tests fast.
var immediateRetry = api.RetryPolicy{MaxRetries: 3, BackoffMultiplier: 1.0}

func newTestEngine(t *testing.T, cfg Config) api.Orchestrator {
	t.Helper()
	if cfg.DefaultRetry == (api.RetryPolicy{}) {
		cfg.DefaultRetry = immediateRetry
	}
	e := New(cfg)
	t.Cleanup(func() { e.Close() })
	return e
}

func registerMockPipeline(t *testing.T, e api.Orchestrator, kind api.Kind, stages ...api.StageDefinition) {
	t.Helper()
	require.NoError(t, e.RegisterPipeline(api.PipelineDefinition{Kind: kind, Stages: stages}))
}

// gateStage blocks until the gate channel closes, so tests can attach
// subscribers or deliver cancellations at a known point.
func gateStage(name string, gate <-chan struct{}) api.StageDefinition {
	return api.StageDefinition{
		Name: name,
		Fn: func(ctx context.Context, sc api.StageContext) error {
			select {
			case <-gate:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func noopStage(name string) api.StageDefinition {
	return api.StageDefinition{
		Name: name,
		Fn:   func(ctx context.Context, sc api.StageContext) error { return nil },
	}
}

// collect drains the event channel until it closes.
func collect(t *testing.T, ch <-chan api.StageEvent) []api.StageEvent {
	t.Helper()
	var out []api.StageEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func waitTerminal(t *testing.T, e api.Orchestrator, id string) *api.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.Status(context.Background(), id)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", id)
	return nil
}

func TestRunCompletesWithOrderedStageEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})
	gate := make(chan struct{})

	registerMockPipeline(t, e, api.KindImage,
		gateStage("optimize_prompt", gate),
		noopStage("generate_image"),
		api.StageDefinition{
			Name: "persist_asset",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				sc.SetResult(api.RunResult{ArtifactID: "art-1"})
				return nil
			},
		},
	)

	run, err := e.Start(ctx, api.KindImage, api.RunInput{Prompt: "a red bicycle"})
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, run.Status)
	require.NotEmpty(t, run.ID)

	events, cancel, err := e.Subscribe(ctx, run.ID, "client-1")
	require.NoError(t, err)
	defer cancel()

	close(gate)
	got := collect(t, events)

	var completes []string
	for _, ev := range got {
		if ev.Phase == api.PhaseComplete && ev.Stage != api.StageTerminal {
			completes = append(completes, ev.Stage)
		}
	}
	require.Equal(t, []string{"optimize_prompt", "generate_image", "persist_asset"}, completes)

	last := got[len(got)-1]
	require.Equal(t, api.StageTerminal, last.Stage)
	require.Equal(t, api.PhaseComplete, last.Phase)
	require.Equal(t, string(api.StatusCompleted), last.Payload["status"])

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusCompleted, final.Status)
	require.Empty(t, final.CurrentStage)
	require.False(t, final.CompletedAt.IsZero())
	require.NotNil(t, final.Result)
	require.Equal(t, "art-1", final.Result.ArtifactID)
	require.Nil(t, final.Error)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := &provider.Mock{FailTimes: 2}
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory())

	metrics := &api.BasicMetrics{}
	e := newTestEngine(t, Config{Providers: providers, Observer: metrics})
	gate := make(chan struct{})

	registerMockPipeline(t, e, api.KindImage,
		gateStage("hold", gate),
		api.StageDefinition{
			Name: "generate_image",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				art, err := sc.Generate(ctx, "mock", api.GenerateRequest{Operation: "generate_image"})
				if err != nil {
					return err
				}
				sc.SetResult(api.RunResult{ArtifactID: art.ID, URL: art.URL})
				return nil
			},
			Retry: &immediateRetry,
		},
	)

	run, err := e.Start(ctx, api.KindImage, api.RunInput{Prompt: "x"})
	require.NoError(t, err)

	events, cancel, err := e.Subscribe(ctx, run.ID, "client-1")
	require.NoError(t, err)
	defer cancel()
	close(gate)

	got := collect(t, events)

	retries := 0
	for _, ev := range got {
		if ev.Phase == api.PhaseProgress && ev.Payload["retry"] != nil {
			retries++
		}
	}
	require.Equal(t, 2, retries, "one progress event per scheduled retry")
	require.Equal(t, 3, mock.Calls())

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)

	require.Equal(t, int64(2), metrics.Snapshot().ProviderRetries)
}

func TestMaxRetriesExhaustionFailsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := &provider.Mock{FailTimes: 100}
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory())

	e := newTestEngine(t, Config{Providers: providers})
	gate := make(chan struct{})
	policy := api.RetryPolicy{MaxRetries: 2, BackoffMultiplier: 1.0}

	registerMockPipeline(t, e, api.KindImage,
		gateStage("hold", gate),
		api.StageDefinition{
			Name: "generate_image",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				_, err := sc.Generate(ctx, "mock", api.GenerateRequest{Operation: "generate_image"})
				return err
			},
			Retry: &policy,
		},
	)

	run, err := e.Start(ctx, api.KindImage, api.RunInput{Prompt: "x"})
	require.NoError(t, err)

	events, cancel, err := e.Subscribe(ctx, run.ID, "client-1")
	require.NoError(t, err)
	defer cancel()
	close(gate)

	got := collect(t, events)

	retries := 0
	for _, ev := range got {
		if ev.Phase == api.PhaseProgress && ev.Payload["retry"] != nil {
			retries++
		}
	}
	require.Equal(t, 2, retries, "exactly one progress event per scheduled retry on exhaustion")

	last := got[len(got)-1]
	require.Equal(t, api.StageTerminal, last.Stage)
	require.Equal(t, api.PhaseError, last.Phase)
	require.Equal(t, api.ClassMaxRetriesExceeded, last.Payload["classification"])

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusFailed, final.Status)
	require.Nil(t, final.Result)
	require.NotNil(t, final.Error)
	require.Equal(t, api.ClassMaxRetriesExceeded, final.Error.Classification)
	require.Equal(t, 3, mock.Calls(), "initial attempt plus two retries")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := &provider.Mock{FailTimes: 1, Permanent: true}
	providers := provider.NewRegistry()
	providers.Register("mock", mock.Factory())

	e := newTestEngine(t, Config{Providers: providers})

	registerMockPipeline(t, e, api.KindImage, api.StageDefinition{
		Name: "generate_image",
		Fn: func(ctx context.Context, sc api.StageContext) error {
			_, err := sc.Generate(ctx, "mock", api.GenerateRequest{Operation: "generate_image"})
			return err
		},
		Retry: &immediateRetry,
	})

	run, err := e.Start(ctx, api.KindImage, api.RunInput{Prompt: "x"})
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusFailed, final.Status)
	require.Equal(t, api.ClassPermanentProvider, final.Error.Classification)
	require.Equal(t, 1, mock.Calls())
}

func TestUnknownProviderFailsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})

	registerMockPipeline(t, e, api.KindImage, api.StageDefinition{
		Name: "generate_image",
		Fn: func(ctx context.Context, sc api.StageContext) error {
			_, err := sc.Generate(ctx, "missing", api.GenerateRequest{Operation: "generate_image"})
			return err
		},
	})

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusFailed, final.Status)
	require.Equal(t, api.ClassProviderNotFound, final.Error.Classification)
}

func TestCancelHonoredAtStageBoundary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})
	gate := make(chan struct{})
	stage2Ran := false

	registerMockPipeline(t, e, api.KindCopywriting,
		gateStage("plan", gate),
		api.StageDefinition{
			Name: "draft",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				stage2Ran = true
				return nil
			},
		},
	)

	run, err := e.Start(ctx, api.KindCopywriting, api.RunInput{Prompt: "x"})
	require.NoError(t, err)

	res, err := e.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, res.Cancelled)

	close(gate)
	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusCancelled, final.Status)
	require.Empty(t, final.CurrentStage)
	require.False(t, final.CompletedAt.IsZero())
	require.Nil(t, final.Result)
	require.False(t, stage2Ran, "cancellation must stop execution at the next boundary")
}

func TestCancelTerminalRunIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})
	registerMockPipeline(t, e, api.KindImage, noopStage("only"))

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)
	waitTerminal(t, e, run.ID)

	res, err := e.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, res.Cancelled)
	require.Equal(t, api.StatusCompleted, res.Status)

	// Status is unchanged by the attempt.
	final, err := e.Status(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, final.Status)
}

func TestUnknownRunOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})

	_, err := e.Status(ctx, "ghost")
	require.True(t, errors.Is(err, api.ErrRunNotFound))

	_, err = e.Cancel(ctx, "ghost")
	require.True(t, errors.Is(err, api.ErrRunNotFound))

	_, _, err = e.Subscribe(ctx, "ghost", "client-1")
	require.True(t, errors.Is(err, api.ErrRunNotFound))
}

func TestStartUnregisteredKind(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	_, err := e.Start(context.Background(), api.KindImage, api.RunInput{})
	require.True(t, errors.Is(err, api.ErrPipelineNotFound))
}

func TestRegisterPipelineValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	require.Error(t, e.RegisterPipeline(api.PipelineDefinition{Kind: api.KindImage}))
	require.Error(t, e.RegisterPipeline(api.PipelineDefinition{Stages: []api.StageDefinition{noopStage("a")}}))

	require.NoError(t, e.RegisterPipeline(api.PipelineDefinition{
		Kind:   api.KindImage,
		Stages: []api.StageDefinition{noopStage("a")},
	}))
	err := e.RegisterPipeline(api.PipelineDefinition{
		Kind:   api.KindImage,
		Stages: []api.StageDefinition{noopStage("b")},
	})
	require.Error(t, err, "duplicate kind registration must fail")
}

func TestSubscribeAdmissionCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{MaxStreamsPerClient: 1})
	gate := make(chan struct{})
	defer close(gate)

	registerMockPipeline(t, e, api.KindImage, gateStage("hold", gate))

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)

	_, cancel1, err := e.Subscribe(ctx, run.ID, "client-a")
	require.NoError(t, err)

	_, _, err = e.Subscribe(ctx, run.ID, "client-a")
	require.True(t, errors.Is(err, api.ErrAdmissionDenied), "second stream for same client must be refused")

	// A different client is unaffected.
	_, cancel2, err := e.Subscribe(ctx, run.ID, "client-b")
	require.NoError(t, err)
	cancel2()

	// Cancelling frees the slot.
	cancel1()
	_, cancel3, err := e.Subscribe(ctx, run.ID, "client-a")
	require.NoError(t, err)
	cancel3()
}

func TestLateSubscriberGetsSyntheticTerminalEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})
	registerMockPipeline(t, e, api.KindImage, noopStage("only"))

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)
	waitTerminal(t, e, run.ID)

	events, cancel, err := e.Subscribe(ctx, run.ID, "client-1")
	require.NoError(t, err)
	defer cancel()

	got := collect(t, events)
	require.Len(t, got, 1)
	require.Equal(t, api.StageTerminal, got[0].Stage)
	require.Equal(t, string(api.StatusCompleted), got[0].Payload["status"])
}

func TestFailedRunTerminalEventCarriesClassification(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})
	registerMockPipeline(t, e, api.KindImage, api.StageDefinition{
		Name: "boom",
		Fn: func(ctx context.Context, sc api.StageContext) error {
			return errors.New("stage blew up")
		},
	})

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)
	waitTerminal(t, e, run.ID)

	events, cancel, err := e.Subscribe(ctx, run.ID, "client-1")
	require.NoError(t, err)
	defer cancel()

	got := collect(t, events)
	require.Len(t, got, 1)
	require.Equal(t, api.PhaseError, got[0].Phase)
	require.Equal(t, api.ClassStageFailed, got[0].Payload["classification"])
}

func TestWorkingDataFlowsBetweenStages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})

	registerMockPipeline(t, e, api.KindCopywriting,
		api.StageDefinition{
			Name: "plan",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				sc.Set("plan", "outline: "+sc.Input().Prompt)
				return nil
			},
		},
		api.StageDefinition{
			Name: "draft",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				plan, ok := sc.Get("plan")
				if !ok {
					return errors.New("plan missing")
				}
				sc.SetResult(api.RunResult{Text: plan.(string) + " / drafted"})
				return nil
			},
		},
	)

	run, err := e.Start(ctx, api.KindCopywriting, api.RunInput{Prompt: "desk lamp"})
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusCompleted, final.Status)
	require.Equal(t, "outline: desk lamp / drafted", final.Result.Text)
}

// A result staged by an early stage must not survive a later failure.
func TestFailureAfterSetResultLeavesNoResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})

	registerMockPipeline(t, e, api.KindImage,
		api.StageDefinition{
			Name: "produce",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				sc.SetResult(api.RunResult{ArtifactID: "too-early"})
				return nil
			},
		},
		api.StageDefinition{
			Name: "verify",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				return errors.New("verification failed")
			},
		},
	)

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, api.StatusFailed, final.Status)
	require.Nil(t, final.Result, "result and error are mutually exclusive")
	require.NotNil(t, final.Error)
}

func TestThinkPublishesProgressEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{})
	gate := make(chan struct{})

	registerMockPipeline(t, e, api.KindCopywriting,
		gateStage("hold", gate),
		api.StageDefinition{
			Name: "plan",
			Fn: func(ctx context.Context, sc api.StageContext) error {
				sc.Think(ctx, "considering three angles")
				return nil
			},
		},
	)

	run, err := e.Start(ctx, api.KindCopywriting, api.RunInput{})
	require.NoError(t, err)

	events, cancel, err := e.Subscribe(ctx, run.ID, "client-1")
	require.NoError(t, err)
	defer cancel()
	close(gate)

	var thoughts []string
	for _, ev := range collect(t, events) {
		if ev.Phase == api.PhaseProgress && ev.Payload["thought"] != nil {
			thoughts = append(thoughts, ev.Payload["thought"].(string))
		}
	}
	require.Equal(t, []string{"considering three angles"}, thoughts)
}

func TestRecoverInterruptedRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := checkpoint.NewInMemoryStore()

	// Simulate a previous process that died mid-flight.
	now := time.Now()
	for _, seed := range []struct {
		id     string
		status api.Status
	}{
		{"interrupted-1", api.StatusRunning},
		{"interrupted-2", api.StatusPending},
		{"finished", api.StatusCompleted},
	} {
		require.NoError(t, store.SaveRun(&api.Run{
			ID:        seed.id,
			Kind:      api.KindImage,
			Status:    seed.status,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	e := newTestEngine(t, Config{Store: store})

	n, err := e.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{"interrupted-1", "interrupted-2"} {
		run, err := store.GetRun(id)
		require.NoError(t, err)
		require.Equal(t, api.StatusFailed, run.Status)
		require.NotNil(t, run.Error)
		require.Equal(t, api.ClassStageFailed, run.Error.Classification)
		require.False(t, run.CompletedAt.IsZero())
	}

	finished, err := store.GetRun("finished")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, finished.Status)
}

func TestRetentionSweepEvictsTerminalRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEngine(t, Config{
		RetainFor:     5 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	registerMockPipeline(t, e, api.KindImage, noopStage("only"))

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)

	// The run is expected to complete and then disappear; eviction may win
	// the race with any intermediate status poll.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.Status(ctx, run.ID); errors.Is(err, api.ErrRunNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("terminal run was never evicted")
}

func TestCloseCancelsInFlightRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := New(Config{DefaultRetry: immediateRetry})
	gate := make(chan struct{})
	defer close(gate)

	registerMockPipeline(t, e, api.KindImage,
		gateStage("hold", gate),
		noopStage("after"),
	)

	run, err := e.Start(ctx, api.KindImage, api.RunInput{})
	require.NoError(t, err)

	require.NoError(t, e.Close())

	final, err := e.Status(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCancelled, final.Status)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	t.Parallel()

	rs := &runState{run: api.Run{Status: api.StatusPending}}

	require.False(t, rs.transition(api.StatusCompleted, nil), "pending cannot jump to completed")
	require.True(t, rs.transition(api.StatusRunning, nil))
	require.False(t, rs.transition(api.StatusPending, nil), "no going back to pending")
	require.True(t, rs.transition(api.StatusCompleted, nil))

	// Terminal states are absorbing.
	for _, to := range []api.Status{api.StatusPending, api.StatusRunning, api.StatusFailed, api.StatusCancelled} {
		require.False(t, rs.transition(to, nil), "completed must not move to %s", to)
	}
	require.Empty(t, rs.run.CurrentStage)
	require.False(t, rs.run.CompletedAt.IsZero())
}
