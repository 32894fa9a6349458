package api

import "time"

// Phase identifies where in a stage's lifecycle an event was emitted.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// StageTerminal is the Stage value of the synthetic event published when a
// run reaches a terminal state. Its payload carries the final status under
// "status". Subscribers joining after the run finished receive exactly this
// one event before their channel closes.
const StageTerminal = "workflow"

// StageEvent is an immutable fact emitted during run execution. Events are
// append-only and totally ordered per workflow id by emission order; they are
// delivered at most once to currently-connected subscribers and are not
// retained for replay.
type StageEvent struct {
	WorkflowID string
	Stage      string
	Phase      Phase
	Payload    map[string]any
	Timestamp  time.Time
}
