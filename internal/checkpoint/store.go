// Package checkpoint provides pluggable stores for workflow run snapshots.
// The engine checkpoints every state transition; stores only ever see deep
// copies, so implementations never race with the mutating run goroutine.
package checkpoint

import (
	"github.com/atelier-ai/atelier/pkg/api"
)

// Filter selects runs from a store. Empty values mean "no filter".
type Filter struct {
	Kind   api.Kind
	Status api.Status
}

// Store handles storage of workflow run snapshots, keyed by workflow id.
type Store interface {
	// SaveRun inserts a new run snapshot.
	SaveRun(run *api.Run) error

	// UpdateRun replaces the snapshot for an existing run. Returns
	// api.ErrRunNotFound if the id is unknown.
	UpdateRun(run *api.Run) error

	// GetRun returns the snapshot for id, or api.ErrRunNotFound.
	GetRun(id string) (*api.Run, error)

	// ListRuns returns run snapshots matching the filter.
	ListRuns(filter Filter) ([]*api.Run, error)

	// DeleteRun removes the snapshot for id. Deleting an unknown id is a
	// no-op; the retention sweeper may race with itself across restarts.
	DeleteRun(id string) error
}
