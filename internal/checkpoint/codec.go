package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/atelier-ai/atelier/pkg/api"
)

// runPayload is the serialized form of a run shared by the SQLite and Redis
// stores. Timestamps travel as RFC 3339 strings; zero times as "".
type runPayload struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	CurrentStage string          `json:"current_stage,omitempty"`
	Input        api.RunInput    `json:"input"`
	Working      map[string]any  `json:"working,omitempty"`
	Result       *api.RunResult  `json:"result,omitempty"`
	Error        *api.RunError   `json:"error,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// EncodeRun serializes a run snapshot to JSON.
func EncodeRun(run *api.Run) ([]byte, error) {
	p := runPayload{
		ID:           run.ID,
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		CurrentStage: run.CurrentStage,
		Input:        run.Input,
		Working:      run.Working,
		Result:       run.Result,
		Error:        run.Error,
		CreatedAt:    encodeTime(run.CreatedAt),
		UpdatedAt:    encodeTime(run.UpdatedAt),
		CompletedAt:  encodeTime(run.CompletedAt),
	}
	return json.Marshal(p)
}

// DecodeRun deserializes a run snapshot from JSON.
func DecodeRun(data []byte) (*api.Run, error) {
	var p runPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	created, err := decodeTime(p.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := decodeTime(p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	completed, err := decodeTime(p.CompletedAt)
	if err != nil {
		return nil, err
	}

	return &api.Run{
		ID:           p.ID,
		Kind:         api.Kind(p.Kind),
		Status:       api.Status(p.Status),
		CurrentStage: p.CurrentStage,
		Input:        p.Input,
		Working:      p.Working,
		Result:       p.Result,
		Error:        p.Error,
		CreatedAt:    created,
		UpdatedAt:    updated,
		CompletedAt:  completed,
	}, nil
}
