package models

import (
	"time"
)

// RenderJob lifecycle states persisted in Postgres. Transitions are
// one-directional: pending -> processing -> done|error. The two terminal
// states are never left once entered.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// RenderJob is one request to turn a scripted chat into a video artifact.
// InputProps is carried verbatim to the render service; this layer only
// counts messages in it when deriving a default duration.
type RenderJob struct {
	ID            string         `json:"id"`
	UserID        *string        `json:"user_id,omitempty"`
	Status        string         `json:"status"`
	CompositionID string         `json:"composition_id"`
	InputProps    map[string]any `json:"input_props"`
	ResultURL     *string        `json:"result_url,omitempty"`
	BlobKey       *string        `json:"blob_key,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j RenderJob) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusError
}
