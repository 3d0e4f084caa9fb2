package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is an append-only record of a domain action. Events are never mutated
// after being recorded.
type Event struct {
	ID          int64          `json:"id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	ActorID     int64          `json:"actor_id"` // 0 denotes a system-initiated action
	Action      string         `json:"action"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
}

// Filter narrows event listings.
type Filter struct {
	TenantID    uuid.UUID
	SubjectType string
	SubjectID   string
	Limit       int
}
