// audit/model.go
package audit

import (
	"encoding/json"
	"time"
)

// Stage identifies the pipeline stage transition a record was emitted at.
type Stage string

const (
	StageFilter   Stage = "filter"
	StageAuth     Stage = "auth"
	StageRoute    Stage = "route"
	StageDispatch Stage = "dispatch"
)

// Outcomes per stage transition.
const (
	OutcomeAllowed    = "allowed"
	OutcomeBlocked    = "blocked"
	OutcomeAuthorized = "authorized"
	OutcomeDenied     = "denied"
	OutcomeMatched    = "matched"
	OutcomeNoMatch    = "no_match"
	OutcomeDispatched = "dispatched"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// Record is one append-only audit entry, emitted once per stage transition.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Stage     Stage           `json:"stage"`
	Outcome   string          `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}
