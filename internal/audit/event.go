package audit

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of an access decision.
type Outcome string

// Outcomes.
const (
	// OutcomeAllowed records a permitted request.
	OutcomeAllowed Outcome = "allowed"

	// OutcomeDenied records a rejected request.
	OutcomeDenied Outcome = "denied"

	// OutcomeError records a request for which no decision could be made.
	OutcomeError Outcome = "error"
)

// AnonymousActor is the actor recorded when no principal could be
// established.
const AnonymousActor = "anonymous"

// Common metadata keys.
const (
	MetaRequestID = "request_id"
	MetaTraceID   = "trace_id"
	MetaTeamID    = "team_id"
	MetaRole      = "role"
	MetaRequired  = "required_role"
	MetaReason    = "reason"
	MetaMethod    = "method"
	MetaPath      = "path"
	MetaService   = "service"
	MetaClientIP  = "client_ip"
)

// Event is an immutable record of one access decision.
type Event struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Outcome      Outcome           `json:"outcome"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
// An empty actor is recorded as AnonymousActor.
func NewEvent(actor, action, resourceType, resourceID string, outcome Outcome) Event {
	if actor == "" {
		actor = AnonymousActor
	}
	return Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Metadata:     make(map[string]string),
	}
}

// WithMetadata returns a copy of the event with key set to value.
// Values must never be secret material.
func (e Event) WithMetadata(key, value string) Event {
	if value == "" {
		return e
	}
	md := make(map[string]string, len(e.Metadata)+1)
	maps.Copy(md, e.Metadata)
	md[key] = value
	e.Metadata = md
	return e
}

// Valid reports whether the event's outcome is one of the known values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllowed, OutcomeDenied, OutcomeError:
		return true
	default:
		return false
	}
}

// normalize fills missing identity fields and detaches the metadata map
// from the caller so later mutations cannot change a recorded event.
func (e Event) normalize(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.Actor == "" {
		e.Actor = AnonymousActor
	}
	if !e.Outcome.Valid() {
		e.Outcome = OutcomeError
	}
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}
	return e
}
