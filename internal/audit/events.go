package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what the caller attempted.
type Action string

// Actions recorded by the gateway core.
const (
	ActionAccess     Action = "access"
	ActionCreate     Action = "create"
	ActionModify     Action = "modify"
	ActionDelete     Action = "delete"
	ActionExecute    Action = "execute"
	ActionLogin      Action = "login"
	ActionBreakGlass Action = "break_glass"
)

// Outcome is the recorded result of a checked request.
type Outcome string

// Outcomes recorded per event.
const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Event is a single immutable audit record. Events carry enough
// context to reconstruct who asked for what and why the gateway
// answered the way it did, without embedding credentials or request
// bodies.
type Event struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	OrganizationID string    `json:"organization_id,omitempty"`
	PrincipalID    string    `json:"principal_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	Action         Action    `json:"action"`
	Resource       string    `json:"resource,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	EndpointClass  string    `json:"endpoint_class,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	BreakGlass     bool      `json:"break_glass,omitempty"`
	RetainUntil    time.Time `json:"retain_until"`
}

// DefaultRetention is how long events are kept when no retention
// period is configured.
const DefaultRetention = 365 * 24 * time.Hour

// NewEvent creates an event with a fresh id, the current timestamp and
// the given retention window. A non-positive retention falls back to
// DefaultRetention.
func NewEvent(action Action, outcome Outcome, retention time.Duration) *Event {
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := time.Now().UTC()
	return &Event{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Action:      action,
		Outcome:     outcome,
		RetainUntil: now.Add(retention),
	}
}
