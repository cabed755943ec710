package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
)

// Action classifies what an inbound request did.
type Action string

const (
	ActionLogin              Action = "LOGIN"
	ActionLogout             Action = "LOGOUT"
	ActionLoginFailed        Action = "LOGIN_FAILED"
	ActionAuthFailed         Action = "AUTH_FAILED"
	ActionUnauthorizedAccess Action = "UNAUTHORIZED_ACCESS"
	ActionBlocked            Action = "BLOCKED"
	ActionCreate             Action = "CREATE"
	ActionRead               Action = "READ"
	ActionUpdate             Action = "UPDATE"
	ActionDelete             Action = "DELETE"
	ActionExport             Action = "EXPORT"
	ActionImport             Action = "IMPORT"
)

// Resource identifies what a request acted upon.
type Resource string

const (
	ResourceStudent     Resource = "STUDENT"
	ResourceDepartment  Resource = "DEPARTMENT"
	ResourceRoom        Resource = "ROOM"
	ResourceRole        Resource = "ROLE"
	ResourceUser        Resource = "USER"
	ResourceAPIKey      Resource = "API_KEY"
	ResourceFile        Resource = "FILE"
	ResourceSystem      Resource = "SYSTEM"
	ResourceAuditLog    Resource = "AUDIT_LOG"
	ResourceSecurity    Resource = "SECURITY"
	ResourceTrustedUser Resource = "TRUSTED_USER"
)

// Status is the outcome of the recorded request.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusError   Status = "ERROR"
)

// IncidentStatus is the lifecycle state of the incident annotation on an event.
type IncidentStatus string

const (
	IncidentNew           IncidentStatus = "NEW"
	IncidentInvestigating IncidentStatus = "INVESTIGATING"
	IncidentEscalated     IncidentStatus = "ESCALATED"
	IncidentResolved      IncidentStatus = "RESOLVED"
	IncidentFalsePositive IncidentStatus = "FALSE_POSITIVE"
)

// Priority is the analyst-facing triage priority of an incident.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// DetailKind tags the structured annotation carried in Event.Details.
type DetailKind string

const (
	DetailKindNone    DetailKind = ""
	DetailKindAnomaly DetailKind = "anomaly"
	DetailKindDenial  DetailKind = "denial"
)

// Details is the structured, versioned annotation attached to an event.
// Exactly one of the kind-specific members is set, selected by Kind.
type Details struct {
	Version int        `json:"version"`
	Kind    DetailKind `json:"kind,omitempty"`

	Anomaly *AnomalyDetail `json:"anomaly,omitempty"`
	Denial  *DenialDetail  `json:"denial,omitempty"`
}

// DetailsVersion is the current annotation schema version.
const DetailsVersion = 1

// AnomalyDetail records the finding that marked this event as an incident.
type AnomalyDetail struct {
	Severity   string    `json:"severity"`
	Reason     string    `json:"reason"`
	Score      float64   `json:"score"`
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detected_at"`
}

// DenialDetail records why the IP reputation gate rejected a request.
type DenialDetail struct {
	BlockReason string     `json:"block_reason"`
	BlockedBy   string     `json:"blocked_by,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Event represents one immutable audit log record of an inbound request.
// Only the incident annotation and pin fields are mutable after creation.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Actor: at most one of UserID/APIKeyID is set; both nil means the
	// request was unauthenticated.
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	APIKeyID *uuid.UUID `json:"api_key_id,omitempty"`

	Action     Action   `json:"action"`
	Resource   Resource `json:"resource"`
	ResourceID string   `json:"resource_id,omitempty"`
	Status     Status   `json:"status"`

	IPAddress    string  `json:"ip_address,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Details      Details `json:"details"`

	// Incident annotation fields, mutated only through the incident service.
	IncidentStatus *IncidentStatus `json:"incident_status,omitempty"`
	Priority       *Priority       `json:"priority,omitempty"`
	AssignedTo     *uuid.UUID      `json:"assigned_to,omitempty"`
	AnalystNotes   string          `json:"analyst_notes,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     *uuid.UUID      `json:"resolved_by,omitempty"`

	// Pin fields.
	IsPinned bool       `json:"is_pinned"`
	PinnedAt *time.Time `json:"pinned_at,omitempty"`
	PinnedBy *uuid.UUID `json:"pinned_by,omitempty"`
}

// NewEvent creates a new audit event with validation.
func NewEvent(action Action, resource Resource, status Status) (*Event, error) {
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if resource == "" {
		return nil, errors.NewValidationError("MISSING_RESOURCE", "resource is required")
	}
	switch status {
	case StatusSuccess, StatusFailure, StatusError:
	default:
		return nil, errors.NewValidationError("INVALID_STATUS", "status must be SUCCESS, FAILURE or ERROR")
	}

	return &Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Status:    status,
		Details:   Details{Version: DetailsVersion},
	}, nil
}

// IsAuthenticated reports whether the event carries a principal.
func (e *Event) IsAuthenticated() bool {
	return e.UserID != nil || e.APIKeyID != nil
}

// IsFailedAuth reports whether the event records a failed login or
// authentication attempt.
func (e *Event) IsFailedAuth() bool {
	return e.Action == ActionLoginFailed || e.Action == ActionAuthFailed
}

// IsSOCOperation reports whether the event is produced by the security
// tooling itself. Such events are excluded from anomaly scoring so that
// detection cannot feed on its own output.
func (e *Event) IsSOCOperation() bool {
	switch e.Resource {
	case ResourceAuditLog, ResourceSecurity, ResourceTrustedUser:
		return true
	}
	return false
}

// HasOpenIncident reports whether the event carries an open investigation.
func (e *Event) HasOpenIncident() bool {
	if e.IncidentStatus == nil {
		return false
	}
	switch *e.IncidentStatus {
	case IncidentNew, IncidentInvestigating, IncidentEscalated:
		return true
	}
	return false
}
