package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
)

// EventReader provides the aggregate counts the detector scores against.
type EventReader interface {
	RecentSecurityEvents(ctx context.Context, since time.Time, limit int) ([]*audit.Event, error)
	CountEventsForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error)
	CountFailedLoginsForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error)
	CountUnauthorizedForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error)
	CountDistinctIPsForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error)
	CountFailedAuthFromIP(ctx context.Context, ip string, start, end time.Time) (int64, error)
	CountDistinctUsersFromIP(ctx context.Context, ip string, start, end time.Time) (int64, error)
	EventTimesFromIP(ctx context.Context, ip string, start, end time.Time, limit int) ([]time.Time, error)
	BaselineEventCount(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
}

// IncidentWriter flags an event as the anchor of a new incident.
type IncidentWriter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*audit.Event, error)
	UpdateIncident(ctx context.Context, id uuid.UUID, update audit.IncidentUpdate) error
}

// PrincipalDirectory answers identity questions about users.
type PrincipalDirectory interface {
	IsAdminUser(ctx context.Context, userID uuid.UUID) (bool, error)
}

// TrustChecker reports whether an identity is on the trusted allowlist.
type TrustChecker interface {
	IsTrusted(ctx context.Context, userID *uuid.UUID, ip string) (bool, error)
}

// Broadcaster pushes findings to connected dashboards.
type Broadcaster interface {
	BroadcastSecurityEvent(payload websocket.SecurityEventPayload)
	BroadcastIncidentUpdate(payload websocket.IncidentUpdatePayload)
}
