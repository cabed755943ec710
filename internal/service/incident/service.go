package incident

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
)

// EventStore is the slice of the audit repository the incident
// lifecycle needs.
type EventStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*audit.Event, error)
	UpdateIncident(ctx context.Context, id uuid.UUID, update audit.IncidentUpdate) error
	SetPinned(ctx context.Context, id uuid.UUID, pinned bool, pinnedBy *uuid.UUID) error
	ListOpenIncidents(ctx context.Context, limit int) ([]*audit.Event, error)
}

// CacheInvalidator drops cached query results after a mutation.
type CacheInvalidator interface {
	Clear()
}

// Broadcaster echoes incident changes to connected dashboards.
type Broadcaster interface {
	BroadcastIncidentUpdate(payload websocket.IncidentUpdatePayload)
}

// Service manages the incident lifecycle layered on audit events.
// Every successful mutation clears the whole query cache and echoes a
// broadcast; correctness beats hit ratio here.
type Service struct {
	store       EventStore
	cache       CacheInvalidator
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewService wires the incident lifecycle service.
func NewService(store EventStore, cache CacheInvalidator, broadcaster Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// GetByID returns the event anchoring an incident.
func (s *Service) GetByID(ctx context.Context, eventID uuid.UUID) (*audit.Event, error) {
	return s.store.GetByID(ctx, eventID)
}

// MarkAsIncident opens a NEW incident on the event.
func (s *Service) MarkAsIncident(ctx context.Context, eventID uuid.UUID, priority audit.Priority, assignedTo *uuid.UUID) error {
	return s.UpdateIncident(ctx, eventID, audit.IncidentUpdate{
		Status:     audit.IncidentNew,
		Priority:   &priority,
		AssignedTo: assignedTo,
	})
}

// UpdateIncident applies a lifecycle update to the event's incident
// annotation. Unknown event ids surface NotFound; disallowed
// transitions surface a business error. Terminal incidents can be
// re-opened by any explicit update.
func (s *Service) UpdateIncident(ctx context.Context, eventID uuid.UUID, update audit.IncidentUpdate) error {
	event, err := s.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}

	if !audit.CanTransition(event.IncidentStatus, update.Status) {
		return errors.NewBusinessError("INVALID_TRANSITION",
			"incident cannot move to "+string(update.Status)).
			WithDetails(map[string]interface{}{
				"event_id": eventID.String(),
				"current":  currentStatus(event.IncidentStatus),
				"target":   string(update.Status),
			})
	}

	if audit.IsTerminal(update.Status) {
		if update.ResolvedAt == nil {
			now := time.Now().UTC()
			update.ResolvedAt = &now
		}
	} else {
		// Reopening or an open-state move: a stale resolution stamp on
		// an open incident would misreport it as handled.
		update.ClearResolution = true
		update.ResolvedAt = nil
		update.ResolvedBy = nil
	}

	if err := s.store.UpdateIncident(ctx, eventID, update); err != nil {
		return err
	}

	// Coarse invalidation: any cached listing or stat may now be stale.
	s.cache.Clear()

	s.broadcaster.BroadcastIncidentUpdate(websocket.IncidentUpdatePayload{
		EventID:        eventID,
		IncidentStatus: update.Status,
		Priority:       update.Priority,
		AssignedTo:     update.AssignedTo,
	})

	s.logger.Info("incident updated",
		zap.String("event_id", eventID.String()),
		zap.String("status", string(update.Status)))
	return nil
}

// ListOpenIncidents returns events with an open incident annotation,
// highest priority first, newest first within a priority. Ordering is
// computed here because priority is nullable in storage.
func (s *Service) ListOpenIncidents(ctx context.Context, limit int) ([]*audit.Event, error) {
	events, err := s.store.ListOpenIncidents(ctx, limit)
	if err != nil {
		return nil, err
	}
	audit.SortOpenIncidents(events)
	return events, nil
}

// Pin marks an event so listings can surface it regardless of filters.
func (s *Service) Pin(ctx context.Context, eventID uuid.UUID, pinnedBy *uuid.UUID) error {
	return s.setPinned(ctx, eventID, true, pinnedBy)
}

// Unpin clears the pin.
func (s *Service) Unpin(ctx context.Context, eventID uuid.UUID) error {
	return s.setPinned(ctx, eventID, false, nil)
}

func (s *Service) setPinned(ctx context.Context, eventID uuid.UUID, pinned bool, pinnedBy *uuid.UUID) error {
	if err := s.store.SetPinned(ctx, eventID, pinned, pinnedBy); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

func currentStatus(s *audit.IncidentStatus) string {
	if s == nil {
		return "none"
	}
	return string(*s)
}
