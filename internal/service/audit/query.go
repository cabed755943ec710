package audit

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	domain "github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/cache"
	"github.com/campuskit/campus-admin-backend/internal/metrics"
)

// EventStore is the slice of the repository the query service fronts.
type EventStore interface {
	Insert(ctx context.Context, event *domain.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	List(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error)
	Stats(ctx context.Context, q domain.StatsQuery) (*domain.Stats, error)
}

// Broadcaster echoes new audit rows to dashboards.
type Broadcaster interface {
	BroadcastAuditLogUpdate(payload websocket.AuditLogUpdatePayload)
}

// Service is the cache-fronted audit query surface and the write entry
// point collaborators use to append events.
type Service struct {
	store       EventStore
	cache       *cache.QueryCache
	broadcaster Broadcaster
	metrics     *metrics.Registry
	logger      *zap.Logger

	exportMaxRows int
}

// NewService wires the audit query service.
func NewService(store EventStore, qc *cache.QueryCache, broadcaster Broadcaster, reg *metrics.Registry, exportMaxRows int, logger *zap.Logger) *Service {
	if exportMaxRows <= 0 {
		exportMaxRows = 10000
	}
	return &Service{
		store:         store,
		cache:         qc,
		broadcaster:   broadcaster,
		metrics:       reg,
		logger:        logger,
		exportMaxRows: exportMaxRows,
	}
}

// RecordEvent appends an audit event and echoes it to the dashboard.
func (s *Service) RecordEvent(ctx context.Context, event *domain.Event) error {
	if err := s.store.Insert(ctx, event); err != nil {
		return err
	}
	s.broadcaster.BroadcastAuditLogUpdate(websocket.AuditLogUpdatePayload{
		EventID:  event.ID,
		Action:   event.Action,
		Resource: event.Resource,
		Status:   event.Status,
	})
	return nil
}

// GetEvent returns one event by id.
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	return s.store.GetByID(ctx, id)
}

// ListEvents serves a filtered, paginated listing through the cache.
// Pages larger than the cacheable limit go straight to storage.
func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	key := filter.CacheKey()
	if page := s.cache.GetListing(key); page != nil {
		s.metrics.RecordCacheHit(ctx)
		return page, nil
	}
	s.metrics.RecordCacheMiss(ctx)

	page, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	s.cache.SetListing(key, filter.Limit, page)
	return page, nil
}

// GetStats serves aggregate statistics over a date range through the
// cache.
func (s *Service) GetStats(ctx context.Context, q domain.StatsQuery) (*domain.Stats, error) {
	key := q.CacheKey()
	if stats := s.cache.GetStats(key); stats != nil {
		s.metrics.RecordCacheHit(ctx)
		return stats, nil
	}
	s.metrics.RecordCacheMiss(ctx)

	stats, err := s.store.Stats(ctx, q)
	if err != nil {
		return nil, err
	}
	s.cache.SetStats(key, stats)
	return stats, nil
}
