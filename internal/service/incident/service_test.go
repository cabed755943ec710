package incident

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
)

type fakeStore struct {
	events  map[uuid.UUID]*audit.Event
	updates []audit.IncidentUpdate
	pins    []bool
	open    []*audit.Event
}

func newFakeStore(events ...*audit.Event) *fakeStore {
	byID := make(map[uuid.UUID]*audit.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	return &fakeStore{events: byID}
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*audit.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, errors.ErrEventNotFound
	}
	return e, nil
}

func (f *fakeStore) UpdateIncident(_ context.Context, id uuid.UUID, update audit.IncidentUpdate) error {
	if _, ok := f.events[id]; !ok {
		return errors.ErrEventNotFound
	}
	f.updates = append(f.updates, update)
	status := update.Status
	f.events[id].IncidentStatus = &status
	return nil
}

func (f *fakeStore) SetPinned(_ context.Context, id uuid.UUID, pinned bool, _ *uuid.UUID) error {
	if _, ok := f.events[id]; !ok {
		return errors.ErrEventNotFound
	}
	f.pins = append(f.pins, pinned)
	return nil
}

func (f *fakeStore) ListOpenIncidents(context.Context, int) ([]*audit.Event, error) {
	return f.open, nil
}

type fakeCache struct{ clears int }

func (f *fakeCache) Clear() { f.clears++ }

type fakeEcho struct{ updates []websocket.IncidentUpdatePayload }

func (f *fakeEcho) BroadcastIncidentUpdate(p websocket.IncidentUpdatePayload) {
	f.updates = append(f.updates, p)
}

func statusPtr(s audit.IncidentStatus) *audit.IncidentStatus { return &s }
func priorityPtr(p audit.Priority) *audit.Priority           { return &p }

func newFixture(events ...*audit.Event) (*Service, *fakeStore, *fakeCache, *fakeEcho) {
	store := newFakeStore(events...)
	cache := &fakeCache{}
	echo := &fakeEcho{}
	return NewService(store, cache, echo, zap.NewNop()), store, cache, echo
}

func newEvent() *audit.Event {
	return &audit.Event{ID: uuid.New(), Timestamp: time.Now().UTC()}
}

func TestMarkAsIncident(t *testing.T) {
	event := newEvent()
	svc, store, cache, echo := newFixture(event)

	assignee := uuid.New()
	require.NoError(t, svc.MarkAsIncident(context.Background(), event.ID, audit.PriorityHigh, &assignee))

	require.Len(t, store.updates, 1)
	assert.Equal(t, audit.IncidentNew, store.updates[0].Status)
	require.NotNil(t, store.updates[0].Priority)
	assert.Equal(t, audit.PriorityHigh, *store.updates[0].Priority)
	assert.Equal(t, 1, cache.clears)
	require.Len(t, echo.updates, 1)
	assert.Equal(t, event.ID, echo.updates[0].EventID)
}

func TestUpdateIncident(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown event surfaces not found", func(t *testing.T) {
		svc, _, cache, _ := newFixture()
		err := svc.UpdateIncident(ctx, uuid.New(), audit.IncidentUpdate{Status: audit.IncidentNew})
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
		assert.Equal(t, 0, cache.clears, "failed update must not invalidate")
	})

	t.Run("disallowed transition is rejected", func(t *testing.T) {
		event := newEvent()
		event.IncidentStatus = statusPtr(audit.IncidentInvestigating)
		svc, store, cache, echo := newFixture(event)

		err := svc.UpdateIncident(ctx, event.ID, audit.IncidentUpdate{Status: audit.IncidentEscalated})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeBusiness))
		assert.Empty(t, store.updates)
		assert.Equal(t, 0, cache.clears)
		assert.Empty(t, echo.updates)
	})

	t.Run("terminal transition stamps resolved at", func(t *testing.T) {
		event := newEvent()
		event.IncidentStatus = statusPtr(audit.IncidentInvestigating)
		svc, store, _, _ := newFixture(event)

		resolver := uuid.New()
		before := time.Now().UTC()
		require.NoError(t, svc.UpdateIncident(ctx, event.ID, audit.IncidentUpdate{
			Status:     audit.IncidentResolved,
			ResolvedBy: &resolver,
		}))

		require.Len(t, store.updates, 1)
		require.NotNil(t, store.updates[0].ResolvedAt)
		assert.False(t, store.updates[0].ResolvedAt.Before(before))
	})

	t.Run("terminal incident reopens on explicit update", func(t *testing.T) {
		event := newEvent()
		event.IncidentStatus = statusPtr(audit.IncidentFalsePositive)
		svc, store, _, _ := newFixture(event)

		require.NoError(t, svc.UpdateIncident(ctx, event.ID, audit.IncidentUpdate{
			Status:   audit.IncidentInvestigating,
			Priority: priorityPtr(audit.PriorityMedium),
		}))
		require.Len(t, store.updates, 1)
		assert.Equal(t, audit.IncidentInvestigating, store.updates[0].Status)
	})

	t.Run("reopening clears the resolution stamp", func(t *testing.T) {
		event := newEvent()
		event.IncidentStatus = statusPtr(audit.IncidentResolved)
		svc, store, _, _ := newFixture(event)

		resolver := uuid.New()
		require.NoError(t, svc.UpdateIncident(ctx, event.ID, audit.IncidentUpdate{
			Status:     audit.IncidentNew,
			ResolvedBy: &resolver, // ignored on a non-terminal target
		}))

		require.Len(t, store.updates, 1)
		assert.True(t, store.updates[0].ClearResolution)
		assert.Nil(t, store.updates[0].ResolvedAt)
		assert.Nil(t, store.updates[0].ResolvedBy)
	})

	t.Run("terminal transition keeps the resolution stamp", func(t *testing.T) {
		event := newEvent()
		event.IncidentStatus = statusPtr(audit.IncidentInvestigating)
		svc, store, _, _ := newFixture(event)

		require.NoError(t, svc.UpdateIncident(ctx, event.ID, audit.IncidentUpdate{
			Status: audit.IncidentFalsePositive,
		}))

		require.Len(t, store.updates, 1)
		assert.False(t, store.updates[0].ClearResolution)
		assert.NotNil(t, store.updates[0].ResolvedAt)
	})

	t.Run("success clears cache and echoes", func(t *testing.T) {
		event := newEvent()
		svc, _, cache, echo := newFixture(event)

		require.NoError(t, svc.UpdateIncident(ctx, event.ID, audit.IncidentUpdate{
			Status:   audit.IncidentNew,
			Priority: priorityPtr(audit.PriorityCritical),
		}))
		assert.Equal(t, 1, cache.clears)
		require.Len(t, echo.updates, 1)
		assert.Equal(t, audit.IncidentNew, echo.updates[0].IncidentStatus)
	})
}

func TestListOpenIncidents(t *testing.T) {
	low := newEvent()
	low.IncidentStatus = statusPtr(audit.IncidentNew)
	low.Priority = priorityPtr(audit.PriorityLow)

	critical := newEvent()
	critical.IncidentStatus = statusPtr(audit.IncidentEscalated)
	critical.Priority = priorityPtr(audit.PriorityCritical)

	svc, store, _, _ := newFixture(low, critical)
	store.open = []*audit.Event{low, critical}

	got, err := svc.ListOpenIncidents(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, critical.ID, got[0].ID, "critical outranks low regardless of storage order")
}

func TestPinning(t *testing.T) {
	event := newEvent()
	svc, store, cache, _ := newFixture(event)

	pinner := uuid.New()
	require.NoError(t, svc.Pin(context.Background(), event.ID, &pinner))
	require.NoError(t, svc.Unpin(context.Background(), event.ID))

	assert.Equal(t, []bool{true, false}, store.pins)
	assert.Equal(t, 2, cache.clears)
}
