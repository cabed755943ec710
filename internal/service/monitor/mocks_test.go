package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
)

// fakeEventReader returns canned per-user and per-IP aggregates.
type fakeEventReader struct {
	mu     sync.Mutex
	recent []*audit.Event

	eventsForUser  map[uuid.UUID]int64
	failedLogins   map[uuid.UUID]int64
	unauthorized   map[uuid.UUID]int64
	distinctIPs    map[uuid.UUID]int64
	failedAuthByIP map[string]int64
	distinctUsers  map[string]int64
	eventTimesByIP map[string][]time.Time
	baselineByUser map[uuid.UUID]int64

	err error
}

func newFakeEventReader() *fakeEventReader {
	return &fakeEventReader{
		eventsForUser:  map[uuid.UUID]int64{},
		failedLogins:   map[uuid.UUID]int64{},
		unauthorized:   map[uuid.UUID]int64{},
		distinctIPs:    map[uuid.UUID]int64{},
		failedAuthByIP: map[string]int64{},
		distinctUsers:  map[string]int64{},
		eventTimesByIP: map[string][]time.Time{},
		baselineByUser: map[uuid.UUID]int64{},
	}
}

func (f *fakeEventReader) RecentSecurityEvents(context.Context, time.Time, int) ([]*audit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, f.err
}

func (f *fakeEventReader) CountEventsForUser(_ context.Context, id uuid.UUID, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventsForUser[id], f.err
}

func (f *fakeEventReader) CountFailedLoginsForUser(_ context.Context, id uuid.UUID, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failedLogins[id], f.err
}

func (f *fakeEventReader) CountUnauthorizedForUser(_ context.Context, id uuid.UUID, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unauthorized[id], f.err
}

func (f *fakeEventReader) CountDistinctIPsForUser(_ context.Context, id uuid.UUID, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distinctIPs[id], f.err
}

func (f *fakeEventReader) CountFailedAuthFromIP(_ context.Context, ip string, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failedAuthByIP[ip], f.err
}

func (f *fakeEventReader) CountDistinctUsersFromIP(_ context.Context, ip string, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distinctUsers[ip], f.err
}

func (f *fakeEventReader) EventTimesFromIP(_ context.Context, ip string, _, _ time.Time, _ int) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventTimesByIP[ip], f.err
}

func (f *fakeEventReader) BaselineEventCount(_ context.Context, id uuid.UUID, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baselineByUser[id], f.err
}

// arm swaps the fake's scripted data while a loop may be reading it.
func (f *fakeEventReader) arm(fn func(*fakeEventReader)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeIncidentWriter records escalations against an in-memory event set.
type fakeIncidentWriter struct {
	mu      sync.Mutex
	events  map[uuid.UUID]*audit.Event
	updates []audit.IncidentUpdate
	err     error
}

func newFakeIncidentWriter(events ...*audit.Event) *fakeIncidentWriter {
	byID := make(map[uuid.UUID]*audit.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	return &fakeIncidentWriter{events: byID}
}

func (f *fakeIncidentWriter) GetByID(_ context.Context, id uuid.UUID) (*audit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.events[id], nil
}

func (f *fakeIncidentWriter) UpdateIncident(_ context.Context, id uuid.UUID, update audit.IncidentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, update)
	if e, ok := f.events[id]; ok {
		status := update.Status
		e.IncidentStatus = &status
		e.Priority = update.Priority
	}
	return nil
}

func (f *fakeIncidentWriter) register(event *audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event.ID] = event
}

func (f *fakeIncidentWriter) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// fakeDirectory marks chosen users as administrators.
type fakeDirectory struct {
	admins map[uuid.UUID]bool
	err    error
}

func (f *fakeDirectory) IsAdminUser(_ context.Context, id uuid.UUID) (bool, error) {
	return f.admins[id], f.err
}

// fakeTrust marks chosen identities as trusted.
type fakeTrust struct {
	trustedUsers map[uuid.UUID]bool
	trustedIPs   map[string]bool
	err          error
}

func (f *fakeTrust) IsTrusted(_ context.Context, userID *uuid.UUID, ip string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if userID != nil && f.trustedUsers[*userID] {
		return true, nil
	}
	return f.trustedIPs[ip], nil
}

// fakeBroadcaster captures emitted payloads.
type fakeBroadcaster struct {
	mu        sync.Mutex
	security  []websocket.SecurityEventPayload
	incidents []websocket.IncidentUpdatePayload
}

func (f *fakeBroadcaster) BroadcastSecurityEvent(p websocket.SecurityEventPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.security = append(f.security, p)
}

func (f *fakeBroadcaster) BroadcastIncidentUpdate(p websocket.IncidentUpdatePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, p)
}

func (f *fakeBroadcaster) securityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.security)
}
