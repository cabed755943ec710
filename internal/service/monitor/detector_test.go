package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/security"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/config"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Window:             time.Hour,
		Interval:           5 * time.Minute,
		VolumeMultiplier:   3,
		UserFailedLogins:   5,
		IPFailedLogins:     10,
		DistinctIPsPerUser: 3,
		DistinctUsersPerIP: 5,
		BotCadenceRatio:    0.1,
		HighRateThreshold:  100 * time.Millisecond,
		BaselineDays:       30,
		ScanBatchSize:      100,
	}
}

type detectorFixture struct {
	detector  *Detector
	events    *fakeEventReader
	incidents *fakeIncidentWriter
	directory *fakeDirectory
	trust     *fakeTrust
	emitted   *fakeBroadcaster
}

func newDetectorFixture(recorded ...*audit.Event) *detectorFixture {
	events := newFakeEventReader()
	events.recent = recorded
	incidents := newFakeIncidentWriter(recorded...)
	directory := &fakeDirectory{admins: map[uuid.UUID]bool{}}
	trust := &fakeTrust{trustedUsers: map[uuid.UUID]bool{}, trustedIPs: map[string]bool{}}
	emitted := &fakeBroadcaster{}

	return &detectorFixture{
		detector:  NewDetector(testMonitorConfig(), events, incidents, directory, trust, emitted, nil, zap.NewNop()),
		events:    events,
		incidents: incidents,
		directory: directory,
		trust:     trust,
		emitted:   emitted,
	}
}

func userEvent(userID uuid.UUID, ip string) *audit.Event {
	return &audit.Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		UserID:    &userID,
		Action:    audit.ActionLoginFailed,
		Resource:  audit.ResourceUser,
		Status:    audit.StatusFailure,
		IPAddress: ip,
	}
}

func anonEvent(ip string) *audit.Event {
	return &audit.Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Action:    audit.ActionAuthFailed,
		Resource:  audit.ResourceUser,
		Status:    audit.StatusFailure,
		IPAddress: ip,
	}
}

func TestDetectUserAnomalies(t *testing.T) {
	ctx := context.Background()

	t.Run("quiet user is not anomalous", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.eventsForUser[userID] = 3
		f.events.baselineByUser[userID] = 720 // 1/h baseline

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.False(t, finding.IsAnomaly)
	})

	t.Run("volume spike over baseline", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.eventsForUser[userID] = 10
		f.events.baselineByUser[userID] = 1440 // 2/h baseline

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityHigh, finding.Severity)
		assert.InDelta(t, 5.0, finding.Score, 0.001) // 10 / baseline 2
	})

	t.Run("zero baseline never triggers volume", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.eventsForUser[userID] = 500

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.False(t, finding.IsAnomaly)
	})

	t.Run("admin baseline is forced to zero", func(t *testing.T) {
		f := newDetectorFixture()
		adminID := uuid.New()
		f.directory.admins[adminID] = true
		f.events.eventsForUser[adminID] = 500
		f.events.baselineByUser[adminID] = 720

		finding, err := f.detector.DetectUserAnomalies(ctx, adminID)
		require.NoError(t, err)
		assert.False(t, finding.IsAnomaly)
	})

	t.Run("failed logins above threshold", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.failedLogins[userID] = 6

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityCritical, finding.Severity)
		assert.InDelta(t, 6.0, finding.Score, 0.001)
	})

	t.Run("failed logins at threshold stay quiet", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.failedLogins[userID] = 5

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.False(t, finding.IsAnomaly)
	})

	t.Run("any unauthorized access is critical", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.unauthorized[userID] = 2

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityCritical, finding.Severity)
		assert.InDelta(t, 20.0, finding.Score, 0.001) // 10 per attempt
	})

	t.Run("many source addresses is medium", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.distinctIPs[userID] = 4

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityMedium, finding.Severity)
	})

	t.Run("severity is the maximum of triggered rules", func(t *testing.T) {
		f := newDetectorFixture()
		userID := uuid.New()
		f.events.distinctIPs[userID] = 4
		f.events.failedLogins[userID] = 7

		finding, err := f.detector.DetectUserAnomalies(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, security.SeverityCritical, finding.Severity)
		assert.Contains(t, finding.Reason, "failed login")
		assert.Contains(t, finding.Reason, "distinct IP")
	})
}

func TestDetectIPAnomalies(t *testing.T) {
	ctx := context.Background()

	t.Run("brute force at threshold", func(t *testing.T) {
		f := newDetectorFixture()
		f.events.failedAuthByIP["203.0.113.9"] = 11

		finding, err := f.detector.DetectIPAnomalies(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityCritical, finding.Severity)
		assert.InDelta(t, 11.0, finding.Score, 0.001)
		assert.Contains(t, finding.Reason, "possible brute force")
	})

	t.Run("just under brute force threshold", func(t *testing.T) {
		f := newDetectorFixture()
		f.events.failedAuthByIP["203.0.113.9"] = 9

		finding, err := f.detector.DetectIPAnomalies(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.False(t, finding.IsAnomaly)
	})

	t.Run("many identities from one address", func(t *testing.T) {
		f := newDetectorFixture()
		f.events.distinctUsers["203.0.113.9"] = 6

		finding, err := f.detector.DetectIPAnomalies(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityHigh, finding.Severity)
	})

	t.Run("bot cadence on metronomic traffic", func(t *testing.T) {
		f := newDetectorFixture()
		base := time.Now().UTC().Add(-30 * time.Minute)
		times := make([]time.Time, 12)
		for i := range times {
			times[i] = base.Add(time.Duration(i) * time.Second)
		}
		f.events.eventTimesByIP["203.0.113.9"] = times

		finding, err := f.detector.DetectIPAnomalies(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityMedium, finding.Severity)
		assert.Contains(t, finding.Reason, "cadence")
	})

	t.Run("elevated request rate beats cadence", func(t *testing.T) {
		f := newDetectorFixture()
		base := time.Now().UTC().Add(-time.Minute)
		times := make([]time.Time, 12)
		for i := range times {
			times[i] = base.Add(time.Duration(i) * 50 * time.Millisecond)
		}
		f.events.eventTimesByIP["203.0.113.9"] = times

		finding, err := f.detector.DetectIPAnomalies(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, finding.IsAnomaly)
		assert.Equal(t, security.SeverityHigh, finding.Severity)
		assert.InDelta(t, 20.0, finding.Score, 0.001) // 1000 / 50ms mean
	})

	t.Run("too few intervals never score timing", func(t *testing.T) {
		f := newDetectorFixture()
		base := time.Now().UTC().Add(-time.Minute)
		times := make([]time.Time, 9)
		for i := range times {
			times[i] = base.Add(time.Duration(i) * 10 * time.Millisecond)
		}
		f.events.eventTimesByIP["203.0.113.9"] = times

		finding, err := f.detector.DetectIPAnomalies(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.False(t, finding.IsAnomaly)
	})
}

func TestScanRecentEscalation(t *testing.T) {
	ctx := context.Background()

	t.Run("critical finding opens an incident", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "203.0.113.9")
		f := newDetectorFixture(event)
		f.events.failedLogins[userID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		require.Equal(t, 1, f.incidents.updateCount())
		update := f.incidents.updates[0]
		assert.Equal(t, audit.IncidentNew, update.Status)
		require.NotNil(t, update.Priority)
		assert.Equal(t, audit.PriorityCritical, *update.Priority)
		require.NotNil(t, update.AnalystNotes)
		assert.Contains(t, *update.AnalystNotes, "failed login")
		require.NotNil(t, update.Anomaly, "escalation carries the structured finding")
		assert.Equal(t, string(security.SeverityCritical), update.Anomaly.Severity)
		assert.Contains(t, update.Anomaly.Reason, "failed login")
		assert.Equal(t, float64(8), update.Anomaly.Score)
		assert.Equal(t, "user", update.Anomaly.Source)
		assert.False(t, update.Anomaly.DetectedAt.IsZero())
		assert.Equal(t, 1, f.emitted.securityCount())
	})

	t.Run("high severity maps to high priority", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "")
		f := newDetectorFixture(event)
		f.events.eventsForUser[userID] = 10
		f.events.baselineByUser[userID] = 1440

		require.NoError(t, f.detector.ScanRecent(ctx))

		require.Equal(t, 1, f.incidents.updateCount())
		require.NotNil(t, f.incidents.updates[0].Priority)
		assert.Equal(t, audit.PriorityHigh, *f.incidents.updates[0].Priority)
	})

	t.Run("medium findings broadcast without persisting", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "")
		f := newDetectorFixture(event)
		f.events.distinctIPs[userID] = 4

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 0, f.incidents.updateCount())
		assert.Equal(t, 1, f.emitted.securityCount())
	})

	t.Run("open investigation is left untouched", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "")
		status := audit.IncidentInvestigating
		event.IncidentStatus = &status
		f := newDetectorFixture(event)
		f.events.failedLogins[userID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 0, f.incidents.updateCount(), "analyst-owned incident must not be overwritten")
		assert.Equal(t, 1, f.emitted.securityCount(), "finding is still broadcast")
	})

	t.Run("resolved incident is re-annotated", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "")
		status := audit.IncidentResolved
		event.IncidentStatus = &status
		f := newDetectorFixture(event)
		f.events.failedLogins[userID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		require.Equal(t, 1, f.incidents.updateCount())
		assert.Equal(t, audit.IncidentNew, f.incidents.updates[0].Status)
	})

	t.Run("admin findings are suppressed at the guard", func(t *testing.T) {
		adminID := uuid.New()
		event := userEvent(adminID, "")
		f := newDetectorFixture(event)
		f.directory.admins[adminID] = true
		f.events.failedLogins[adminID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 0, f.incidents.updateCount())
		assert.Equal(t, 1, f.emitted.securityCount())
	})

	t.Run("trusted identity suppresses escalation", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "")
		f := newDetectorFixture(event)
		f.trust.trustedUsers[userID] = true
		f.events.failedLogins[userID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 0, f.incidents.updateCount())
		assert.Equal(t, 1, f.emitted.securityCount())
	})

	t.Run("unauthenticated high broadcasts only", func(t *testing.T) {
		event := anonEvent("203.0.113.9")
		f := newDetectorFixture(event)
		f.events.distinctUsers["203.0.113.9"] = 6 // HIGH

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 0, f.incidents.updateCount())
		assert.Equal(t, 1, f.emitted.securityCount())
	})

	t.Run("unauthenticated critical persists", func(t *testing.T) {
		event := anonEvent("203.0.113.9")
		f := newDetectorFixture(event)
		f.events.failedAuthByIP["203.0.113.9"] = 15

		require.NoError(t, f.detector.ScanRecent(ctx))

		require.Equal(t, 1, f.incidents.updateCount())
		require.NotNil(t, f.incidents.updates[0].Priority)
		assert.Equal(t, audit.PriorityCritical, *f.incidents.updates[0].Priority)
	})

	t.Run("security tooling events are skipped", func(t *testing.T) {
		userID := uuid.New()
		event := userEvent(userID, "")
		event.Resource = audit.ResourceAuditLog
		f := newDetectorFixture(event)
		f.events.failedLogins[userID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 0, f.incidents.updateCount())
		assert.Equal(t, 0, f.emitted.securityCount())
	})

	t.Run("each actor is scored once per pass", func(t *testing.T) {
		userID := uuid.New()
		first := userEvent(userID, "203.0.113.9")
		second := userEvent(userID, "203.0.113.9")
		f := newDetectorFixture(first, second)
		f.events.failedLogins[userID] = 8

		require.NoError(t, f.detector.ScanRecent(ctx))

		assert.Equal(t, 1, f.incidents.updateCount())
	})
}
