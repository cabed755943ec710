package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/security"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/config"
	"github.com/campuskit/campus-admin-backend/internal/metrics"
)

// Detector computes behavioral anomaly findings for users and IP
// addresses from the audit event stream and escalates the severe ones
// into incidents.
type Detector struct {
	cfg         config.MonitorConfig
	events      EventReader
	incidents   IncidentWriter
	directory   PrincipalDirectory
	trust       TrustChecker
	broadcaster Broadcaster
	metrics     *metrics.Registry
	logger      *zap.Logger

	baselines *baselineCache
}

// NewDetector wires a detector to its collaborators.
func NewDetector(
	cfg config.MonitorConfig,
	events EventReader,
	incidents IncidentWriter,
	directory PrincipalDirectory,
	trust TrustChecker,
	broadcaster Broadcaster,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Detector {
	return &Detector{
		cfg:         cfg,
		events:      events,
		incidents:   incidents,
		directory:   directory,
		trust:       trust,
		broadcaster: broadcaster,
		metrics:     reg,
		logger:      logger,
		baselines:   newBaselineCache(),
	}
}

// DetectUserAnomalies scores a single user's activity over the
// detection window. A non-anomalous finding (IsAnomaly=false) means
// every rule stayed under threshold.
func (d *Detector) DetectUserAnomalies(ctx context.Context, userID uuid.UUID) (security.Finding, error) {
	end := time.Now().UTC()
	start := end.Add(-d.cfg.Window)

	var (
		reasons  []string
		severity security.Severity
		score    float64
	)
	raise := func(s security.Severity, reason string, ruleScore float64) {
		reasons = append(reasons, reason)
		if s.Rank() > severity.Rank() {
			severity = s
		}
		if ruleScore > score {
			score = ruleScore
		}
	}

	volume, err := d.events.CountEventsForUser(ctx, userID, start, end)
	if err != nil {
		return security.Finding{}, err
	}
	baseline, err := d.hourlyBaseline(ctx, userID)
	if err != nil {
		return security.Finding{}, err
	}
	if baseline > 0 && float64(volume) > d.cfg.VolumeMultiplier*baseline {
		raise(security.SeverityHigh,
			fmt.Sprintf("event volume %d exceeds %.0fx baseline %.2f/h", volume, d.cfg.VolumeMultiplier, baseline),
			float64(volume)/maxFloat(baseline, 1))
	}

	failedLogins, err := d.events.CountFailedLoginsForUser(ctx, userID, start, end)
	if err != nil {
		return security.Finding{}, err
	}
	if failedLogins > int64(d.cfg.UserFailedLogins) {
		raise(security.SeverityCritical,
			fmt.Sprintf("%d failed login attempts", failedLogins),
			float64(failedLogins))
	}

	unauthorized, err := d.events.CountUnauthorizedForUser(ctx, userID, start, end)
	if err != nil {
		return security.Finding{}, err
	}
	if unauthorized > 0 {
		raise(security.SeverityCritical,
			fmt.Sprintf("%d unauthorized access attempts", unauthorized),
			float64(10*unauthorized))
	}

	distinctIPs, err := d.events.CountDistinctIPsForUser(ctx, userID, start, end)
	if err != nil {
		return security.Finding{}, err
	}
	if distinctIPs > int64(d.cfg.DistinctIPsPerUser) {
		raise(security.SeverityMedium,
			fmt.Sprintf("activity from %d distinct IP addresses", distinctIPs),
			float64(distinctIPs))
	}

	if len(reasons) == 0 {
		return security.Finding{DetectedAt: time.Now().UTC()}, nil
	}
	return security.NewFinding(severity, strings.Join(reasons, "; "), score), nil
}

// DetectIPAnomalies scores a single source address over the detection
// window.
func (d *Detector) DetectIPAnomalies(ctx context.Context, ip string) (security.Finding, error) {
	end := time.Now().UTC()
	start := end.Add(-d.cfg.Window)

	var (
		reasons  []string
		severity security.Severity
		score    float64
	)
	raise := func(s security.Severity, reason string, ruleScore float64) {
		reasons = append(reasons, reason)
		if s.Rank() > severity.Rank() {
			severity = s
		}
		if ruleScore > score {
			score = ruleScore
		}
	}

	failedAuth, err := d.events.CountFailedAuthFromIP(ctx, ip, start, end)
	if err != nil {
		return security.Finding{}, err
	}
	if failedAuth >= int64(d.cfg.IPFailedLogins) {
		raise(security.SeverityCritical,
			fmt.Sprintf("%d failed authentication attempts, possible brute force", failedAuth),
			float64(failedAuth))
	}

	distinctUsers, err := d.events.CountDistinctUsersFromIP(ctx, ip, start, end)
	if err != nil {
		return security.Finding{}, err
	}
	if distinctUsers > int64(d.cfg.DistinctUsersPerIP) {
		raise(security.SeverityHigh,
			fmt.Sprintf("%d distinct user identities from one address", distinctUsers),
			float64(distinctUsers))
	}

	times, err := d.events.EventTimesFromIP(ctx, ip, start, end, d.cfg.ScanBatchSize)
	if err != nil {
		return security.Finding{}, err
	}
	stats := interArrivalStats(times)
	if stats.Count >= 10 {
		thresholdMs := float64(d.cfg.HighRateThreshold) / float64(time.Millisecond)
		if stats.MeanMs > 0 && stats.MeanMs < thresholdMs {
			raise(security.SeverityHigh,
				fmt.Sprintf("elevated request rate, mean interval %.1fms", stats.MeanMs),
				1000/stats.MeanMs)
		} else if stats.StdMs < d.cfg.BotCadenceRatio*stats.MeanMs {
			raise(security.SeverityMedium,
				fmt.Sprintf("bot-like cadence over %d requests", stats.Count+1),
				float64(stats.Count))
		}
	}

	if len(reasons) == 0 {
		return security.Finding{DetectedAt: time.Now().UTC()}, nil
	}
	return security.NewFinding(severity, strings.Join(reasons, "; "), score), nil
}

// ScanRecent is one detection pass: it pulls recent security-relevant
// events, applies the exclusion rules, scores each remaining actor and
// address once, and routes findings through handleAnomaly. Errors on
// one actor are logged and do not stop the pass.
func (d *Detector) ScanRecent(ctx context.Context) error {
	since := time.Now().UTC().Add(-d.cfg.Window)
	d.metrics.RecordDetectorRun(ctx)

	events, err := d.events.RecentSecurityEvents(ctx, since, d.cfg.ScanBatchSize)
	if err != nil {
		d.metrics.RecordDetectorError(ctx)
		return err
	}

	seenUsers := make(map[uuid.UUID]bool)
	seenIPs := make(map[string]bool)

	for _, event := range events {
		if event.IsSOCOperation() {
			continue
		}

		if !event.IsAuthenticated() {
			// Unauthenticated traffic only gets the IP check, and only
			// CRITICAL and HIGH results are worth raising at all.
			if event.IPAddress == "" || seenIPs[event.IPAddress] {
				continue
			}
			seenIPs[event.IPAddress] = true
			finding, err := d.DetectIPAnomalies(ctx, event.IPAddress)
			if err != nil {
				d.noteScanError(ctx, "ip", event.IPAddress, err)
				continue
			}
			if finding.Escalates() {
				d.handleAnomaly(ctx, finding, event, "ip")
			}
			continue
		}

		if event.UserID != nil && !seenUsers[*event.UserID] {
			seenUsers[*event.UserID] = true
			finding, err := d.DetectUserAnomalies(ctx, *event.UserID)
			if err != nil {
				d.noteScanError(ctx, "user", event.UserID.String(), err)
			} else if finding.IsAnomaly {
				d.handleAnomaly(ctx, finding, event, "user")
			}
		}

		if event.IPAddress != "" && !seenIPs[event.IPAddress] {
			seenIPs[event.IPAddress] = true
			finding, err := d.DetectIPAnomalies(ctx, event.IPAddress)
			if err != nil {
				d.noteScanError(ctx, "ip", event.IPAddress, err)
			} else if finding.IsAnomaly {
				d.handleAnomaly(ctx, finding, event, "ip")
			}
		}
	}

	return nil
}

// handleAnomaly broadcasts the finding unconditionally, then persists
// an incident annotation only when every escalation guard passes:
// severity is CRITICAL or HIGH, the principal is not an administrator,
// the identity is not on the trusted allowlist, unauthenticated
// traffic only escalates at CRITICAL, and an open investigation on the
// event is never overwritten.
func (d *Detector) handleAnomaly(ctx context.Context, finding security.Finding, event *audit.Event, source string) {
	d.metrics.RecordFinding(ctx, string(finding.Severity))
	d.broadcaster.BroadcastSecurityEvent(websocket.SecurityEventPayload{
		Type:      websocket.SecurityEventAnomaly,
		Severity:  finding.Severity,
		Reason:    finding.Reason,
		Score:     finding.Score,
		Source:    source,
		UserID:    event.UserID,
		IPAddress: event.IPAddress,
		EventID:   &event.ID,
	})

	if !finding.Escalates() {
		return
	}
	if !event.IsAuthenticated() && finding.Severity != security.SeverityCritical {
		return
	}

	if event.UserID != nil {
		isAdmin, err := d.directory.IsAdminUser(ctx, *event.UserID)
		if err != nil {
			d.logger.Warn("admin check failed, skipping incident escalation",
				zap.String("user_id", event.UserID.String()),
				zap.Error(err))
			return
		}
		if isAdmin {
			return
		}
	}

	trusted, err := d.trust.IsTrusted(ctx, event.UserID, event.IPAddress)
	if err != nil {
		d.logger.Warn("trust check failed, skipping incident escalation",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return
	}
	if trusted {
		d.metrics.RecordTrustBypass(ctx)
		d.logger.Info("finding suppressed by trusted identity",
			zap.String("event_id", event.ID.String()),
			zap.String("reason", finding.Reason))
		return
	}

	current, err := d.incidents.GetByID(ctx, event.ID)
	if err != nil {
		d.logger.Warn("incident re-read failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return
	}
	if current.HasOpenIncident() {
		// An analyst already owns this one; the broadcast above is the
		// only notification.
		return
	}

	priority := audit.PriorityHigh
	if finding.Severity == security.SeverityCritical {
		priority = audit.PriorityCritical
	}
	notes := fmt.Sprintf("auto-detected: %s (score %.2f)", finding.Reason, finding.Score)
	update := audit.IncidentUpdate{
		Status:       audit.IncidentNew,
		Priority:     &priority,
		AnalystNotes: &notes,
		Anomaly: &audit.AnomalyDetail{
			Severity:   string(finding.Severity),
			Reason:     finding.Reason,
			Score:      finding.Score,
			Source:     source,
			DetectedAt: finding.DetectedAt,
		},
	}
	if err := d.incidents.UpdateIncident(ctx, event.ID, update); err != nil {
		d.logger.Error("incident escalation failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return
	}
	d.metrics.RecordIncidentCreated(ctx)
	d.logger.Info("incident opened from anomaly finding",
		zap.String("event_id", event.ID.String()),
		zap.String("severity", string(finding.Severity)),
		zap.Float64("score", finding.Score))
}

func (d *Detector) noteScanError(ctx context.Context, kind, key string, err error) {
	d.metrics.RecordDetectorError(ctx)
	d.logger.Warn("anomaly check failed",
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Error(err))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
