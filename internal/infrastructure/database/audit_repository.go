package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/campuskit/campus-admin-backend/internal/domain/audit"
	"github.com/campuskit/campus-admin-backend/internal/domain/errors"
)

// AuditEventRepository persists audit events and their incident/pin
// annotations. Every call goes through the session manager's retry
// wrapper so transient storage crashes are absorbed with a reconnect.
type AuditEventRepository struct {
	sessions *SessionManager
}

// NewAuditEventRepository creates a PostgreSQL audit event repository.
func NewAuditEventRepository(sessions *SessionManager) *AuditEventRepository {
	return &AuditEventRepository{sessions: sessions}
}

const eventColumns = `
	id, created_at, user_id, api_key_id, action, resource, resource_id,
	status, ip_address, user_agent, error_message, details,
	incident_status, priority, assigned_to, analyst_notes, resolved_at,
	resolved_by, is_pinned, pinned_at, pinned_by`

// socResources mirrors Event.IsSOCOperation for SQL-side exclusion of
// the security tooling's own events from anomaly counts.
var socResources = []string{
	string(audit.ResourceAuditLog),
	string(audit.ResourceSecurity),
	string(audit.ResourceTrustedUser),
}

var failedAuthActions = []string{
	string(audit.ActionLoginFailed),
	string(audit.ActionAuthFailed),
}

// Insert appends one audit event. Events are never updated through this
// path; the annotation mutators below are the only writes to existing rows.
func (r *AuditEventRepository) Insert(ctx context.Context, event *audit.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return errors.NewInternalError("failed to marshal event details").WithCause(err)
	}

	query := `
		INSERT INTO audit_events (
			id, created_at, user_id, api_key_id, action, resource,
			resource_id, status, ip_address, user_agent, error_message,
			details, is_pinned
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	return r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, query, insertEventArgs(event, detailsJSON)...)
		return err
	})
}

// insertEventArgs binds an event to the insert statement's parameters.
// The optional text columns are NOT NULL DEFAULT '' in the schema, so
// empty strings are bound as-is, never as NULL.
func insertEventArgs(event *audit.Event, detailsJSON []byte) []interface{} {
	return []interface{}{
		event.ID,
		event.Timestamp,
		event.UserID,
		event.APIKeyID,
		string(event.Action),
		string(event.Resource),
		event.ResourceID,
		string(event.Status),
		event.IPAddress,
		event.UserAgent,
		event.ErrorMessage,
		detailsJSON,
		event.IsPinned,
	}
}

// GetByID returns one event or a NotFound error.
func (r *AuditEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*audit.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id = $1`

	var event *audit.Event
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, query, id)
		e, scanErr := scanEvent(row)
		if scanErr == pgx.ErrNoRows {
			return errors.ErrEventNotFound
		}
		if scanErr != nil {
			return scanErr
		}
		event = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// List returns a filtered, paginated page of events.
func (r *AuditEventRepository) List(ctx context.Context, filter audit.EventFilter) (*audit.EventPage, error) {
	where, args := buildEventFilter(filter)

	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	listQuery := "SELECT " + eventColumns + " FROM audit_events" + where

	orderBy := "created_at"
	switch filter.OrderBy {
	case "", "timestamp", "created_at":
	case "priority":
		orderBy = "priority"
	}
	if filter.OrderDesc || filter.OrderBy == "" {
		listQuery += fmt.Sprintf(" ORDER BY %s DESC", orderBy)
	} else {
		listQuery += fmt.Sprintf(" ORDER BY %s ASC", orderBy)
	}

	n := len(args)
	if filter.Limit > 0 {
		n++
		listQuery += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		listQuery += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	page := &audit.EventPage{}
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		countArgs := args[:len(args)-numPaginationArgs(filter)]
		if err := pool.QueryRow(ctx, countQuery, countArgs...).Scan(&page.TotalCount); err != nil {
			return err
		}

		rows, err := pool.Query(ctx, listQuery, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		events := make([]*audit.Event, 0)
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		page.Events = events
		return nil
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to list audit events").WithCause(err)
	}

	page.HasMore = int64(filter.Offset+len(page.Events)) < page.TotalCount
	return page, nil
}

// Stats computes aggregate statistics over a date range.
func (r *AuditEventRepository) Stats(ctx context.Context, q audit.StatsQuery) (*audit.Stats, error) {
	stats := &audit.Stats{
		Range:       q,
		ByAction:    make(map[audit.Action]int64),
		ByResource:  make(map[audit.Resource]int64),
		ByStatus:    make(map[audit.Status]int64),
		GeneratedAt: time.Now().UTC(),
	}

	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		summary := `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE status <> 'SUCCESS'),
			       COUNT(DISTINCT user_id) FILTER (WHERE user_id IS NOT NULL),
			       COUNT(DISTINCT ip_address) FILTER (WHERE ip_address IS NOT NULL),
			       COUNT(*) FILTER (WHERE incident_status IN ('NEW','INVESTIGATING','ESCALATED'))
			FROM audit_events
			WHERE created_at >= $1 AND created_at <= $2`

		var failures int64
		if err := pool.QueryRow(ctx, summary, q.StartTime, q.EndTime).Scan(
			&stats.TotalEvents, &failures, &stats.DistinctUsers,
			&stats.DistinctIPs, &stats.OpenIncidents,
		); err != nil {
			return err
		}
		if stats.TotalEvents > 0 {
			stats.FailureRate = float64(failures) / float64(stats.TotalEvents)
		}

		grouped := `
			SELECT action, resource, status, COUNT(*)
			FROM audit_events
			WHERE created_at >= $1 AND created_at <= $2
			GROUP BY action, resource, status`

		rows, err := pool.Query(ctx, grouped, q.StartTime, q.EndTime)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var action, resource, status string
			var count int64
			if err := rows.Scan(&action, &resource, &status, &count); err != nil {
				return err
			}
			stats.ByAction[audit.Action(action)] += count
			stats.ByResource[audit.Resource(resource)] += count
			stats.ByStatus[audit.Status(status)] += count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to compute audit stats").WithCause(err)
	}
	return stats, nil
}

// UpdateIncident applies an incident annotation update to one event row.
// Nil fields keep their current value (field-level last write wins).
func (r *AuditEventRepository) UpdateIncident(ctx context.Context, id uuid.UUID, update audit.IncidentUpdate) error {
	query := `
		UPDATE audit_events SET
			incident_status = $2,
			priority = COALESCE($3, priority),
			assigned_to = COALESCE($4, assigned_to),
			analyst_notes = COALESCE($5, analyst_notes),
			resolved_at = CASE WHEN $8 THEN NULL ELSE COALESCE($6, resolved_at) END,
			resolved_by = CASE WHEN $8 THEN NULL ELSE COALESCE($7, resolved_by) END,
			details = COALESCE($9::jsonb, details)
		WHERE id = $1`

	var detailsJSON []byte
	if update.Anomaly != nil {
		var err error
		detailsJSON, err = json.Marshal(audit.Details{
			Version: audit.DetailsVersion,
			Kind:    audit.DetailKindAnomaly,
			Anomaly: update.Anomaly,
		})
		if err != nil {
			return errors.NewInternalError("failed to marshal anomaly detail").WithCause(err)
		}
	}

	return r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		var priority *string
		if update.Priority != nil {
			p := string(*update.Priority)
			priority = &p
		}
		tag, err := pool.Exec(ctx, query,
			id, string(update.Status), priority, update.AssignedTo,
			update.AnalystNotes, update.ResolvedAt, update.ResolvedBy,
			update.ClearResolution, detailsJSON)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.ErrEventNotFound
		}
		return nil
	})
}

// SetPinned pins or unpins one event.
func (r *AuditEventRepository) SetPinned(ctx context.Context, id uuid.UUID, pinned bool, pinnedBy *uuid.UUID) error {
	query := `
		UPDATE audit_events SET
			is_pinned = $2,
			pinned_at = CASE WHEN $2 THEN now() ELSE NULL END,
			pinned_by = CASE WHEN $2 THEN $3 ELSE NULL END
		WHERE id = $1`

	return r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, query, id, pinned, pinnedBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.ErrEventNotFound
		}
		return nil
	})
}

// ListOpenIncidents returns events with an open incident annotation.
// Ordering by priority rank then recency is done by the caller since
// priority is nullable.
func (r *AuditEventRepository) ListOpenIncidents(ctx context.Context, limit int) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE incident_status = ANY($1)
		ORDER BY created_at DESC`
	args := []interface{}{pq.Array(incidentStatusStrings(audit.OpenIncidentStatuses))}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// RecentSecurityEvents returns up to limit security-relevant events
// (failed logins, auth failures, unauthorized access, any failure)
// since the given time, newest first.
func (r *AuditEventRepository) RecentSecurityEvents(ctx context.Context, since time.Time, limit int) ([]*audit.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE created_at >= $1
		  AND (action = ANY($2) OR status = 'FAILURE')
		ORDER BY created_at DESC
		LIMIT $3`
	actions := append(append([]string{}, failedAuthActions...), string(audit.ActionUnauthorizedAccess))
	return r.queryEvents(ctx, query, since, pq.Array(actions), limit)
}

// Detector count queries. Every one of them excludes SOC-operation
// resources so that detection cannot feed on its own output.

const (
	countEventsForUserQuery = `
		SELECT COUNT(*) FROM audit_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		  AND resource <> ALL($4)`

	countFailedLoginsForUserQuery = `
		SELECT COUNT(*) FROM audit_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		  AND action = ANY($4)
		  AND resource <> ALL($5)`

	countUnauthorizedForUserQuery = `
		SELECT COUNT(*) FROM audit_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		  AND action = $4
		  AND resource <> ALL($5)`

	countDistinctIPsForUserQuery = `
		SELECT COUNT(DISTINCT ip_address) FROM audit_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		  AND ip_address IS NOT NULL
		  AND resource <> ALL($4)`

	countFailedAuthFromIPQuery = `
		SELECT COUNT(*) FROM audit_events
		WHERE ip_address = $1 AND created_at >= $2 AND created_at <= $3
		  AND action = ANY($4) AND status = 'FAILURE'
		  AND resource <> ALL($5)`

	countDistinctUsersFromIPQuery = `
		SELECT COUNT(DISTINCT user_id) FROM audit_events
		WHERE ip_address = $1 AND created_at >= $2 AND created_at <= $3
		  AND user_id IS NOT NULL
		  AND resource <> ALL($4)`

	eventTimesFromIPQuery = `
		SELECT created_at FROM audit_events
		WHERE ip_address = $1 AND created_at >= $2 AND created_at <= $3
		  AND resource <> ALL($4)
		ORDER BY created_at ASC
		LIMIT $5`

	baselineEventCountQuery = `
		SELECT COUNT(*) FROM audit_events
		WHERE user_id = $1 AND created_at >= $2
		  AND resource <> ALL($3)`
)

func (r *AuditEventRepository) CountEventsForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error) {
	return r.count(ctx, countEventsForUserQuery,
		userID, start, end, pq.Array(socResources))
}

func (r *AuditEventRepository) CountFailedLoginsForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error) {
	return r.count(ctx, countFailedLoginsForUserQuery,
		userID, start, end, pq.Array(failedAuthActions), pq.Array(socResources))
}

func (r *AuditEventRepository) CountUnauthorizedForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error) {
	return r.count(ctx, countUnauthorizedForUserQuery,
		userID, start, end, string(audit.ActionUnauthorizedAccess), pq.Array(socResources))
}

func (r *AuditEventRepository) CountDistinctIPsForUser(ctx context.Context, userID uuid.UUID, start, end time.Time) (int64, error) {
	return r.count(ctx, countDistinctIPsForUserQuery,
		userID, start, end, pq.Array(socResources))
}

func (r *AuditEventRepository) CountFailedAuthFromIP(ctx context.Context, ip string, start, end time.Time) (int64, error) {
	return r.count(ctx, countFailedAuthFromIPQuery,
		ip, start, end, pq.Array(failedAuthActions), pq.Array(socResources))
}

func (r *AuditEventRepository) CountDistinctUsersFromIP(ctx context.Context, ip string, start, end time.Time) (int64, error) {
	return r.count(ctx, countDistinctUsersFromIPQuery,
		ip, start, end, pq.Array(socResources))
}

// EventTimesFromIP returns event timestamps from one IP in ascending
// order, for inter-arrival timing analysis.
func (r *AuditEventRepository) EventTimesFromIP(ctx context.Context, ip string, start, end time.Time, limit int) ([]time.Time, error) {
	var times []time.Time
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, eventTimesFromIPQuery, ip, start, end, pq.Array(socResources), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		times = times[:0]
		for rows.Next() {
			var t time.Time
			if err := rows.Scan(&t); err != nil {
				return err
			}
			times = append(times, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to load event times").WithCause(err)
	}
	return times, nil
}

// BaselineEventCount counts a user's events over the trailing baseline
// window (SOC operations excluded). The detector divides by hours to get
// the hourly baseline rate.
func (r *AuditEventRepository) BaselineEventCount(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	return r.count(ctx, baselineEventCountQuery,
		userID, since, pq.Array(socResources))
}

// IsAdminUser reports whether the principal is an administrator. Unknown
// users are not admins.
func (r *AuditEventRepository) IsAdminUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	var isAdmin bool
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		err := pool.QueryRow(ctx,
			`SELECT COALESCE(is_admin, false) FROM users WHERE id = $1`,
			userID).Scan(&isAdmin)
		if err == pgx.ErrNoRows {
			isAdmin = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, errors.NewInternalError("failed to check admin flag").WithCause(err)
	}
	return isAdmin, nil
}

func (r *AuditEventRepository) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.QueryRow(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, errors.NewInternalError("failed to count audit events").WithCause(err)
	}
	return n, nil
}

func (r *AuditEventRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*audit.Event, error) {
	var events []*audit.Event
	err := r.sessions.RunWithRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to query audit events").WithCause(err)
	}
	return events, nil
}

// buildEventFilter translates the closed filter value into a WHERE
// clause. This is the single canonical translation; nothing else builds
// event predicates.
func buildEventFilter(filter audit.EventFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != nil {
		conditions = append(conditions, "user_id = "+arg(*filter.UserID))
	}
	if filter.APIKeyID != nil {
		conditions = append(conditions, "api_key_id = "+arg(*filter.APIKeyID))
	}
	if len(filter.Actions) > 0 {
		vals := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			vals[i] = string(a)
		}
		conditions = append(conditions, "action = ANY("+arg(pq.Array(vals))+")")
	}
	if len(filter.Resources) > 0 {
		vals := make([]string, len(filter.Resources))
		for i, res := range filter.Resources {
			vals[i] = string(res)
		}
		conditions = append(conditions, "resource = ANY("+arg(pq.Array(vals))+")")
	}
	if len(filter.Statuses) > 0 {
		vals := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			vals[i] = string(s)
		}
		conditions = append(conditions, "status = ANY("+arg(pq.Array(vals))+")")
	}
	if len(filter.IncidentStatuses) > 0 {
		conditions = append(conditions,
			"incident_status = ANY("+arg(pq.Array(incidentStatusStrings(filter.IncidentStatuses)))+")")
	}
	if filter.IPAddress != "" {
		conditions = append(conditions, "ip_address = "+arg(filter.IPAddress))
	}
	if filter.OnlyPinned {
		conditions = append(conditions, "is_pinned = true")
	}
	if filter.StartTime != nil {
		conditions = append(conditions, "created_at >= "+arg(*filter.StartTime))
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "created_at <= "+arg(*filter.EndTime))
	}
	if filter.SearchText != "" {
		p := arg("%" + filter.SearchText + "%")
		conditions = append(conditions, fmt.Sprintf(
			"(resource_id ILIKE %s OR user_agent ILIKE %s OR error_message ILIKE %s OR analyst_notes ILIKE %s)",
			p, p, p, p))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func numPaginationArgs(filter audit.EventFilter) int {
	n := 0
	if filter.Limit > 0 {
		n++
	}
	if filter.Offset > 0 {
		n++
	}
	return n
}

func incidentStatusStrings(ss []audit.IncidentStatus) []string {
	vals := make([]string, len(ss))
	for i, s := range ss {
		vals[i] = string(s)
	}
	return vals
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*audit.Event, error) {
	e := &audit.Event{}
	var (
		action, resource, status       string
		resourceID, userAgent          *string
		ipAddress, errorMessage, notes *string
		incidentStatus, priority       *string
		detailsJSON                    []byte
	)

	err := row.Scan(
		&e.ID, &e.Timestamp, &e.UserID, &e.APIKeyID, &action, &resource,
		&resourceID, &status, &ipAddress, &userAgent, &errorMessage,
		&detailsJSON, &incidentStatus, &priority, &e.AssignedTo, &notes,
		&e.ResolvedAt, &e.ResolvedBy, &e.IsPinned, &e.PinnedAt, &e.PinnedBy,
	)
	if err != nil {
		return nil, err
	}

	e.Action = audit.Action(action)
	e.Resource = audit.Resource(resource)
	e.Status = audit.Status(status)
	e.ResourceID = derefString(resourceID)
	e.IPAddress = derefString(ipAddress)
	e.UserAgent = derefString(userAgent)
	e.ErrorMessage = derefString(errorMessage)
	e.AnalystNotes = derefString(notes)
	if incidentStatus != nil {
		s := audit.IncidentStatus(*incidentStatus)
		e.IncidentStatus = &s
	}
	if priority != nil {
		p := audit.Priority(*priority)
		e.Priority = &p
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
			return nil, errors.NewInternalError("failed to unmarshal event details").WithCause(err)
		}
	}
	return e, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
