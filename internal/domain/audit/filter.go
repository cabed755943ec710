package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventFilter is the closed filter value for audit event listings. Every
// queryable dimension is an explicit optional field; the storage layer
// receives this type and nothing else.
type EventFilter struct {
	UserID           *uuid.UUID
	APIKeyID         *uuid.UUID
	Actions          []Action
	Resources        []Resource
	Statuses         []Status
	IncidentStatuses []IncidentStatus
	IPAddress        string
	OnlyPinned       bool
	SearchText       string

	StartTime *time.Time
	EndTime   *time.Time

	Limit  int
	Offset int

	OrderBy   string
	OrderDesc bool
}

// CacheKey returns the deterministic serialization of the filter used as
// the query-cache key. Field order is fixed; slices are joined in the
// order the caller supplied them (callers build filters from closed enum
// sets, not user input maps).
func (f EventFilter) CacheKey() string {
	var b strings.Builder
	b.WriteString("events:")
	writeKeyPart(&b, "u", uuidPtrString(f.UserID))
	writeKeyPart(&b, "k", uuidPtrString(f.APIKeyID))
	writeKeyPart(&b, "a", joinActions(f.Actions))
	writeKeyPart(&b, "r", joinResources(f.Resources))
	writeKeyPart(&b, "s", joinStatuses(f.Statuses))
	writeKeyPart(&b, "i", joinIncidentStatuses(f.IncidentStatuses))
	writeKeyPart(&b, "ip", f.IPAddress)
	if f.OnlyPinned {
		writeKeyPart(&b, "pin", "1")
	}
	writeKeyPart(&b, "q", f.SearchText)
	writeKeyPart(&b, "from", timePtrString(f.StartTime))
	writeKeyPart(&b, "to", timePtrString(f.EndTime))
	fmt.Fprintf(&b, "l=%d;o=%d;", f.Limit, f.Offset)
	writeKeyPart(&b, "ob", f.OrderBy)
	if f.OrderDesc {
		writeKeyPart(&b, "od", "1")
	}
	return b.String()
}

// StatsQuery selects the date range for aggregate statistics.
type StatsQuery struct {
	StartTime time.Time
	EndTime   time.Time
}

// CacheKey returns the deterministic cache key for the range.
func (q StatsQuery) CacheKey() string {
	return fmt.Sprintf("stats:%d:%d", q.StartTime.UnixNano(), q.EndTime.UnixNano())
}

// Stats holds aggregate statistics over a date range.
type Stats struct {
	Range         StatsQuery         `json:"-"`
	TotalEvents   int64              `json:"total_events"`
	ByAction      map[Action]int64   `json:"by_action"`
	ByResource    map[Resource]int64 `json:"by_resource"`
	ByStatus      map[Status]int64   `json:"by_status"`
	FailureRate   float64            `json:"failure_rate"`
	DistinctUsers int64              `json:"distinct_users"`
	DistinctIPs   int64              `json:"distinct_ips"`
	OpenIncidents int64              `json:"open_incidents"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// EventPage is one page of a filtered listing.
type EventPage struct {
	Events     []*Event `json:"events"`
	TotalCount int64    `json:"total_count"`
	HasMore    bool     `json:"has_more"`
}

func writeKeyPart(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte(';')
}

func uuidPtrString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func timePtrString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("%d", t.UnixNano())
}

func joinActions(as []Action) string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

func joinResources(rs []Resource) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func joinStatuses(ss []Status) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func joinIncidentStatuses(ss []IncidentStatus) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
