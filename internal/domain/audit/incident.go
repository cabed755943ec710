package audit

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// incidentTransitions holds the allowed lifecycle moves. The zero state
// (no annotation) may only enter at NEW; terminal states are re-openable
// by any explicit update because the API does not distinguish "reopen"
// from "open".
var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentNew:           {IncidentInvestigating, IncidentEscalated, IncidentResolved, IncidentFalsePositive},
	IncidentInvestigating: {IncidentResolved, IncidentFalsePositive},
	IncidentEscalated:     {IncidentResolved, IncidentFalsePositive},
}

// CanTransition reports whether an incident may move from its current
// status (nil = no annotation yet) to the target status.
func CanTransition(from *IncidentStatus, to IncidentStatus) bool {
	if !validIncidentStatus(to) {
		return false
	}
	if from == nil {
		return to == IncidentNew
	}
	if *from == to {
		// Same-status updates carry priority/assignee/notes changes.
		return true
	}
	if IsTerminal(*from) {
		return true
	}
	for _, next := range incidentTransitions[*from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status closes the incident.
func IsTerminal(s IncidentStatus) bool {
	return s == IncidentResolved || s == IncidentFalsePositive
}

func validIncidentStatus(s IncidentStatus) bool {
	switch s {
	case IncidentNew, IncidentInvestigating, IncidentEscalated, IncidentResolved, IncidentFalsePositive:
		return true
	}
	return false
}

// OpenIncidentStatuses are the statuses counted as requiring attention.
var OpenIncidentStatuses = []IncidentStatus{IncidentNew, IncidentInvestigating, IncidentEscalated}

// PriorityRank orders priorities for open-incident listings. Higher is
// more urgent; a nil priority sorts last.
func PriorityRank(p *Priority) int {
	if p == nil {
		return 0
	}
	switch *p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// SortOpenIncidents orders events by priority rank, then recency. The
// sort happens in application code because priority is nullable and the
// rank ordering is not the column's collation order.
func SortOpenIncidents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ri, rj := PriorityRank(events[i].Priority), PriorityRank(events[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// IncidentUpdate carries the mutable incident annotation fields of an
// explicit analyst or detector update. Nil pointer fields are left
// untouched; AnalystNotes is applied when non-nil.
type IncidentUpdate struct {
	Status       IncidentStatus
	Priority     *Priority
	AssignedTo   *uuid.UUID
	AnalystNotes *string
	ResolvedBy   *uuid.UUID

	// Anomaly, when set, replaces the event's structured annotation
	// with the finding that opened the incident.
	Anomaly *AnomalyDetail

	// ResolvedAt is stamped by the service on transition into a
	// terminal status, never supplied by callers.
	ResolvedAt *time.Time

	// ClearResolution is set by the service when the target status is
	// non-terminal, so a reopened incident does not keep a stale
	// resolution stamp.
	ClearResolution bool
}
