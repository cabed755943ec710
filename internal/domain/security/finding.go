package security

import "time"

// Severity grades an anomaly finding.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for comparisons; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Finding is a transient, scored judgment that recent activity for a
// user or IP deviates from baseline. Findings are never stored; only
// their effect (an incident annotation, a broadcast) is durable.
type Finding struct {
	IsAnomaly  bool      `json:"is_anomaly"`
	Severity   Severity  `json:"severity"`
	Reason     string    `json:"reason"`
	Score      float64   `json:"score"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewFinding constructs an anomalous finding.
func NewFinding(severity Severity, reason string, score float64) Finding {
	return Finding{
		IsAnomaly:  true,
		Severity:   severity,
		Reason:     reason,
		Score:      score,
		DetectedAt: time.Now().UTC(),
	}
}

// Escalates reports whether the finding is severe enough to persist an
// incident annotation (broadcasts happen at every severity).
func (f Finding) Escalates() bool {
	return f.IsAnomaly && (f.Severity == SeverityCritical || f.Severity == SeverityHigh)
}
