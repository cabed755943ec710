package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the monitoring subsystem's metrics. All recording
// methods tolerate a nil receiver so collaborators and tests never need
// to wire instrumentation.
type Registry struct {
	meter metric.Meter

	// Detector metrics
	detectorRuns     metric.Int64Counter
	detectorErrors   metric.Int64Counter
	findingsRaised   metric.Int64Counter
	incidentsCreated metric.Int64Counter

	// Gate metrics
	blockedRequests metric.Int64Counter
	trustBypasses   metric.Int64Counter

	// Cache metrics
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	// Broadcast metrics
	messagesBroadcast metric.Int64Counter

	// Storage metrics
	storageRetries metric.Int64Counter
}

// NewRegistry creates and registers all monitoring metrics.
func NewRegistry() (*Registry, error) {
	meter := otel.Meter("campus-admin-backend/security-monitoring")
	r := &Registry{meter: meter}

	var err error

	if r.detectorRuns, err = meter.Int64Counter("detector_runs_total",
		metric.WithDescription("Completed anomaly detector ticks")); err != nil {
		return nil, err
	}
	if r.detectorErrors, err = meter.Int64Counter("detector_errors_total",
		metric.WithDescription("Detector ticks that logged an error")); err != nil {
		return nil, err
	}
	if r.findingsRaised, err = meter.Int64Counter("findings_raised_total",
		metric.WithDescription("Anomaly findings raised, by severity")); err != nil {
		return nil, err
	}
	if r.incidentsCreated, err = meter.Int64Counter("incidents_created_total",
		metric.WithDescription("Incident annotations persisted by the detector")); err != nil {
		return nil, err
	}
	if r.blockedRequests, err = meter.Int64Counter("blocked_requests_total",
		metric.WithDescription("Requests rejected by the IP reputation gate")); err != nil {
		return nil, err
	}
	if r.trustBypasses, err = meter.Int64Counter("trust_bypasses_total",
		metric.WithDescription("Block checks short-circuited by a trusted identity")); err != nil {
		return nil, err
	}
	if r.cacheHits, err = meter.Int64Counter("query_cache_hits_total",
		metric.WithDescription("Query cache hits")); err != nil {
		return nil, err
	}
	if r.cacheMisses, err = meter.Int64Counter("query_cache_misses_total",
		metric.WithDescription("Query cache misses")); err != nil {
		return nil, err
	}
	if r.messagesBroadcast, err = meter.Int64Counter("messages_broadcast_total",
		metric.WithDescription("Messages fanned out to dashboard subscribers")); err != nil {
		return nil, err
	}
	if r.storageRetries, err = meter.Int64Counter("storage_retries_total",
		metric.WithDescription("Storage calls retried after a transient crash")); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if r == nil || counter == nil {
		return
	}
	counter.Add(ctx, n)
}

// RecordDetectorRun counts one completed detection pass.
func (r *Registry) RecordDetectorRun(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.detectorRuns, 1)
}

// RecordDetectorError counts one failed check or pass.
func (r *Registry) RecordDetectorError(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.detectorErrors, 1)
}

// RecordFinding counts one finding at the given severity.
func (r *Registry) RecordFinding(ctx context.Context, severity string) {
	if r == nil || r.findingsRaised == nil {
		return
	}
	r.findingsRaised.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordIncidentCreated counts one detector-opened incident.
func (r *Registry) RecordIncidentCreated(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.incidentsCreated, 1)
}

// RecordBlockedRequest counts one gate rejection.
func (r *Registry) RecordBlockedRequest(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.blockedRequests, 1)
}

// RecordTrustBypass counts one trusted-identity short circuit.
func (r *Registry) RecordTrustBypass(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.trustBypasses, 1)
}

// RecordCacheHit counts one query cache hit.
func (r *Registry) RecordCacheHit(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.cacheHits, 1)
}

// RecordCacheMiss counts one query cache miss.
func (r *Registry) RecordCacheMiss(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.cacheMisses, 1)
}

// RecordBroadcast counts one frame fanned out to subscribers.
func (r *Registry) RecordBroadcast(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.messagesBroadcast, 1)
}

// RecordStorageRetry counts one retried storage call.
func (r *Registry) RecordStorageRetry(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.storageRetries, 1)
}
