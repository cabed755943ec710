package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	baselineCacheSize = 4096
	baselineCacheTTL  = 10 * time.Minute
)

// baselineCache memoizes per-user trailing hourly baselines so a busy
// scan tick does not re-run the same long-window aggregate per event.
type baselineCache struct {
	lru *expirable.LRU[uuid.UUID, float64]
}

func newBaselineCache() *baselineCache {
	return &baselineCache{
		lru: expirable.NewLRU[uuid.UUID, float64](baselineCacheSize, nil, baselineCacheTTL),
	}
}

// hourlyBaseline returns the user's average events per hour over the
// trailing baseline window. Administrators are pinned to a zero
// baseline so volume comparisons can never trigger for them.
func (d *Detector) hourlyBaseline(ctx context.Context, userID uuid.UUID) (float64, error) {
	if cached, ok := d.baselines.lru.Get(userID); ok {
		return cached, nil
	}

	isAdmin, err := d.directory.IsAdminUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if isAdmin {
		d.baselines.lru.Add(userID, 0)
		return 0, nil
	}

	days := d.cfg.BaselineDays
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	total, err := d.events.BaselineEventCount(ctx, userID, since)
	if err != nil {
		return 0, err
	}

	baseline := float64(total) / float64(days*24)
	d.baselines.lru.Add(userID, baseline)
	return baseline, nil
}
