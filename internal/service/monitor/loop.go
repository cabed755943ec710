package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop schedules periodic detection passes. Start while already
// running is a no-op; Stop disarms the timer synchronously but lets an
// in-flight pass run to completion, findings included.
type Loop struct {
	detector *Detector
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	stop chan struct{} // non-nil while running
}

// NewLoop creates a stopped loop around the detector.
func NewLoop(detector *Detector, interval time.Duration, logger *zap.Logger) *Loop {
	return &Loop{
		detector: detector,
		interval: interval,
		logger:   logger,
	}
}

// Start arms the loop: one pass immediately, then one per interval.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		l.logger.Debug("monitoring loop already running")
		return
	}
	stop := make(chan struct{})
	l.stop = stop

	go func() {
		l.logger.Info("monitoring loop started",
			zap.Duration("interval", l.interval))
		l.tick()

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.tick()
			}
		}
	}()
}

// Stop disarms the loop. No further passes will start; a pass already
// underway finishes on its own goroutine and still persists and
// broadcasts its findings.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop == nil {
		return
	}
	close(l.stop)
	l.stop = nil
	l.logger.Info("monitoring loop stopped")
}

// tick runs one detection pass. A failed pass is logged and never
// unschedules the next one.
func (l *Loop) tick() {
	// The pass keeps its own context so Stop never cancels work that
	// has already begun.
	ctx := context.Background()
	start := time.Now()
	if err := l.detector.ScanRecent(ctx); err != nil {
		l.logger.Error("detection pass failed", zap.Error(err))
		return
	}
	l.logger.Debug("detection pass complete",
		zap.Duration("elapsed", time.Since(start)))
}
