package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/config"
)

// Checker evaluates workflow health on an interval while the review server
// runs. An alert type is delivered when it starts firing and again only
// after it has cleared, so a standing backlog does not page every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately and then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			if _, _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
				log.Error("monitoring: check failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and delivers the alerts that were not already
// firing. It returns every alert currently triggered and how many were
// delivered. An alert that fails to deliver is retried on the next check.
func (c *Checker) Check(ctx context.Context) ([]Alert, int, error) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return nil, 0, eris.Wrap(err, "monitoring: collect")
	}

	alerts := c.alerter.Evaluate(snap)
	fresh := c.newlyFiring(alerts)
	sent := c.alerter.SendAlerts(ctx, fresh)
	c.record(alerts, fresh, sent == len(fresh))

	zap.L().Debug("monitoring: check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return alerts, sent, nil
}

func (c *Checker) newlyFiring(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fresh []Alert
	for _, a := range alerts {
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	return fresh
}

// record replaces the firing set with the current alerts. Fresh alerts are
// only marked when all of them were delivered.
func (c *Checker) record(alerts, fresh []Alert, delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	undelivered := make(map[AlertType]bool)
	if !delivered {
		for _, a := range fresh {
			undelivered[a.Type] = true
		}
	}
	firing := make(map[AlertType]bool, len(alerts))
	for _, a := range alerts {
		if !undelivered[a.Type] {
			firing[a.Type] = true
		}
	}
	c.firing = firing
}
