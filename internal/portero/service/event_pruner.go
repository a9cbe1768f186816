package service

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/condominio/portero/internal/clock"
	"github.com/condominio/portero/internal/portero/store"
)

// EventPruner deletes access events older than the retention on a fixed
// interval.  A retention of 0 days disables it.
type EventPruner struct {
	store     store.AccessEventStore
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    log.FieldLogger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  clock.Timer
	pruning sync.Mutex // held while a prune runs
}

type PrunerConfig struct {
	RetentionDays int
	IntervalHours int // defaults to 6
	Clock         clock.Clock
}

func NewEventPruner(s store.AccessEventStore, cfg PrunerConfig, logger log.FieldLogger) *EventPruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &EventPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		clock:     cfg.Clock,
		logger:    logger,
	}
}

// Start prunes once immediately and then every interval until ctx ends or
// Stop is called.
func (p *EventPruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Info("Event pruner disabled")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.Prune(p.ctx)
	p.ticker = p.clock.Every(p.interval, func() { p.Prune(p.ctx) })

	p.logger.WithFields(log.Fields{
		"retention_days": int(p.retention.Hours() / 24),
		"interval":       p.interval,
	}).Info("Event pruner started")
}

// Stop halts the schedule and waits for a running prune.  Safe to call more
// than once, or without Start.
func (p *EventPruner) Stop() {
	p.mu.Lock()
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.pruning.Lock()
	p.pruning.Unlock()
}

// Prune deletes everything older than the retention, as of now.
func (p *EventPruner) Prune(ctx context.Context) int64 {
	if ctx.Err() != nil {
		return 0
	}
	p.pruning.Lock()
	defer p.pruning.Unlock()

	cutoff := p.clock.Now().UTC().Add(-p.retention)
	deleted, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.WithError(err).Error("Error pruning access events")
		return 0
	}
	if deleted > 0 {
		p.logger.WithFields(log.Fields{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Pruned access events")
	}
	return deleted
}
