package storage

import (
	"context"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/metrics"
)

// Pruner deletes records older than MaxAge on a fixed interval.
type Pruner struct {
	repo     RecordRepo
	maxAge   time.Duration
	interval time.Duration
	log      logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewPruner(repo RecordRepo, maxAge, interval time.Duration, log logging.Logger) *Pruner {
	if log == nil {
		log = logging.NopLogger{}
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Pruner{repo: repo, maxAge: maxAge, interval: interval, log: log, now: time.Now}
}

func (p *Pruner) WithMetrics(m *metrics.Metrics) *Pruner {
	p.metrics = m
	return p
}

// Start blocks until ctx is done. It is a no-op when MaxAge is not positive.
func (p *Pruner) Start(ctx context.Context) {
	if p.maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.WithFields(logging.Fields{
		"max_age":  p.maxAge.String(),
		"interval": p.interval.String(),
	}).Info("storage", "prune", "Retention pruner started")

	for {
		select {
		case <-ticker.C:
			p.PruneOnce(ctx)
		case <-ctx.Done():
			p.log.Info("storage", "prune", "Retention pruner stopped")
			return
		}
	}
}

func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.repo.Prune(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Error("storage", "prune", "Retention prune failed")
		return 0, err
	}
	p.metrics.RecordsPruned(n)
	if n > 0 {
		p.log.WithFields(logging.Fields{"deleted": n}).Info("storage", "prune", "Pruned expired records")
	}
	return n, nil
}
