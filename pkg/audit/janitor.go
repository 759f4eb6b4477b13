// Package audit owns the retention side of the audit trail: appends go
// straight through the store, this package only purges what has aged
// out. Purging also covers the persisted live-channel events, which
// share the retention story.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rampartsec/rampart/pkg/config"
)

// AuditPurger deletes audit entries older than a cutoff.
type AuditPurger interface {
	PurgeAuditLogs(ctx context.Context, before time.Time) (int64, error)
}

// EventPruner deletes persisted catchup events past their retention.
type EventPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Janitor runs the periodic retention sweep.
type Janitor struct {
	audits AuditPurger
	events EventPruner
	cfg    config.AuditConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor wires a retention janitor. events may be nil when no
// catchup store is configured.
func NewJanitor(audits AuditPurger, events EventPruner, cfg config.AuditConfig) *Janitor {
	return &Janitor{
		audits: audits,
		events: events,
		cfg:    cfg,
		logger: slog.With("component", "audit-janitor"),
	}
}

// Start launches the sweep loop. A non-positive purge interval or
// retention disables it.
func (j *Janitor) Start(ctx context.Context) {
	if j.cfg.PurgeInterval <= 0 || j.cfg.Retention <= 0 {
		j.logger.Info("Audit retention sweep disabled")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				j.Sweep(runCtx)
			}
		}
	}()
	j.logger.Info("Audit retention sweep started",
		"retention", j.cfg.Retention, "interval", j.cfg.PurgeInterval)
}

// Stop halts the loop and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// Sweep runs one retention pass. Failures are logged; the next tick
// retries.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.Retention)
	if n, err := j.audits.PurgeAuditLogs(ctx, cutoff); err != nil {
		j.logger.Error("Audit purge failed", "error", err)
	} else if n > 0 {
		j.logger.Info("Purged expired audit entries", "count", n, "cutoff", cutoff)
	}

	if j.events == nil {
		return
	}
	if n, err := j.events.Prune(ctx, j.cfg.Retention); err != nil {
		j.logger.Error("Event prune failed", "error", err)
	} else if n > 0 {
		j.logger.Info("Pruned expired persisted events", "count", n)
	}
}
