package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one pass over all active owners.
type SweepReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
	// SkippedMaintenance is set when the sweep did nothing because the system
	// is in maintenance.
	SkippedMaintenance bool `json:"skippedMaintenance"`

	Evaluated  int64 `json:"evaluated"`
	Failed     int64 `json:"failed"`
	Locked     int64 `json:"locked"`
	Reminded   int64 `json:"reminded"`
	Suppressed int64 `json:"suppressed"`
	Initiated  int64 `json:"initiated"`
	Cancelled  int64 `json:"cancelled"`

	GracePeriodsExpired int `json:"gracePeriodsExpired"`
}

type sweepCounters struct {
	evaluated  atomic.Int64
	failed     atomic.Int64
	locked     atomic.Int64
	reminded   atomic.Int64
	suppressed atomic.Int64
	initiated  atomic.Int64
	cancelled  atomic.Int64
}

func (c *sweepCounters) record(ev *Evaluation) {
	c.evaluated.Inc()
	switch ev.Action {
	case ActionReminded:
		c.reminded.Inc()
	case ActionSuppressed:
		c.suppressed.Inc()
	case ActionInitiated:
		c.initiated.Inc()
	case ActionCancelled:
		c.cancelled.Inc()
	case ActionNone:
	}
	metrics.SweepEvaluationsTotal.WithLabelValues(string(ev.Action)).Inc()
}

// Sweep evaluates every active owner in pages of BatchSize, at most
// Concurrency at a time, pausing InterBatchDelay between pages. A failing
// owner is logged and counted and does not stop the sweep. Expired grace
// periods are processed afterwards.
//
// Only one sweep runs at a time per Monitor; a second call returns
// ErrConflict. While the system is in maintenance the sweep does nothing.
func (m *Monitor) Sweep(ctx context.Context) (*SweepReport, error) {
	if !m.sweeping.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: sweep already running", interfaces.ErrConflict)
	}
	defer m.sweeping.Store(false)

	started := time.Now()
	report := &SweepReport{StartedAt: m.clock.Now()}
	defer func() {
		report.Duration = time.Since(started)
		report.DurationMs = report.Duration.Milliseconds()
		metrics.SweepDurationSeconds.Observe(report.Duration.Seconds())
	}()

	maintenance, err := m.inMaintenance(ctx, report.StartedAt)
	if err != nil {
		return nil, err
	}
	if maintenance {
		report.SkippedMaintenance = true
		metrics.SweepEvaluationsTotal.WithLabelValues("skipped_maintenance").Inc()
		m.log.Info("System in maintenance, skipping inactivity sweep")
		return report, nil
	}

	var counters sweepCounters
	after := uuid.Nil
	for page := 0; ; page++ {
		if page > 0 && m.cfg.InterBatchDelay > 0 {
			if err := sleep(ctx, m.cfg.InterBatchDelay); err != nil {
				return report, err
			}
		}

		owners, err := m.store.Owners().ListActive(ctx, m.clock.Now(), after, m.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list active owners: %w", err)
		}
		if len(owners) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.Concurrency)
		for _, owner := range owners {
			ownerID := owner.ID
			g.Go(func() error {
				m.evaluateIsolated(gctx, ownerID, &counters)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return report, err
		}

		after = owners[len(owners)-1].ID
		if len(owners) < m.cfg.BatchSize {
			break
		}
	}

	report.Evaluated = counters.evaluated.Load()
	report.Failed = counters.failed.Load()
	report.Locked = counters.locked.Load()
	report.Reminded = counters.reminded.Load()
	report.Suppressed = counters.suppressed.Load()
	report.Initiated = counters.initiated.Load()
	report.Cancelled = counters.cancelled.Load()

	expired, err := m.handover.ProcessExpiredGracePeriods(ctx, 0)
	if err != nil {
		return report, err
	}
	report.GracePeriodsExpired = expired

	m.log.Info("Inactivity sweep finished",
		slog.Int64("evaluated", report.Evaluated),
		slog.Int64("failed", report.Failed),
		slog.Int64("reminded", report.Reminded),
		slog.Int64("initiated", report.Initiated),
		slog.Int("grace_periods_expired", report.GracePeriodsExpired))
	return report, nil
}

func (m *Monitor) evaluateIsolated(ctx context.Context, ownerID uuid.UUID, counters *sweepCounters) {
	ev, err := m.Evaluate(ctx, ownerID)
	switch {
	case err == nil:
		counters.record(ev)
	case errors.Is(err, interfaces.ErrLockHeld):
		counters.locked.Inc()
		metrics.SweepEvaluationsTotal.WithLabelValues("locked").Inc()
		m.log.Debug("Owner evaluation already in progress", slog.String("owner_id", ownerID.String()))
	default:
		counters.failed.Inc()
		metrics.SweepEvaluationsTotal.WithLabelValues("failed").Inc()
		m.log.Warn("Owner evaluation failed",
			slog.String("owner_id", ownerID.String()),
			"err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
