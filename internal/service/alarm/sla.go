package alarm

import (
	"context"
	"fmt"
	"time"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/service/keylock"
)

// DefaultSweepInterval is used when RunSLASweeper gets a non-positive interval.
const DefaultSweepInterval = 30 * time.Second

// SweepSLA flags every open alarm whose deadline has passed. The state is
// never changed; only the breach flag is set. It returns the number of alarms
// flagged by this pass.
func (m *Manager) SweepSLA(ctx context.Context) (int, error) {
	candidates, err := m.repo.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open alarms: %w", err)
	}

	now := time.Now().UTC()
	flagged := 0

	for _, candidate := range candidates {
		if candidate.SLABreached || !candidate.SLAOverdue(now) {
			continue
		}

		ok, err := m.flagBreach(ctx, candidate.ID, now)
		if err != nil {
			logger.ErrorKV(ctx, "Failed to flag SLA breach", "alarm_id", candidate.ID, "error", err)

			continue
		}

		if ok {
			flagged++
		}
	}

	return flagged, nil
}

// RunSLASweeper sweeps on every tick until the context is canceled.
func (m *Manager) RunSLASweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.InfoKV(ctx, "SLA sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "SLA sweeper stopped")

			return
		case <-ticker.C:
			flagged, err := m.SweepSLA(ctx)
			if err != nil {
				logger.ErrorKV(ctx, "SLA sweep failed", "error", err)

				continue
			}

			if flagged > 0 {
				logger.WarnKV(ctx, "SLA deadlines breached", "alarms", flagged)
			}
		}
	}
}

// flagBreach re-reads the alarm under its lock, since it may have been
// resolved after the candidate list was taken.
func (m *Manager) flagBreach(ctx context.Context, alarmID string, now time.Time) (bool, error) {
	unlock, err := keylock.Acquire(ctx, m.locks, "alarm:"+alarmID)
	if err != nil {
		return false, fmt.Errorf("lock alarm %s: %w", alarmID, err)
	}

	defer unlock()

	a, err := m.repo.Get(ctx, alarmID)
	if err != nil {
		return false, err
	}

	if a.SLABreached || !a.SLAOverdue(now) {
		return false, nil
	}

	a.SLABreached = true

	if err = m.repo.Update(ctx, a); err != nil {
		return false, fmt.Errorf("update alarm %s: %w", alarmID, err)
	}

	slaBreaches.Inc()
	logger.WarnKV(ctx, "Alarm breached its SLA",
		"alarm_id", a.ID, "severity", a.Severity, "deadline", deadlineOf(a))
	m.publish(a, UpdateSLABreached)

	return true, nil
}

func deadlineOf(a *domain.Alarm) time.Time {
	if a.SLADeadline == nil {
		return time.Time{}
	}

	return *a.SLADeadline
}
