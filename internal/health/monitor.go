// Package health keeps the in-memory connection registry, the persisted
// session mirror and the scheduled message claims consistent.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outreach/internal/clock"
	"outreach/internal/connection"
	"outreach/internal/domain"
	"outreach/internal/observability"
)

type Registry interface {
	Sweep(ctx context.Context) connection.SweepReport
	Snapshot(ctx context.Context) []connection.StatusView
}

type SessionStore interface {
	ListSessions(ctx context.Context) ([]domain.PersistedSession, error)
	UpsertSessionStatus(ctx context.Context, accountID string, status domain.ConnStatus, phone string, at time.Time) error
}

type Reclaimer interface {
	ReclaimStuck(ctx context.Context) (int64, error)
}

type Report struct {
	Sweep     connection.SweepReport
	Corrected int
	Orphaned  int
	Reclaimed int64
}

// Monitor is one health pass. The jobs runner calls Check on every
// HEALTH_INTERVAL tick.
type Monitor struct {
	Registry  Registry
	Sessions  SessionStore
	Reclaimer Reclaimer
	Clock     clock.Clock
	Log       *slog.Logger
}

func (m *Monitor) log() *slog.Logger {
	if m.Log == nil {
		return slog.Default()
	}
	return m.Log
}

func (m *Monitor) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now()
}

// Check sweeps the registry, reconciles persisted statuses and reclaims
// stuck claims. A failing step does not stop the ones after it.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	var rep Report
	rep.Sweep = m.Registry.Sweep(ctx)

	var errs []error
	corrected, orphaned, err := m.Reconcile(ctx)
	rep.Corrected, rep.Orphaned = corrected, orphaned
	if err != nil {
		errs = append(errs, err)
	}
	if m.Reclaimer != nil {
		n, err := m.Reclaimer.ReclaimStuck(ctx)
		rep.Reclaimed = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if rep.Sweep.ProbeFailures+rep.Sweep.PairingExpired+rep.Sweep.Flushed+rep.Corrected+rep.Orphaned > 0 || rep.Reclaimed > 0 {
		m.log().Info("health pass",
			"checked", rep.Sweep.Checked,
			"probe_failures", rep.Sweep.ProbeFailures,
			"pairing_expired", rep.Sweep.PairingExpired,
			"flushed", rep.Sweep.Flushed,
			"corrected", rep.Corrected,
			"orphaned", rep.Orphaned,
			"reclaimed", rep.Reclaimed,
		)
	}
	return rep, errors.Join(errs...)
}

// Reconcile makes the persisted mirror agree with memory. Sessions are read
// before the snapshot so memory is never older than what it overwrites.
// Live statuses with no actor behind them belong to a previous process and
// are reset to disconnected; banned is kept.
func (m *Monitor) Reconcile(ctx context.Context) (corrected, orphaned int, err error) {
	sessions, err := m.Sessions.ListSessions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list sessions: %w", err)
	}
	live := make(map[string]connection.StatusView)
	for _, v := range m.Registry.Snapshot(ctx) {
		live[v.AccountID] = v
	}

	now := m.now()
	for _, s := range sessions {
		v, ok := live[s.AccountID]
		switch {
		case ok && v.Status != s.Status:
			if err := m.Sessions.UpsertSessionStatus(ctx, s.AccountID, v.Status, v.Phone, now); err != nil {
				return corrected, orphaned, fmt.Errorf("correct %s: %w", s.AccountID, err)
			}
			m.log().Warn("persisted status drifted", "account_id", s.AccountID, "persisted", s.Status, "memory", v.Status)
			observability.HealthActions.WithLabelValues("status_corrected").Inc()
			corrected++
		case !ok && s.Status != domain.StatusDisconnected && s.Status != domain.StatusBanned:
			if err := m.Sessions.UpsertSessionStatus(ctx, s.AccountID, domain.StatusDisconnected, "", now); err != nil {
				return corrected, orphaned, fmt.Errorf("reset %s: %w", s.AccountID, err)
			}
			m.log().Warn("orphaned live status reset", "account_id", s.AccountID, "persisted", s.Status)
			observability.HealthActions.WithLabelValues("orphan_reset").Inc()
			orphaned++
		}
	}
	return corrected, orphaned, nil
}
