package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/clock"
	"outreach/internal/connection"
	"outreach/internal/domain"
)

type fakeRegistry struct {
	views  []connection.StatusView
	sweeps int
	report connection.SweepReport
}

func (r *fakeRegistry) Sweep(context.Context) connection.SweepReport {
	r.sweeps++
	return r.report
}

func (r *fakeRegistry) Snapshot(context.Context) []connection.StatusView { return r.views }

type upsert struct {
	account string
	status  domain.ConnStatus
	phone   string
}

type fakeSessions struct {
	sessions []domain.PersistedSession
	upserts  []upsert
	listErr  error
}

func (s *fakeSessions) ListSessions(context.Context) ([]domain.PersistedSession, error) {
	return s.sessions, s.listErr
}

func (s *fakeSessions) UpsertSessionStatus(_ context.Context, id string, st domain.ConnStatus, phone string, _ time.Time) error {
	s.upserts = append(s.upserts, upsert{id, st, phone})
	return nil
}

type fakeReclaimer struct {
	n   int64
	err error
}

func (r fakeReclaimer) ReclaimStuck(context.Context) (int64, error) { return r.n, r.err }

func TestReconcileCorrectsDriftAndOrphans(t *testing.T) {
	reg := &fakeRegistry{views: []connection.StatusView{
		{AccountID: "a1", Status: domain.StatusConnected, Phone: "+1555"},
		{AccountID: "a2", Status: domain.StatusQRReady},
	}}
	sess := &fakeSessions{sessions: []domain.PersistedSession{
		{AccountID: "a1", Status: domain.StatusConnecting},
		{AccountID: "a2", Status: domain.StatusQRReady},
		{AccountID: "a3", Status: domain.StatusConnected},
		{AccountID: "a4", Status: domain.StatusBanned},
		{AccountID: "a5", Status: domain.StatusDisconnected},
	}}
	m := &Monitor{Registry: reg, Sessions: sess, Clock: clock.NewFake(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))}

	corrected, orphaned, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, 1, orphaned)
	assert.Equal(t, []upsert{
		{"a1", domain.StatusConnected, "+1555"},
		{"a3", domain.StatusDisconnected, ""},
	}, sess.upserts)
}

func TestCheckRunsEveryStep(t *testing.T) {
	reg := &fakeRegistry{report: connection.SweepReport{Checked: 2, ProbeFailures: 1}}
	sess := &fakeSessions{sessions: []domain.PersistedSession{{AccountID: "gone", Status: domain.StatusPairingReady}}}
	m := &Monitor{Registry: reg, Sessions: sess, Reclaimer: fakeReclaimer{n: 3}}

	rep, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.sweeps)
	assert.Equal(t, 1, rep.Sweep.ProbeFailures)
	assert.Equal(t, 1, rep.Orphaned)
	assert.EqualValues(t, 3, rep.Reclaimed)
}

func TestCheckContinuesPastFailures(t *testing.T) {
	reg := &fakeRegistry{}
	sess := &fakeSessions{listErr: errors.New("db down")}
	m := &Monitor{Registry: reg, Sessions: sess, Reclaimer: fakeReclaimer{n: 1, err: nil}}

	rep, err := m.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, reg.sweeps)
	assert.EqualValues(t, 1, rep.Reclaimed, "reclaim still runs")
}
