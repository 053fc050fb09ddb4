package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/ratelimit"
	"outreach/internal/transport"
)

type memStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	sessions map[string]domain.PersistedSession
	history  map[string][]domain.ConnStatus
}

func newMemStore(accts ...domain.Account) *memStore {
	s := &memStore{
		accounts: make(map[string]domain.Account),
		sessions: make(map[string]domain.PersistedSession),
		history:  make(map[string][]domain.ConnStatus),
	}
	for _, a := range accts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.NotFound("account", id)
	}
	return a, nil
}

func (s *memStore) GetSession(_ context.Context, id string) (domain.PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.PersistedSession{}, domain.NotFound("session", id)
	}
	return sess, nil
}

func (s *memStore) UpsertSessionStatus(_ context.Context, id string, status domain.ConnStatus, phone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	sess.AccountID, sess.Status, sess.UpdatedAt = id, status, at
	if phone != "" {
		sess.Phone = phone
	}
	s.sessions[id] = sess
	s.history[id] = append(s.history[id], status)
	return nil
}

func (s *memStore) SaveCredentials(_ context.Context, id string, creds []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	sess.AccountID, sess.Credentials, sess.UpdatedAt = id, creds, at
	if sess.Status == "" {
		sess.Status = domain.StatusDisconnected
	}
	s.sessions[id] = sess
	return nil
}

func (s *memStore) ClearCredentials(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Credentials, sess.UpdatedAt = nil, at
		s.sessions[id] = sess
	}
	return nil
}

func (s *memStore) ListSessions(context.Context) ([]domain.PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PersistedSession
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *memStore) credentials(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Credentials
}

func (s *memStore) statuses(id string) []domain.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConnStatus(nil), s.history[id]...)
}

type sentRecord struct {
	to string
	at time.Time
}

type fakeSession struct {
	d      *fakeDialer
	sink   transport.Sink
	closed bool
	mu     sync.Mutex
}

func (s *fakeSession) Send(ctx context.Context, msg transport.Outbound) (transport.Result, error) {
	s.d.mu.Lock()
	fn := s.d.send
	s.d.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.sent = append(s.d.sent, sentRecord{to: msg.To, at: s.d.clk.Now()})
	return transport.Result{MessageID: fmt.Sprintf("m-%d", len(s.d.sent))}, nil
}

func (s *fakeSession) Probe(context.Context) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.d.probeErr
}

func (s *fakeSession) Logout(context.Context) error { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fakeDialer connects immediately when credentials exist and otherwise
// issues a QR code and waits for the test to drive the session.
type fakeDialer struct {
	clk      *clock.Fake
	mu       sync.Mutex
	dials    int
	sessions []*fakeSession
	sent     []sentRecord
	send     func(context.Context, transport.Outbound) (transport.Result, error)
	probeErr error
	dialErr  error
	silent   bool
}

func (d *fakeDialer) Dial(_ context.Context, acct domain.Account, creds []byte, sink transport.Sink) (transport.Session, error) {
	d.mu.Lock()
	d.dials++
	err, silent := d.dialErr, d.silent
	s := &fakeSession{d: d, sink: sink}
	if err == nil {
		d.sessions = append(d.sessions, s)
	}
	n := d.dials
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	switch {
	case silent:
	case len(creds) > 0:
		sink(transport.Event{Kind: transport.EventConnected, Phone: "+15550000000"})
	default:
		sink(transport.Event{Kind: transport.EventQR, Code: fmt.Sprintf("qr-%d", n)})
	}
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDialer) sends() []sentRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentRecord(nil), d.sent...)
}

type harness struct {
	reg    *Registry
	store  *memStore
	dialer *fakeDialer
	clk    *clock.Fake
}

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts Options, accts ...domain.Account) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	if len(accts) == 0 {
		accts = []domain.Account{{ID: "acct1", TenantID: "t1", Provider: domain.ProviderSelfHosted}}
	}
	store := newMemStore(accts...)
	dialer := &fakeDialer{clk: clk}
	opts.Clock = clk
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemory()
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(store, map[domain.ProviderKind]transport.Dialer{domain.ProviderSelfHosted: dialer}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return &harness{reg: reg, store: store, dialer: dialer, clk: clk}
}

func (h *harness) withCredentials(id string) {
	_ = h.store.SaveCredentials(context.Background(), id, []byte("creds"), t0)
}

func (h *harness) status(t *testing.T, id string) StatusView {
	t.Helper()
	v, err := h.reg.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return v
}
