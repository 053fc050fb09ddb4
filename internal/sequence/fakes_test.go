package sequence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/schedule"
	"outreach/internal/store"
	"outreach/internal/transport"
)

type regKey struct{ contact, event string }

type memStore struct {
	mu        sync.Mutex
	events    map[string]domain.Event
	contacts  map[string]domain.Contact
	sequences map[string]domain.Sequence
	regs      map[regKey]domain.Registration
	rows      []*domain.ScheduledMessage
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]domain.Event),
		contacts:  make(map[string]domain.Contact),
		sequences: make(map[string]domain.Sequence),
		regs:      make(map[regKey]domain.Registration),
	}
}

func (s *memStore) GetEvent(_ context.Context, id string) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.NotFound("event", id)
	}
	return ev, nil
}

func (s *memStore) UpdateEventSchedule(_ context.Context, id string, cfg schedule.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.NotFound("event", id)
	}
	ev.Schedule = cfg
	s.events[id] = ev
	return nil
}

func (s *memStore) GetContact(_ context.Context, id string) (domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return domain.Contact{}, domain.NotFound("contact", id)
	}
	return c, nil
}

func (s *memStore) UpsertRegistration(_ context.Context, reg domain.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[regKey{reg.ContactID, reg.EventID}] = reg
	return nil
}

func (s *memStore) MoveRegistrations(_ context.Context, eventID string, since time.Time, occ schedule.Occurrence) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, reg := range s.regs {
		if k.event != eventID || !reg.OccurrenceAt.After(since) {
			continue
		}
		reg.OccurrenceDate, reg.OccurrenceAt = occ.DateKey, occ.Start
		s.regs[k] = reg
		out = append(out, k.contact)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ListActiveSequences(_ context.Context, tenantID, eventID string) ([]domain.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Sequence
	for _, seq := range s.sequences {
		if seq.TenantID == tenantID && seq.Active && (seq.EventID == "" || seq.EventID == eventID) {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetSequence(_ context.Context, id string) (domain.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return domain.Sequence{}, domain.NotFound("sequence", id)
	}
	return seq, nil
}

func (s *memStore) liveLocked(contactID, sequenceID, date string) bool {
	for _, r := range s.rows {
		if r.ContactID == contactID && r.SequenceID == sequenceID && r.OccurrenceDate == date && r.Status != domain.ScheduledCancelled {
			return true
		}
	}
	return false
}

func (s *memStore) ScheduledExists(_ context.Context, contactID, sequenceID, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(contactID, sequenceID, date), nil
}

func (s *memStore) InsertScheduled(_ context.Context, in store.ScheduledInsert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveLocked(in.ContactID, in.SequenceID, in.OccurrenceDate) {
		return false, nil
	}
	s.rows = append(s.rows, &domain.ScheduledMessage{
		ID:             in.ID,
		TenantID:       in.TenantID,
		ContactID:      in.ContactID,
		SequenceID:     in.SequenceID,
		EventID:        in.EventID,
		OccurrenceDate: in.OccurrenceDate,
		SendAt:         in.SendAt,
		Status:         domain.ScheduledQueued,
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	})
	return true, nil
}

func (s *memStore) CancelPendingForEvent(_ context.Context, eventID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.EventID == eventID && r.Status == domain.ScheduledQueued {
			r.Status, r.UpdatedAt = domain.ScheduledCancelled, now
			n++
		}
	}
	return n, nil
}

func (s *memStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.ScheduledMessage
	for _, r := range s.rows {
		if r.Status == domain.ScheduledQueued && !r.SendAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SendAt.Before(due[j].SendAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.ScheduledMessage, len(due))
	for i, r := range due {
		r.Status, r.UpdatedAt = domain.ScheduledSending, now
		out[i] = *r
	}
	return out, nil
}

func (s *memStore) MarkScheduled(_ context.Context, in store.ScheduledUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID != in.ID {
			continue
		}
		if r.Status != domain.ScheduledSending {
			return domain.NewError(domain.CodeState, "scheduled message %s is %s, not sending", in.ID, r.Status)
		}
		r.Status, r.LastError, r.UpdatedAt = in.Status, in.LastError, in.Now
		r.AccountID, r.ProviderMsgID = in.AccountID, in.ProviderMsgID
		if in.Status == domain.ScheduledSent {
			at := in.Now
			r.SentAt = &at
		}
		return nil
	}
	return domain.NotFound("scheduled message", in.ID)
}

func (s *memStore) ReclaimStale(_ context.Context, staleBefore, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.Status == domain.ScheduledSending && r.UpdatedAt.Before(staleBefore) {
			r.Status, r.UpdatedAt = domain.ScheduledQueued, now
			n++
		}
	}
	return n, nil
}

func (s *memStore) snapshot() []domain.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledMessage, len(s.rows))
	for i, r := range s.rows {
		out[i] = *r
	}
	return out
}

func (s *memStore) count(eventID string, status domain.ScheduledStatus) int {
	n := 0
	for _, r := range s.snapshot() {
		if r.EventID == eventID && r.Status == status {
			n++
		}
	}
	return n
}

type sentMsg struct {
	account string
	to      string
	text    string
	media   *domain.Media
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMsg
	fails map[string]error
	// before runs ahead of every send; an error aborts it
	before func(ctx context.Context) error
}

func (f *fakeSender) setBefore(fn func(ctx context.Context) error) {
	f.mu.Lock()
	f.before = fn
	f.mu.Unlock()
}

func (f *fakeSender) record(ctx context.Context, m sentMsg) (transport.Result, error) {
	f.mu.Lock()
	before := f.before
	f.mu.Unlock()
	if before != nil {
		if err := before(ctx); err != nil {
			return transport.Result{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fails[m.to]; err != nil {
		return transport.Result{}, err
	}
	f.sent = append(f.sent, m)
	return transport.Result{MessageID: fmt.Sprintf("wamid-%d", len(f.sent))}, nil
}

func (f *fakeSender) SendText(ctx context.Context, accountID, to, text string) (transport.Result, error) {
	return f.record(ctx, sentMsg{account: accountID, to: to, text: text})
}

func (f *fakeSender) SendMedia(ctx context.Context, accountID, to string, media domain.Media) (transport.Result, error) {
	return f.record(ctx, sentMsg{account: accountID, to: to, media: &media})
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type fakeSelector struct {
	err   error
	asked []string
	mu    sync.Mutex
}

func (f *fakeSelector) Pick(_ context.Context, tenantID, preferred string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, preferred)
	if f.err != nil {
		return domain.Account{}, f.err
	}
	id := preferred
	if id == "" {
		id = "acct-default"
	}
	return domain.Account{ID: id, TenantID: tenantID}, nil
}

var errUnreachable = errors.New("recipient unreachable")

// Monday 2024-03-04 10:00 in New York.
var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memStore
	sender   *fakeSender
	selector *fakeSelector
	clk      *clock.Fake
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStore()
	st.events["ev1"] = domain.Event{
		ID: "ev1", TenantID: "t1", Name: "Weekly Q&A", Link: "https://meet.example/qa", AccountID: "acct1",
		Schedule: schedule.Config{
			TimeOfDay: "18:00", Timezone: "America/New_York", Recurrence: schedule.Weekly,
			DayOfWeek: int(time.Wednesday), DurationSeconds: 3600,
		},
	}
	st.events["ev2"] = domain.Event{ID: "ev2", TenantID: "t1", Name: "Other"}
	for _, c := range []domain.Contact{
		{ID: "c1", TenantID: "t1", Name: "Ada Lovelace", Phone: "+15550001", Fields: map[string]string{"company": "Analytical"}},
		{ID: "c2", TenantID: "t1", Name: "Grace Hopper", Phone: "+15550002"},
		{ID: "c3", TenantID: "t1", Name: "Katherine Johnson", Phone: "+15550003"},
	} {
		st.contacts[c.ID] = c
	}
	for _, seq := range []domain.Sequence{
		{ID: "s1-reminder", TenantID: "t1", EventID: "ev1", OffsetMinutes: -60, Active: true, Kind: domain.KindText,
			Body: "Hi {{first_name}}, {{event_name}} starts {{event_date}} at {{event_time}}: {{event_link}} ({{company}})"},
		{ID: "s2-followup", TenantID: "t1", EventID: "ev1", OffsetMinutes: 120, Active: true, Kind: domain.KindImage,
			Body: "Thanks {{name}}", MediaURL: "https://cdn.example/thanks.png", MimeType: "image/png"},
		{ID: "s3-global", TenantID: "t1", OffsetMinutes: -30, Active: true, Body: "Soon!"},
		{ID: "s4-early", TenantID: "t1", EventID: "ev1", OffsetMinutes: -4000, Active: true, Body: "too late"},
		{ID: "s5-off", TenantID: "t1", EventID: "ev1", OffsetMinutes: -10, Active: false, Body: "inactive"},
		{ID: "s6-other", TenantID: "t1", EventID: "ev2", OffsetMinutes: -10, Active: true, Body: "other event"},
	} {
		st.sequences[seq.ID] = seq
	}

	clk := clock.NewFake(t0)
	f := &fixture{store: st, sender: &fakeSender{}, selector: &fakeSelector{}, clk: clk}
	f.sched = &Scheduler{
		Store:       st,
		Sender:      f.sender,
		Selector:    f.selector,
		Clock:       clk,
		BatchSize:   10,
		Concurrency: 3,
		StaleAfter:  5 * time.Minute,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}
