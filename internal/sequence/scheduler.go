// Package sequence turns event registrations into scheduled sends and
// dispatches them when they come due.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/schedule"
	"outreach/internal/store"
	"outreach/internal/transport"
	"outreach/internal/util"
)

type Store interface {
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	UpdateEventSchedule(ctx context.Context, id string, cfg schedule.Config) error
	GetContact(ctx context.Context, id string) (domain.Contact, error)
	UpsertRegistration(ctx context.Context, reg domain.Registration) error
	// MoveRegistrations points every registration of the event whose
	// occurrence starts after since at occ and returns the affected contacts.
	MoveRegistrations(ctx context.Context, eventID string, since time.Time, occ schedule.Occurrence) ([]string, error)
	ListActiveSequences(ctx context.Context, tenantID, eventID string) ([]domain.Sequence, error)
	GetSequence(ctx context.Context, id string) (domain.Sequence, error)
	ScheduledExists(ctx context.Context, contactID, sequenceID, occurrenceDate string) (bool, error)
	InsertScheduled(ctx context.Context, in store.ScheduledInsert) (bool, error)
	CancelPendingForEvent(ctx context.Context, eventID string, now time.Time) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error)
	MarkScheduled(ctx context.Context, in store.ScheduledUpdate) error
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int64, error)
}

// Sender is the per-account dispatch queue.
type Sender interface {
	SendText(ctx context.Context, accountID, to, text string) (transport.Result, error)
	SendMedia(ctx context.Context, accountID, to string, media domain.Media) (transport.Result, error)
}

type Selector interface {
	Pick(ctx context.Context, tenantID, preferred string) (domain.Account, error)
}

type Scheduler struct {
	Store    Store
	Sender   Sender
	Selector Selector
	Clock    clock.Clock

	BatchSize   int
	Concurrency int
	// StaleAfter is how long a row may sit in sending before it is
	// returned to queued. It must exceed RowTimeout.
	StaleAfter time.Duration
	// RowTimeout bounds one claimed row from lookup to outcome, covering
	// the account queue wait and the transmission. A poll's own deadline
	// does not reach the rows it claimed; only its cancellation does.
	RowTimeout time.Duration

	Log *slog.Logger
}

func (s *Scheduler) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Enroll registers a contact for the next occurrence of an event and
// schedules its sequences. It returns the number of rows inserted; an event
// with no future occurrence enrolls nothing.
func (s *Scheduler) Enroll(ctx context.Context, contactID, eventID string) (int, error) {
	ev, err := s.Store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if _, err := s.Store.GetContact(ctx, contactID); err != nil {
		return 0, err
	}
	occ, ok, err := schedule.Next(ev.Schedule, s.now())
	if err != nil {
		return 0, domain.ErrValidation.WithCause(err)
	}
	if !ok {
		return 0, nil
	}
	reg := domain.Registration{ContactID: contactID, EventID: eventID, OccurrenceDate: occ.DateKey, OccurrenceAt: occ.Start}
	if err := s.Store.UpsertRegistration(ctx, reg); err != nil {
		return 0, fmt.Errorf("store registration: %w", err)
	}
	return s.EnrollOccurrence(ctx, contactID, ev, occ)
}

// EnrollOccurrence inserts one row per active sequence whose send time is
// still ahead, skipping triples that already have a live row.
func (s *Scheduler) EnrollOccurrence(ctx context.Context, contactID string, ev domain.Event, occ schedule.Occurrence) (int, error) {
	seqs, err := s.Store.ListActiveSequences(ctx, ev.TenantID, ev.ID)
	if err != nil {
		return 0, fmt.Errorf("list sequences: %w", err)
	}
	now := s.now()
	inserted := 0
	for _, seq := range seqs {
		sendAt := occ.Start.Add(time.Duration(seq.OffsetMinutes) * time.Minute)
		if !sendAt.After(now) {
			continue
		}
		exists, err := s.Store.ScheduledExists(ctx, contactID, seq.ID, occ.DateKey)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}
		ok, err := s.Store.InsertScheduled(ctx, store.ScheduledInsert{
			ID:             util.NewID("sm"),
			TenantID:       ev.TenantID,
			ContactID:      contactID,
			SequenceID:     seq.ID,
			EventID:        ev.ID,
			OccurrenceDate: occ.DateKey,
			SendAt:         sendAt,
			Now:            now,
		})
		if err != nil {
			return inserted, fmt.Errorf("insert scheduled: %w", err)
		}
		// !ok: a concurrent enrollment won the unique index
		if ok {
			inserted++
		}
	}
	if inserted > 0 {
		s.log().Info("enrolled", "contact_id", contactID, "event_id", ev.ID, "occurrence", occ.DateKey, "rows", inserted)
	}
	return inserted, nil
}

// Reschedule stores a new timing config for an event, cancels its pending
// rows and re-enrolls every registration with a future occurrence. Calling
// it again with the same config leaves the same set of pending rows.
func (s *Scheduler) Reschedule(ctx context.Context, eventID string, cfg schedule.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, domain.ErrValidation.WithCause(err)
	}
	ev, err := s.Store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if err := s.Store.UpdateEventSchedule(ctx, eventID, cfg); err != nil {
		return 0, fmt.Errorf("update schedule: %w", err)
	}
	ev.Schedule = cfg

	now := s.now()
	cancelled, err := s.Store.CancelPendingForEvent(ctx, eventID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	observability.ScheduledOutcomes.WithLabelValues(string(domain.ScheduledCancelled)).Add(float64(cancelled))

	occ, ok, err := schedule.Next(cfg, now)
	if err != nil {
		return 0, domain.ErrValidation.WithCause(err)
	}
	if !ok {
		s.log().Info("rescheduled without future occurrence", "event_id", eventID, "cancelled", cancelled)
		return 0, nil
	}

	since := now.Add(-time.Duration(cfg.DurationSeconds) * time.Second)
	contacts, err := s.Store.MoveRegistrations(ctx, eventID, since, occ)
	if err != nil {
		return 0, fmt.Errorf("move registrations: %w", err)
	}
	total := 0
	for _, c := range contacts {
		n, err := s.EnrollOccurrence(ctx, c, ev, occ)
		if err != nil {
			return total, err
		}
		total += n
	}
	s.log().Info("rescheduled", "event_id", eventID, "occurrence", occ.DateKey, "cancelled", cancelled, "contacts", len(contacts), "rows", total)
	return total, nil
}

// DispatchDue claims one batch of due rows and sends them. Each claimed row
// ends up sent, failed or cancelled, or back in queued when ctx is cancelled
// before its message went out.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	limit := s.BatchSize
	if limit <= 0 {
		limit = 50
	}
	due, err := s.Store.ClaimDue(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	conc := s.Concurrency
	if conc <= 0 {
		conc = 4
	}
	g.SetLimit(conc)
	for _, msg := range due {
		g.Go(func() error {
			rctx, cancel := s.rowContext(ctx)
			defer cancel()
			s.dispatch(rctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

// rowContext keeps the cancellation of ctx but not its deadline.
func (s *Scheduler) rowContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	var rctx context.Context
	var cancel context.CancelFunc
	if s.RowTimeout > 0 {
		rctx, cancel = context.WithTimeout(base, s.RowTimeout)
	} else {
		rctx, cancel = context.WithCancel(base)
	}
	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			cancel()
		}
	})
	return rctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, msg domain.ScheduledMessage) {
	log := s.log().With("scheduled_id", msg.ID, "contact_id", msg.ContactID, "sequence_id", msg.SequenceID)

	seq, err := s.Store.GetSequence(ctx, msg.SequenceID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !seq.Active) {
		s.mark(ctx, log, store.ScheduledUpdate{ID: msg.ID, Status: domain.ScheduledCancelled, LastError: "sequence inactive"})
		return
	}
	if err != nil {
		s.fail(ctx, log, msg.ID, "", err)
		return
	}
	contact, err := s.Store.GetContact(ctx, msg.ContactID)
	if err != nil {
		s.fail(ctx, log, msg.ID, "", err)
		return
	}
	ev, err := s.Store.GetEvent(ctx, msg.EventID)
	if err != nil {
		s.fail(ctx, log, msg.ID, "", err)
		return
	}

	acct, err := s.Selector.Pick(ctx, msg.TenantID, ev.AccountID)
	if err != nil {
		s.fail(ctx, log, msg.ID, "", err)
		return
	}

	body := util.RenderTemplate(seq.Body, mergeVars(contact, ev, msg))
	var res transport.Result
	if seq.Kind == "" || seq.Kind == domain.KindText {
		res, err = s.Sender.SendText(ctx, acct.ID, contact.Phone, body)
	} else {
		res, err = s.Sender.SendMedia(ctx, acct.ID, contact.Phone, domain.Media{
			Kind:     seq.Kind,
			URL:      seq.MediaURL,
			Caption:  body,
			FileName: seq.FileName,
			MimeType: seq.MimeType,
		})
	}
	if err != nil {
		s.fail(ctx, log, msg.ID, acct.ID, err)
		return
	}
	s.mark(ctx, log, store.ScheduledUpdate{
		ID:            msg.ID,
		Status:        domain.ScheduledSent,
		AccountID:     acct.ID,
		ProviderMsgID: res.MessageID,
	})
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, id, accountID string, cause error) {
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		// stopped before anything went out; the next poll picks it up
		log.Info("scheduled send released", "err", cause)
		s.mark(ctx, log, store.ScheduledUpdate{ID: id, Status: domain.ScheduledQueued})
		return
	}
	log.Warn("scheduled send failed", "account_id", accountID, "err", cause)
	s.mark(ctx, log, store.ScheduledUpdate{ID: id, Status: domain.ScheduledFailed, AccountID: accountID, LastError: cause.Error()})
}

func (s *Scheduler) mark(ctx context.Context, log *slog.Logger, u store.ScheduledUpdate) {
	u.Now = s.now()
	observability.ScheduledOutcomes.WithLabelValues(string(u.Status)).Inc()
	// the row outlives a cancelled poll tick
	err := s.Store.MarkScheduled(context.WithoutCancel(ctx), u)
	switch {
	case errors.Is(err, domain.ErrState):
		// reclaimed while this dispatch was still running
		log.Warn("scheduled row no longer claimed", "status", u.Status, "err", err)
	case err != nil:
		log.Error("mark scheduled", "status", u.Status, "err", err)
	}
}

// ReclaimStuck returns rows left in sending by a crashed dispatch to queued.
func (s *Scheduler) ReclaimStuck(ctx context.Context) (int64, error) {
	after := s.StaleAfter
	if after <= 0 {
		after = 10 * time.Minute
	}
	now := s.now()
	n, err := s.Store.ReclaimStale(ctx, now.Add(-after), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		observability.Reclaimed.Add(float64(n))
		s.log().Warn("reclaimed stuck scheduled sends", "count", n, "stale_after", after)
	}
	return n, nil
}

func mergeVars(c domain.Contact, ev domain.Event, msg domain.ScheduledMessage) map[string]string {
	vars := make(map[string]string, len(c.Fields)+7)
	for k, v := range c.Fields {
		vars[k] = v
	}
	start := msg.SendAt
	if t, err := time.Parse(schedule.DateLayout, msg.OccurrenceDate); err == nil {
		start = t
	}
	vars["name"] = c.Name
	vars["first_name"] = util.FirstName(c.Name)
	vars["phone"] = c.Phone
	vars["event_name"] = ev.Name
	vars["event_date"] = start.Format("Monday, January 2")
	vars["event_time"] = ev.Schedule.TimeOfDay
	vars["event_link"] = ev.Link
	return vars
}
