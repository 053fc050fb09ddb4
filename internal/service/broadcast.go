package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/store"
	"outreach/internal/transport"
	"outreach/internal/util"
)

type Store interface {
	// ListContacts returns up to limit contacts matching the filter (all of
	// them when limit <= 0) together with the total match count.
	ListContacts(ctx context.Context, filter domain.RecipientFilter, limit int) ([]domain.Contact, int, error)
	InsertBroadcast(ctx context.Context, in store.BroadcastInsert) error
	GetBroadcast(ctx context.Context, id string) (domain.Broadcast, error)
	// TransitionBroadcast moves a broadcast whose status is one of in.From.
	// It reports false when the row exists in another status.
	TransitionBroadcast(ctx context.Context, in store.BroadcastStateUpdate) (bool, error)
	ListBroadcastsByStatus(ctx context.Context, status domain.BroadcastStatus) ([]domain.Broadcast, error)
	PendingRecipients(ctx context.Context, broadcastID string, limit int) ([]domain.BroadcastRecipient, error)
	// MarkRecipient records a recipient outcome and bumps the broadcast's
	// aggregate counters.
	MarkRecipient(ctx context.Context, in store.RecipientUpdate) error
	SkipPendingRecipients(ctx context.Context, broadcastID string, now time.Time) (int64, error)
}

type Sender interface {
	SendText(ctx context.Context, accountID, to, text string) (transport.Result, error)
	SendMedia(ctx context.Context, accountID, to string, media domain.Media) (transport.Result, error)
}

type Selector interface {
	Pick(ctx context.Context, tenantID, preferred string) (domain.Account, error)
}

type runner struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// BroadcastService manages one-shot campaigns. Each running broadcast has
// one runner goroutine that sends to its pending recipients in order.
type BroadcastService struct {
	Store    Store
	Sender   Sender
	Selector Selector
	Clock    clock.Clock
	Log      *slog.Logger

	PageSize int
	// RetryDelay is how long a runner waits when the tenant has no
	// connected account before trying the same recipient again.
	RetryDelay time.Duration

	mu      sync.Mutex
	runners map[string]*runner
	wg      sync.WaitGroup
}

func (s *BroadcastService) now() time.Time {
	if s.Clock == nil {
		return util.NowUTC()
	}
	return s.Clock.Now()
}

func (s *BroadcastService) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *BroadcastService) CreateBroadcast(ctx context.Context, req domain.CreateBroadcastRequest) (domain.Broadcast, error) {
	// the filter is always scoped to the broadcast's tenant
	req.Filter.TenantID = req.TenantID
	if err := domain.ValidateStruct(req); err != nil {
		return domain.Broadcast{}, err
	}
	if req.Kind == "" {
		req.Kind = domain.KindText
	}
	if req.Kind != domain.KindText {
		if err := (domain.Media{Kind: req.Kind, URL: req.MediaURL, Caption: req.Body}).Validate(); err != nil {
			return domain.Broadcast{}, err
		}
	}

	contacts, _, err := s.Store.ListContacts(ctx, req.Filter, 0)
	if err != nil {
		return domain.Broadcast{}, fmt.Errorf("list recipients: %w", err)
	}
	if len(contacts) == 0 {
		return domain.Broadcast{}, domain.NewError(domain.CodeValidation, "filter matches no recipients")
	}
	ids := make([]string, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}

	now := s.now()
	b := domain.Broadcast{
		ID:        util.NewID("bc"),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Body:      req.Body,
		Kind:      req.Kind,
		MediaURL:  req.MediaURL,
		AccountID: req.AccountID,
		Filter:    req.Filter,
		Status:    domain.BroadcastDraft,
		Total:     len(ids),
		CreatedAt: now,
	}
	if err := s.Store.InsertBroadcast(ctx, store.BroadcastInsert{Broadcast: b, ContactIDs: ids, Now: now}); err != nil {
		return domain.Broadcast{}, err
	}
	s.log().Info("broadcast created", "broadcast_id", b.ID, "tenant_id", b.TenantID, "recipients", b.Total)
	return b, nil
}

func (s *BroadcastService) Get(ctx context.Context, id string) (domain.Broadcast, error) {
	return s.Store.GetBroadcast(ctx, id)
}

func (s *BroadcastService) PreviewRecipients(ctx context.Context, filter domain.RecipientFilter, limit int) (domain.Preview, error) {
	if err := domain.ValidateStruct(filter); err != nil {
		return domain.Preview{}, err
	}
	if limit <= 0 {
		limit = 10
	}
	sample, total, err := s.Store.ListContacts(ctx, filter, limit)
	if err != nil {
		return domain.Preview{}, err
	}
	if sample == nil {
		sample = []domain.Contact{}
	}
	return domain.Preview{Total: total, Sample: sample}, nil
}

// Start launches sending for a draft, pending or paused broadcast.
func (s *BroadcastService) Start(ctx context.Context, id string) (domain.Broadcast, error) {
	b, err := s.transition(ctx, id, domain.BroadcastRunning, domain.BroadcastDraft, domain.BroadcastPending, domain.BroadcastPaused)
	if err != nil {
		return b, err
	}
	s.launch(id)
	return b, nil
}

func (s *BroadcastService) Pause(ctx context.Context, id string) (domain.Broadcast, error) {
	b, err := s.transition(ctx, id, domain.BroadcastPaused, domain.BroadcastRunning)
	if err != nil {
		return b, err
	}
	s.stop(id)
	return b, nil
}

// Cancel stops a broadcast for good; recipients not yet reached are skipped.
func (s *BroadcastService) Cancel(ctx context.Context, id string) (domain.Broadcast, error) {
	b, err := s.transition(ctx, id, domain.BroadcastCancelled,
		domain.BroadcastDraft, domain.BroadcastPending, domain.BroadcastRunning, domain.BroadcastPaused)
	if err != nil {
		return b, err
	}
	s.stop(id)
	n, err := s.Store.SkipPendingRecipients(ctx, id, s.now())
	if err != nil {
		return b, fmt.Errorf("skip recipients: %w", err)
	}
	observability.BroadcastRecipients.WithLabelValues(string(domain.RecipientSkipped)).Add(float64(n))
	return b, nil
}

// ResumeRunning restarts runners for broadcasts left running by a previous
// process.
func (s *BroadcastService) ResumeRunning(ctx context.Context) (int, error) {
	running, err := s.Store.ListBroadcastsByStatus(ctx, domain.BroadcastRunning)
	if err != nil {
		return 0, err
	}
	for _, b := range running {
		s.launch(b.ID)
	}
	return len(running), nil
}

// Shutdown stops every runner and waits for in-flight sends to settle.
func (s *BroadcastService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for _, r := range s.runners {
		r.stopped = true
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.log().Warn("broadcast runners did not stop in time")
	}
}

func (s *BroadcastService) transition(ctx context.Context, id string, to domain.BroadcastStatus, from ...domain.BroadcastStatus) (domain.Broadcast, error) {
	ok, err := s.Store.TransitionBroadcast(ctx, store.BroadcastStateUpdate{ID: id, From: from, Status: to, Now: s.now()})
	if err != nil {
		return domain.Broadcast{}, err
	}
	b, err := s.Store.GetBroadcast(ctx, id)
	if err != nil {
		return domain.Broadcast{}, err
	}
	if !ok {
		return b, domain.NewError(domain.CodeState, "broadcast %s is %s", id, b.Status)
	}
	s.log().Info("broadcast status", "broadcast_id", id, "status", to)
	return b, nil
}

// launch starts a runner unless one is already active. A runner that was
// stopped but has not exited yet is awaited first so two runners never
// send for the same broadcast.
func (s *BroadcastService) launch(id string) {
	s.mu.Lock()
	if s.runners == nil {
		s.runners = make(map[string]*runner)
	}
	prev := s.runners[id]
	if prev != nil && !prev.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	s.runners[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer s.forget(id, r)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		s.run(ctx, id)
	}()
}

func (s *BroadcastService) stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.runners[id]; r != nil {
		r.stopped = true
		r.cancel()
	}
}

func (s *BroadcastService) forget(id string, r *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runners[id] == r {
		delete(s.runners, id)
	}
}

func (s *BroadcastService) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[id]
	return ok
}

func (s *BroadcastService) run(ctx context.Context, id string) {
	log := s.log().With("broadcast_id", id)
	b, err := s.Store.GetBroadcast(ctx, id)
	if err != nil {
		log.Error("load broadcast", "err", err)
		return
	}
	if b.Status != domain.BroadcastRunning {
		return
	}
	page := s.PageSize
	if page <= 0 {
		page = 50
	}

	for ctx.Err() == nil {
		batch, err := s.Store.PendingRecipients(ctx, id, page)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("load recipients", "err", err)
			}
			return
		}
		if len(batch) == 0 {
			ok, err := s.Store.TransitionBroadcast(context.WithoutCancel(ctx), store.BroadcastStateUpdate{
				ID: id, From: []domain.BroadcastStatus{domain.BroadcastRunning}, Status: domain.BroadcastCompleted, Now: s.now(),
			})
			if err != nil {
				log.Error("complete broadcast", "err", err)
			} else if ok {
				log.Info("broadcast completed")
			}
			return
		}
		for _, rcpt := range batch {
			if !s.deliver(ctx, log, b, rcpt) {
				return
			}
		}
	}
}

// deliver sends to one recipient and records the outcome. It returns false
// when the runner should stop.
func (s *BroadcastService) deliver(ctx context.Context, log *slog.Logger, b domain.Broadcast, rcpt domain.BroadcastRecipient) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		acct, err := s.Selector.Pick(ctx, b.TenantID, b.AccountID)
		if err == nil {
			res, err := s.send(ctx, acct.ID, b, rcpt.Contact)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// withdrawn from the queue before transmission; the recipient
				// stays pending
				return false
			}
			u := store.RecipientUpdate{BroadcastID: b.ID, ContactID: rcpt.Contact.ID, AccountID: acct.ID, Now: s.now()}
			if err != nil {
				u.Status, u.LastError = domain.RecipientFailed, err.Error()
				log.Warn("broadcast send failed", "contact_id", rcpt.Contact.ID, "account_id", acct.ID, "err", err)
			} else {
				u.Status, u.ProviderMsgID = domain.RecipientSent, res.MessageID
			}
			observability.BroadcastRecipients.WithLabelValues(string(u.Status)).Inc()
			if err := s.Store.MarkRecipient(context.WithoutCancel(ctx), u); err != nil {
				log.Error("mark recipient", "contact_id", rcpt.Contact.ID, "err", err)
				return false
			}
			return ctx.Err() == nil
		}
		if !errors.Is(err, domain.ErrConnection) {
			log.Error("pick account", "err", err)
			return false
		}
		delay := s.RetryDelay
		if delay <= 0 {
			delay = 30 * time.Second
		}
		log.Warn("no connected account, waiting", "retry_in", delay)
		c := s.Clock
		if c == nil {
			c = clock.Real{}
		}
		select {
		case <-c.After(delay):
		case <-ctx.Done():
			return false
		}
	}
}

func (s *BroadcastService) send(ctx context.Context, accountID string, b domain.Broadcast, c domain.Contact) (transport.Result, error) {
	vars := make(map[string]string, len(c.Fields)+3)
	for k, v := range c.Fields {
		vars[k] = v
	}
	vars["name"] = c.Name
	vars["first_name"] = util.FirstName(c.Name)
	vars["phone"] = c.Phone
	body := util.RenderTemplate(b.Body, vars)

	if b.Kind == "" || b.Kind == domain.KindText {
		return s.Sender.SendText(ctx, accountID, c.Phone, body)
	}
	return s.Sender.SendMedia(ctx, accountID, c.Phone, domain.Media{Kind: b.Kind, URL: b.MediaURL, Caption: body})
}
