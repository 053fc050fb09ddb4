// Package connection owns every live messaging session. Each account is
// served by one actor goroutine; transport events, API commands, queue
// progress and timers all reach the account's state as messages to that
// actor, so state is never mutated concurrently.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/policy"
	"outreach/internal/ratelimit"
	"outreach/internal/transport"
	"outreach/internal/util"
)

// Store is the persistence the registry needs: account lookup and the
// durable session mirror.
type Store interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	GetSession(ctx context.Context, accountID string) (domain.PersistedSession, error)
	UpsertSessionStatus(ctx context.Context, accountID string, status domain.ConnStatus, phone string, at time.Time) error
	SaveCredentials(ctx context.Context, accountID string, creds []byte, at time.Time) error
	ClearCredentials(ctx context.Context, accountID string, at time.Time) error
	ListSessions(ctx context.Context) ([]domain.PersistedSession, error)
}

type Options struct {
	MaxQueueSize   int
	QueueTimeout   time.Duration
	PerMinute      int
	DailyCap       int // used when the account has none
	Pacer          policy.Pacer
	Backoff        policy.Backoff
	ReconnectDelay time.Duration
	PairingTTL     time.Duration
	DialTimeout    time.Duration
	SendTimeout    time.Duration
	ProbeTimeout   time.Duration
	StoreTimeout   time.Duration

	Clock   clock.Clock
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 100
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 5 * time.Minute
	}
	if o.PerMinute <= 0 {
		o.PerMinute = 10
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = 2 * time.Second
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 2 * time.Minute
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.PairingTTL <= 0 {
		o.PairingTTL = 2 * time.Minute
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.NewMemory()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Registry struct {
	store   Store
	dialers map[domain.ProviderKind]transport.Dialer
	opts    Options
	clk     clock.Clock
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

func NewRegistry(store Store, dialers map[domain.ProviderKind]transport.Dialer, opts Options) *Registry {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:   store,
		dialers: dialers,
		opts:    opts,
		clk:     opts.Clock,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		actors:  make(map[string]*actor),
	}
}

var errShutdown = domain.NewError(domain.CodeConnection, "registry is shut down")

// actorFor returns the single actor of an account, starting it on first use.
func (r *Registry) actorFor(ctx context.Context, accountID string) (*actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errShutdown
	}
	if a, ok := r.actors[accountID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// store round trips happen outside the lock; a racing caller may get
	// there first, so check again before inserting
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, ok := r.dialers[acct.Provider]; !ok {
		return nil, domain.NewError(domain.CodeValidation, "no transport for provider %q", acct.Provider)
	}

	initial := domain.StatusDisconnected
	if sess, err := r.store.GetSession(ctx, accountID); err == nil && sess.Status == domain.StatusBanned {
		initial = domain.StatusBanned
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errShutdown
	}
	if a, ok := r.actors[accountID]; ok {
		return a, nil
	}
	a := newActor(r, acct, initial)
	r.actors[accountID] = a
	r.wg.Add(1)
	go a.run()
	return a, nil
}

func (r *Registry) existing(accountID string) (*actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[accountID]
	return a, ok
}

func (r *Registry) all() []*actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connect starts a session for the account. Calling it while a session is
// already live or being established is a no-op.
func (r *Registry) Connect(ctx context.Context, accountID string) (StatusView, error) {
	a, err := r.actorFor(ctx, accountID)
	if err != nil {
		return StatusView{}, err
	}
	var view StatusView
	var cerr error
	if err := a.call(ctx, func() {
		cerr = a.connect()
		view = a.view()
	}); err != nil {
		return StatusView{}, err
	}
	return view, cerr
}

// Disconnect logs the session out and forgets its credentials. Queued sends
// are rejected.
func (r *Registry) Disconnect(ctx context.Context, accountID string) error {
	a, err := r.actorFor(ctx, accountID)
	if err != nil {
		return err
	}
	return a.call(ctx, func() { a.disconnect(true) })
}

// Close drops the live socket but keeps credentials so the account can be
// restored later.
func (r *Registry) Close(ctx context.Context, accountID string) error {
	a, ok := r.existing(accountID)
	if !ok {
		return nil
	}
	return a.call(ctx, func() { a.disconnect(false) })
}

// ResetSession clears credentials, rate counters and any ban, leaving the
// account disconnected.
func (r *Registry) ResetSession(ctx context.Context, accountID string) error {
	a, err := r.actorFor(ctx, accountID)
	if err != nil {
		return err
	}
	return a.call(ctx, func() { a.reset() })
}

// Remove force-disconnects the account and stops its actor.
func (r *Registry) Remove(ctx context.Context, accountID string) error {
	a, ok := r.existing(accountID)
	if !ok {
		return nil
	}
	if err := a.call(ctx, func() { a.disconnect(true) }); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.actors, accountID)
	r.mu.Unlock()
	a.stop()
	return nil
}

func (r *Registry) Status(ctx context.Context, accountID string) (StatusView, error) {
	a, err := r.actorFor(ctx, accountID)
	if err != nil {
		return StatusView{}, err
	}
	var view StatusView
	if err := a.call(ctx, func() { view = a.view() }); err != nil {
		return StatusView{}, err
	}
	return view, nil
}

// CurrentStatus reads the last published status without touching the actor.
// Accounts with no actor are reported disconnected.
func (r *Registry) CurrentStatus(accountID string) domain.ConnStatus {
	a, ok := r.existing(accountID)
	if !ok {
		return domain.StatusDisconnected
	}
	return a.published()
}

// Snapshot lists the status of every account that has an actor.
func (r *Registry) Snapshot(ctx context.Context) []StatusView {
	var out []StatusView
	for _, a := range r.all() {
		var view StatusView
		if err := a.call(ctx, func() { view = a.view() }); err == nil {
			out = append(out, view)
		}
	}
	return out
}

func (r *Registry) SendText(ctx context.Context, accountID, to, text string) (transport.Result, error) {
	to = util.NormalizePhone(to)
	if to == "" {
		return transport.Result{}, domain.NewError(domain.CodeValidation, "recipient is required")
	}
	if strings.TrimSpace(text) == "" {
		return transport.Result{}, domain.NewError(domain.CodeValidation, "text is required")
	}
	return r.send(ctx, accountID, transport.Outbound{To: to, Text: text})
}

func (r *Registry) SendMedia(ctx context.Context, accountID, to string, media domain.Media) (transport.Result, error) {
	to = util.NormalizePhone(to)
	if to == "" {
		return transport.Result{}, domain.NewError(domain.CodeValidation, "recipient is required")
	}
	if err := media.Validate(); err != nil {
		return transport.Result{}, err
	}
	return r.send(ctx, accountID, transport.Outbound{To: to, Media: &media})
}

func (r *Registry) send(ctx context.Context, accountID string, msg transport.Outbound) (transport.Result, error) {
	a, err := r.actorFor(ctx, accountID)
	if err != nil {
		return transport.Result{}, err
	}
	var it *item
	var eerr error
	if err := a.call(ctx, func() { it, eerr = a.enqueue(msg) }); err != nil {
		return transport.Result{}, err
	}
	if eerr != nil {
		return transport.Result{}, eerr
	}
	select {
	case out := <-it.result:
		return out.Result, out.Err
	case <-ctx.Done():
		id := it.id
		var withdrawn bool
		if err := a.call(r.ctx, func() { withdrawn = a.withdraw(id, ctx.Err()) }); err != nil || withdrawn {
			return transport.Result{}, ctx.Err()
		}
		// too late to withdraw: the message is going out, report what happened
		select {
		case out := <-it.result:
			return out.Result, out.Err
		case <-a.quit:
			return transport.Result{}, errShutdown
		}
	}
}

// Restore reconnects every account that still holds credentials and is not
// banned. It runs once at start-up.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	n := 0
	for _, s := range sessions {
		if len(s.Credentials) == 0 || s.Status == domain.StatusBanned {
			continue
		}
		if _, err := r.Connect(ctx, s.AccountID); err != nil {
			r.log.Warn("restore failed", "account_id", s.AccountID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

// Shutdown soft-closes every account and stops all actors.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, a := range r.all() {
		if err := a.call(ctx, func() { a.disconnect(false) }); err != nil {
			r.log.Warn("close on shutdown failed", "account_id", a.id, "err", err)
		}
	}
	r.mu.Lock()
	r.closed = true
	actors := r.actors
	r.actors = make(map[string]*actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	r.cancel()

	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("registry shutdown timed out")
	}
}

func (r *Registry) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, r.opts.StoreTimeout)
}
