package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"outreach/internal/abuse"
	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/ratelimit"
	"outreach/internal/transport"
)

// StatusView is the externally visible state of one account.
type StatusView struct {
	AccountID   string            `json:"accountId"`
	Status      domain.ConnStatus `json:"status"`
	QRCode      string            `json:"qrCode,omitempty"`
	PairingCode string            `json:"pairingCode,omitempty"`
	// ArtifactExpired is set when the pairing artifact outlived its TTL and
	// is about to be regenerated.
	ArtifactExpired bool      `json:"artifactExpired,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	QueueLength     int       `json:"queueLength"`
	LastError       string    `json:"lastError,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// edges lists the legal transitions. Entering banned is always legal and
// leaving it is reserved to reset.
var edges = map[domain.ConnStatus][]domain.ConnStatus{
	domain.StatusDisconnected: {domain.StatusConnecting},
	domain.StatusConnecting:   {domain.StatusQRReady, domain.StatusPairingReady, domain.StatusConnected, domain.StatusDisconnected, domain.StatusConnecting},
	domain.StatusQRReady:      {domain.StatusConnected, domain.StatusDisconnected, domain.StatusConnecting, domain.StatusQRReady, domain.StatusPairingReady},
	domain.StatusPairingReady: {domain.StatusConnected, domain.StatusDisconnected, domain.StatusConnecting, domain.StatusQRReady, domain.StatusPairingReady},
	domain.StatusConnected:    {domain.StatusDisconnected, domain.StatusConnecting},
	domain.StatusBanned:       {},
}

func allowed(from, to domain.ConnStatus) bool {
	if to == domain.StatusBanned {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

type actor struct {
	id   string
	reg  *Registry
	clk  clock.Clock
	log  *slog.Logger
	opts *Options

	inbox chan func()
	quit  chan struct{}
	pub   atomic.Value // domain.ConnStatus

	// owned by the actor goroutine
	account    domain.Account
	status     domain.ConnStatus
	updatedAt  time.Time
	artifact   string
	artifactAt time.Time
	phone      string
	lastErr    string
	session    transport.Session
	gen        int
	attempt    int
	retry      clock.Timer
	queue      []*item
	draining   bool
	lastSend   time.Time
}

func newActor(r *Registry, acct domain.Account, initial domain.ConnStatus) *actor {
	a := &actor{
		id:        acct.ID,
		reg:       r,
		clk:       r.clk,
		log:       r.log.With("account_id", acct.ID),
		opts:      &r.opts,
		inbox:     make(chan func(), 64),
		quit:      make(chan struct{}),
		account:   acct,
		status:    initial,
		updatedAt: r.clk.Now(),
	}
	a.pub.Store(initial)
	return a
}

func (a *actor) run() {
	defer a.reg.wg.Done()
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

func (a *actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

// post hands fn to the actor. It reports false once the actor has stopped.
func (a *actor) post(fn func()) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.quit:
		return false
	}
}

// call runs fn on the actor and waits for it. Never call from the actor.
func (a *actor) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ok := a.post(func() {
		defer close(done)
		fn()
	})
	if !ok {
		return errShutdown
	}
	select {
	case <-done:
		return nil
	case <-a.quit:
		return errShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) published() domain.ConnStatus {
	return a.pub.Load().(domain.ConnStatus)
}

func (a *actor) view() StatusView {
	v := StatusView{
		AccountID:   a.id,
		Status:      a.status,
		Phone:       a.phone,
		QueueLength: len(a.queue),
		LastError:   a.lastErr,
		UpdatedAt:   a.updatedAt,
	}
	switch a.status {
	case domain.StatusQRReady:
		v.QRCode = a.artifact
	case domain.StatusPairingReady:
		v.PairingCode = a.artifact
	}
	if a.status.Pairing() {
		v.ArtifactExpired = a.clk.Now().Sub(a.artifactAt) > a.opts.PairingTTL
	}
	return v
}

// transition moves the state machine along a legal edge and mirrors the
// result to the store. Entering banned or disconnected rejects the queue.
func (a *actor) transition(to domain.ConnStatus, reason string) bool {
	from := a.status
	if from == to && !to.Pairing() && to != domain.StatusConnecting {
		return true
	}
	if !allowed(from, to) {
		a.log.Warn("illegal state transition refused", "from", from, "to", to, "reason", reason)
		return false
	}
	a.setStatus(to, reason)
	return true
}

func (a *actor) setStatus(to domain.ConnStatus, reason string) {
	from := a.status
	a.status = to
	a.updatedAt = a.clk.Now()
	a.pub.Store(to)
	if !to.Pairing() {
		a.artifact = ""
	}
	observability.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	a.log.Info("connection state changed", "from", from, "to", to, "reason", reason)

	ctx, cancel := a.reg.storeCtx()
	if err := a.reg.store.UpsertSessionStatus(ctx, a.id, to, a.phone, a.updatedAt); err != nil {
		a.log.Error("persist session status failed", "status", to, "err", err)
	}
	cancel()

	switch to {
	case domain.StatusBanned:
		a.rejectAll(domain.NewError(domain.CodeBan, "account %s is banned", a.id))
	case domain.StatusDisconnected:
		a.rejectAll(domain.NewError(domain.CodeConnection, "account %s is disconnected", a.id))
	case domain.StatusConnected:
		a.kick()
	}
}

func (a *actor) connect() error {
	switch a.status {
	case domain.StatusBanned:
		return domain.NewError(domain.CodeBan, "account %s is banned; reset the session first", a.id)
	case domain.StatusDisconnected:
	default:
		return nil
	}
	a.attempt = 0
	a.lastErr = ""
	a.transition(domain.StatusConnecting, "connect requested")
	a.dial()
	return nil
}

// dial opens a new session off the actor. Results and events carry the
// generation they belong to; anything from an older generation is dropped.
func (a *actor) dial() {
	a.gen++
	gen := a.gen
	acct := a.account
	dialer := a.reg.dialers[acct.Provider]
	sink := func(ev transport.Event) {
		a.post(func() { a.onEvent(gen, ev) })
	}

	go func() {
		ctx, cancel := context.WithTimeout(a.reg.ctx, a.opts.DialTimeout)
		defer cancel()

		var creds []byte
		if sess, err := a.reg.store.GetSession(ctx, acct.ID); err == nil {
			creds = sess.Credentials
		} else if !errors.Is(err, domain.ErrNotFound) {
			a.post(func() { a.onDialed(gen, nil, err) })
			return
		}
		s, err := dialer.Dial(ctx, acct, creds, sink)
		if !a.post(func() { a.onDialed(gen, s, err) }) && s != nil {
			_ = s.Close()
		}
	}()
}

func (a *actor) onDialed(gen int, s transport.Session, err error) {
	if gen != a.gen {
		if s != nil {
			_ = s.Close()
		}
		return
	}
	if err != nil {
		a.failure(err)
		return
	}
	a.session = s
	a.kick()
}

func (a *actor) onEvent(gen int, ev transport.Event) {
	if gen != a.gen {
		return
	}
	switch ev.Kind {
	case transport.EventQR:
		if a.transition(domain.StatusQRReady, "qr issued") {
			a.artifact, a.artifactAt = ev.Code, a.clk.Now()
		}
	case transport.EventPairingCode:
		if a.transition(domain.StatusPairingReady, "pairing code issued") {
			a.artifact, a.artifactAt = ev.Code, a.clk.Now()
		}
	case transport.EventConnected:
		if ev.Phone != "" {
			a.phone = ev.Phone
		}
		a.attempt = 0
		a.lastErr = ""
		a.transition(domain.StatusConnected, "session open")
	case transport.EventCredentials:
		ctx, cancel := a.reg.storeCtx()
		if err := a.reg.store.SaveCredentials(ctx, a.id, ev.Credentials, a.clk.Now()); err != nil {
			a.log.Error("persist credentials failed", "err", err)
		}
		cancel()
	case transport.EventClosed:
		a.dropSession(false)
		switch {
		case ev.LoggedOut:
			a.authFailed(errors.New("session logged out remotely"))
		case ev.Err != nil:
			a.failure(ev.Err)
		default:
			a.failure(errors.New("session closed"))
		}
	}
}

// failure routes a dial or session error to ban, auth or reconnect handling.
func (a *actor) failure(err error) {
	a.lastErr = err.Error()
	if v := abuse.Classify(err); v.Banned {
		a.ban(v)
		return
	}
	var c transport.Categorized
	if errors.As(err, &c) && c.Category() == transport.CategoryAuth {
		a.authFailed(err)
		return
	}
	a.scheduleReconnect(err)
}

func (a *actor) scheduleReconnect(cause error) {
	a.attempt++
	if a.opts.Backoff.Exhausted(a.attempt) {
		a.log.Warn("reconnect attempts exhausted", "attempts", a.attempt-1, "err", cause)
		a.gen++
		a.transition(domain.StatusDisconnected, "reconnect attempts exhausted")
		return
	}
	delay := a.opts.Backoff.Delay(a.attempt)
	a.log.Info("reconnect scheduled", "attempt", a.attempt, "delay", delay, "err", cause)
	a.retryAfter(delay, func() bool { return a.status == domain.StatusConnecting })
	a.transition(domain.StatusConnecting, "reconnecting")
}

// retryAfter redials after delay if cond still holds and nothing else has
// happened to the session in the meantime.
func (a *actor) retryAfter(delay time.Duration, cond func() bool) {
	a.stopRetry()
	gen := a.gen
	a.retry = a.clk.AfterFunc(delay, func() {
		a.post(func() {
			if a.gen != gen || !cond() {
				return
			}
			if a.status == domain.StatusDisconnected {
				a.transition(domain.StatusConnecting, "reconnecting")
			}
			a.dial()
		})
	})
}

func (a *actor) stopRetry() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
}

func (a *actor) authFailed(err error) {
	a.log.Warn("credentials rejected, purging", "err", err)
	a.lastErr = err.Error()
	a.gen++
	a.stopRetry()
	a.dropSession(false)
	a.purgeCredentials()
	if a.status != domain.StatusBanned {
		a.transition(domain.StatusDisconnected, "auth failure")
	}
}

func (a *actor) ban(v abuse.Verdict) {
	a.log.Error("account banned", "reason", v.Reason, "source", v.Source)
	observability.Bans.WithLabelValues(string(v.Source)).Inc()
	a.lastErr = v.Reason
	a.gen++
	a.stopRetry()
	a.dropSession(false)
	a.transition(domain.StatusBanned, v.Reason)
	a.purgeCredentials()
	a.resetLimits()
}

// disconnect ends the session. A hard disconnect logs out and forgets the
// credentials; a soft one keeps them for restore.
func (a *actor) disconnect(hard bool) {
	a.gen++
	a.stopRetry()
	a.dropSession(hard)
	if hard {
		a.purgeCredentials()
	}
	if a.status == domain.StatusBanned {
		return
	}
	reason := "closed"
	if hard {
		reason = "disconnect requested"
	}
	a.transition(domain.StatusDisconnected, reason)
}

func (a *actor) reset() {
	a.gen++
	a.stopRetry()
	a.dropSession(false)
	a.purgeCredentials()
	a.resetLimits()
	a.attempt = 0
	a.lastErr = ""
	a.phone = ""
	if a.status == domain.StatusDisconnected {
		a.rejectAll(domain.NewError(domain.CodeConnection, "account %s was reset", a.id))
		return
	}
	a.setStatus(domain.StatusDisconnected, "session reset")
}

func (a *actor) dropSession(logout bool) {
	if a.session == nil {
		return
	}
	s := a.session
	a.session = nil
	if logout {
		ctx, cancel := context.WithTimeout(a.reg.ctx, a.opts.SendTimeout)
		if err := s.Logout(ctx); err != nil {
			a.log.Warn("logout failed", "err", err)
		}
		cancel()
	}
	if err := s.Close(); err != nil {
		a.log.Debug("session close", "err", err)
	}
}

func (a *actor) purgeCredentials() {
	ctx, cancel := a.reg.storeCtx()
	defer cancel()
	if err := a.reg.store.ClearCredentials(ctx, a.id, a.clk.Now()); err != nil {
		a.log.Error("purge credentials failed", "err", err)
	}
}

func (a *actor) resetLimits() {
	ctx, cancel := a.reg.storeCtx()
	defer cancel()
	for _, key := range []string{ratelimit.MinuteKey(a.id), ratelimit.DayKey(a.id)} {
		if err := a.opts.Limiter.Reset(ctx, key); err != nil {
			a.log.Warn("rate counter reset failed", "key", key, "err", err)
		}
	}
}
