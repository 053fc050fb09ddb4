package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"outreach/internal/abuse"
	"outreach/internal/clock"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/ratelimit"
	"outreach/internal/transport"
)

type outcome struct {
	Result transport.Result
	Err    error
}

// item is one queued send. It is resolved exactly once: sent, rejected or
// expired.
type item struct {
	id       string
	msg      transport.Outbound
	queuedAt time.Time
	deadline clock.Timer
	result   chan outcome
	once     sync.Once
}

func (it *item) resolve(o outcome) {
	it.once.Do(func() {
		if it.deadline != nil {
			it.deadline.Stop()
		}
		it.result <- o
	})
}

func (a *actor) enqueue(msg transport.Outbound) (*item, error) {
	switch a.status {
	case domain.StatusBanned:
		observability.QueueRejections.WithLabelValues("banned").Inc()
		return nil, domain.NewError(domain.CodeBan, "account %s is banned", a.id)
	case domain.StatusDisconnected:
		observability.QueueRejections.WithLabelValues("disconnected").Inc()
		return nil, domain.NewError(domain.CodeConnection, "account %s is not connected", a.id)
	}
	if len(a.queue) >= a.opts.MaxQueueSize {
		observability.QueueRejections.WithLabelValues("full").Inc()
		return nil, domain.NewError(domain.CodeQueueFull, "send queue for account %s is full (%d)", a.id, a.opts.MaxQueueSize)
	}

	it := &item{
		id:       ulid.Make().String(),
		msg:      msg,
		queuedAt: a.clk.Now(),
		result:   make(chan outcome, 1),
	}
	id := it.id
	it.deadline = a.clk.AfterFunc(a.opts.QueueTimeout, func() {
		a.post(func() { a.expire(id) })
	})
	a.queue = append(a.queue, it)
	a.publishDepth()
	a.kick()
	return it, nil
}

func (a *actor) expire(id string) {
	a.remove(id, "timeout", domain.NewError(domain.CodeTimeout, "send not dispatched within %s", a.opts.QueueTimeout))
}

// withdraw drops an item whose caller stopped waiting. It reports false when
// the item is no longer queued: the drainer has taken it, or it was already
// resolved, and its outcome is final.
func (a *actor) withdraw(id string, cause error) bool {
	return a.remove(id, "cancelled", cause)
}

func (a *actor) remove(id, reason string, err error) bool {
	for i, it := range a.queue {
		if it.id != id {
			continue
		}
		a.queue = append(a.queue[:i], a.queue[i+1:]...)
		a.publishDepth()
		observability.QueueRejections.WithLabelValues(reason).Inc()
		it.resolve(outcome{Err: err})
		return true
	}
	return false
}

func (a *actor) rejectAll(err error) {
	if len(a.queue) == 0 {
		return
	}
	a.log.Warn("rejecting queued sends", "count", len(a.queue), "err", err)
	for _, it := range a.queue {
		it.resolve(outcome{Err: err})
	}
	a.queue = nil
	a.publishDepth()
}

func (a *actor) publishDepth() {
	observability.QueueDepth.WithLabelValues(a.id).Set(float64(len(a.queue)))
}

// kick starts the drainer when there is work and nobody is draining.
func (a *actor) kick() {
	if a.draining || a.status != domain.StatusConnected || a.session == nil || len(a.queue) == 0 {
		return
	}
	a.draining = true
	go a.drain()
}

type headSnapshot struct {
	it       *item
	lastSend time.Time
	dailyCap int
}

// peek returns the head item or clears the draining flag when there is
// nothing to do.
func (a *actor) peek() (headSnapshot, bool) {
	if a.status != domain.StatusConnected || a.session == nil || len(a.queue) == 0 {
		a.draining = false
		return headSnapshot{}, false
	}
	daily := a.account.DailyCap
	if daily <= 0 {
		daily = a.opts.DailyCap
	}
	return headSnapshot{it: a.queue[0], lastSend: a.lastSend, dailyCap: daily}, true
}

// take removes it from the head if it is still there and the session is
// still usable.
func (a *actor) take(it *item, now time.Time) (transport.Session, bool) {
	if a.status != domain.StatusConnected || a.session == nil || len(a.queue) == 0 || a.queue[0] != it {
		return nil, false
	}
	a.queue = a.queue[1:]
	a.publishDepth()
	if it.deadline != nil {
		it.deadline.Stop()
	}
	a.lastSend = now
	return a.session, true
}

func (a *actor) rejectHead(it *item, err error) {
	if len(a.queue) > 0 && a.queue[0] == it {
		a.queue = a.queue[1:]
		a.publishDepth()
		it.resolve(outcome{Err: err})
	}
}

// drain sends queued items one at a time, honoring the daily cap, the
// rolling minute window and pacing. Waiting happens while the item is still
// queued so expiry and state changes can still reject it.
func (a *actor) drain() {
	ctx := a.reg.ctx
	lim := a.opts.Limiter

	for {
		var head headSnapshot
		var ok bool
		if a.call(ctx, func() { head, ok = a.peek() }) != nil || !ok {
			return
		}
		now := a.clk.Now()

		if head.dailyCap > 0 {
			n, err := lim.Count(ctx, ratelimit.DayKey(a.id), 24*time.Hour, now)
			if err != nil {
				a.log.Error("daily counter unavailable", "err", err)
			} else if n >= head.dailyCap {
				rerr := domain.NewError(domain.CodeRateLimited, "account %s reached its daily cap of %d", a.id, head.dailyCap)
				observability.QueueRejections.WithLabelValues("daily_cap").Inc()
				if a.call(ctx, func() { a.rejectHead(head.it, rerr) }) != nil {
					return
				}
				continue
			}
		}

		if wait := a.opts.Pacer.Delay(head.lastSend, now); wait > 0 {
			if !a.sleep(wait) {
				return
			}
			continue
		}

		wait, err := lim.Reserve(ctx, ratelimit.MinuteKey(a.id), a.opts.PerMinute, time.Minute, now)
		if err != nil {
			a.log.Error("minute window unavailable", "err", err)
			wait = time.Second
		}
		if wait > 0 {
			if !a.sleep(wait) {
				return
			}
			continue
		}

		var sess transport.Session
		var taken bool
		if a.call(ctx, func() { sess, taken = a.take(head.it, now) }) != nil {
			return
		}
		if !taken {
			continue
		}
		if head.dailyCap > 0 {
			if _, err := lim.Reserve(ctx, ratelimit.DayKey(a.id), head.dailyCap, 24*time.Hour, now); err != nil {
				a.log.Error("daily counter update failed", "err", err)
			}
		}

		res, serr := a.transmit(sess, head.it)
		o := outcome{Result: res, Err: serr}
		if !a.post(func() { a.onSent(head.it, o) }) {
			head.it.resolve(o)
			return
		}
	}
}

func (a *actor) sleep(d time.Duration) bool {
	select {
	case <-a.clk.After(d):
		return true
	case <-a.quit:
		return false
	}
}

func (a *actor) transmit(sess transport.Session, it *item) (transport.Result, error) {
	ctx, cancel := context.WithTimeout(a.reg.ctx, a.opts.SendTimeout)
	defer cancel()
	start := time.Now()
	res, err := sess.Send(ctx, it.msg)
	provider := string(a.account.Provider)
	observability.SendLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.Sends.WithLabelValues(provider, "error").Inc()
		return res, err
	}
	observability.Sends.WithLabelValues(provider, "ok").Inc()
	return res, nil
}

func (a *actor) onSent(it *item, o outcome) {
	if o.Err == nil {
		it.resolve(o)
		return
	}
	a.lastErr = o.Err.Error()
	if v := abuse.Classify(o.Err); v.Banned {
		it.resolve(outcome{Err: domain.NewError(domain.CodeBan, "account %s is banned", a.id).WithCause(o.Err)})
		if a.status != domain.StatusBanned {
			a.ban(v)
		}
		return
	}
	it.resolve(outcome{Err: classifySendError(o.Err)})
}

func classifySendError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.CodeTimeout, "send timed out").WithCause(err)
	}
	var c transport.Categorized
	if errors.As(err, &c) {
		switch c.Category() {
		case transport.CategoryInvalid:
			return domain.NewError(domain.CodeValidation, "message rejected").WithCause(err)
		case transport.CategoryAuth:
			return domain.NewError(domain.CodeAuth, "credentials rejected").WithCause(err)
		case transport.CategoryRateLimited:
			return domain.NewError(domain.CodeRateLimited, "provider rate limit").WithCause(err)
		}
	}
	return domain.NewError(domain.CodeConnection, "send failed").WithCause(err)
}
