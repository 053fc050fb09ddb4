package connection

import (
	"context"

	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/transport"
)

// SweepReport counts what one health pass did.
type SweepReport struct {
	Checked        int
	Probed         int
	ProbeFailures  int
	PairingExpired int
	Flushed        int
}

type probeTarget struct {
	a    *actor
	sess transport.Session
	gen  int
}

// Sweep runs one health pass over every account: expired pairing artifacts
// are redialed, connected sessions are probed and dead queues are flushed.
func (r *Registry) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	var probes []probeTarget
	now := r.clk.Now()

	for _, a := range r.all() {
		var target *probeTarget
		err := a.call(ctx, func() {
			rep.Checked++
			switch {
			case a.status.Pairing() && now.Sub(a.artifactAt) > r.opts.PairingTTL:
				rep.PairingExpired++
				observability.HealthActions.WithLabelValues("pairing_expired").Inc()
				a.log.Info("pairing artifact expired, redialing", "age", now.Sub(a.artifactAt))
				a.dropSession(false)
				a.transition(domain.StatusConnecting, "pairing artifact expired")
				a.dial()
			case a.status == domain.StatusConnected && a.session != nil:
				target = &probeTarget{a: a, sess: a.session, gen: a.gen}
			case (a.status == domain.StatusDisconnected || a.status == domain.StatusBanned) && len(a.queue) > 0:
				rep.Flushed += len(a.queue)
				observability.HealthActions.WithLabelValues("flush").Inc()
				code := domain.CodeConnection
				if a.status == domain.StatusBanned {
					code = domain.CodeBan
				}
				a.rejectAll(domain.NewError(code, "account %s is %s", a.id, a.status))
			}
		})
		if err != nil {
			continue
		}
		if target != nil {
			probes = append(probes, *target)
		}
	}

	for _, p := range probes {
		rep.Probed++
		pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		err := p.sess.Probe(pctx)
		cancel()
		if err == nil {
			continue
		}
		rep.ProbeFailures++
		observability.HealthActions.WithLabelValues("probe_failed").Inc()
		a, gen := p.a, p.gen
		a.post(func() { a.onProbeFailed(gen, err) })
	}
	return rep
}

// onProbeFailed marks a dead session disconnected and redials after the
// reconnect delay.
func (a *actor) onProbeFailed(gen int, err error) {
	if gen != a.gen || a.status != domain.StatusConnected {
		return
	}
	a.log.Warn("liveness probe failed", "err", err)
	a.lastErr = err.Error()
	a.gen++
	a.dropSession(false)
	a.retryAfter(a.opts.ReconnectDelay, func() bool { return a.status == domain.StatusDisconnected })
	a.transition(domain.StatusDisconnected, "liveness probe failed")
}
