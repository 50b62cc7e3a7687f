package wirepeer

import "time"

// runMetrics periodically samples queue depth and in-flight counts into
// this Processor's Registry. Polling rather than updating on every
// push/pop keeps the hot path free of a metrics call per message, at
// the cost of up to one tick of staleness.
func (p *Processor) runMetrics() {
	defer p.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			p.metrics.QueueDepth.WithLabelValues("incoming").Set(float64(p.incoming.Len()))
			p.metrics.QueueDepth.WithLabelValues("outgoing").Set(float64(p.outgoing.Len()))
			p.metrics.QueueDepth.WithLabelValues("calls").Set(float64(p.calls.Len()))
			p.metrics.InFlightRequests.Set(float64(p.requests.Len()))
			p.metrics.InFlightScopes.WithLabelValues("local").Set(float64(p.scopes.LocalLen()))
			p.metrics.InFlightScopes.WithLabelValues("remote").Set(float64(p.scopes.RemoteLen()))
		}
	}
}
