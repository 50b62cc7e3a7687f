// Package heartbeat implements the liveness subsystem of spec §4.10: a
// send timer that pings the peer after an idle period, and a peer timer
// that declares the connection dead if nothing — not even a ping's
// response — arrives before it fires.
//
// Grounded on the two-timer reset-on-activity idiom implicit in the
// teacher's RPC stats/telemetry timing calls, made explicit here as a
// send-timer/peer-timer pair; the ping itself is an ordinary outbound
// request awaited through reqtable.Table, exactly as Conn.Call awaits a
// response in the teacher.
package heartbeat

import (
	"context"
	"sync"
	"time"
)

// Pinger sends one ping and waits for its acknowledgement. Implemented
// by the owning processor, which routes it through a wire.Request and a
// reqtable.Pending the same way any other call works.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Heartbeat runs the two-timer liveness check for one processor.
type Heartbeat struct {
	sendInterval time.Duration
	peerTimeout  time.Duration
	pinger       Pinger
	onDead       func()

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	sendTick *time.Timer
	peerTick *time.Timer
}

// New returns a Heartbeat. sendInterval is how long the connection may
// sit idle before this side pings the peer; peerTimeout is how long
// this side waits for any sign of life (an activity notification, or a
// ping response) before declaring the peer dead.
func New(sendInterval, peerTimeout time.Duration, pinger Pinger, onDead func()) *Heartbeat {
	return &Heartbeat{
		sendInterval: sendInterval,
		peerTimeout:  peerTimeout,
		pinger:       pinger,
		onDead:       onDead,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the liveness loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	h.sendTick = time.NewTimer(h.sendInterval)
	h.peerTick = time.NewTimer(h.peerTimeout)
	h.mu.Unlock()

	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	for {
		h.mu.Lock()
		sendC := h.sendTick.C
		peerC := h.peerTick.C
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.stopCh:
			return
		case <-sendC:
			h.onSendTimeout(ctx)
		case <-peerC:
			h.onPeerTimeout()
			return
		}
	}
}

func (h *Heartbeat) onSendTimeout(ctx context.Context) {
	go func() {
		_ = h.pinger.Ping(ctx) // failure surfaces as a peer timeout, not here
	}()
	h.mu.Lock()
	if !h.stopped {
		h.sendTick.Reset(h.sendInterval)
	}
	h.mu.Unlock()
}

func (h *Heartbeat) onPeerTimeout() {
	h.mu.Lock()
	already := h.stopped
	h.stopped = true
	h.mu.Unlock()
	if !already && h.onDead != nil {
		h.onDead()
	}
}

// NotifyActivity resets the peer timer: any inbound message, not just a
// ping response, counts as proof of life (spec §4.10 "any received
// message resets the peer timer").
func (h *Heartbeat) NotifyActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.peerTick == nil {
		return
	}
	if !h.peerTick.Stop() {
		select {
		case <-h.peerTick.C:
		default:
		}
	}
	h.peerTick.Reset(h.peerTimeout)
}

// NotifyOutboundActivity resets the send timer: any outbound message
// already proves the connection doesn't need an idle ping.
func (h *Heartbeat) NotifyOutboundActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.sendTick == nil {
		return
	}
	if !h.sendTick.Stop() {
		select {
		case <-h.sendTick.C:
		default:
		}
	}
	h.sendTick.Reset(h.sendInterval)
}

// Stop ends the liveness loop without invoking onDead.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.sendTick != nil {
		h.sendTick.Stop()
	}
	if h.peerTick != nil {
		h.peerTick.Stop()
	}
	h.mu.Unlock()
	close(h.stopCh)
}
