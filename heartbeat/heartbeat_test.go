package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingPinger struct{ calls int32 }

func (p *countingPinger) Ping(ctx context.Context) error {
	atomic.AddInt32(&p.calls, 1)
	return nil
}

func TestSendTimeoutPingsAndResets(t *testing.T) {
	pinger := &countingPinger{}
	hb := New(15*time.Millisecond, time.Hour, pinger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.Start(ctx)
	defer hb.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&pinger.calls), int32(2))
}

func TestPeerTimeoutInvokesOnDead(t *testing.T) {
	dead := make(chan struct{})
	hb := New(time.Hour, 20*time.Millisecond, &countingPinger{}, func() { close(dead) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.Start(ctx)
	defer hb.Stop()

	select {
	case <-dead:
	case <-time.After(time.Second):
		t.Fatal("onDead never fired")
	}
}

func TestNotifyActivityPostponesPeerTimeout(t *testing.T) {
	dead := make(chan struct{})
	hb := New(time.Hour, 40*time.Millisecond, &countingPinger{}, func() { close(dead) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.Start(ctx)
	defer hb.Stop()

	// Keep resetting the peer timer faster than it can fire.
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		hb.NotifyActivity()
	}

	select {
	case <-dead:
		t.Fatal("onDead fired despite activity notifications")
	default:
	}
}

func TestStopEndsLoopWithoutOnDead(t *testing.T) {
	called := false
	hb := New(5*time.Millisecond, 10*time.Millisecond, &countingPinger{}, func() { called = true })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.Start(ctx)
	hb.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, called)
}
