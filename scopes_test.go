package wirepeer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirepeer/wirepeer/dispatch"
	"github.com/wirepeer/wirepeer/scope/cancelscope"
	"github.com/wirepeer/wirepeer/scope/streamscope"
	"github.com/wirepeer/wirepeer/scoperegistry"
	"github.com/wirepeer/wirepeer/transport/memorypipe"
	"github.com/wirepeer/wirepeer/wire"
)

func scopePair(t *testing.T, configureRegs func(master, consumer *scoperegistry.Registry)) (master, consumer *Processor, cleanup func()) {
	t.Helper()
	sa, sb := memorypipe.New(testFramer)
	masterRegs := scoperegistry.New()
	consumerRegs := scoperegistry.New()
	if configureRegs != nil {
		configureRegs(masterRegs, consumerRegs)
	}
	master = New(testOptions(), sa, nil, masterRegs)
	consumer = New(testOptions(), sb, nil, consumerRegs)
	require.NoError(t, master.Start(context.Background()))
	require.NoError(t, consumer.Start(context.Background()))
	return master, consumer, func() {
		_ = master.Close(CloseCodeNormal, "test done")
		_ = consumer.Close(CloseCodeNormal, "test done")
	}
}

func TestScopeRegistrationCreatesRemoteMirror(t *testing.T) {
	master, consumer, cleanup := scopePair(t, func(m, c *scoperegistry.Registry) {
		require.NoError(t, cancelscope.Register(m, context.Background()))
		require.NoError(t, cancelscope.Register(c, context.Background()))
	})
	defer cleanup()

	src := cancelscope.NewSource(context.Background())
	local, err := master.CreateScope("", scoperegistry.TypeCancellation, src, true, true, true, false, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(local.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerAcknowledgesScopeStored(t *testing.T) {
	master, consumer, cleanup := scopePair(t, func(m, c *scoperegistry.Registry) {
		require.NoError(t, cancelscope.Register(m, context.Background()))
		require.NoError(t, cancelscope.Register(c, context.Background()))
	})
	defer cleanup()

	src := cancelscope.NewSource(context.Background())
	local, err := master.CreateScope("", scoperegistry.TypeCancellation, src, true, true, true, false, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(local.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, src.Stored, 2*time.Second, 10*time.Millisecond,
		"master never observed the consumer's scope-stored acknowledgement")
}

func TestScopeDiscardCascadesToRemote(t *testing.T) {
	master, consumer, cleanup := scopePair(t, func(m, c *scoperegistry.Registry) {
		require.NoError(t, cancelscope.Register(m, context.Background()))
		require.NoError(t, cancelscope.Register(c, context.Background()))
	})
	defer cleanup()

	src := cancelscope.NewSource(context.Background())
	local, err := master.CreateScope("", scoperegistry.TypeCancellation, src, true, true, true, false, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(local.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	master.DiscardScope(local.ID, false, nil)

	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(local.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerScopePropagatesToMirror(t *testing.T) {
	master, consumer, cleanup := scopePair(t, func(m, c *scoperegistry.Registry) {
		require.NoError(t, cancelscope.Register(m, context.Background()))
		require.NoError(t, cancelscope.Register(c, context.Background()))
	})
	defer cleanup()

	src := cancelscope.NewSource(context.Background())
	local, err := master.CreateScope("", scoperegistry.TypeCancellation, src, true, true, true, false, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(local.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	remote, _ := consumer.GetRemoteScope(local.ID)
	mirror := remote.Value.(*cancelscope.Mirror)

	require.NoError(t, master.TriggerScope(local.ID))

	select {
	case <-mirror.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("mirror context was not cancelled by the trigger")
	}
	assert.True(t, src.Triggered())
}

func TestStreamChunkDeliveryReachesReader(t *testing.T) {
	master, consumer, cleanup := scopePair(t, func(m, c *scoperegistry.Registry) {
		require.NoError(t, streamscope.Register(m, m.SendStreamChunk))
		require.NoError(t, streamscope.Register(c, c.SendStreamChunk))
	})
	defer cleanup()

	const scopeID = int64(42)
	require.NoError(t, master.outgoing.Push(master.ctx, PriorityNormal, &wire.StreamStart{
		Hdr:     wire.Header{HLVersion: master.opts.RPCVersion},
		ScopeID: scopeID,
	}))

	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(scopeID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, master.outgoing.Push(master.ctx, PriorityNormal, &wire.StreamChunk{
		Hdr:     wire.Header{HLVersion: master.opts.RPCVersion},
		ScopeID: scopeID,
		Data:    []byte("hello"),
		IsLast:  true,
	}))

	remote, ok := consumer.GetRemoteScope(scopeID)
	require.True(t, ok)
	r := remote.Value.(*streamscope.Reader)

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	select {
	case data := <-done:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("stream chunk was not delivered to the reader")
	}
}

func TestSendStreamChunkGatesOnPreviousAck(t *testing.T) {
	master, consumer, cleanup := scopePair(t, func(m, c *scoperegistry.Registry) {
		require.NoError(t, streamscope.Register(m, m.SendStreamChunk))
		require.NoError(t, streamscope.Register(c, c.SendStreamChunk))
	})
	defer cleanup()

	const scopeID = int64(7)
	require.NoError(t, master.outgoing.Push(master.ctx, PriorityNormal, &wire.StreamStart{
		Hdr:     wire.Header{HLVersion: master.opts.RPCVersion},
		ScopeID: scopeID,
	}))

	require.Eventually(t, func() bool {
		_, ok := consumer.GetRemoteScope(scopeID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	firstSent := make(chan struct{})
	secondSent := make(chan struct{})
	go func() {
		require.NoError(t, master.SendStreamChunk(scopeID, []byte("one"), false))
		close(firstSent)
		require.NoError(t, master.SendStreamChunk(scopeID, []byte("two"), true))
		close(secondSent)
	}()

	select {
	case <-firstSent:
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk was never acknowledged")
	}

	remote, ok := consumer.GetRemoteScope(scopeID)
	require.True(t, ok)
	r := remote.Value.(*streamscope.Reader)

	select {
	case <-secondSent:
		t.Fatal("second chunk was sent before the reader consumed the first")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 3)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	select {
	case <-secondSent:
	case <-time.After(2 * time.Second):
		t.Fatal("second chunk was never sent after the first was consumed")
	}
}

// TestCancellationAsParameterPropagatesAndCleansUp exercises the
// scope-wrap-parameters step of the Call Dispatcher pipeline end to end:
// a context.Context argument is auto-wrapped as a cancellation scope on
// the way out, materialized back into a context.Context on the way in,
// and both sides' scope tables empty out once the call completes.
func TestCancellationAsParameterPropagatesAndCleansUp(t *testing.T) {
	sa, sb := memorypipe.New(testFramer)
	clientRegs := scoperegistry.New()
	serverRegs := scoperegistry.New()
	require.NoError(t, cancelscope.Register(clientRegs, context.Background()))
	require.NoError(t, cancelscope.Register(serverRegs, context.Background()))

	serverObservedDone := make(chan struct{})
	serverAPI := dispatch.New()
	require.NoError(t, serverAPI.Register(dispatch.APIDescriptor{
		Name: "scoped",
		Methods: map[string]dispatch.MethodDescriptor{
			"WaitForCancel": {
				Name:   "WaitForCancel",
				Params: []dispatch.ParamDescriptor{{Name: "token", HasScopeType: true, ScopeType: scoperegistry.TypeCancellation}},
				Handler: func(cc *dispatch.CallContext, params []any) (any, error) {
					token := params[0].(context.Context)
					<-token.Done()
					close(serverObservedDone)
					return nil, nil
				},
			},
		},
	}))

	client := New(testOptions(), sa, nil, clientRegs)
	server := New(testOptions(), sb, serverAPI, serverRegs)
	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()))
	defer func() {
		_ = client.Close(CloseCodeNormal, "test done")
		_ = server.Close(CloseCodeNormal, "test done")
	}()

	paramCtx, cancelParam := context.WithCancel(context.Background())
	callDone := make(chan error, 1)
	go func() {
		callDone <- client.CallVoid(context.Background(), "scoped", "WaitForCancel", paramCtx)
	}()

	time.Sleep(30 * time.Millisecond) // let the scope-wrapped call reach the server
	cancelParam()

	select {
	case <-serverObservedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed cancellation of the mirrored token")
	}

	require.NoError(t, <-callDone)

	require.Eventually(t, func() bool {
		return client.scopes.LocalLen() == 0 && server.scopes.RemoteLen() == 0
	}, 2*time.Second, 10*time.Millisecond, "scope tables did not empty out after the call completed")
}
