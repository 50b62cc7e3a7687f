package wirepeer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirepeer/wirepeer/eventbus"
	"github.com/wirepeer/wirepeer/scoperegistry"
	"github.com/wirepeer/wirepeer/transport/memorypipe"
)

func eventPair(t *testing.T) (raiser, listener *Processor, cleanup func()) {
	t.Helper()
	sa, sb := memorypipe.New(testFramer)
	raiser = New(testOptions(), sa, nil, scoperegistry.New())
	listener = New(testOptions(), sb, nil, scoperegistry.New())
	require.NoError(t, raiser.Start(context.Background()))
	require.NoError(t, listener.Start(context.Background()))
	return raiser, listener, func() {
		_ = raiser.Close(CloseCodeNormal, "test done")
		_ = listener.Close(CloseCodeNormal, "test done")
	}
}

func TestRaiseEventNoWaitDeliversToHandler(t *testing.T) {
	raiser, listener, cleanup := eventPair(t)
	defer cleanup()

	received := make(chan string, 1)
	require.NoError(t, listener.RegisterEvent("greet", func(ctx context.Context, args eventbus.RawArgs) (any, error) {
		var text string
		if err := args.Decode(&text); err != nil {
			return nil, err
		}
		received <- text
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := raiser.RaiseEvent(ctx, "greet", "hello", false)
	require.NoError(t, err)

	select {
	case text := <-received:
		assert.Equal(t, "hello", text)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRaiseEventWaitReturnsHandlerResult(t *testing.T) {
	raiser, listener, cleanup := eventPair(t)
	defer cleanup()

	require.NoError(t, listener.RegisterEvent("ask", func(ctx context.Context, args eventbus.RawArgs) (any, error) {
		var text string
		if err := args.Decode(&text); err != nil {
			return nil, err
		}
		return "echo:" + text, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := raiser.RaiseEvent(ctx, "ask", "hi", true)
	require.NoError(t, err)

	var got string
	raw, ok := result.([]byte)
	require.True(t, ok)
	require.NoError(t, raiser.serializer.Deserialize(raiser.policy, raw, &got))
	assert.Equal(t, "echo:hi", got)
}

func TestRaiseEventWaitNoHandlerReturnsError(t *testing.T) {
	raiser, _, cleanup := eventPair(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := raiser.RaiseEvent(ctx, "missing", nil, true)
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "EventNotHandled", remote.Type)
}

func TestRegisterEventDuplicateFails(t *testing.T) {
	_, listener, cleanup := eventPair(t)
	defer cleanup()

	h := func(ctx context.Context, args eventbus.RawArgs) (any, error) { return nil, nil }
	require.NoError(t, listener.RegisterEvent("dup", h))
	err := listener.RegisterEvent("dup", h)
	var dupErr *eventbus.ErrDuplicateHandler
	require.True(t, errors.As(err, &dupErr))
}

func TestUnregisterEventStopsDelivery(t *testing.T) {
	raiser, listener, cleanup := eventPair(t)
	defer cleanup()

	called := false
	require.NoError(t, listener.RegisterEvent("topic", func(ctx context.Context, args eventbus.RawArgs) (any, error) {
		called = true
		return nil, nil
	}))
	listener.UnregisterEvent("topic")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := raiser.RaiseEvent(ctx, "topic", nil, true)
	require.Error(t, err)
	assert.False(t, called)
}
