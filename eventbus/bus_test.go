package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirepeer/wirepeer/reqtable"
	"github.com/wirepeer/wirepeer/wire"
)

type payload struct{ Text string }

func TestOnDuplicateNameFails(t *testing.T) {
	b := New()
	require.NoError(t, b.On("greet", func(ctx context.Context, args RawArgs) (any, error) { return nil, nil }))
	err := b.On("greet", func(ctx context.Context, args RawArgs) (any, error) { return nil, nil })
	var dup *ErrDuplicateHandler
	require.ErrorAs(t, err, &dup)
}

func TestDispatchUnknownNameIsNotHandled(t *testing.T) {
	b := New()
	_, handled, err := b.Dispatch(context.Background(), "missing", RawArgs{})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDispatchDecodesLazily(t *testing.T) {
	b := New()
	var seen payload
	require.NoError(t, b.On("greet", func(ctx context.Context, args RawArgs) (any, error) {
		if err := args.Decode(&seen); err != nil {
			return nil, err
		}
		return "ack", nil
	}))

	policy := wire.NewAllowList()
	ser := wire.JSONSerializer()
	encoded, err := ser.Serialize(policy, payload{Text: "hi"})
	require.NoError(t, err)

	result, handled, err := b.Dispatch(context.Background(), "greet", RawArgs{Serializer: ser, Policy: policy, Data: encoded})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "ack", result)
	assert.Equal(t, "hi", seen.Text)
}

func TestOffRemovesHandler(t *testing.T) {
	b := New()
	require.NoError(t, b.On("greet", func(ctx context.Context, args RawArgs) (any, error) { return nil, nil }))
	b.Off("greet")
	_, handled, _ := b.Dispatch(context.Background(), "greet", RawArgs{})
	assert.False(t, handled)
}

func TestRaiseWaitCorrelatesToCompletion(t *testing.T) {
	tbl := reqtable.New(0)
	result, err := RaiseWait(context.Background(), tbl, 1, func() error {
		// Simulates the peer's ack arriving asynchronously, once the
		// event is sent and id 1 is registered.
		go tbl.Complete(1, reqtable.Result{Value: "done"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Value)
}

func TestRaiseWaitSendFailureUnregisters(t *testing.T) {
	tbl := reqtable.New(0)
	boom := errors.New("send failed")
	_, err := RaiseWait(context.Background(), tbl, 1, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tbl.Len())
}
