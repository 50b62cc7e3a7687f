package reqtable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndComplete(t *testing.T) {
	tbl := New(0)
	p, err := tbl.Register(1)
	require.NoError(t, err)

	go tbl.Complete(1, Result{Value: "ok"})

	r, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Value)
	assert.Equal(t, 0, tbl.Len())
}

func TestRegisterDuplicateIDFails(t *testing.T) {
	tbl := New(0)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	_, err = tbl.Register(1)
	var dup *ErrDuplicateID
	require.ErrorAs(t, err, &dup)
}

func TestCapacityEnforced(t *testing.T) {
	tbl := New(1)
	_, err := tbl.Register(1)
	require.NoError(t, err)
	_, err = tbl.Register(2)
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestCompleteIsIdempotentAndIgnoresUnknownID(t *testing.T) {
	tbl := New(0)
	tbl.Complete(42, Result{Value: "ignored"}) // no-op, nothing registered

	p, err := tbl.Register(1)
	require.NoError(t, err)
	tbl.Complete(1, Result{Value: "first"})
	tbl.Complete(1, Result{Value: "second"}) // already removed, no-op

	r, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", r.Value)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	tbl := New(0)
	p, err := tbl.Register(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseAllCompletesEveryPendingRequest(t *testing.T) {
	tbl := New(0)
	p1, err := tbl.Register(1)
	require.NoError(t, err)
	p2, err := tbl.Register(2)
	require.NoError(t, err)

	sessionClosed := errors.New("session closed")
	tbl.CloseAll(sessionClosed)

	r1, err := p1.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, r1.Err, sessionClosed)

	r2, err := p2.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, r2.Err, sessionClosed)

	assert.Equal(t, 0, tbl.Len())
}

func TestRemoveWithoutCompletingDoesNotUnblockWaiter(t *testing.T) {
	tbl := New(0)
	p, err := tbl.Register(1)
	require.NoError(t, err)
	tbl.Remove(1)
	assert.Equal(t, 0, tbl.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
