package scope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type disposable struct{ disposed bool }

func (d *disposable) Dispose() error {
	d.disposed = true
	return nil
}

func TestCreateLocalByIDOnly(t *testing.T) {
	tbl := NewTables()
	s, err := tbl.CreateLocal("", 2, &disposable{}, false, false, false, false, true)
	require.NoError(t, err)
	got, ok := tbl.GetLocal(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestCreateLocalKeyCollisionWithoutReplaceFails(t *testing.T) {
	tbl := NewTables()
	_, err := tbl.CreateLocal("session-a", 2, &disposable{}, false, false, false, false, true)
	require.NoError(t, err)
	_, err = tbl.CreateLocal("session-a", 2, &disposable{}, false, false, false, false, true)
	var collision *ErrKeyInUse
	require.ErrorAs(t, err, &collision)
}

func TestCreateLocalKeyCollisionWithReplaceEvictsOld(t *testing.T) {
	tbl := NewTables()
	oldVal := &disposable{}
	old, err := tbl.CreateLocal("session-a", 2, oldVal, true, false, false, false, true)
	require.NoError(t, err)

	newVal := &disposable{}
	fresh, err := tbl.CreateLocal("session-a", 2, newVal, true, false, false, true, true)
	require.NoError(t, err)

	assert.True(t, old.IsDiscarded())
	assert.True(t, oldVal.disposed)
	assert.False(t, newVal.disposed)

	got, ok := tbl.GetLocalByKey("session-a")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestDiscardLocalRunsDisposePolicy(t *testing.T) {
	tbl := NewTables()
	val := &disposable{}
	s, err := tbl.CreateLocal("", 2, val, true, false, true, false, true)
	require.NoError(t, err)

	discarded, inform, found := tbl.DiscardLocal(s.ID, false, nil)
	require.True(t, found)
	assert.True(t, inform)
	assert.Same(t, s, discarded)
	assert.True(t, val.disposed)

	_, ok := tbl.GetLocal(s.ID)
	assert.False(t, ok)
}

func TestDiscardLocalRespectsDisposeValueOnError(t *testing.T) {
	tbl := NewTables()
	val := &disposable{}
	s, err := tbl.CreateLocal("", 2, val, false, true, false, false, true)
	require.NoError(t, err)

	tbl.DiscardLocal(s.ID, false, nil)
	assert.False(t, val.disposed, "dispose_value_on_error should not fire without an error cause")

	s2, err := tbl.CreateLocal("", 2, &disposable{}, false, true, false, false, true)
	require.NoError(t, err)
	cause := errors.New("boom")
	_, _, found := tbl.DiscardLocal(s2.ID, true, cause)
	require.True(t, found)
	isErr, err := s2.LastError()
	assert.True(t, isErr)
	assert.ErrorIs(t, err, cause)
}

func TestDiscardLocalIsIdempotent(t *testing.T) {
	tbl := NewTables()
	s, err := tbl.CreateLocal("", 2, &disposable{}, false, false, true, false, true)
	require.NoError(t, err)

	_, inform1, found1 := tbl.DiscardLocal(s.ID, false, nil)
	_, inform2, found2 := tbl.DiscardLocal(s.ID, false, nil)
	assert.True(t, found1)
	assert.True(t, inform1)
	assert.False(t, found2)
	assert.False(t, inform2)
}

func TestRemoteCreateAndDiscard(t *testing.T) {
	tbl := NewTables()
	val := &disposable{}
	s := tbl.CreateRemote(7, "peer-key", 2, val, true, false, true)

	got, ok := tbl.GetRemote(7)
	require.True(t, ok)
	assert.Same(t, s, got)
	got, ok = tbl.GetRemoteByKey("peer-key")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, inform, found := tbl.DiscardRemote(7, false, nil)
	assert.True(t, found)
	assert.True(t, inform)
	assert.True(t, val.disposed)

	_, ok = tbl.GetRemoteByKey("peer-key")
	assert.False(t, ok)
}

func TestCloseAllDisposesEverything(t *testing.T) {
	tbl := NewTables()
	l1 := &disposable{}
	l2 := &disposable{}
	r1 := &disposable{}
	_, err := tbl.CreateLocal("", 2, l1, true, false, false, false, true)
	require.NoError(t, err)
	_, err = tbl.CreateLocal("k", 2, l2, true, false, false, false, true)
	require.NoError(t, err)
	tbl.CreateRemote(1, "rk", 2, r1, true, false, false)

	tbl.CloseAll()

	assert.True(t, l1.disposed)
	assert.True(t, l2.disposed)
	assert.True(t, r1.disposed)
	assert.Equal(t, 0, tbl.LocalLen())
	assert.Equal(t, 0, tbl.RemoteLen())
}

func TestNextScopeIDMonotonic(t *testing.T) {
	tbl := NewTables()
	a := tbl.NextScopeID()
	b := tbl.NextScopeID()
	assert.Less(t, a, b)
}
