package cancelscope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirepeer/wirepeer/scoperegistry"
)

func TestSourceTriggerCancelsContextOnce(t *testing.T) {
	s := NewSource(context.Background())
	assert.False(t, s.Triggered())

	assert.True(t, s.Trigger())
	assert.True(t, s.Triggered())
	assert.ErrorIs(t, s.Context().Err(), context.Canceled)

	assert.False(t, s.Trigger(), "second Trigger must report it did nothing new")
}

func TestSourceDisposeTriggers(t *testing.T) {
	s := NewSource(context.Background())
	require.NoError(t, s.Dispose())
	assert.True(t, s.Triggered())
}

func TestMirrorTriggerCancelsContext(t *testing.T) {
	m := NewMirror(context.Background())
	select {
	case <-m.Context().Done():
		t.Fatal("mirror context cancelled before Trigger")
	default:
	}
	m.Trigger()
	assert.ErrorIs(t, m.Context().Err(), context.Canceled)
}

func TestRegisterWiresScopeRegistry(t *testing.T) {
	reg := scoperegistry.New()
	require.NoError(t, Register(reg, context.Background()))

	d, err := reg.Lookup(scoperegistry.TypeCancellation)
	require.NoError(t, err)

	localAny, err := d.CreateLocalFromParameter(nil)
	require.NoError(t, err)
	local := localAny.(*Source)
	assert.False(t, local.Triggered())

	remoteAny, err := d.CreateRemoteFromValue(nil)
	require.NoError(t, err)
	remote := remoteAny.(*Mirror)

	param, err := d.CreateParameterFromScope(remote)
	require.NoError(t, err)
	_, ok := param.(context.Context)
	assert.True(t, ok)

	assert.True(t, d.CreateLocalForOutboundParameterValue(context.Background()))
	assert.False(t, d.CreateLocalForOutboundParameterValue("not a context"))
}
