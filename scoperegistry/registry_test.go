package scoperegistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ triggered bool }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	err := r.Register(TypeDescriptor{
		TypeID: TypeCancellation,
		CreateLocalFromParameter: func(param any) (any, error) {
			return &fakeToken{}, nil
		},
	})
	require.NoError(t, err)

	d, err := r.Lookup(TypeCancellation)
	require.NoError(t, err)
	v, err := d.CreateLocalFromParameter(nil)
	require.NoError(t, err)
	assert.IsType(t, &fakeToken{}, v)
}

func TestRegisterCollisionRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(TypeDescriptor{TypeID: TypeCancellation}))
	err := r.Register(TypeDescriptor{TypeID: TypeCancellation})
	var dup *ErrDuplicateType
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, TypeCancellation, dup.TypeID)
}

func TestEnumerableReservedButUnusable(t *testing.T) {
	r := New()
	_, err := r.Lookup(TypeEnumerable)
	var unknown *ErrUnknownType
	require.ErrorAs(t, err, &unknown)
}

func TestLookupUnknownType(t *testing.T) {
	r := New()
	_, err := r.Lookup(999)
	var unknown *ErrUnknownType
	require.ErrorAs(t, err, &unknown)
}

func TestMatchOutboundParameterAndReturnValue(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(TypeDescriptor{
		TypeID: TypeCancellation,
		CreateLocalForOutboundParameterValue: func(v any) bool {
			_, ok := v.(*fakeToken)
			return ok
		},
		CreateLocalForReturnValue: func(v any) bool {
			_, ok := v.(*fakeToken)
			return ok
		},
	}))

	d, ok := r.MatchOutboundParameter(&fakeToken{})
	require.True(t, ok)
	assert.Equal(t, TypeCancellation, d.TypeID)

	_, ok = r.MatchOutboundParameter("not a token")
	assert.False(t, ok)

	d, ok = r.MatchReturnValue(&fakeToken{})
	require.True(t, ok)
	assert.Equal(t, TypeCancellation, d.TypeID)
}
