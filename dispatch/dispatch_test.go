package dispatch

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirepeer/wirepeer/wire"
)

func echoAPI() APIDescriptor {
	return APIDescriptor{
		Name: "echo",
		Methods: map[string]MethodDescriptor{
			"Say": {
				Name: "Say",
				Params: []ParamDescriptor{
					{Name: "text", Type: reflect.TypeOf("")},
				},
				Handler: func(cc *CallContext, params []any) (any, error) {
					return params[0].(string) + "!", nil
				},
			},
		},
	}
}

func rawParam(t *testing.T, v any) RawParam {
	t.Helper()
	data, err := wire.JSONSerializer().Serialize(wire.NewAllowList(), v)
	require.NoError(t, err)
	return RawParam{Serializer: wire.JSONSerializer(), Data: data}
}

func TestHandleResolvesAndInvokes(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(echoAPI()))

	cc := &CallContext{API: "echo", Method: "Say"}
	result, err := d.Handle(cc, []any{rawParam(t, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "hi!", result)
}

func TestHandleUnknownAPI(t *testing.T) {
	d := New()
	_, err := d.Handle(&CallContext{API: "missing", Method: "X"}, nil)
	var notFound *ErrAPINotFound
	require.ErrorAs(t, err, &notFound)
}

func TestHandleUnknownMethod(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(echoAPI()))
	_, err := d.Handle(&CallContext{API: "echo", Method: "Missing"}, nil)
	var notFound *ErrMethodNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestHandleHLVersionOutOfRange(t *testing.T) {
	d := New()
	api := echoAPI()
	m := api.Methods["Say"]
	m.Flags.MinHLVersion = 2
	api.Methods["Say"] = m
	require.NoError(t, d.Register(api))

	_, err := d.Handle(&CallContext{API: "echo", Method: "Say", HLVersion: 1}, []any{rawParam(t, "hi")})
	var outOfRange *ErrHLVersionOutOfRange
	require.ErrorAs(t, err, &outOfRange)
}

func TestHandleAuthorizationRejects(t *testing.T) {
	d := New()
	api := echoAPI()
	m := api.Methods["Say"]
	denied := errors.New("denied")
	m.Flags.Authorization = []Predicate{func(*CallContext) error { return denied }}
	api.Methods["Say"] = m
	require.NoError(t, d.Register(api))

	_, err := d.Handle(&CallContext{API: "echo", Method: "Say"}, []any{rawParam(t, "hi")})
	var unauthorized *ErrUnauthorized
	require.ErrorAs(t, err, &unauthorized)
	assert.ErrorIs(t, err, denied)
}

func TestHandleScopeParamBypassesDeserialization(t *testing.T) {
	d := New()
	api := APIDescriptor{
		Name: "scoped",
		Methods: map[string]MethodDescriptor{
			"Use": {
				Name: "Use",
				Params: []ParamDescriptor{
					{Name: "token", ScopeType: 2, HasScopeType: true},
				},
				Handler: func(cc *CallContext, params []any) (any, error) {
					return params[0], nil
				},
			},
		},
	}
	require.NoError(t, d.Register(api))

	result, err := d.Handle(&CallContext{API: "scoped", Method: "Use"}, []any{ScopeParam{Value: "a-token"}})
	require.NoError(t, err)
	assert.Equal(t, "a-token", result)
}

func TestHandleParamSchemaValidationRejectsBadInput(t *testing.T) {
	d := New()
	api := echoAPI()
	m := api.Methods["Say"]
	m.Params[0].Schema = &jsonschema.Schema{Type: "string", MinLength: jsonschema.Ptr(3)}
	api.Methods["Say"] = m
	require.NoError(t, d.Register(api))

	_, err := d.Handle(&CallContext{API: "echo", Method: "Say"}, []any{rawParam(t, "hi")})
	var validationErr *ErrParamValidation
	require.ErrorAs(t, err, &validationErr)
}

func TestHandleDisposeOnReturnDisposesParams(t *testing.T) {
	d := New()
	disposed := false
	api := APIDescriptor{
		Name: "disposing",
		Methods: map[string]MethodDescriptor{
			"Use": {
				Name: "Use",
				Params: []ParamDescriptor{
					{Name: "res", ScopeType: 2, HasScopeType: true},
				},
				Flags: MethodFlags{DisposeOnReturn: true},
				Handler: func(cc *CallContext, params []any) (any, error) {
					return nil, nil
				},
			},
		},
	}
	require.NoError(t, d.Register(api))

	_, err := d.Handle(&CallContext{API: "disposing", Method: "Use"}, []any{ScopeParam{Value: &disposableStub{onDispose: func() { disposed = true }}}})
	require.NoError(t, err)
	assert.True(t, disposed)
}

type disposableStub struct{ onDispose func() }

func (d *disposableStub) Dispose() error {
	d.onDispose()
	return nil
}
