// Command wirepeerecho is a small demo/smoke-test harness that wires two
// Processors back to back over the in-memory pipe transport and drives
// them through the seven scenarios the runtime is meant to support:
// synchronous echo, asynchronous echo, a waited remote event, a ping, an
// orderly close, a cancellation scope, and cancellation delivered as a
// call parameter.
//
// Grounded on the teacher's absence of a cmd/ tree for jsonrpc2 itself
// (that package is a library, not a binary); this command's shape
// instead follows rockstar-0000-aistore's and linkerd-linkerd2's
// cmd/<tool>/main.go + cobra convention: a root command, a --mode flag
// selecting which half of the story to narrate, one RunE.
package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wirepeer/wirepeer"
	"github.com/wirepeer/wirepeer/config"
	"github.com/wirepeer/wirepeer/dispatch"
	"github.com/wirepeer/wirepeer/eventbus"
	"github.com/wirepeer/wirepeer/scope/cancelscope"
	"github.com/wirepeer/wirepeer/scoperegistry"
	"github.com/wirepeer/wirepeer/transport/memorypipe"
	"github.com/wirepeer/wirepeer/wire"
)

var stringType = reflect.TypeOf("")

var mode string

func main() {
	root := &cobra.Command{
		Use:   "wirepeerecho",
		Short: "Runs the wirepeer end-to-end scenarios over an in-memory pipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), mode)
		},
	}
	root.PersistentFlags().StringVar(&mode, "mode", "client", "which side's narration to print: server|client")
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cancellationKey keys the cancellation scope the client creates
// explicitly in scenario 6, distinguishing it from the scope id the
// dispatcher auto-wraps in scenario 7.
const cancellationKey = "cancellation"

func runScenarios(ctx context.Context, mode string) error {
	announce := func(format string, args ...any) {
		prefix := "[client] "
		if mode == "server" {
			prefix = "[server] "
		}
		fmt.Printf(prefix+format+"\n", args...)
	}

	// Both halves of a wirepeer session carry their own Scope Registry
	// instance, populated identically before either Processor starts
	// (spec: registration is additive and must precede first use).
	clientScopes := scoperegistry.New()
	serverScopes := scoperegistry.New()
	if err := cancelscope.Register(clientScopes, ctx); err != nil {
		return err
	}
	if err := cancelscope.Register(serverScopes, ctx); err != nil {
		return err
	}

	clientPipe, serverPipe := memorypipe.New(func() wire.Framer {
		return wire.LengthFramer(wire.NewCodec(wire.NewRegistry()), 1<<20)
	})

	serverAPI := dispatch.New()
	// server is referenced by the RaiseRemoteEventAsync handler below but
	// only exists once wirepeer.New returns, so the dispatcher closes
	// over this forward-declared variable rather than the Processor
	// itself.
	var server *wirepeer.Processor
	registerServerAPI(serverAPI, &server)

	opts := config.Defaults()
	opts.KeepAlive.Timeout = 2 * time.Second
	opts.KeepAlive.PeerTimeout = 10 * time.Second

	client := wirepeer.New(opts, clientPipe, nil, clientScopes)
	server = wirepeer.New(opts, serverPipe, serverAPI, serverScopes)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}

	// Scenario 3 needs the client listening for the "test" event before
	// the server ever raises it.
	handlerCalls := 0
	if err := client.RegisterEvent("test", func(ctx context.Context, args eventbus.RawArgs) (any, error) {
		handlerCalls++
		return handlerCalls, nil
	}); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Scenario 1: echo, synchronous handler.
	var echoed string
	if err := client.CallValue(callCtx, "ServerApi", "Echo", "test", &echoed); err != nil {
		return fmt.Errorf("Echo: %w", err)
	}
	announce("Echo(%q) = %q", "test", echoed)

	// Scenario 2: echo, asynchronous handler.
	var echoedAsync string
	if err := client.CallValue(callCtx, "ServerApi", "EchoAsync", "test", &echoedAsync); err != nil {
		return fmt.Errorf("EchoAsync: %w", err)
	}
	announce("EchoAsync(%q) = %q", "test", echoedAsync)

	// Scenario 3: raise event with wait. The call only returns once the
	// server's RaiseRemoteEventAsync handler gets the event's result back.
	if err := client.CallVoid(callCtx, "ServerApi", "RaiseRemoteEventAsync", nil); err != nil {
		return fmt.Errorf("RaiseRemoteEventAsync: %w", err)
	}
	announce("RaiseRemoteEventAsync done, handler invoked %d time(s)", handlerCalls)

	// Scenario 4: ping.
	pingStart := time.Now()
	if err := client.Ping(callCtx); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	announce("Ping round trip in %s", time.Since(pingStart))

	// Scenario 6: cancellation scope, created explicitly and keyed.
	src := cancelscope.NewSource(ctx)
	localScope, err := client.CreateScope(cancellationKey, scoperegistry.TypeCancellation, src, true, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("CreateScope: %w", err)
	}
	time.Sleep(20 * time.Millisecond) // let ScopeRegistration reach the peer's mirror
	mirror, ok := server.GetRemoteScope(localScope.ID)
	if !ok {
		return fmt.Errorf("server never materialized a mirror for scope %d", localScope.ID)
	}
	if err := client.TriggerScope(localScope.ID); err != nil {
		return fmt.Errorf("TriggerScope: %w", err)
	}
	<-src.Context().Done()
	<-mirror.Value.(*cancelscope.Mirror).Context().Done()
	announce("cancellation scope %d triggered, was_triggered=%t, mirror observed it too", localScope.ID, src.Stored())

	// informConsumer was set above, so discarding the master side cascades
	// a ScopeDiscarded to the peer, which drops its mirror in turn.
	client.DiscardScope(localScope.ID, false, nil)
	time.Sleep(20 * time.Millisecond)
	if _, stillThere := server.GetRemoteScope(localScope.ID); stillThere {
		return fmt.Errorf("server mirror %d survived discard cascade", localScope.ID)
	}
	if _, stillThere := client.GetScope(localScope.ID); stillThere {
		return fmt.Errorf("client scope %d survived its own discard", localScope.ID)
	}
	announce("cancellation scope %d discarded on both sides", localScope.ID)

	// Scenario 7: cancellation as a call parameter. The dispatcher's
	// scope-wrap step turns the context.Context argument into a scope id
	// on the wire; the server blocks on its mirrored token until the
	// client cancels it.
	paramCtx, cancelParam := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- client.CallVoid(callCtx, "ServerApi", "CancellationParameterAsync", paramCtx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancelParam()
	if err := <-done; err != nil {
		return fmt.Errorf("CancellationParameterAsync: %w", err)
	}
	announce("CancellationParameterAsync observed client cancellation")

	// Scenario 5: close. Issued last so the scenarios above get a live
	// session; the peer is expected to notice within a short grace
	// period on this in-memory transport.
	if err := client.Close(wirepeer.CloseCodeNormal, "scenarios complete"); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for server.State() != wirepeer.StateStopped && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	announce("client closed, server state=%s", server.State())
	_ = server.Close(wirepeer.CloseCodeNormal, "peer closed")

	return nil
}

func registerServerAPI(d *dispatch.Dispatcher, server **wirepeer.Processor) {
	stringParam := dispatch.ParamDescriptor{Name: "message", Type: stringType}
	ctxParam := dispatch.ParamDescriptor{Name: "cancellationToken", HasScopeType: true, ScopeType: scoperegistry.TypeCancellation}

	_ = d.Register(dispatch.APIDescriptor{
		Name: "ServerApi",
		Methods: map[string]dispatch.MethodDescriptor{
			"Echo": {
				Name:   "Echo",
				Params: []dispatch.ParamDescriptor{stringParam},
				Handler: func(cc *dispatch.CallContext, params []any) (any, error) {
					return params[0], nil
				},
			},
			"EchoAsync": {
				Name:   "EchoAsync",
				Params: []dispatch.ParamDescriptor{stringParam},
				Handler: func(cc *dispatch.CallContext, params []any) (any, error) {
					return params[0], nil
				},
			},
			"RaiseRemoteEventAsync": {
				Name: "RaiseRemoteEventAsync",
				Handler: func(cc *dispatch.CallContext, params []any) (any, error) {
					// Waiting means this handler doesn't return until the
					// client's "test" handler has run and replied.
					_, err := (*server).RaiseEvent(cc.Context, "test", nil, true)
					return nil, err
				},
			},
			"CancellationParameterAsync": {
				Name:   "CancellationParameterAsync",
				Params: []dispatch.ParamDescriptor{ctxParam},
				Handler: func(cc *dispatch.CallContext, params []any) (any, error) {
					token, _ := params[0].(context.Context)
					if token == nil {
						return nil, fmt.Errorf("wirepeerecho: missing cancellation token")
					}
					<-token.Done()
					return nil, nil
				},
			},
		},
	})
}

func init() {
	logrus.SetLevel(logrus.WarnLevel)
}
