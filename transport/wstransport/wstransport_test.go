package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirepeer/wirepeer/wire"
)

func newTestCodec() *wire.Codec {
	return wire.NewCodec(wire.NewRegistry())
}

func TestRoundTripOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverDone := make(chan *Stream, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverDone <- New(conn, newTestCodec())
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	client := New(clientConn, newTestCodec())
	defer client.Close()

	server := <-serverDone
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id := int64(9)
	require.NoError(t, client.WriteMessage(ctx, &wire.Request{Hdr: wire.Header{ID: &id, HLVersion: 1}, API: "echo", Method: "Say"}))

	got, err := server.ReadMessage(ctx)
	require.NoError(t, err)
	req, ok := got.(*wire.Request)
	require.True(t, ok)
	assert.Equal(t, "echo", req.API)
}
