package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onera-app/enclave-gateway/internal/core/cryptoops"
	"github.com/onera-app/enclave-gateway/internal/transport"
)

func dialConnPair(t *testing.T) (client, server *Conn, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	serverWS := <-serverConnCh

	authority, err := cryptoops.NewKeyAuthority()
	require.NoError(t, err)

	clientFramer := transport.New(clientWS)
	serverFramer := transport.New(serverWS)

	var wg sync.WaitGroup
	wg.Add(2)
	var serverTr, clientTr *cryptoops.Transport
	go func() {
		defer wg.Done()
		tr, _, err := cryptoops.RunResponderHandshake(serverFramer, authority)
		require.NoError(t, err)
		serverTr = tr
	}()
	go func() {
		defer wg.Done()
		tr, _, err := cryptoops.RunInitiatorHandshake(clientFramer, authority.PublicKey())
		require.NoError(t, err)
		clientTr = tr
	}()
	wg.Wait()

	client = New(clientFramer, clientTr)
	server = New(serverFramer, serverTr)
	cleanup = func() {
		clientWS.Close()
		serverWS.Close()
		srv.Close()
		authority.Close()
	}
	return client, server, cleanup
}

func TestSessionSendRecvRoundTrip(t *testing.T) {
	client, server, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, client.Send([]byte(`{"hello":"world"}`)))
	got, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(got))
}

func TestSessionTerminatorIsDistinguishable(t *testing.T) {
	client, server, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, client.SendTerminator())
	got, err := server.Recv()
	assert.True(t, IsTerminator(got, err))
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	client, _, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send([]byte("x")), ErrSessionClosed)
}
