package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialFramerPair spins up a one-shot httptest server that upgrades a
// single incoming connection, and returns client/server Framers wired
// to each other over a real loopback WebSocket.
func dialFramerPair(t *testing.T) (client, server *Framer, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverConn := <-serverConnCh

	client = New(clientConn)
	server = New(serverConn)
	cleanup = func() {
		clientConn.Close()
		serverConn.Close()
		srv.Close()
	}
	return client, server, cleanup
}

func TestFramerRoundTrip(t *testing.T) {
	client, server, cleanup := dialFramerPair(t)
	defer cleanup()

	require.NoError(t, client.WriteRecord([]byte("hello")))
	got, err := server.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestFramerTerminator(t *testing.T) {
	client, server, cleanup := dialFramerPair(t)
	defer cleanup()

	require.NoError(t, client.WriteTerminator())
	got, err := server.ReadRecord()
	require.NoError(t, err)
	assert.True(t, IsTerminator(got))
}

func TestFramerRejectsOversizeWrite(t *testing.T) {
	client, _, cleanup := dialFramerPair(t)
	defer cleanup()

	oversize := make([]byte, MaxRecordSize+1)
	err := client.WriteRecord(oversize)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestFramerPingDoesNotArriveAsDataFrame(t *testing.T) {
	client, server, cleanup := dialFramerPair(t)
	defer cleanup()

	require.NoError(t, client.Ping())
	require.NoError(t, client.WriteRecord([]byte("after-ping")))

	got, err := server.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("after-ping"), got)
}

func TestReadDeadlineIsBounded(t *testing.T) {
	assert.LessOrEqual(t, ReadDeadline, 10*time.Minute)
}
