// Package transport implements the Session Framer (C4): length-delimited
// encrypted records over a duplex WebSocket, with a hard record cap,
// a per-read deadline, and in-band control-frame handling.
package transport

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// MaxRecordSize is the hard cap on one record, per spec §3/§4.4.
const MaxRecordSize = 65536

// ReadDeadline bounds how long a session may sit idle between records
// before it is closed (spec §4.4/§5).
const ReadDeadline = 10 * time.Minute

// PingDeadline bounds how long a control pong write may take.
const PingDeadline = 5 * time.Second

var (
	ErrRecordTooLarge = errors.New("transport: record exceeds maximum size")
	ErrNonBinaryFrame = errors.New("transport: text frame is not a valid record")
	ErrClosed         = errors.New("transport: session closed")
)

// Framer wraps a *websocket.Conn so that Noise handshake messages and,
// later, encrypted application records, can be read and written one
// record per WebSocket binary frame. WebSocket is already
// message-delimited, so no extra length prefix is layered on top.
type Framer struct {
	conn *websocket.Conn
}

// New installs the control-frame handlers and wraps conn.
func New(conn *websocket.Conn) *Framer {
	f := &Framer{conn: conn}
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(PingDeadline))
	})
	return f
}

// ReadRecord blocks for at most ReadDeadline and returns the next
// binary record. Gorilla already consumes ping/pong/close control
// frames internally via the installed handlers before ReadMessage
// returns, so only data frames reach here.
func (f *Framer) ReadRecord() ([]byte, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(ReadDeadline)); err != nil {
		return nil, err
	}
	mt, data, err := f.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, ErrNonBinaryFrame
	}
	if len(data) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	return data, nil
}

// WriteRecord sends one binary record.
func (f *Framer) WriteRecord(b []byte) error {
	if len(b) > MaxRecordSize {
		return ErrRecordTooLarge
	}
	return f.conn.WriteMessage(websocket.BinaryMessage, b)
}

// WriteTerminator emits the reserved zero-length binary record that
// marks end-of-stream for streamed responses.
func (f *Framer) WriteTerminator() error {
	return f.WriteRecord([]byte{})
}

// IsTerminator reports whether a record read from the wire is the
// zero-length end-of-stream marker.
func IsTerminator(record []byte) bool {
	return len(record) == 0
}

// Ping sends a control ping; per the health-check design this only
// verifies the send succeeds; it does not wait for a pong (mirrors the
// reference implementation's router health loop, which treats a
// failed Ping send, not a missing Pong, as the failure signal).
func (f *Framer) Ping() error {
	return f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(PingDeadline))
}

// Close closes the underlying connection.
func (f *Framer) Close() error {
	return f.conn.Close()
}
