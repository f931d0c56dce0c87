// Package session glues a transport.Framer to a cryptoops.Transport,
// giving callers a plaintext-in/plaintext-out channel per WebSocket
// connection regardless of which side of the handshake they played.
package session

import (
	"errors"

	"github.com/valyala/bytebufferpool"

	"github.com/onera-app/enclave-gateway/internal/core/cryptoops"
	"github.com/onera-app/enclave-gateway/internal/transport"
)

var ErrSessionClosed = errors.New("session: connection closed")

var _recordBufferPool bytebufferpool.Pool

func wipeMemory(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}

func acquireRecordBuffer() *bytebufferpool.ByteBuffer {
	buffer := _recordBufferPool.Get()
	buffer.B = buffer.B[:0]
	return buffer
}

func releaseRecordBuffer(buffer *bytebufferpool.ByteBuffer) {
	wipeMemory(buffer.B)
	_recordBufferPool.Put(buffer)
}

// Conn is a single encrypted record stream. Not safe for concurrent
// Send or concurrent Recv; a session is driven by one goroutine per
// direction at most, matching the dispatcher's per-connection loop.
type Conn struct {
	framer *transport.Framer
	tr     *cryptoops.Transport
	closed bool
}

// New wraps an already-framed connection and a completed handshake's
// Transport into a single plaintext Conn.
func New(framer *transport.Framer, tr *cryptoops.Transport) *Conn {
	return &Conn{framer: framer, tr: tr}
}

// Send encrypts plaintext and writes it as one record. The ciphertext
// is staged in a pooled, wiped-on-release buffer rather than a fresh
// allocation per record.
func (c *Conn) Send(plaintext []byte) error {
	if c.closed {
		return ErrSessionClosed
	}
	buffer := acquireRecordBuffer()
	defer releaseRecordBuffer(buffer)

	ct, err := c.tr.Encrypt(buffer.B, nil, plaintext)
	if err != nil {
		return err
	}
	buffer.B = ct
	return c.framer.WriteRecord(ct)
}

// SendTerminator writes the reserved zero-length record marking
// end-of-stream. The terminator itself is not Noise-encrypted: it is a
// zero-length WebSocket frame, mirroring the reference dispatcher's
// `vec![]` terminator message sent outside the cipher.
func (c *Conn) SendTerminator() error {
	if c.closed {
		return ErrSessionClosed
	}
	return c.framer.WriteTerminator()
}

// Recv blocks for the next record and decrypts it. A zero-length
// record is returned as (nil, nil), while a legitimate empty-payload
// record decrypts to a non-nil empty slice, so callers can tell the
// two apart; see IsTerminator.
func (c *Conn) Recv() (plaintext []byte, err error) {
	if c.closed {
		return nil, ErrSessionClosed
	}
	record, err := c.framer.ReadRecord()
	if err != nil {
		return nil, err
	}
	if transport.IsTerminator(record) {
		return nil, nil
	}

	buffer := acquireRecordBuffer()
	defer releaseRecordBuffer(buffer)

	pt, err := c.tr.Decrypt(buffer.B, nil, record)
	if err != nil {
		return nil, err
	}
	buffer.B = pt
	// pt aliases buffer.B, which is wiped and returned to the pool on
	// return; copy it out so callers own stable memory.
	out := make([]byte, len(pt))
	copy(out, pt)
	return out, nil
}

// IsTerminator reports whether a Recv result (nil, nil) represented
// the end-of-stream marker rather than an error.
func IsTerminator(plaintext []byte, err error) bool {
	return err == nil && plaintext == nil
}

// Ping sends a transport-level ping, used by the router's health loop.
func (c *Conn) Ping() error {
	if c.closed {
		return ErrSessionClosed
	}
	return c.framer.Ping()
}

// Close closes the underlying framer. Idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.framer.Close()
}
