package cryptoops

import (
	"errors"

	"github.com/flynn/noise"
)

var (
	ErrHandshakeFailed  = errors.New("cryptoops: handshake failed")
	ErrHandshakeTimeout = errors.New("cryptoops: handshake timed out")
)

// RecordConn is the minimal transport a handshake runs over: one
// binary record per call, already framed by the caller (a WebSocket
// connection in practice). No length prefixing happens here because
// WebSocket is already message-delimited.
type RecordConn interface {
	ReadRecord() ([]byte, error)
	WriteRecord([]byte) error
}

// State names the responder-side handshake progression from §4.3.
// flynn/noise owns the actual protocol state. The handshake functions
// return StateTransport on success and StateAborted on any failure;
// the intermediate states are not reported to callers.
type State int

const (
	StateNew State = iota
	StateReadE
	StateWriteE
	StateTransport
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReadE:
		return "read-e"
	case StateWriteE:
		return "write-e"
	case StateTransport:
		return "transport"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transport is the post-handshake pair of keyed AEAD cipher states.
// Single-owner: exactly one session framer drives it for the
// connection's lifetime, so its counters never repeat.
type Transport struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// Encrypt appends an encrypted record to out, with associated data ad
// (nil in this protocol — records carry no extra AD).
func (t *Transport) Encrypt(out, ad, plaintext []byte) ([]byte, error) {
	ct, err := t.send.Encrypt(out, ad, plaintext)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ct, nil
}

// Decrypt appends the decrypted plaintext to out.
func (t *Transport) Decrypt(out, ad, ciphertext []byte) ([]byte, error) {
	pt, err := t.recv.Decrypt(out, ad, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

var (
	ErrEncryptionFailed = errors.New("cryptoops: encryption failed")
	ErrDecryptionFailed = errors.New("cryptoops: decryption failed")
)

// Responder drives the server side of the handshake (message flow:
// initiator sends e,es; responder replies e,ee). On success it yields
// a Transport keyed (send=cs2, recv=cs1), matching flynn/noise's
// convention that cs1 encrypts initiator->responder traffic and cs2
// encrypts responder->initiator traffic.
func RunResponderHandshake(conn RecordConn, authority *KeyAuthority) (*Transport, State, error) {
	dh, err := authority.staticKeypair()
	if err != nil {
		return nil, StateAborted, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Pattern:       noise.HandshakeNK,
		Initiator:     false,
		StaticKeypair: dh,
	})
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}

	msg1, err := conn.ReadRecord()
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, StateAborted, errFailed(err)
	}
	// StateReadE reached: client ephemeral mixed in, empty-payload tag verified.

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}
	if err := conn.WriteRecord(msg2); err != nil {
		return nil, StateAborted, errFailed(err)
	}
	// StateWriteE reached: server ephemeral sent.

	if cs1 == nil || cs2 == nil {
		return nil, StateAborted, ErrHandshakeFailed
	}
	return &Transport{send: cs2, recv: cs1}, StateTransport, nil
}

// RunInitiatorHandshake drives the client side of an outbound session
// (router mode, connecting to a downstream model-server enclave). The
// caller must already know the remote's 32-byte static public key —
// NK authenticates the responder only; the initiator stays anonymous.
func RunInitiatorHandshake(conn RecordConn, remoteStatic []byte) (*Transport, State, error) {
	if len(remoteStatic) != 32 {
		return nil, StateAborted, ErrHandshakeFailed
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: CipherSuite,
		Pattern:     noise.HandshakeNK,
		Initiator:   true,
		PeerStatic:  remoteStatic,
	})
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}
	if err := conn.WriteRecord(msg1); err != nil {
		return nil, StateAborted, errFailed(err)
	}

	msg2, err := conn.ReadRecord()
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, StateAborted, errFailed(err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, StateAborted, ErrHandshakeFailed
	}

	return &Transport{send: cs1, recv: cs2}, StateTransport, nil
}

func errFailed(err error) error {
	return errors.Join(ErrHandshakeFailed, err)
}
