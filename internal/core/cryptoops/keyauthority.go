// Package cryptoops implements the gateway's cryptographic control plane:
// the static key authority and the Noise_NK_25519_ChaChaPoly_SHA256
// handshake engine.
package cryptoops

import (
	"crypto/rand"
	"errors"
	"runtime"
	"sync"

	"github.com/flynn/noise"
)

// ProtocolName is the literal Noise protocol string that seeds both the
// initial chaining key and the initial handshake hash.
const ProtocolName = "Noise_NK_25519_ChaChaPoly_SHA256"

// CipherSuite is the fixed Noise cipher suite for this protocol. No
// negotiation is supported.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var ErrKeyAuthorityClosed = errors.New("cryptoops: key authority closed")

// KeyAuthority holds the gateway's static X25519 keypair for the
// lifetime of the process. The private half is never copied out,
// serialized, or logged; Close zeroes it.
type KeyAuthority struct {
	mu     sync.RWMutex
	dh     noise.DHKey
	closed bool
}

// NewKeyAuthority generates a fresh static keypair.
func NewKeyAuthority() (*KeyAuthority, error) {
	dh, err := CipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	ka := &KeyAuthority{dh: dh}
	// Best-effort defense in depth: Go has no deterministic destructors,
	// so this finalizer is a backstop, not the primary guarantee. Callers
	// must still call Close explicitly on shutdown.
	runtime.SetFinalizer(ka, (*KeyAuthority).Close)
	return ka, nil
}

// PublicKey returns the 32-byte static public key. Safe to share freely.
func (k *KeyAuthority) PublicKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub := make([]byte, len(k.dh.Public))
	copy(pub, k.dh.Public)
	return pub
}

// staticKeypair returns the keypair for constructing a handshake
// responder. Unexported: only this package's handshake code may see
// the private half.
func (k *KeyAuthority) staticKeypair() (noise.DHKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return noise.DHKey{}, ErrKeyAuthorityClosed
	}
	return k.dh, nil
}

// Close zeroes the private scalar. Idempotent.
func (k *KeyAuthority) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	wipeBytes(k.dh.Private)
	k.closed = true
	runtime.SetFinalizer(k, nil)
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
