// Package router implements the Downstream Router (C6): a pool of
// long-lived outbound Noise sessions to model-server enclaves, keyed
// by server ID, with lazy connection, cached public keys fetched via
// each server's attestation endpoint, and a health-check loop that
// evicts dead peers.
package router

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onera-app/enclave-gateway/internal/core/cryptoops"
	"github.com/onera-app/enclave-gateway/internal/inference"
	"github.com/onera-app/enclave-gateway/internal/metrics"
	"github.com/onera-app/enclave-gateway/internal/session"
	"github.com/onera-app/enclave-gateway/internal/transport"
)

const (
	connectTimeout      = 10 * time.Second
	requestTimeout      = 300 * time.Second
	healthCheckInterval = 30 * time.Second
	pingTimeout         = 5 * time.Second
	attestationTimeout  = 5 * time.Second
)

var (
	ErrNoServerForModel  = errors.New("router: no server configured for model")
	ErrUnknownServer     = errors.New("router: unknown server id")
	ErrConnectionMissing = errors.New("router: connection not found")
)

type connEntry struct {
	ws   *websocket.Conn
	sess *session.Conn

	// xchgMu serializes the full send+recv exchange against this
	// entry's session.Conn. session.Conn is not safe for concurrent
	// Send or concurrent Recv (its Transport's AEAD cipher-state
	// counters are single-owner), and any two client sessions that
	// resolve to the same serverID share this entry. The lock must be
	// held across the whole exchange, not just the map lookup.
	xchgMu sync.Mutex
}

// Router owns the downstream connection pool, the model->server index,
// and the public-key cache. All three are guarded by one RWMutex, held
// only for the map/entry operation itself; a pool entry's own xchgMu,
// not the Router's mu, is what guarantees its session.Conn is driven
// by one request at a time.
type Router struct {
	cfg Config

	mu             sync.RWMutex
	connections    map[string]*connEntry
	modelToServer  map[string]string
	publicKeyCache map[string]string // server id -> hex-encoded key

	httpClient *http.Client
}

// New builds a Router from cfg, indexing explicit (non-wildcard) model
// entries up front; wildcard entries are deliberately left unindexed
// and are consulted only on a lookup miss.
func New(cfg Config) *Router {
	modelToServer := make(map[string]string)
	for _, s := range cfg.Servers {
		for _, m := range s.Models {
			if m == "*" {
				continue
			}
			modelToServer[m] = s.ID
		}
	}
	return &Router{
		cfg:            cfg,
		connections:    make(map[string]*connEntry),
		modelToServer:  modelToServer,
		publicKeyCache: make(map[string]string),
		httpClient:     &http.Client{Timeout: attestationTimeout},
	}
}

func (r *Router) serverConfig(id string) (ServerDescriptor, bool) {
	for _, s := range r.cfg.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerDescriptor{}, false
}

// resolveServer implements §4.6's resolution order: explicit mapping,
// then first wildcard server, then first server at all.
func (r *Router) resolveServer(modelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.modelToServer[modelID]; ok {
		return id, true
	}
	for _, s := range r.cfg.Servers {
		if s.HasWildcard() {
			return s.ID, true
		}
	}
	if len(r.cfg.Servers) > 0 {
		return r.cfg.Servers[0].ID, true
	}
	return "", false
}

func (r *Router) fetchPublicKey(ctx context.Context, s ServerDescriptor) ([]byte, error) {
	url := s.AttestationURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("router: fetching attestation from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("router: attestation endpoint %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var attestation struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &attestation); err != nil {
		return nil, fmt.Errorf("router: parsing attestation response: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(attestation.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("router: invalid base64 public key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("router: public key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// publicKeyFor resolves a server's static key: config first, then
// cache, then a live attestation fetch (which populates the cache).
func (r *Router) publicKeyFor(ctx context.Context, s ServerDescriptor) ([]byte, error) {
	if s.PublicKeyHex != "" {
		key, err := hex.DecodeString(s.PublicKeyHex)
		if err == nil && len(key) == 32 {
			return key, nil
		}
	}

	r.mu.RLock()
	cached, ok := r.publicKeyCache[s.ID]
	r.mu.RUnlock()
	if ok {
		key, err := hex.DecodeString(cached)
		if err == nil {
			return key, nil
		}
	}

	key, err := r.fetchPublicKey(ctx, s)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.publicKeyCache[s.ID] = hex.EncodeToString(key)
	r.mu.Unlock()
	return key, nil
}

func (r *Router) invalidatePublicKey(serverID string) {
	r.mu.Lock()
	delete(r.publicKeyCache, serverID)
	r.mu.Unlock()
}

// connectToServer dials serverID, fetches its public key, and runs the
// Noise NK handshake as initiator, storing the resulting session on success.
func (r *Router) connectToServer(ctx context.Context, serverID string) error {
	s, ok := r.serverConfig(serverID)
	if !ok {
		return ErrUnknownServer
	}

	pubKey, err := r.publicKeyFor(ctx, s)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("router: websocket dial to %s failed: %w", s.WSEndpoint, err)
	}

	framer := transport.New(ws)
	tr, _, err := cryptoops.RunInitiatorHandshake(framer, pubKey)
	if err != nil {
		ws.Close()
		return fmt.Errorf("router: handshake with %s failed: %w", serverID, err)
	}

	r.mu.Lock()
	r.connections[serverID] = &connEntry{ws: ws, sess: session.New(framer, tr)}
	r.mu.Unlock()
	metrics.RouterReconnects.Inc()
	return nil
}

// ensureConnection returns an already-connected server for modelID, or
// connects one, retrying once (with key invalidation) on first failure.
func (r *Router) ensureConnection(ctx context.Context, modelID string) (string, error) {
	serverID, ok := r.resolveServer(modelID)
	if !ok {
		return "", ErrNoServerForModel
	}

	r.mu.RLock()
	_, connected := r.connections[serverID]
	r.mu.RUnlock()
	if connected {
		return serverID, nil
	}

	if err := r.connectToServer(ctx, serverID); err != nil {
		r.invalidatePublicKey(serverID)
		if err2 := r.connectToServer(ctx, serverID); err2 != nil {
			return "", fmt.Errorf("router: connect retry failed: %w", err2)
		}
	}
	return serverID, nil
}

// ForwardRequest resolves the server for req's model, ensures a live
// connection, and performs one request/response exchange with the
// downstream enclave, bounded by requestTimeout.
func (r *Router) ForwardRequest(ctx context.Context, req inference.Request) (inference.Response, error) {
	modelID := req.ModelOrDefault()

	serverID, err := r.ensureConnection(ctx, modelID)
	if err != nil {
		return inference.Response{}, err
	}

	r.mu.RLock()
	entry, ok := r.connections[serverID]
	r.mu.RUnlock()
	if !ok {
		return inference.Response{}, ErrConnectionMissing
	}

	// Held across the full send+recv exchange below; see connEntry.xchgMu.
	entry.xchgMu.Lock()
	defer entry.xchgMu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return inference.Response{}, err
	}
	if err := entry.sess.Send(payload); err != nil {
		r.dropConnection(serverID)
		return inference.Response{}, fmt.Errorf("router: send to %s failed: %w", serverID, err)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := entry.sess.Recv()
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.dropConnection(serverID)
			return inference.Response{}, fmt.Errorf("router: recv from %s failed: %w", serverID, res.err)
		}
		var resp inference.Response
		if err := json.Unmarshal(res.data, &resp); err != nil {
			return inference.Response{}, fmt.Errorf("router: decoding downstream response: %w", err)
		}
		return resp, nil
	case <-time.After(requestTimeout):
		r.dropConnection(serverID)
		return inference.Response{}, fmt.Errorf("router: request to %s timed out", serverID)
	case <-ctx.Done():
		return inference.Response{}, ctx.Err()
	}
}

// ForwardRequestStreaming relays req to the downstream server and
// invokes emit once per chunk record the downstream side produces,
// stopping at (and not forwarding) its zero-length terminator; the
// caller is responsible for writing its own terminator once this
// returns without error.
func (r *Router) ForwardRequestStreaming(ctx context.Context, req inference.Request, emit func(inference.StreamChunk) error) error {
	modelID := req.ModelOrDefault()

	serverID, err := r.ensureConnection(ctx, modelID)
	if err != nil {
		return err
	}

	r.mu.RLock()
	entry, ok := r.connections[serverID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionMissing
	}

	// Held across the full send+recv exchange below; see connEntry.xchgMu.
	entry.xchgMu.Lock()
	defer entry.xchgMu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := entry.sess.Send(payload); err != nil {
		r.dropConnection(serverID)
		return fmt.Errorf("router: send to %s failed: %w", serverID, err)
	}

	deadline := time.Now().Add(requestTimeout)
	for {
		if time.Now().After(deadline) {
			r.dropConnection(serverID)
			return fmt.Errorf("router: streaming request to %s timed out", serverID)
		}

		type result struct {
			data []byte
			err  error
		}
		done := make(chan result, 1)
		go func() {
			data, err := entry.sess.Recv()
			done <- result{data, err}
		}()

		select {
		case res := <-done:
			if res.err != nil {
				r.dropConnection(serverID)
				return fmt.Errorf("router: recv from %s failed: %w", serverID, res.err)
			}
			if res.data == nil {
				// downstream terminator
				return nil
			}
			var chunk inference.StreamChunk
			if err := json.Unmarshal(res.data, &chunk); err != nil {
				return fmt.Errorf("router: decoding downstream chunk: %w", err)
			}
			if err := emit(chunk); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) dropConnection(serverID string) {
	r.mu.Lock()
	entry, ok := r.connections[serverID]
	if ok {
		delete(r.connections, serverID)
	}
	r.mu.Unlock()
	if ok {
		entry.sess.Close()
	}
}

// RunHealthChecks ticks every healthCheckInterval, sending one control
// ping per connected server; only the send is checked (never a pong
// reply), matching the reference health loop exactly. A failed send
// evicts the connection and invalidates its cached key so the next
// request re-fetches it. Blocks until ctx is canceled.
func (r *Router) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.healthCheckOnce()
		}
	}
}

func (r *Router) healthCheckOnce() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		r.mu.Lock()
		entry, ok := r.connections[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		pingErr := make(chan error, 1)
		go func() { pingErr <- entry.sess.Ping() }()

		select {
		case err := <-pingErr:
			if err != nil {
				r.dropConnection(id)
				r.invalidatePublicKey(id)
				metrics.RouterHealthEvictions.Inc()
			}
		case <-time.After(pingTimeout):
			r.dropConnection(id)
			r.invalidatePublicKey(id)
			metrics.RouterHealthEvictions.Inc()
		}
	}
}

// CloseAll drains the connection pool, closing each entry best-effort.
func (r *Router) CloseAll() {
	r.mu.Lock()
	entries := r.connections
	r.connections = make(map[string]*connEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.sess.Close()
	}
}
