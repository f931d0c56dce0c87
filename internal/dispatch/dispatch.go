// Package dispatch implements the Dispatcher (C5): the per-session
// loop that decrypts client records, parses inner chat-completion
// requests, and branches on mode (server vs router) and shape
// (streaming vs non-streaming) to produce response records.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/onera-app/enclave-gateway/internal/inference"
	"github.com/onera-app/enclave-gateway/internal/metrics"
	"github.com/onera-app/enclave-gateway/internal/router"
	"github.com/onera-app/enclave-gateway/internal/session"
)

// Mode selects which backend path the Dispatcher drives.
type Mode int

const (
	ModeServer Mode = iota
	ModeRouter
)

// Dispatcher drives one client session to completion, reading
// requests until the client disconnects or a fatal transport error
// occurs.
type Dispatcher struct {
	Mode       Mode
	Backend    *inference.Client // server mode only
	Router     *router.Router    // router mode only
	Log        zerolog.Logger
}

// Serve runs the read-decrypt-dispatch-respond loop for one session
// until ctx is canceled or the session errors out.
func (d *Dispatcher) Serve(ctx context.Context, conn *session.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		plaintext, err := conn.Recv()
		if err != nil {
			return err
		}
		if plaintext == nil {
			// A bare terminator arriving as a request is a protocol
			// violation from the client; nothing to respond to.
			continue
		}

		var req inference.Request
		if err := json.Unmarshal(plaintext, &req); err != nil {
			d.Log.Warn().Err(err).Msg("dispatch: malformed request, closing session")
			d.sendError(conn, "malformed request", true)
			return fmt.Errorf("dispatch: decode error: %w", err)
		}

		if err := d.handle(ctx, conn, req); err != nil {
			d.Log.Warn().Err(err).Str("model", req.ModelOrDefault()).Msg("dispatch: request failed")
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, conn *session.Conn, req inference.Request) error {
	switch d.Mode {
	case ModeServer:
		if req.Stream {
			return d.serverStreaming(ctx, conn, req)
		}
		return d.serverNonStreaming(ctx, conn, req)
	case ModeRouter:
		if req.Stream {
			return d.routerStreaming(ctx, conn, req)
		}
		return d.routerNonStreaming(ctx, conn, req)
	default:
		return errors.New("dispatch: unknown mode")
	}
}

// serverNonStreaming calls the backend synchronously and sends exactly
// one record, with no terminator.
func (d *Dispatcher) serverNonStreaming(ctx context.Context, conn *session.Conn, req inference.Request) error {
	resp, err := d.Backend.ChatCompletion(ctx, req)
	if err != nil {
		resp = inference.Response{Error: "backend error"}
	}
	return d.sendResponse(conn, resp)
}

// serverStreaming forwards backend chunks one record per chunk, then
// emits the terminator after the final finish/error chunk.
func (d *Dispatcher) serverStreaming(ctx context.Context, conn *session.Conn, req inference.Request) error {
	streamErr := d.Backend.ChatCompletionStream(ctx, req, func(chunk inference.StreamChunk) error {
		return d.sendChunk(conn, chunk)
	})
	if streamErr != nil {
		if err := d.sendChunk(conn, inference.StreamChunk{Type: inference.ChunkError, Message: "backend error"}); err != nil {
			return err
		}
	}
	return conn.SendTerminator()
}

// routerNonStreaming relays one cleartext request/response exchange
// through the Router and always emits the terminator, for symmetry
// with the streaming shape.
func (d *Dispatcher) routerNonStreaming(ctx context.Context, conn *session.Conn, req inference.Request) error {
	resp, err := d.Router.ForwardRequest(ctx, req)
	if err != nil {
		resp = inference.Response{Error: "backend error"}
	}
	if err := d.sendResponse(conn, resp); err != nil {
		return err
	}
	return conn.SendTerminator()
}

// routerStreaming relays chunk records bidirectionally until the
// downstream side's terminator, then forwards the terminator to the
// client, per §4.5's router-mode streaming branch.
func (d *Dispatcher) routerStreaming(ctx context.Context, conn *session.Conn, req inference.Request) error {
	relayErr := d.Router.ForwardRequestStreaming(ctx, req, func(chunk inference.StreamChunk) error {
		return d.sendChunk(conn, chunk)
	})
	if relayErr != nil {
		if err := d.sendChunk(conn, inference.StreamChunk{Type: inference.ChunkError, Message: "backend error"}); err != nil {
			return err
		}
	}
	return conn.SendTerminator()
}

func (d *Dispatcher) sendResponse(conn *session.Conn, resp inference.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := conn.Send(payload); err != nil {
		return err
	}
	metrics.RecordsRelayed.WithLabelValues(d.modeLabel()).Inc()
	return nil
}

func (d *Dispatcher) sendChunk(conn *session.Conn, chunk inference.StreamChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if err := conn.Send(payload); err != nil {
		return err
	}
	metrics.RecordsRelayed.WithLabelValues(d.modeLabel()).Inc()
	return nil
}

func (d *Dispatcher) modeLabel() string {
	if d.Mode == ModeRouter {
		return "router"
	}
	return "server"
}

func (d *Dispatcher) sendError(conn *session.Conn, msg string, terminate bool) {
	_ = d.sendResponse(conn, inference.Response{Error: msg})
	if terminate {
		_ = conn.SendTerminator()
	}
}
