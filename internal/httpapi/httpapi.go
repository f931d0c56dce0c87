// Package httpapi exposes the gateway's plaintext HTTP surface:
// health, attestation, model listing, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/onera-app/enclave-gateway/internal/core/attestation"
	"github.com/onera-app/enclave-gateway/internal/inference"
)

// Model is the re-shaped entry returned by GET /models.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DisplayName   string `json:"displayName"`
	Provider      string `json:"provider"`
	ContextLength int    `json:"contextLength"`
}

// Deps are the collaborators the HTTP surface is built from. Backend
// is nil in router mode, in which case GET /models returns an empty list.
type Deps struct {
	Attestation *attestation.Service
	Backend     *inference.Client
	Log         zerolog.Logger
}

// NewRouter builds the chi router for the HTTP surface.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/attestation", func(w http.ResponseWriter, r *http.Request) {
		rec := deps.Attestation.GenerateQuote(nil)
		writeJSON(w, rec)
	})

	r.Post("/attestation", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Nonce *string `json:"nonce"`
		}
		// A malformed or absent body is treated as "no nonce", not an
		// error: attestation is always available. A present-but-empty
		// nonce ("") is distinct from an absent one, so the field is a
		// pointer and an empty string still yields a non-nil slice.
		_ = json.NewDecoder(r.Body).Decode(&body)
		var nonce []byte
		if body.Nonce != nil {
			nonce = make([]byte, len(*body.Nonce))
			copy(nonce, *body.Nonce)
		}
		rec := deps.Attestation.GenerateQuote(nonce)
		writeJSON(w, rec)
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		if deps.Backend == nil {
			writeJSON(w, []Model{})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		ids, err := deps.Backend.ListModels(ctx)
		if err != nil {
			deps.Log.Warn().Err(err).Msg("httpapi: listing backend models failed")
			writeJSON(w, []Model{})
			return
		}
		models := make([]Model, 0, len(ids))
		for _, id := range ids {
			models = append(models, Model{ID: id, Name: id, DisplayName: id, Provider: "vllm"})
		}
		writeJSON(w, models)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}
