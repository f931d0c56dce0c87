package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onera-app/enclave-gateway/internal/config"
	"github.com/onera-app/enclave-gateway/internal/core/attestation"
	"github.com/onera-app/enclave-gateway/internal/core/cryptoops"
	"github.com/onera-app/enclave-gateway/internal/dispatch"
	"github.com/onera-app/enclave-gateway/internal/httpapi"
	"github.com/onera-app/enclave-gateway/internal/inference"
	"github.com/onera-app/enclave-gateway/internal/metrics"
	"github.com/onera-app/enclave-gateway/internal/router"
	"github.com/onera-app/enclave-gateway/internal/session"
	"github.com/onera-app/enclave-gateway/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Confidential inference gateway",
	RunE:  runGateway,
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority, err := cryptoops.NewKeyAuthority()
	if err != nil {
		return err
	}
	defer authority.Close()
	log.Info().Hex("public_key", authority.PublicKey()).Msg("key authority ready")

	attestationSvc, err := attestation.NewService(authority.PublicKey())
	if err != nil {
		return err
	}

	var backend *inference.Client
	var r *router.Router

	if cfg.RouterMode {
		routerCfg, err := router.LoadConfigFromEnv()
		if err != nil {
			return err
		}
		r = router.New(routerCfg)
		go r.RunHealthChecks(ctx)
		log.Info().Int("servers", len(routerCfg.Servers)).Msg("router mode: downstream pool configured")
	} else {
		backend = inference.NewClient(cfg.VLLMURL)
		log.Info().Str("vllm_url", cfg.VLLMURL).Msg("server mode: backend configured")
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Attestation: attestationSvc,
			Backend:     backend,
			Log:         log.Logger,
		}),
	}

	sessionCap := make(chan struct{}, cfg.SessionCap)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  transport.MaxRecordSize,
		WriteBufferSize: transport.MaxRecordSize,
	}

	mode := dispatch.ModeServer
	if cfg.RouterMode {
		mode = dispatch.ModeRouter
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		select {
		case sessionCap <- struct{}{}:
		default:
			metrics.SessionsRejected.Inc()
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-sessionCap }()

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		handleSession(ctx, conn, authority, mode, backend, r)
	})

	wsSrv := &http.Server{
		Addr:    cfg.WSAddr,
		Handler: wsMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.WSAddr).Msg("websocket transport listening")
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		if r != nil {
			r.CloseAll()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = wsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("listener failed")
	}
	return nil
}

func handleSession(ctx context.Context, ws *websocket.Conn, authority *cryptoops.KeyAuthority, mode dispatch.Mode, backend *inference.Client, r *router.Router) {
	sessionID := uuid.NewString()
	sessionLog := log.With().Str("session_id", sessionID).Logger()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer ws.Close()

	framer := transport.New(ws)
	tr, _, err := cryptoops.RunResponderHandshake(framer, authority)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		sessionLog.Warn().Err(err).Msg("handshake failed")
		return
	}

	conn := session.New(framer, tr)
	defer conn.Close()

	d := &dispatch.Dispatcher{
		Mode:    mode,
		Backend: backend,
		Router:  r,
		Log:     sessionLog,
	}
	if err := d.Serve(ctx, conn); err != nil {
		sessionLog.Debug().Err(err).Msg("session ended")
	}
}
