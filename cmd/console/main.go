// Command console runs one operator console session: it keeps the dispatch
// queue, rider roster and vendor onboarding list in a local store shared
// with sibling sessions, follows backend pushes over the realtime channel,
// and serves the console API.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/ops-console-sync/internal/config"
	"github.com/tbourn/ops-console-sync/internal/dispatch"
	httpapi "github.com/tbourn/ops-console-sync/internal/http"
	"github.com/tbourn/ops-console-sync/internal/http/handlers"
	"github.com/tbourn/ops-console-sync/internal/notify"
	"github.com/tbourn/ops-console-sync/internal/observability"
	"github.com/tbourn/ops-console-sync/internal/optimistic"
	"github.com/tbourn/ops-console-sync/internal/polling"
	"github.com/tbourn/ops-console-sync/internal/realtime"
	"github.com/tbourn/ops-console-sync/internal/replicator"
	"github.com/tbourn/ops-console-sync/internal/repo"
	"github.com/tbourn/ops-console-sync/internal/sysutil"
	"github.com/tbourn/ops-console-sync/internal/vendors"
)

var version = "dev"

const anonymousOperator = "console"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	session, sessErr := realtime.ParseSession(cfg.SessionToken, time.Now())
	operator := sysutil.FirstNonEmpty(session.UserID, anonymousOperator)
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, operator)
	if sessErr != nil && cfg.SessionToken != "" {
		log.Warn().Err(sessErr).Msg("session token unreadable; joining no personal rooms")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every session on the host opens the same file; it is both the restart
	// cache and the channel sessions use to converge.
	db, err := repo.OpenSQLite(cfg.DBPath, repo.Options{Tracing: cfg.DBTracing, Silent: cfg.LogLevel != "debug"})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open store")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate store")
	}
	if n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("purge idempotency keys")
	} else if n > 0 {
		log.Info().Int64("purged", n).Msg("expired idempotency keys removed")
	}

	// Signals between sessions: AMQP when a broker is configured, otherwise
	// the store sentinel.
	rep := replicator.New(db, replicator.Select(cfg.Sync, db, nil), cfg.Sync.Origin)

	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, observability.Build{Version: version, Instance: rep.Origin()})
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	center := notify.NewCenter(cfg.AlertCapacity)
	exec := optimistic.NewExecutor(center, cfg.MutationTimeout)

	backend := dispatch.NewHTTPBackend(cfg.Backend.BaseURL, cfg.SessionToken, cfg.Backend.Timeout)
	engine := dispatch.NewEngine(backend, exec, dispatch.Options{Notify: center, Replicator: rep})
	if ok, err := engine.LoadSnapshot(ctx); err != nil {
		log.Warn().Err(err).Msg("load stored queue")
	} else if ok {
		log.Info().Int("orders", len(engine.Queue())).Msg("queue restored from store")
	}
	if err := engine.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial refresh failed; serving stored state")
	}

	vendorSvc := vendors.NewService(exec, rep)
	if err := vendorSvc.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("load vendors")
	}

	// The poller covers for the realtime channel: it runs while push updates
	// are unavailable and stops once they are restored.
	poller := polling.New(cfg.Sync.PollInterval, cfg.Sync.TriggerRPS, engine.Refresh, center)

	var (
		client *realtime.Client
		status handlers.RealtimeChannel
	)
	if cfg.Realtime.URL != "" && sessErr == nil {
		client = realtime.NewClient(realtime.Config{
			URL:          cfg.Realtime.URL,
			Token:        cfg.SessionToken,
			MaxAttempts:  cfg.Realtime.MaxAttempts,
			BaseDelay:    cfg.Realtime.BaseDelay,
			MaxDelay:     cfg.Realtime.MaxDelay,
			PingInterval: cfg.Realtime.PingInterval,
		}, realtime.WSDialer{PingInterval: cfg.Realtime.PingInterval}, center)
		client.OnUnavailable(func() { poller.Start(ctx) })
		client.OnRestored(func() {
			poller.Stop()
			if err := engine.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("refresh after reconnect")
			}
		})
		unbind := engine.Bind(client, cfg.Zones)
		defer unbind()
		client.Connect()
		// After a give-up, dial again on a slow timer; POST /realtime/reconnect
		// does the same on demand.
		go client.Retry(ctx, cfg.Realtime.RetryInterval)
		status = client
	} else {
		log.Info().Bool("url_set", cfg.Realtime.URL != "").Msg("realtime not started; polling the backend")
		poller.Start(ctx)
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB: db,
		Services: handlers.Deps{
			Dispatch: engine,
			Vendors:  vendorSvc,
			Alerts:   center,
			Realtime: status,
			Poller:   poller,
		},
		Operator: operator,
		// The console API listens for this session's own UI, so bearer
		// tokens name the operator without signature checks.
		ParseOperator: func(authorization string) (string, error) {
			s, err := realtime.ParseSession(authorization, time.Now())
			return s.UserID, err
		},
	}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("operator", operator).Str("origin", rep.Origin()).Msg("console listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Stop intake first, then the push channel and background loops, and
	// close the transport last so final persists can still signal.

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if client != nil {
		client.Disconnect()
	}
	poller.Stop()
	vendorSvc.Close()
	engine.Close()
	if err := rep.Close(); err != nil {
		log.Warn().Err(err).Msg("close replicator")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
}
