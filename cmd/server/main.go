// Command server runs the consultation backend: REST API, websocket chat
// and per-minute session billing.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/astro-consult-backend/internal/billing"
	"github.com/tbourn/astro-consult-backend/internal/config"
	httpapi "github.com/tbourn/astro-consult-backend/internal/http"
	"github.com/tbourn/astro-consult-backend/internal/invoice"
	"github.com/tbourn/astro-consult-backend/internal/lock"
	"github.com/tbourn/astro-consult-backend/internal/notify"
	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/presence"
	"github.com/tbourn/astro-consult-backend/internal/realtime"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/services"
	"github.com/tbourn/astro-consult-backend/internal/sysutil"
)

var version = "dev"

func main() {
	// Missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	lg := sysutil.SetupLogger(sysutil.LoggerOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
	})
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, lg); err != nil {
		lg.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, lg zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			lg.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	// Redis is optional: without it locks are in-process and push jobs and
	// the message mirror are disabled.
	var rdb redis.UniversalClient
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = lock.NewRedisLocker(rdb, cfg.Billing.SessionLockTTL)
		lg.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}

	meter := billing.NewMeter(billing.System(), lg)
	defer meter.Close()

	invoices, err := invoice.NewGenerator(db, cfg.SnowflakeNode)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(db, rdb, lg)
	dispatcher.OnFailure = observability.CountFailure
	mirror := notify.NewMirror(rdb, lg)
	mirror.OnFailure = observability.CountFailure

	registry := presence.NewRegistry()
	hub := realtime.NewHub(lg)
	out := &services.Outbox{Registry: registry, Transport: hub}

	sessions := services.NewSessionService(db, meter, locker, out, dispatcher, cfg.Billing.Interval, lg)
	sessions.Invoicer = invoices
	requests := services.NewRequestService(db, sessions, cfg.Billing.RequestTTL, lg)
	requests.Locks = locker
	messages := services.NewMessageService(db, out, dispatcher, mirror, cfg.MaxMessageRunes, lg)
	presenceSvc := &services.PresenceService{DB: db, Registry: registry, Out: out, Log: lg}
	wallets := &services.WalletService{
		DB:             db,
		Out:            out,
		Notifier:       dispatcher,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Log:            lg.With().Str("component", "wallet").Logger(),
	}
	directory := &services.DirectoryService{DB: db}

	ws := realtime.NewRouter(hub, registry, presenceSvc, requests, sessions, messages, cfg.WS, cfg.CORS.AllowedOrigins, lg)

	if _, err := sessions.Resume(ctx); err != nil {
		return err
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        db,
		Directory: directory,
		Wallets:   wallets,
		Sessions:  sessions,
		Requests:  requests,
		Messages:  messages,
		Realtime:  ws,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return requests.Janitor(gctx, cfg.Billing.JanitorInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info().Msg("shutting down")
		hub.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
