package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oroshine/clinic-booking/internal/api"
	"github.com/oroshine/clinic-booking/internal/booking"
	"github.com/oroshine/clinic-booking/internal/cache"
	"github.com/oroshine/clinic-booking/internal/config"
	"github.com/oroshine/clinic-booking/internal/db"
	"github.com/oroshine/clinic-booking/internal/notify"
	redisclient "github.com/oroshine/clinic-booking/internal/redis"
	"github.com/oroshine/clinic-booking/internal/taskqueue"
)

const version = "1.0.0"

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("app", "api-server").Logger()
	log.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := booking.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	store := cache.New(rdb, cache.TTLs{
		Slots:   cfg.SlotCacheTTL,
		Stats:   cfg.StatsCacheTTL,
		Home:    cfg.HomeCacheTTL,
		Profile: cfg.ProfileCacheTTL,
		Marker:  cfg.MarkerTTL,
	})
	bus := booking.NewEventBus()
	queue := taskqueue.New(rdb, log)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Timezone).Msg("invalid timezone")
	}

	// The API process only enqueues; workers deliver. A nil sender and
	// calendar keep the dispatcher honest about that.
	dispatcher := notify.NewDispatcher(repo, store, nil, nil, queue, notify.Options{
		AdminEmail:    cfg.AdminEmail,
		ClinicName:    cfg.ClinicName,
		ClinicAddress: cfg.ClinicAddr,
		Location:      loc,
	}, log)
	dispatcher.SubscribeTo(bus)

	svc := booking.NewService(repo, locker, store, bus, log)

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		PgPool:  pgPool,
		Redis:   rdb,
		Logger:  log,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
