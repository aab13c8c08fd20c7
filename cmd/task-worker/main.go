package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/oroshine/clinic-booking/internal/booking"
	"github.com/oroshine/clinic-booking/internal/cache"
	"github.com/oroshine/clinic-booking/internal/config"
	"github.com/oroshine/clinic-booking/internal/db"
	"github.com/oroshine/clinic-booking/internal/notify"
	redisclient "github.com/oroshine/clinic-booking/internal/redis"
	"github.com/oroshine/clinic-booking/internal/taskqueue"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("app", "task-worker").Logger()
	log.Info().Msg("task-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().
		Str("env", cfg.Env).
		Int("email_workers", cfg.EmailWorkers).
		Int("calendar_workers", cfg.CalendarWorkers).
		Msg("configuration loaded")

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
	store := cache.New(rdb, cache.TTLs{
		Slots:   cfg.SlotCacheTTL,
		Stats:   cfg.StatsCacheTTL,
		Home:    cfg.HomeCacheTTL,
		Profile: cfg.ProfileCacheTTL,
		Marker:  cfg.MarkerTTL,
	})
	queue := taskqueue.New(rdb, log)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Timezone).Msg("invalid timezone")
	}

	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("smtp sender init error")
	}

	var calendarAPI notify.CalendarAPI
	if cfg.CalendarCredentialsFile != "" && cfg.CalendarID != "" {
		gcal, err := notify.NewGoogleCalendar(rootCtx, cfg.CalendarCredentialsFile, cfg.CalendarID)
		if err != nil {
			log.Fatal().Err(err).Msg("calendar client init error")
		}
		calendarAPI = gcal
	} else {
		log.Warn().Msg("calendar credentials not configured, calendar tasks will be skipped")
		calendarAPI = notify.NoopCalendar{}
	}

	dispatcher := notify.NewDispatcher(repo, store, sender, calendarAPI, queue, notify.Options{
		AdminEmail:    cfg.AdminEmail,
		ClinicName:    cfg.ClinicName,
		ClinicAddress: cfg.ClinicAddr,
		Location:      loc,
	}, log)

	emailWorker := taskqueue.NewWorker(queue, taskqueue.LaneEmail, cfg.EmailWorkers, taskqueue.RetryPolicy{
		MaxAttempts: cfg.MaxTaskAttempts,
		Delay:       taskqueue.FixedDelay(cfg.EmailRetryDelay),
	}, log)
	calendarWorker := taskqueue.NewWorker(queue, taskqueue.LaneCalendar, cfg.CalendarWorkers, taskqueue.RetryPolicy{
		MaxAttempts: cfg.MaxTaskAttempts,
		Delay:       taskqueue.ExponentialBackoff(time.Minute),
	}, log)
	dispatcher.RegisterHandlers(emailWorker, calendarWorker)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		emailWorker.Run(rootCtx)
	}()
	go func() {
		defer wg.Done()
		calendarWorker.Run(rootCtx)
	}()

	beat := cron.New(cron.WithLocation(loc))
	if _, err := beat.AddFunc(cfg.ReminderCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := dispatcher.EnqueueReminders(ctx); err != nil {
			log.Error().Err(err).Msg("reminder sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ReminderCron).Msg("invalid reminder schedule")
	}
	if _, err := beat.AddFunc(cfg.DeadPruneCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		dispatcher.PruneDeadTasks(ctx)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.DeadPruneCron).Msg("invalid prune schedule")
	}
	beat.Start()
	log.Info().Str("reminders", cfg.ReminderCron).Str("dead_prune", cfg.DeadPruneCron).Msg("beat schedule started")

	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received, draining workers")

	beatCtx := beat.Stop()
	<-beatCtx.Done()
	wg.Wait()

	log.Info().Msg("task-worker stopped")
}
