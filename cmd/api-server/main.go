package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/propagation"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/sheets"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("data_source", cfg.DataSource).
		Str("sync_target", cfg.SyncTarget).
		Str("version", version).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc := cfg.Location()
	hasher := auth.NewBcryptHasher(0)

	var pgPool *pgxpool.Pool
	if cfg.DataSource == config.DataSourcePostgres || cfg.SyncTarget == config.SyncTargetPostgres {
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()
		logger.Info().Msg("connected to Postgres")
	}

	var (
		rdb    *redis.Client
		locker redisclient.Locker
	)
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, slot locks are local to this process")
			rdb = nil
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					logger.Error().Err(err).Msg("error closing redis")
				}
			}()
			locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
			logger.Info().Msg("connected to Redis")
		}
	}
	if locker == nil {
		locker = redisclient.NewLocalSlotLocker()
	}

	var loader appointment.Loader
	switch cfg.DataSource {
	case config.DataSourceSheets:
		loader = sheets.NewLoader(cfg.SheetsDir, hasher)
	default:
		loader = appointment.NewPgRepository(pgPool)
	}

	loadCtx, cancelLoad := context.WithTimeout(rootCtx, 30*time.Second)
	snap, err := loader.LoadSnapshot(loadCtx)
	cancelLoad()
	if err != nil {
		logger.Fatal().Err(err).Msg("initial load failed")
	}
	store := appointment.NewStore(snap)
	logger.Info().
		Int("patients", len(snap.Patients)).
		Int("specialists", len(snap.Specialists)).
		Int("services", len(snap.Services)).
		Int("users", len(snap.Users)).
		Int("appointments", len(snap.Appointments)).
		Msg("entity store loaded")

	var target propagation.Propagator
	switch cfg.SyncTarget {
	case config.SyncTargetPostgres:
		target = appointment.NewPgRepository(pgPool)
	case config.SyncTargetWebhook:
		target = sheets.NewWebhook(cfg.SyncWebhookURL, cfg.SyncWebhookKey, cfg.SyncTimeout, func(id string) string {
			sv, _ := store.Service(id)
			return sv.Name
		})
	default:
		target = propagation.Nop{}
	}

	board := propagation.NewBoard(0)
	dispatcher := propagation.NewDispatcher(target, propagation.Options{
		Workers:   cfg.SyncWorkers,
		QueueSize: cfg.SyncQueueSize,
		Timeout:   cfg.SyncTimeout,
	}, board, logger)
	dispatcher.Start()

	svc := appointment.NewService(store, locker, dispatcher, hasher, logger, appointment.Options{
		Grid:     appointment.GridOptions{StartHour: cfg.CalendarStartHour, EndHour: cfg.CalendarEndHour},
		Location: loc,
	})

	secret := cfg.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn().Msg("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	authenticator := auth.NewAuthenticator(store, hasher, auth.NewTokens(secret, cfg.JWTTTL), logger)

	scheduler := cron.New(cron.WithLocation(loc))
	switch {
	case cfg.RefreshEnabled():
		refresher := appointment.NewRefresher(loader, store, dispatcher, logger)
		_, err := scheduler.AddFunc(cfg.RefreshSchedule, func() {
			_, _ = refresher.Refresh(rootCtx)
		})
		if err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.RefreshSchedule).Msg("invalid REFRESH_SCHEDULE")
		}
		scheduler.Start()
	case cfg.RefreshSchedule != "":
		logger.Warn().
			Str("data_source", cfg.DataSource).
			Str("sync_target", cfg.SyncTarget).
			Msg("REFRESH_SCHEDULE ignored, local changes are not written back to the data source")
	}

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		Auth:    authenticator,
		Board:   board,
		Sync:    dispatcher,
		PgPool:  pgPool,
		Redis:   rdb,
		Logger:  logger,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	<-scheduler.Stop().Done()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("pending", dispatcher.Pending()).Msg("propagation did not drain")
	}

	logger.Info().Msg("api-server stopped")
}
