package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/config"
	"github.com/iliyamo/local-heroes/internal/database"
	"github.com/iliyamo/local-heroes/internal/geocoding"
	"github.com/iliyamo/local-heroes/internal/handler"
	"github.com/iliyamo/local-heroes/internal/jobs"
	"github.com/iliyamo/local-heroes/internal/logging"
	"github.com/iliyamo/local-heroes/internal/mail"
	"github.com/iliyamo/local-heroes/internal/metrics"
	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/oauth"
	"github.com/iliyamo/local-heroes/internal/queue"
	"github.com/iliyamo/local-heroes/internal/realtime"
	"github.com/iliyamo/local-heroes/internal/repository"
	"github.com/iliyamo/local-heroes/internal/router"
	"github.com/iliyamo/local-heroes/internal/service"
)

const shutdownTimeout = 10 * time.Second

func tokenConfig(cfg config.Config) service.TokenConfig {
	return service.TokenConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     time.Duration(cfg.AccessTTLMin) * time.Minute,
		RefreshTTL:    time.Duration(cfg.RefreshTTLDays) * 24 * time.Hour,
		MaxActive:     cfg.MaxActiveSessions,
	}
}

// eventBus is the publishing side of the task event transport plus a
// way to run its consumer.
type eventBus struct {
	publisher service.EventPublisher
	run       func(ctx context.Context, h queue.Handler) error
	close     func()
}

func newEventBus(cfg config.BrokerConfig, log logrus.FieldLogger) eventBus {
	if cfg.URL == "" {
		mq := queue.NewMemoryQueue(256, log)
		log.Info("no broker configured; task events stay in process")
		return eventBus{publisher: mq, run: mq.Run, close: mq.Close}
	}
	pub := queue.NewPublisher(cfg.URL, cfg.Queue, log)
	return eventBus{
		publisher: pub,
		run: func(ctx context.Context, h queue.Handler) error {
			return queue.NewConsumer(cfg.URL, cfg.Queue, h, log).Run(ctx)
		},
		close: func() { _ = pub.Close() },
	}
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, migrateFirst bool) error {
	log := logging.New(cfg.Env, cfg.LogLevel)

	if migrateFirst {
		if err := database.MigrateUp(cfg); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mongoClient, mongoDB, err := database.OpenMongo(ctx, config.LoadMongoConfig())
	if err != nil {
		return err
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	rdb := config.NewRedisClient(config.LoadRedisConfig(), log)
	if rdb != nil {
		defer rdb.Close()
	}

	// repositories
	users := repository.NewUserRepo(db)
	tasksRepo := repository.NewTaskRepo(db)
	messages := repository.NewMessageRepo(mongoDB)
	if err := messages.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	// external integrations
	sender, err := mail.New(config.LoadMailConfig(), log)
	if err != nil {
		return err
	}
	var geocoder service.Geocoder
	if gcfg := config.LoadGeocodingConfig(); gcfg.Enabled {
		geocoder = geocoding.NewNominatim(gcfg, log)
	}
	ocfg := config.LoadOAuthConfig()
	var google service.OAuthProvider
	if g := oauth.NewGoogle(ocfg); g != nil {
		google = g
	}

	// services
	hub := realtime.NewHub(log)
	bus := newEventBus(config.LoadBrokerConfig(), log)
	defer bus.close()

	tokens := service.NewTokenService(repository.NewTokenRepo(db), tokenConfig(cfg), log)
	auth := service.NewAuthService(users, tokens, sender, google, service.AuthConfig{
		ResetSecret:  cfg.JWTPasswordSecret,
		ResetTTL:     time.Duration(cfg.ResetTTLMin) * time.Minute,
		BcryptCost:   cfg.BcryptCost,
		PublicOrigin: cfg.PublicOrigin,
	}, log)
	tasks := service.NewTaskService(tasksRepo, users, bus.publisher, geocoder, cfg.PaymentsEnabled, log)
	notifications := service.NewNotificationService(repository.NewNotificationRepo(db), hub, log)
	chat := service.NewMessageService(messages, users, hub, log)
	profiles := service.NewUserService(users, log)

	// background workers
	go hub.Run(ctx)
	go func() {
		if err := bus.run(ctx, notifications.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("event consumer stopped")
		}
	}()
	sched := jobs.NewScheduler(log)
	if err := sched.AddTokenSweep(cfg.SweepSchedule, tokens); err != nil {
		return err
	}
	sched.Start()

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(log)
	e.Validator = middleware.NewValidator()
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     []string{cfg.PublicOrigin},
		AllowCredentials: true,
		ExposeHeaders:    []string{middleware.RenewedTokenHeader},
	}))
	e.Use(logging.RequestLogger(log))
	e.Use(metrics.Middleware())

	guards := router.Guards{
		Auth:      middleware.JWTAuth(tokens, cfg.IsProd(), log),
		Optional:  middleware.OptionalJWT(tokens),
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
		Cache:     middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log),
	}
	checks := map[string]handler.Pinger{
		"mysql": db.PingContext,
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	router.RegisterRoutes(e, handler.Health(checks))
	router.RegisterAuth(e, handler.NewAuthHandler(auth, cfg.IsProd(), ocfg.SuccessRedirect, log), guards)
	router.RegisterUsers(e, handler.NewUserHandler(profiles, log), guards)
	router.RegisterTasks(e, handler.NewTaskHandler(tasks, log), guards)
	router.RegisterNotifications(e, handler.NewNotificationHandler(notifications, log), guards)
	router.RegisterMessages(e, handler.NewMessageHandler(chat, log),
		realtime.NewHandler(hub, tokens, chat, cfg.PublicOrigin, log), guards)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sched.Stop(sctx)
	return e.Shutdown(sctx)
}
