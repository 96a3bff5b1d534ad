package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/approval"
	"github.com/iliyamo/ewaste-tracker/internal/claimsync"
	"github.com/iliyamo/ewaste-tracker/internal/config"
	"github.com/iliyamo/ewaste-tracker/internal/database"
	"github.com/iliyamo/ewaste-tracker/internal/handler"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/metrics"
	"github.com/iliyamo/ewaste-tracker/internal/middleware"
	"github.com/iliyamo/ewaste-tracker/internal/model"
	"github.com/iliyamo/ewaste-tracker/internal/queue"
	"github.com/iliyamo/ewaste-tracker/internal/ratelimit"
	"github.com/iliyamo/ewaste-tracker/internal/repository"
	"github.com/iliyamo/ewaste-tracker/internal/router"
	"github.com/iliyamo/ewaste-tracker/internal/service"
	"github.com/iliyamo/ewaste-tracker/internal/session"
	"github.com/iliyamo/ewaste-tracker/internal/tokenstore"
)

// claimsScheduler is what the approval core hands account ids to.
type claimsScheduler interface {
	Schedule(accountID uint64)
}

func main() {
	cfg := config.Load()
	rlCfg := config.LoadRateLimitConfig()
	syncCfg := config.LoadSyncConfig()
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := database.Migrate(migrateCtx, db); err != nil {
		cancel()
		log.WithError(err).Fatal("schema migration failed")
	}
	cancel()

	rdb, err := config.NewRedisClient()
	if err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	defer rdb.Close()

	metrics.Init()

	// identity and sessions
	provider := identity.NewJWTProvider(rdb, cfg.JWTSecret, cfg.JWTIssuer, identity.WithTimeout(cfg.ProviderTimeout))
	revoked := tokenstore.New(rdb, tokenstore.DefaultConfig())
	sessions := session.NewService(provider, revoked, cfg.AccessTTL, log.WithField("component", "session"))
	limiter := ratelimit.New(rdb, rlCfg, log.WithField("component", "ratelimit"))
	if rlCfg.Bypass {
		log.Warn("rate limiting bypassed by operator configuration")
	}

	// persistence
	accounts := repository.NewAccountRepo(db)
	requests := repository.NewRoleRequestRepo(db)

	// claims sync
	retry := claimsync.RetryPolicy{
		MaxAttempts:       syncCfg.MaxAttempts,
		InitialDelay:      syncCfg.InitialDelay,
		MaxDelay:          syncCfg.MaxDelay,
		BackoffMultiplier: 2,
	}
	syncer := claimsync.New(accounts, provider, retry, syncCfg.ReconcileRPS, log.WithField("component", "claimsync"))

	var (
		scheduler    claimsScheduler
		dispatcher   *claimsync.Dispatcher
		publisher    *service.ClaimsPublisher
		consumerDone = make(chan struct{})
	)
	switch syncCfg.Transport {
	case "amqp":
		publisher = service.NewClaimsPublisher(syncCfg.AMQPURL, syncCfg.JobTimeout, log.WithField("component", "claims-publisher"))
		scheduler = publisher
		go func() {
			defer close(consumerDone)
			err := queue.StartClaimsSyncConsumer(ctx, syncCfg.AMQPURL, syncer, syncCfg.JobTimeout, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("claims consumer stopped")
			}
		}()
	default:
		dispatcher = claimsync.NewDispatcher(syncer, syncCfg.Workers, syncCfg.QueueSize, syncCfg.JobTimeout, log.WithField("component", "claims-dispatcher"))
		dispatcher.Start()
		scheduler = dispatcher
		close(consumerDone)
	}
	log.WithField("transport", syncCfg.Transport).Info("claims sync ready")

	// approval core
	approvals := approval.NewService(accounts, requests, scheduler, sessions, approval.Options{
		Policy:          model.ParseRejectPolicy(cfg.RejectPolicy),
		RevokeOnApprove: cfg.RevokeOnApprove,
		Logger:          log.WithField("component", "approval"),
	})
	registrar := approval.NewRegistrar(accounts, provider, approvals, scheduler, cfg.BcryptCost, log.WithField("component", "registrar"))

	if cfg.SuperAdminEmail != "" {
		bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := registrar.BootstrapSuperAdmin(bootCtx, cfg.SuperAdminEmail, cfg.SuperAdminPassword); err != nil {
			log.WithError(err).Error("super admin bootstrap failed")
		}
		cancel()
	}

	sched := cron.New()
	if _, err := sched.AddFunc(syncCfg.ReconcileSchedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := syncer.Reconcile(runCtx, false); err != nil {
			log.WithError(err).Warn("scheduled claims reconciliation stopped early")
		}
	}); err != nil {
		log.WithError(err).Fatalf("invalid reconcile schedule %q", syncCfg.ReconcileSchedule)
	}
	sched.Start()

	// http
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler(log)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(requestLogger(log))

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	router.RegisterRoutes(e, handler.Ready(map[string]handler.Pinger{
		"mysql": db,
		"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}))
	pipeline := router.Pipeline{
		Verifier:       sessions,
		Limiter:        limiter,
		Accounts:       accounts,
		Sanitizer:      middleware.NewSanitizer(),
		BodyLimit:      cfg.BodyLimit,
		TrustedProxies: cfg.TrustedProxies,
	}
	if err := router.Configure(e, pipeline); err != nil {
		log.WithError(err).Fatal("invalid TRUSTED_PROXIES")
	}
	router.RegisterAuth(e, pipeline,
		handler.NewAuthHandler(registrar, sessions, accounts),
		handler.NewRoleRequestHandler(approvals, accounts))
	router.RegisterAdmin(e, pipeline, handler.NewAdminHandler(approvals, accounts, syncer, sessions))

	addr := ":" + cfg.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	<-sched.Stop().Done()
	if dispatcher != nil {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("claims dispatcher did not drain")
		}
	}
	if publisher != nil {
		publisher.Close()
	}
	<-consumerDone
	log.Info("stopped")
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" || cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"remote_ip":  v.RemoteIP,
				"request_id": v.RequestID,
			})
			switch {
			case v.Status >= http.StatusInternalServerError:
				entry.WithError(v.Error).Error("request")
			case v.Status >= http.StatusBadRequest:
				entry.Warn("request")
			default:
				entry.Info("request")
			}
			return nil
		},
	})
}
