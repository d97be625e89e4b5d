package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmehdipour/notification-relay/internal/config"
	"github.com/jmehdipour/notification-relay/internal/dispatcher"
	"github.com/jmehdipour/notification-relay/internal/http/middleware"
	"github.com/jmehdipour/notification-relay/internal/ledger"
	"github.com/jmehdipour/notification-relay/internal/metrics"
	"github.com/jmehdipour/notification-relay/internal/outbox"
	"github.com/jmehdipour/notification-relay/internal/repository"
	"github.com/jmehdipour/notification-relay/internal/service/dispatch"
	"github.com/jmehdipour/notification-relay/internal/validator"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxBodySize = "512K"

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// api holds what the routes need; tests build it from fakes.
type api struct {
	validator *validator.Validator
	sender    Sender
	lookup    DispatchLookup
	reports   repository.CHDispatchesRepository
	defaultCC string
	log       *zap.Logger
}

// NewServer wires repositories, the dispatch pipeline and routes.
// clickhouseDB and rds may be nil.
func NewServer(cfg config.Config, log *zap.Logger, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) (*Server, error) {
	if err := cfg.ValidateSend(); err != nil {
		return nil, err
	}

	// repos (MySQL)
	recordsRepo := repository.NewDispatchRecordsRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	var reports repository.CHDispatchesRepository
	if clickhouseDB != nil {
		reports = repository.NewCHDispatchesRepository(clickhouseDB)
	}

	// providers
	var provs []dispatcher.Provider
	for _, p := range cfg.EnabledProviders() {
		provs = append(provs, dispatcher.NewHTTPProvider(
			p.Name, p.BaseURL, p.EmailPath, p.SMSPath, p.APIKey,
			p.TimeoutMs, p.Breaker.FailThreshold, p.Breaker.OpenForMs,
		))
		log.Info("provider enabled", zap.String("provider", p.Name), zap.String("base_url", p.BaseURL))
	}
	router := dispatcher.NewRouter(provs, cfg.Sender.Email, cfg.Sender.PhoneNumber)

	// services
	l := ledger.New(recordsRepo, cfg.Dispatch.PendingTTL)
	pipeline := dispatch.NewPipeline(l, router, outbox.NewRecorder(outboxRepo), dispatch.Policy{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseDelay:      cfg.Dispatch.BaseDelay,
		MaxDelay:       cfg.Dispatch.MaxDelay,
		MaxElapsed:     cfg.Dispatch.MaxElapsed,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		StoreTimeout:   cfg.Dispatch.StoreTimeout,
	}, log)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	a := api{
		validator: validator.New(cfg.Phone.DefaultCountryCode),
		sender:    pipeline,
		lookup:    l,
		reports:   reports,
		defaultCC: cfg.Phone.DefaultCountryCode,
		log:       log,
	}
	return &Server{e: newEcho(cfg, a, rds), log: log}, nil
}

func newEcho(cfg config.Config, a api, rds *redis.Client) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:key:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", echoMid.BodyLimit(maxBodySize), authMW, rlMW)
	v1.POST("/email/send", sendEmailHandler(a.validator, a.sender, a.log))
	v1.POST("/sms/send", sendSMSHandler(a.validator, a.sender, a.log))
	v1.GET("/dispatches/:id", getDispatchHandler(a.lookup, a.log))
	v1.GET("/reports/dispatches", listDispatchesHandler(a.reports, a.defaultCC, a.log))

	return e
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// echoLogLevel maps the zap level names onto echo's logger, which only
// carries framework and middleware messages.
func echoLogLevel(level string) gommonlog.Lvl {
	switch level {
	case "debug":
		return gommonlog.DEBUG
	case "warn":
		return gommonlog.WARN
	case "error":
		return gommonlog.ERROR
	default:
		return gommonlog.INFO
	}
}
