package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/api/routes"
	"github.com/Wikid82/warden/internal/cerberus"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/store"
)

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine    *gin.Engine
	Services  *services.Engine
	Scheduler *services.Scheduler
	cfg       config.Config
}

// New wires the store, the services, the admission gate and the HTTP router.
// A nil clock means the wall clock.
func New(db *gorm.DB, cfg config.Config, clock services.Clock) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	gw := store.NewResilient(store.NewGormStore(db, cfg.Security.StoreTimeout), store.BreakerSettings{
		OnStateChange: func(_, to gobreaker.State) {
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	engine := services.NewEngine(db, gw, cfg, clock)

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		return nil, fmt.Errorf("%w: trusted proxies: %v", config.ErrInvalid, err)
	}
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Recovery(cfg.Debug, cfg.Security.APIKeyHeader, cfg.Security.CountryHeader),
		middleware.SecurityHeaders(cfg.Environment == "development"),
	)

	if err := routes.Register(router, routes.Deps{DB: db, Engine: engine, Breaker: gw}, cfg); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	gate := cerberus.New(cfg.Security, engine.Lifecycle, engine.Limiter, engine.Flood, engine.Clock)
	if err := attachUpstream(router, cfg.UpstreamURL, gate); err != nil {
		return nil, err
	}

	return &Server{
		Engine:    router,
		Services:  engine,
		Scheduler: services.NewScheduler(services.EngineJobs(cfg, *engine)...),
		cfg:       cfg,
	}, nil
}

// attachUpstream sends every unmatched route through admission. Admitted
// requests are proxied to the upstream, or answered 404 when none is set.
func attachUpstream(router *gin.Engine, upstream string, gate *cerberus.Cerberus) error {
	if upstream == "" {
		router.NoRoute(gate.Middleware(), func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
		})
		return nil
	}

	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("%w: invalid upstream url %q", config.ErrInvalid, upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	log := logger.Component("proxy")
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithField("path", middleware.SanitizePath(r.URL.Path)).Warn("upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	router.NoRoute(gate.Middleware(), func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	})
	return nil
}

// Run starts the sweeps and the HTTP server with proper shutdown semantics.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		<-s.Scheduler.Stop().Done()
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.HTTPPort),
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Log().WithField("port", s.cfg.HTTPPort).Info("warden listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
