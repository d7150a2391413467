package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/plugin/route/profiles"
	routesystem "github.com/fchat-tools/profilecache/internal/plugin/route/system"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"
	registryroute "github.com/fchat-tools/profilecache/internal/registry/route"
	"github.com/fchat-tools/profilecache/internal/security"
	"github.com/fchat-tools/profilecache/internal/service"
	"github.com/fchat-tools/profilecache/internal/session"
)

// Server holds the running session and its management API.
type Server struct {
	Config     *config.Config
	Session    *session.Session
	Sweep      service.SweepResult
	Router     *gin.Engine
	HTTPServer *http.Server
	Addr       net.Addr
	Port       int
}

// Shutdown stops the HTTP server, then the session.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	var errs []error
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.Session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session close: %w", err))
	}
	return errors.Join(errs...)
}

// StartServer opens a session, starts it and serves the management API.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config, force bool) (*Server, error) {
	log.Info("Starting profile cache",
		"port", cfg.Listener.Port,
		"store", cfg.StoreType,
		"fetcher", cfg.FetchType,
	)

	metricsLabels, err := metrics.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	metrics.InitMetrics(metricsLabels)

	if cfg.StoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	sess, err := session.New(ctx, session.Options{})
	if err != nil {
		return nil, err
	}
	sweep, err := sess.StartSession(ctx, cfg.ProfileMaxAgeDays, force)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	log.Info("Session started",
		"session", sess.ID,
		"resynced", sweep.Resynced,
		"profilesFlushed", sweep.ProfilesFlushed,
		"overridesFlushed", sweep.OverridesFlushed,
	)

	router, err := newRouter(cfg, sess)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := 0
	if tcp, ok := lis.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	routesystem.MarkReady(sess.ID.String())
	log.Info("Management API listening", "addr", lis.Addr().String())

	return &Server{
		Config:     cfg,
		Session:    sess,
		Sweep:      sweep,
		Router:     router,
		HTTPServer: httpServer,
		Addr:       lis.Addr(),
		Port:       port,
	}, nil
}

func newRouter(cfg *config.Config, sess *session.Session) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLogProbes {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(metrics.MetricsMiddleware())
	router.Use(security.MaxBodySizeMiddleware(cfg.MaxBodySize))

	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	profiles.MountRoutes(router, sess)
	return router, nil
}
