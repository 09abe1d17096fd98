package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/db"
	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/health"
	intnet "github.com/hbbalancer/hbbalancer/internal/network"
	"github.com/hbbalancer/hbbalancer/internal/util"
)

// Catalog lists the configured worlds and their backends.
type Catalog interface {
	Worlds() []string
	Descriptors(world string) []directory.Descriptor
	Resolve(world string) (directory.Descriptor, error)
}

// SessionSource exposes the live sessions and counters of the listener.
type SessionSource interface {
	Sessions() *intnet.SessionRegistry
	Stats() intnet.StatsSnapshot
}

// HealthSource exposes backend probe results.
type HealthSource interface {
	Status() []health.BackendStatus
	ProbeWorld(ctx context.Context, world string) []health.BackendStatus
}

// HistorySource reads the handshake audit log.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]db.HandshakeRecord, error)
	CountByOutcome(ctx context.Context) (map[events.Outcome]int, error)
}

// Dependencies are the runtime components the API reports on. History and
// Health may be nil when the corresponding service is disabled.
type Dependencies struct {
	Catalog  Catalog
	Sessions SessionSource
	Health   HealthSource
	History  HistorySource
}

// Server is the REST API of the balancer.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Dependencies

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, deps Dependencies) *Server {
	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		deps:     deps,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.ApplicationData.API
	sec := s.cfg.ApplicationData.Security

	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if sec.TLSEnabled {
		if err := util.EnsureCert(sec.TLSCertFile, sec.TLSKeyFile, "localhost", "127.0.0.1"); err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(sec.TLSCertFile, sec.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if sec.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.ApplicationData.Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must stay false with a "*" origin
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.ApplicationData.Security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	auth := NewAuthMiddleware(s.cfg.ApplicationData.Security)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
		public.GET("/info", s.handleGetInfo)
	}

	protected := router.Group("/api")
	protected.Use(auth.IPWhitelist())
	protected.Use(auth.RequireAuth())
	{
		protected.GET("/worlds", s.handleGetWorlds)
		protected.GET("/worlds/:world/resolve", s.handleResolveWorld)
		protected.GET("/sessions", s.handleGetSessions)
		protected.GET("/stats", s.handleGetStats)
		protected.GET("/backends/health", s.handleGetBackendHealth)
		protected.POST("/backends/:world/probe", s.handleProbeWorld)
		protected.GET("/handshakes", s.handleGetHandshakes)
		protected.GET("/system/cpu", s.handleGetCPUUsage)
		protected.GET("/system/memory", s.handleGetMemoryUsage)
		protected.GET("/system/process", s.handleGetProcessUsage)
		protected.GET("/config", s.handleGetConfig)
	}

	router.GET("/metrics", auth.IPWhitelist(), gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": util.AppName + " API is running",
		})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
