package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/CopperlineOS/exec-rt/internal/api/middleware"
	"github.com/CopperlineOS/exec-rt/internal/infrastructure/config"
	"github.com/CopperlineOS/exec-rt/internal/infrastructure/monitoring"
	"github.com/CopperlineOS/exec-rt/internal/kernel"
)

// Server is the privileged telemetry/debug HTTP endpoint. It exposes
// only read paths; all mutation goes through the kernel ABI.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	log    *zap.Logger
}

// NewServer wires routes and middleware for the telemetry API.
func NewServer(cfg *config.Config, k *kernel.Kernel, metrics *monitoring.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if metrics != nil {
		router.Use(monitoring.Middleware(metrics))
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := NewHandlers(k, log)
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/telemetry/stats", handlers.Stats)
	router.GET("/telemetry/ring", handlers.Ring)
	router.GET("/telemetry/latency", handlers.Latency)
	router.GET("/telemetry/tasks", handlers.Tasks)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		router: router,
		srv: &http.Server{
			Addr:              cfg.API.Host + ":" + cfg.API.Port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until Shutdown or a listener error.
func (s *Server) Run() error {
	s.log.Info("telemetry API listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
