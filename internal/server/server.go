package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// HealthChecker is a monitored host that can report its health status.
type HealthChecker interface {
	Name() string
	Ping(ctx context.Context) error
	LockState() string
}

type Server struct {
	Engine *gin.Engine
	Addr   string
	hosts  func() []HealthChecker
	logger *zap.Logger
}

type hostHealth struct {
	Name  string `json:"name"`
	Redis string `json:"redis"`
	Lock  string `json:"lock"`
	Error string `json:"error,omitempty"`
}

// New builds the ops server: /health checks every host returned by hosts and /metrics
// serves gatherer.
func New(addr, mode string, hosts func() []HealthChecker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		Engine: r,
		Addr:   addr,
		hosts:  hosts,
		logger: logger,
	}

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	healthy := true
	report := []hostHealth{}
	for _, h := range s.hosts() {
		hh := hostHealth{Name: h.Name(), Redis: "connected", Lock: h.LockState()}
		if err := h.Ping(ctx); err != nil {
			s.logger.Error("health check failed: redis unreachable", zap.String("host", h.Name()), zap.Error(err))
			healthy = false
			hh.Redis = "unreachable"
			hh.Error = err.Error()
		}
		report = append(report, hh)
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"hosts":  report,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"hosts":  report,
	})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	s.logger.Info("starting ops server", zap.String("address", s.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("stopping ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("ops server forced to shutdown", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
