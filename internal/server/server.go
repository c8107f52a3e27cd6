package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/leaguecore/internal/database"
	"github.com/Aidin1998/leaguecore/internal/database/cache"
	apperrors "github.com/Aidin1998/leaguecore/pkg/errors"
	applog "github.com/Aidin1998/leaguecore/pkg/logger"
	"github.com/Aidin1998/leaguecore/pkg/metrics"
)

// Database is the view of the query executor the status routes need.
type Database interface {
	Metrics() metrics.Snapshot
	PoolStats() database.PoolStats
}

// Cache is the view of the tiered cache the status routes need.
type Cache interface {
	Stats() cache.Stats
}

// Server exposes health, stats and Prometheus metrics over HTTP.
type Server struct {
	logger   *zap.Logger
	db       Database
	cache    Cache
	registry *prometheus.Registry

	httpServer *http.Server
}

// NewServer creates a status server. cache and registry may be nil.
func NewServer(logger *zap.Logger, db Database, cache Cache, registry *prometheus.Registry) *Server {
	logger = applog.OrNop(logger)
	return &Server{
		logger:   logger.Named("status"),
		db:       db,
		cache:    cache,
		registry: registry,
	}
}

// Router creates the HTTP router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("leaguecore"))
	router.Use(cors.Default())

	router.GET("/healthz", s.handleHealth)
	router.GET("/stats/db", s.handleDBStats)
	router.GET("/stats/cache", s.handleCacheStats)

	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		problem(c, apperrors.NewNotFoundError("no such route", c.Request.URL.Path))
	})

	return router
}

// handleHealth reports 503 while the database breaker is open. An open cache
// breaker only degrades performance and is reported without failing.
func (s *Server) handleHealth(c *gin.Context) {
	pool := s.db.PoolStats()

	components := gin.H{"database": pool.CircuitState}
	if s.cache != nil {
		stats := s.cache.Stats()
		if stats.RemoteEnabled {
			components["cache"] = stats.RemoteState
			components["cache_healthy"] = stats.RemoteHealthy
		}
	}

	if pool.CircuitState == database.StateOpen {
		p := apperrors.NewServiceUnavailableError("database circuit is open", c.Request.URL.Path)
		for k, v := range components {
			p.WithExtra(k, v)
		}
		problem(c, p)
		return
	}
	components["status"] = "ok"
	c.JSON(http.StatusOK, components)
}

func (s *Server) handleDBStats(c *gin.Context) {
	snap := s.db.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"metrics": gin.H{
			"total_queries":         snap.TotalQueries,
			"slow_queries":          snap.SlowQueries,
			"avg_execution_time_ms": float64(snap.AvgExecutionTime) / float64(time.Millisecond),
			"p95_execution_time_ms": float64(snap.P95ExecutionTime) / float64(time.Millisecond),
			"error_rate":            snap.ErrorRate,
		},
		"pool": s.db.PoolStats(),
	})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.cache == nil {
		problem(c, apperrors.NewNotFoundError("cache not configured", c.Request.URL.Path))
		return
	}
	c.JSON(http.StatusOK, s.cache.Stats())
}

func problem(c *gin.Context, p *apperrors.ProblemDetails) {
	body, err := p.MarshalJSON()
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(p.Status, apperrors.ContentType, body)
}

// Start serves the router on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting status server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
