// Package server implements §4.6's optional management HTTP listener:
// /health, /health/ready, /metrics, /config, /circuit-breakers, /admin/reset.
// Grounded on the teacher's gin-gonic/gin dependency (used there for the
// HTTP module's fetch bridge plumbing); here gin drives the six management
// routes directly instead.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/somlang/modsys/internal/breaker"
	"github.com/somlang/modsys/internal/metrics"
	"github.com/somlang/modsys/pkg/config"
)

// ConfigStore is the subset of config access the server needs: read the
// live config, and merge+validate an update (§4.6 "/config POST/PUT merges
// updates and re-validates").
type ConfigStore interface {
	Current() config.Config
	Merge(update map[string]interface{}) (config.Config, error)
}

// MetricsResetter lets /admin/reset clear recorded metrics without the
// server package depending on metrics.Metrics internals beyond its public
// surface.
type MetricsResetter interface {
	Reset()
}

// Server is the management HTTP listener.
type Server struct {
	engine   *gin.Engine
	metrics  *metrics.Metrics
	breakers *breaker.Manager
	cfg      ConfigStore
	reset    MetricsResetter
	thresholds metrics.HealthThresholds

	httpServer *http.Server
}

// Options configures a Server.
type Options struct {
	Metrics    *metrics.Metrics
	Breakers   *breaker.Manager
	Config     ConfigStore
	Reset      MetricsResetter
	Thresholds metrics.HealthThresholds
}

// New builds the management server's routes. It does not start listening;
// call Start.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:     engine,
		metrics:    opts.Metrics,
		breakers:   opts.Breakers,
		cfg:        opts.Config,
		reset:      opts.Reset,
		thresholds: opts.Thresholds,
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/health/ready", s.handleReady)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/config", s.handleGetConfig)
	engine.POST("/config", s.handleUpdateConfig)
	engine.PUT("/config", s.handleUpdateConfig)
	engine.GET("/circuit-breakers", s.handleBreakerStatuses)
	engine.POST("/circuit-breakers", s.handleBreakerReset)
	engine.POST("/admin/reset", s.handleAdminReset)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return s
}

// corsMiddleware is permissive by design (§4.6 "CORS is permissive by
// design for internal operations").
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start begins listening on addr. It returns once the listener has either
// failed immediately or begun serving in the background.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop closes the listener and any open connections at once with
// http.Server.Close, without draining in-flight requests (part of §4.6's
// shutdown sequence step "stop management server").
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.metrics.Health(s.thresholds)
	health := s.breakers.Health()

	checks := make(map[string]string, len(report.Checks))
	for _, ch := range report.Checks {
		checks[ch.Name] = ch.Grade.String()
	}

	status := http.StatusOK
	if report.Overall == metrics.Unhealthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":   report.Overall.String(),
		"checks":   checks,
		"breakers": health,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	health := s.breakers.Health()
	if health.Total > 0 && health.Open == health.Total {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "breakers": health})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "breakers": health})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Stats())
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Current())
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var update map[string]interface{}
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	merged, err := s.cfg.Merge(update)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, merged)
}

func (s *Server) handleBreakerStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, s.breakers.Health())
}

type breakerResetRequest struct {
	Type     string `json:"type"`
	ModuleID string `json:"moduleId"`
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	var req breakerResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type != "reset" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported type, expected \"reset\""})
		return
	}
	if req.ModuleID == "" {
		s.breakers.Reset()
		c.JSON(http.StatusOK, gin.H{"reset": "all"})
		return
	}
	if !s.breakers.ResetOne(req.ModuleID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": req.ModuleID})
}

func (s *Server) handleAdminReset(c *gin.Context) {
	if s.reset != nil {
		s.reset.Reset()
	}
	s.breakers.Reset()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
