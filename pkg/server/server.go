// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package server exposes the pipeline over HTTP: a public gin API for the
// dashboard and an admin listener for operators.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/adxyz/pulse/pkg/analytics"
	"github.com/adxyz/pulse/pkg/bus"
	"github.com/adxyz/pulse/pkg/cache"
	"github.com/adxyz/pulse/pkg/events"
	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
	"github.com/adxyz/pulse/pkg/ratelimit"
	"github.com/adxyz/pulse/pkg/upstream"
)

// Config tunes the public API server
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server wires the pipeline components behind the public API
type Server struct {
	cfg      Config
	engine   *analytics.Engine
	cacheMgr *cache.Manager
	registry *ratelimit.Registry
	signals  *bus.Bus
	metrics  *metric.Metrics
	upstream *upstream.Client // nil when no provider is configured
	log      log.Logger

	httpSrv *http.Server
}

// New creates the public API server. up may be nil, which disables the
// provider report endpoints.
func New(cfg Config, engine *analytics.Engine, cacheMgr *cache.Manager,
	registry *ratelimit.Registry, signals *bus.Bus, metrics *metric.Metrics,
	up *upstream.Client, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NoOp()
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		cacheMgr: cacheMgr,
		registry: registry,
		signals:  signals,
		metrics:  metrics,
		upstream: up,
		log:      logger,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the gin handler. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsCfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Unix()})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/events", s.handleIngestEvent)
		v1.POST("/events/batch", s.handleIngestBatch)
		v1.POST("/queries", s.handleAddQuery)
		v1.GET("/queries", s.handleListQueries)
		v1.DELETE("/queries/:id", s.handleRemoveQuery)
		v1.GET("/trends/:campaign/:metric", s.handleTrend)
		v1.GET("/stats", s.handleStats)
		v1.GET("/cache/stats", s.handleCacheStats)
		v1.DELETE("/cache", s.handleClearCache)
		v1.GET("/stream", s.handleStream)

		if s.upstream != nil {
			v1.GET("/accounts/:account/campaigns", s.handleCampaigns)
			v1.GET("/campaigns/:campaign/insights", s.handleInsights)
		}
	}
	return router
}

// observe counts requests per method and status
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.metrics != nil {
			s.metrics.RequestsProcessed.WithLabelValues(
				c.Request.Method, fmt.Sprintf("%d", c.Writer.Status())).Inc()
		}
	}
}

// Start begins serving. Blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.log.Info("api server listening", log.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleIngestEvent(c *gin.Context) {
	var ev events.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Validate here so a generated id makes it into the response
	if err := ev.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.IngestEvent(ev); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID})
}

func (s *Server) handleIngestBatch(c *gin.Context) {
	var batch []events.Event
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted, err := s.engine.IngestBatch(batch)
	resp := gin.H{"accepted": accepted, "received": len(batch)}
	if err != nil {
		resp["error"] = err.Error()
		c.JSON(http.StatusMultiStatus, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// queryRequest is the wire form of a query registration. Durations arrive
// as strings ("30m", "1h") because JSON has no duration type.
type queryRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name" binding:"required"`
	Duration     string   `json:"duration"`
	Slide        string   `json:"slide"`
	Metrics      []string `json:"metrics"`
	Aggregations []string `json:"aggregations"`
	GroupBy      []string `json:"group_by"`
}

func (r queryRequest) toQuery() (analytics.Query, error) {
	q := analytics.Query{
		ID:      r.ID,
		Name:    r.Name,
		GroupBy: r.GroupBy,
	}
	q.Window.Metrics = r.Metrics
	for _, agg := range r.Aggregations {
		q.Window.Aggregations = append(q.Window.Aggregations, events.Aggregation(agg))
	}
	if r.Duration != "" {
		d, err := time.ParseDuration(r.Duration)
		if err != nil {
			return q, fmt.Errorf("invalid duration %q: %w", r.Duration, err)
		}
		q.Window.Duration = d
	}
	if r.Slide != "" {
		d, err := time.ParseDuration(r.Slide)
		if err != nil {
			return q, fmt.Errorf("invalid slide %q: %w", r.Slide, err)
		}
		q.Window.Slide = d
	}
	return q, nil
}

func (s *Server) handleAddQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q, err := req.toQuery()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// API-registered queries publish snapshots on the bus; stream clients
	// pick them up on the metric-snapshot topic
	if err := s.engine.AddQuery(q); err != nil {
		status := http.StatusInternalServerError
		if err == analytics.ErrQueryExists {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": q.ID})
}

func (s *Server) handleListQueries(c *gin.Context) {
	queries := s.engine.Queries()
	out := make([]gin.H, 0, len(queries))
	for _, q := range queries {
		out = append(out, gin.H{
			"id":       q.ID,
			"name":     q.Name,
			"duration": q.Window.Duration.String(),
			"slide":    q.Window.Slide.String(),
			"metrics":  q.Window.Metrics,
			"group_by": q.GroupBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"queries": out})
}

func (s *Server) handleRemoveQuery(c *gin.Context) {
	if err := s.engine.RemoveQuery(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTrend(c *gin.Context) {
	trend := s.engine.TrendFor(c.Param("campaign"), c.Param("metric"))
	c.JSON(http.StatusOK, trend)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"buffer_len": s.engine.BufferLen(),
		"queries":    len(s.engine.Queries()),
		"rate_limit": s.registry.Stats(),
	})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cacheMgr.GetStats())
}

func (s *Server) handleCampaigns(c *gin.Context) {
	campaigns, err := s.upstream.FetchCampaigns(c.Request.Context(), c.Param("account"))
	if err != nil {
		c.JSON(upstreamStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

func (s *Server) handleInsights(c *gin.Context) {
	params := upstream.InsightsParams{CampaignID: c.Param("campaign")}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid since: %v", err)})
			return
		}
		params.Since = t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid until: %v", err)})
			return
		}
		params.Until = t
	}

	insights, err := s.upstream.FetchInsights(c.Request.Context(), params)
	if err != nil {
		c.JSON(upstreamStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, insights)
}

// upstreamStatus maps provider failures onto dashboard-facing statuses.
// Quota exhaustion that survived the retry loop surfaces as 429 so the
// dashboard can back off too.
func upstreamStatus(err error) int {
	if ratelimit.IsRateLimitError(err) {
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func (s *Server) handleClearCache(c *gin.Context) {
	if pattern := c.Query("pattern"); pattern != "" {
		removed, err := s.cacheMgr.InvalidatePattern(pattern)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"invalidated": removed})
		return
	}
	s.cacheMgr.Clear()
	c.JSON(http.StatusOK, gin.H{"invalidated": "all"})
}
