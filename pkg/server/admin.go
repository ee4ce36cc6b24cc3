// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adxyz/pulse/pkg/cache"
	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
	"github.com/adxyz/pulse/pkg/ratelimit"
)

// Admin is the operator-facing listener: health, prometheus metrics, and
// usage debugging. It runs on its own port so the public API can be
// exposed without leaking internals.
type Admin struct {
	registry *ratelimit.Registry
	cacheMgr *cache.Manager
	metrics  *metric.Metrics
	log      log.Logger

	httpSrv *http.Server
}

// NewAdmin creates the admin listener
func NewAdmin(addr string, registry *ratelimit.Registry, cacheMgr *cache.Manager,
	metrics *metric.Metrics, logger log.Logger) *Admin {
	if logger == nil {
		logger = log.NoOp()
	}
	a := &Admin{
		registry: registry,
		cacheMgr: cacheMgr,
		metrics:  metrics,
		log:      logger,
	}
	a.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      a.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a
}

func (a *Admin) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/debug/usage", a.handleUsage).Methods("GET")
	return r
}

// Handler exposes the router for tests
func (a *Admin) Handler() http.Handler {
	return a.httpSrv.Handler
}

func (a *Admin) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func (a *Admin) handleUsage(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"rate_limit": a.registry.Stats(),
		"cache":      a.cacheMgr.GetStats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		a.log.Warn("usage encode failed", log.Error(err))
	}
}

// Start begins serving
func (a *Admin) Start() error {
	a.log.Info("admin server listening", log.String("addr", a.httpSrv.Addr))
	if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (a *Admin) Shutdown(ctx context.Context) error {
	return a.httpSrv.Shutdown(ctx)
}
