// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ratelimit

import (
	"sync"
	"time"

	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
)

// Access tiers mirroring the ad platform's quota levels
const (
	TierDevelopment = "development"
	TierStandard    = "standard"
	TierBusiness    = "business"
)

// TierConfigs returns the default quota per tier
func TierConfigs() map[string]Config {
	return map[string]Config{
		TierDevelopment: {
			MaxRequests: 60,
			Window:      time.Hour,
			MaxBurst:    10,
		},
		TierStandard: {
			MaxRequests: 600,
			Window:      time.Hour,
			MaxBurst:    60,
		},
		TierBusiness: {
			MaxRequests: 9000,
			Window:      time.Hour,
			MaxBurst:    300,
		},
	}
}

// Registry holds one limiter per named tier. It is constructed once at
// process start and passed to consumers explicitly; there is no package
// level instance.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	fallback string
}

// NewRegistry builds limiters for every config in tiers. The fallback tier
// serves lookups of unknown names.
func NewRegistry(tiers map[string]Config, fallback string, logger log.Logger, metrics *metric.Metrics) *Registry {
	if len(tiers) == 0 {
		tiers = TierConfigs()
	}
	if _, ok := tiers[fallback]; !ok {
		fallback = TierStandard
		if _, ok := tiers[fallback]; !ok {
			for name := range tiers {
				fallback = name
				break
			}
		}
	}

	limiters := make(map[string]*Limiter, len(tiers))
	for name, cfg := range tiers {
		limiters[name] = NewLimiter(cfg, logger, metrics)
	}
	return &Registry{limiters: limiters, fallback: fallback}
}

// Get returns the limiter for a tier, falling back to the default tier
func (r *Registry) Get(tier string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.limiters[tier]; ok {
		return l
	}
	return r.limiters[r.fallback]
}

// Tiers lists the registered tier names
func (r *Registry) Tiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	return names
}

// Update applies new configs to existing tiers, used by config reload
func (r *Registry) Update(tiers map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cfg := range tiers {
		if l, ok := r.limiters[name]; ok {
			l.UpdateConfig(cfg)
		}
	}
}

// Stats returns usage stats for every tier
func (r *Registry) Stats() map[string]UsageStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]UsageStats, len(r.limiters))
	for name, l := range r.limiters {
		stats[name] = l.GetUsageStats()
	}
	return stats
}
