// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package upstream is the HTTP client for the ad platform reporting API.
// Every call goes through the rate limiter, and read endpoints are served
// from the cache so the dashboard never burns quota on repeated fetches.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/pulse/pkg/cache"
	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/ratelimit"
)

// Config tunes the upstream client
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// CacheTTL is how long fetched reports stay warm, default 5 minutes
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return cfg
}

// Campaign is one campaign as the platform reports it
type Campaign struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	DailyBudget decimal.Decimal `json:"daily_budget"`
}

// Insights is an aggregated performance report for one campaign
type Insights struct {
	CampaignID  string          `json:"campaign_id"`
	Impressions uint64          `json:"impressions"`
	Clicks      uint64          `json:"clicks"`
	Conversions uint64          `json:"conversions"`
	Spend       decimal.Decimal `json:"spend"`
	CTR         float64         `json:"ctr"`
	CVR         float64         `json:"cvr"`
	Since       time.Time       `json:"since"`
	Until       time.Time       `json:"until"`
}

// InsightsParams selects the report window
type InsightsParams struct {
	CampaignID string
	Since      time.Time
	Until      time.Time
}

// Client talks to the reporting API through the pipeline's quota and cache
// layers. A nil cache disables read caching; the limiter is required.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	log        log.Logger
}

// NewClient creates an upstream client
func NewClient(cfg Config, limiter *ratelimit.Limiter, cacheManager *cache.Manager, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NoOp()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cache:      cacheManager,
		log:        logger,
	}
}

// FetchCampaigns lists the campaigns under an ad account
func (c *Client) FetchCampaigns(ctx context.Context, accountID string) ([]Campaign, error) {
	key := cache.GenerateKey("campaigns", map[string]any{"account": accountID})
	path := fmt.Sprintf("/v1/accounts/%s/campaigns", url.PathEscape(accountID))
	return cached(ctx, c, key, func(ctx context.Context) ([]Campaign, error) {
		return fetch[[]Campaign](ctx, c, path, ratelimit.Options{Weight: 1})
	})
}

// FetchInsights pulls an aggregated report for one campaign. Report reads
// are the heavy quota consumers, so they carry double weight.
func (c *Client) FetchInsights(ctx context.Context, params InsightsParams) (Insights, error) {
	key := cache.GenerateKey("insights", map[string]any{
		"campaign": params.CampaignID,
		"since":    params.Since.UTC().Format(time.RFC3339),
		"until":    params.Until.UTC().Format(time.RFC3339),
	})
	path := fmt.Sprintf("/v1/campaigns/%s/insights?since=%s&until=%s",
		url.PathEscape(params.CampaignID),
		url.QueryEscape(params.Since.UTC().Format(time.RFC3339)),
		url.QueryEscape(params.Until.UTC().Format(time.RFC3339)))
	return cached(ctx, c, key, func(ctx context.Context) (Insights, error) {
		return fetch[Insights](ctx, c, path, ratelimit.Options{Weight: 2})
	})
}

// InvalidateReports drops every cached report, typically after a budget or
// creative change makes the cached numbers stale. Keys are hashed, so
// invalidation works at prefix granularity.
func (c *Client) InvalidateReports() (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.InvalidatePattern("^(insights|campaigns):")
}

// cached routes a fetch through the cache manager when one is configured
func cached[T any](ctx context.Context, c *Client, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	if c.cache == nil {
		return fn(ctx)
	}
	return cache.GetOrSet(ctx, c.cache, key, fn, c.cfg.CacheTTL)
}

// fetch performs one rate-limited GET and decodes the JSON body
func fetch[T any](ctx context.Context, c *Client, path string, opts ratelimit.Options) (T, error) {
	return ratelimit.Do(ctx, c.limiter, path, func(ctx context.Context) (T, error) {
		var out T
		body, err := c.get(ctx, path)
		if err != nil {
			return out, err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return out, fmt.Errorf("upstream: decode %s: %w", path, err)
		}
		return out, nil
	}, opts)
}

// get issues the request and classifies the response. Throttling responses
// come back as *ratelimit.RateLimitError so the limiter's retry loop can
// read the provider's backoff hints.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read %s: %w", path, err)
	}
	if err := ratelimit.ErrorFromResponse(resp, body); err != nil {
		c.log.Warn("upstream request failed",
			log.String("path", path),
			log.Int("status", resp.StatusCode),
			log.Error(err))
		return nil, err
	}
	return body, nil
}
