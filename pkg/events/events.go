// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events defines the streaming event and metric types shared by the
// metrics pipeline.
package events

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingCampaign = errors.New("event requires a campaign id")
	ErrUnknownType     = errors.New("unknown event type")
)

// Type identifies the kind of advertising event
type Type string

const (
	TypeImpression     Type = "impression"
	TypeClick          Type = "click"
	TypeConversion     Type = "conversion"
	TypeSpend          Type = "spend"
	TypeBidAdjustment  Type = "bid_adjustment"
	TypeCreativeChange Type = "creative_change"
)

// Types lists every valid event type
var Types = []Type{
	TypeImpression,
	TypeClick,
	TypeConversion,
	TypeSpend,
	TypeBidAdjustment,
	TypeCreativeChange,
}

// Valid reports whether t is a known event type
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a single discrete advertising occurrence. Immutable once ingested.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       Type           `json:"type"`
	CampaignID string         `json:"campaign_id"`
	AdSetID    string         `json:"adset_id,omitempty"`
	AdID       string         `json:"ad_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with a fresh ID and the current time
func New(t Type, campaignID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Type:       t,
		CampaignID: campaignID,
		Data:       data,
	}
}

// Validate checks the fields required for ingestion, filling defaults
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return ErrUnknownType
	}
	if e.CampaignID == "" {
		return ErrMissingCampaign
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return nil
}

// Field extracts a numeric value from the event payload. The payload is
// free-form JSON, so numbers arrive as float64, json.Number, or strings
// depending on the producer.
func (e Event) Field(name string) (float64, bool) {
	if e.Data == nil {
		return 0, false
	}
	return Numeric(e.Data[name])
}

// Spend returns the monetary amount carried by a spend event
func (e Event) Spend() decimal.Decimal {
	if e.Data == nil {
		return decimal.Zero
	}
	switch v := e.Data["amount"].(type) {
	case decimal.Decimal:
		return v
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case json.Number:
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d
		}
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	}
	return decimal.Zero
}

// Numeric coerces an arbitrary payload value to a float64
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Aggregation names a windowed aggregation function
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggCount Aggregation = "count"
	AggRate  Aggregation = "rate"
)

// Snapshot is one aggregated metric observation produced by window
// evaluation. Snapshots are handed to subscribers and external sinks, never
// persisted by the pipeline itself.
type Snapshot struct {
	Timestamp   time.Time   `json:"timestamp"`
	CampaignID  string      `json:"campaign_id"`
	Metric      string      `json:"metric"`
	Value       float64     `json:"value"`
	Delta       float64     `json:"delta,omitempty"`
	Aggregation Aggregation `json:"aggregation"`
}

// Severity grades how far an observation sits from its baseline
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly records an observation that broke away from its rolling baseline
type Anomaly struct {
	Metric     string    `json:"metric"`
	CampaignID string    `json:"campaign_id"`
	Value      float64   `json:"value"`
	Baseline   float64   `json:"baseline"`
	Deviation  float64   `json:"deviation"`
	Severity   Severity  `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
}

// Direction classifies the movement of a metric series
type Direction string

const (
	TrendIncreasing Direction = "increasing"
	TrendDecreasing Direction = "decreasing"
	TrendStable     Direction = "stable"
	TrendVolatile   Direction = "volatile"
)

// Trend summarizes a least-squares fit over recent observations
type Trend struct {
	Metric       string    `json:"metric"`
	CampaignID   string    `json:"campaign_id"`
	Direction    Direction `json:"direction"`
	Slope        float64   `json:"slope"`
	Confidence   float64   `json:"confidence"`
	ChangeRate   float64   `json:"change_rate"`
	Significance float64   `json:"significance"`
	Timestamp    time.Time `json:"timestamp"`
}
