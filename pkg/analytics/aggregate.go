// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/pulse/pkg/events"
)

// metricForType maps an event type to the metric name its occurrences
// count toward
var metricForType = map[events.Type]string{
	events.TypeImpression:     "impressions",
	events.TypeClick:          "clicks",
	events.TypeConversion:     "conversions",
	events.TypeSpend:          "spend",
	events.TypeBidAdjustment:  "bid_adjustments",
	events.TypeCreativeChange: "creative_changes",
}

// metricValue resolves what a single event contributes to a named metric.
// A payload field with that name wins; otherwise events whose type counts
// toward the metric contribute 1, spend events their amount.
func metricValue(ev events.Event, metric string) (float64, bool) {
	if v, ok := ev.Field(metric); ok {
		return v, true
	}
	if metricForType[ev.Type] != metric {
		return 0, false
	}
	if ev.Type == events.TypeSpend {
		return ev.Spend().InexactFloat64(), true
	}
	return 1, true
}

// aggregate computes one aggregation over a group of events for a metric
func aggregate(group []events.Event, metric string, agg events.Aggregation) (float64, bool) {
	var sum float64
	var count int
	var earliest, latest time.Time

	for _, ev := range group {
		v, ok := metricValue(ev, metric)
		if !ok {
			continue
		}
		sum += v
		count++
		if earliest.IsZero() || ev.Timestamp.Before(earliest) {
			earliest = ev.Timestamp
		}
		if latest.IsZero() || ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	if count == 0 {
		return 0, false
	}

	switch agg {
	case events.AggSum:
		return sum, true
	case events.AggCount:
		return float64(count), true
	case events.AggAvg:
		return sum / float64(count), true
	case events.AggRate:
		// Per-hour rate over the observed span, with a one-hour floor so
		// empty or instantaneous groups never divide by zero
		hours := latest.Sub(earliest).Hours()
		if hours <= 0 {
			hours = 1
		}
		return sum / hours, true
	default:
		return 0, false
	}
}

// derived holds the higher-level metrics computed per group
type derived struct {
	CTR       float64
	HasCTR    bool
	CVR       float64
	HasCVR    bool
	SpendRate float64
	HasSpend  bool
}

// deriveMetrics computes click-through rate, conversion rate and spend rate
// for a group. Rates are only produced when their denominators are
// positive. Spend is summed in decimal so fractional cents don't drift.
func deriveMetrics(group []events.Event) derived {
	var impressions, clicks, conversions float64
	spend := decimal.Zero
	spendSeen := false

	for _, ev := range group {
		switch ev.Type {
		case events.TypeImpression:
			impressions++
		case events.TypeClick:
			clicks++
		case events.TypeConversion:
			conversions++
		case events.TypeSpend:
			spend = spend.Add(ev.Spend())
			spendSeen = true
		}
	}

	var d derived
	if impressions > 0 {
		d.CTR = clicks / impressions * 100
		d.HasCTR = true
	}
	if clicks > 0 {
		d.CVR = conversions / clicks * 100
		d.HasCVR = true
	}
	if spendSeen {
		d.SpendRate = spend.InexactFloat64()
		d.HasSpend = true
	}
	return d
}
