// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"math"

	"github.com/adxyz/pulse/pkg/events"
)

const (
	// volatileR2 is the fit quality below which a series is too noisy to
	// call a direction
	volatileR2 = 0.3

	// stableSlope is the slope magnitude below which a series is flat
	stableSlope = 0.01
)

// AnalyzeTrend fits an ordinary least-squares line over values taken as a
// sequence indexed 0..n-1 and classifies the movement. Fewer than three
// observations cannot support a fit and come back stable with zero
// confidence.
func AnalyzeTrend(values []float64) events.Trend {
	n := len(values)
	if n < 3 {
		return events.Trend{Direction: events.TrendStable}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	mean := sumY / fn
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return events.Trend{Direction: events.TrendStable}
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	// Coefficient of determination against the fitted line
	var ssRes, ssTot float64
	for i, y := range values {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - mean) * (y - mean)
	}

	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	confidence := math.Max(0, math.Min(1, r2))

	trend := events.Trend{
		Slope:      slope,
		Confidence: confidence,
	}
	if mean != 0 {
		trend.ChangeRate = math.Abs(slope/mean) * 100
	}
	trend.Significance = trend.Confidence * trend.ChangeRate

	switch {
	case r2 < volatileR2:
		trend.Direction = events.TrendVolatile
	case math.Abs(slope) < stableSlope:
		trend.Direction = events.TrendStable
	case slope > 0:
		trend.Direction = events.TrendIncreasing
	default:
		trend.Direction = events.TrendDecreasing
	}
	return trend
}
