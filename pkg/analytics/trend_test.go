// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/pulse/pkg/events"
)

func TestTrendPerfectlyLinearIncreasing(t *testing.T) {
	require := require.New(t)

	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	trend := AnalyzeTrend(values)

	require.Equal(events.TrendIncreasing, trend.Direction)
	require.InDelta(1.0, trend.Confidence, 1e-9)
	require.InDelta(1.0, trend.Slope, 1e-9)
	require.Greater(trend.ChangeRate, 0.0)
	require.Greater(trend.Significance, 0.0)
}

func TestTrendDecreasing(t *testing.T) {
	require := require.New(t)

	trend := AnalyzeTrend([]float64{50, 40, 30, 20, 10})
	require.Equal(events.TrendDecreasing, trend.Direction)
	require.InDelta(1.0, trend.Confidence, 1e-9)
}

func TestTrendVolatileOnNoise(t *testing.T) {
	require := require.New(t)

	// Alternating values have no linear component worth trusting
	trend := AnalyzeTrend([]float64{10, 90, 12, 88, 11, 91, 9, 87})
	require.Equal(events.TrendVolatile, trend.Direction)
	require.Less(trend.Confidence, 0.3)
}

func TestTrendStableOnFlatSeries(t *testing.T) {
	require := require.New(t)

	trend := AnalyzeTrend([]float64{5, 5, 5, 5, 5})
	require.Equal(events.TrendStable, trend.Direction)
	require.InDelta(0, trend.Slope, stableSlope)
}

func TestTrendInsufficientData(t *testing.T) {
	require := require.New(t)

	trend := AnalyzeTrend([]float64{3, 4})
	require.Equal(events.TrendStable, trend.Direction)
	require.Zero(trend.Confidence)
}

func TestAnomalyDetectorFlagsDeviation(t *testing.T) {
	require := require.New(t)

	d := NewDetector()

	// Build a stable baseline around 100
	for i := 0; i < 10; i++ {
		_, flagged := d.Observe(events.Snapshot{CampaignID: "c1", Metric: "impressions", Value: 100})
		require.False(flagged)
	}

	// 5% off the baseline is noise
	_, flagged := d.Observe(events.Snapshot{CampaignID: "c1", Metric: "impressions", Value: 105})
	require.False(flagged)

	// 60% off the baseline is an anomaly
	anomaly, flagged := d.Observe(events.Snapshot{CampaignID: "c1", Metric: "impressions", Value: 160})
	require.True(flagged)
	require.InDelta(0.59, anomaly.Deviation, 0.02)
	require.Equal(events.SeverityLow, anomaly.Severity)
	require.InDelta(100.4, anomaly.Baseline, 0.5)
}

func TestAnomalySeverityEscalation(t *testing.T) {
	require := require.New(t)

	cases := []struct {
		value    float64
		severity events.Severity
	}{
		{value: 180, severity: events.SeverityLow},       // 0.8 deviation
		{value: 210, severity: events.SeverityMedium},    // 1.1
		{value: 270, severity: events.SeverityHigh},      // 1.7
		{value: 400, severity: events.SeverityCritical},  // 3.0
	}

	for _, tc := range cases {
		d := NewDetector()
		for i := 0; i < 20; i++ {
			d.Observe(events.Snapshot{CampaignID: "c1", Metric: "spend", Value: 100})
		}
		anomaly, flagged := d.Observe(events.Snapshot{CampaignID: "c1", Metric: "spend", Value: tc.value})
		require.True(flagged, "value %v", tc.value)
		require.Equal(tc.severity, anomaly.Severity, "value %v", tc.value)
	}
}

func TestAnomalyBaselineIsNotFiltered(t *testing.T) {
	require := require.New(t)

	d := NewDetector()
	for i := 0; i < 5; i++ {
		d.Observe(events.Snapshot{CampaignID: "c1", Metric: "clicks", Value: 10})
	}

	// The outlier is flagged but still pulls the baseline up
	_, flagged := d.Observe(events.Snapshot{CampaignID: "c1", Metric: "clicks", Value: 100})
	require.True(flagged)

	history := d.History("c1", "clicks", 0)
	require.Contains(history, 100.0)
}

func TestAnomalyBaselineCapacity(t *testing.T) {
	require := require.New(t)

	d := NewDetector()
	for i := 0; i < baselineCapacity+50; i++ {
		d.Observe(events.Snapshot{CampaignID: "c1", Metric: "ctr", Value: float64(i)})
	}
	require.Len(d.History("c1", "ctr", 0), baselineCapacity)
}

func TestDetectorTrendPerPair(t *testing.T) {
	require := require.New(t)

	d := NewDetector()
	for i := 1; i <= 10; i++ {
		d.Observe(events.Snapshot{CampaignID: "c1", Metric: "spend", Value: float64(i)})
	}

	trend := d.Trend("c1", "spend", 10)
	require.Equal(events.TrendIncreasing, trend.Direction)
	require.Equal("c1", trend.CampaignID)
	require.Equal("spend", trend.Metric)

	// An unseen pair has no history to fit
	other := d.Trend("c2", "spend", 10)
	require.Equal(events.TrendStable, other.Direction)
}
