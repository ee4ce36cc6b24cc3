// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"math"
	"sync"

	"github.com/adxyz/pulse/pkg/events"
)

const (
	// baselineCapacity bounds the rolling history per (campaign, metric)
	baselineCapacity = 100

	// anomalyThreshold is the relative deviation that triggers a flag
	anomalyThreshold = 0.5
)

// Detector keeps rolling baselines per (campaign, metric) pair and grades
// new observations against them. The same history backs trend analysis.
type Detector struct {
	mu        sync.Mutex
	baselines map[string][]float64
}

// NewDetector creates an empty detector
func NewDetector() *Detector {
	return &Detector{baselines: make(map[string][]float64)}
}

func baselineKey(campaignID, metric string) string {
	return campaignID + "|" + metric
}

// Observe grades a snapshot against its baseline and appends the value.
// Values are appended whether or not they were flagged; baselines are not
// anomaly-filtered.
func (d *Detector) Observe(snap events.Snapshot) (events.Anomaly, bool) {
	key := baselineKey(snap.CampaignID, snap.Metric)

	d.mu.Lock()
	history := d.baselines[key]

	var anomaly events.Anomaly
	flagged := false
	if len(history) > 0 {
		baseline := mean(history)
		if baseline != 0 {
			deviation := math.Abs(snap.Value-baseline) / math.Abs(baseline)
			if deviation > anomalyThreshold {
				anomaly = events.Anomaly{
					Metric:     snap.Metric,
					CampaignID: snap.CampaignID,
					Value:      snap.Value,
					Baseline:   baseline,
					Deviation:  deviation,
					Severity:   severityFor(deviation),
					Timestamp:  snap.Timestamp,
				}
				flagged = true
			}
		}
	}

	history = append(history, snap.Value)
	if len(history) > baselineCapacity {
		history = history[len(history)-baselineCapacity:]
	}
	d.baselines[key] = history
	d.mu.Unlock()

	return anomaly, flagged
}

// History returns up to n recent values for a (campaign, metric) pair
func (d *Detector) History(campaignID, metric string, n int) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.baselines[baselineKey(campaignID, metric)]
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]float64, len(history))
	copy(out, history)
	return out
}

// Trend fits the recent history for a (campaign, metric) pair
func (d *Detector) Trend(campaignID, metric string, n int) events.Trend {
	trend := AnalyzeTrend(d.History(campaignID, metric, n))
	trend.CampaignID = campaignID
	trend.Metric = metric
	return trend
}

// Reset drops all baselines
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baselines = make(map[string][]float64)
}

func severityFor(deviation float64) events.Severity {
	switch {
	case deviation >= 2.0:
		return events.SeverityCritical
	case deviation >= 1.5:
		return events.SeverityHigh
	case deviation >= 1.0:
		return events.SeverityMedium
	default:
		return events.SeverityLow
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
