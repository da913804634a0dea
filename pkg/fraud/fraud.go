// Package fraud scores an account's recent event history for abuse:
// bursts, mechanical repetition, low behavioral diversity, and network
// signals.
package fraud

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
)

// Detector aggregates four analyses into one fraud score.
type Detector struct {
	graph  contracts.GraphAnalyzer
	policy config.FraudPolicy
}

// NewDetector wires a detector. graph is optional; when nil the network
// analysis contributes zero.
func NewDetector(graph contracts.GraphAnalyzer, policy config.FraudPolicy) *Detector {
	return &Detector{graph: graph, policy: policy}
}

// Analyze scores the account's recent events.
func (d *Detector) Analyze(ctx context.Context, userID string, events []contracts.ReputationEvent) (contracts.FraudDetectionResult, error) {
	velocity := d.analyzeVelocity(events)
	pattern := d.analyzePattern(events)
	behavior := d.analyzeBehavior(events)

	network := contracts.Analysis{Type: "network", Score: 0}
	if d.graph != nil {
		score, err := d.graph.Anomaly(ctx, userID)
		if err != nil {
			return contracts.FraudDetectionResult{}, contracts.CollaboratorError("graph analyzer", err)
		}
		network.Score = clamp01(score)
	}

	p := d.policy
	total := velocity.Score*p.VelocityWeight +
		pattern.Score*p.PatternWeight +
		behavior.Score*p.BehaviorWeight +
		network.Score*p.NetworkWeight

	analyses := []contracts.Analysis{velocity, pattern, behavior, network}
	return contracts.FraudDetectionResult{
		FraudScore:      total,
		Detected:        total > p.DetectionThreshold,
		Analyses:        analyses,
		Recommendations: d.recommend(total, analyses),
	}, nil
}

// analyzeVelocity buckets events hourly and scores bursts: a peak hour far
// above the mean, or an absolute rate past the configured ceiling.
func (d *Detector) analyzeVelocity(events []contracts.ReputationEvent) contracts.Analysis {
	a := contracts.Analysis{Type: "velocity", Details: map[string]any{}}
	if len(events) < 2 {
		return a
	}

	buckets := make(map[time.Time]int)
	for _, ev := range events {
		buckets[ev.Timestamp.UTC().Truncate(time.Hour)]++
	}
	peak, total := 0, 0
	for _, n := range buckets {
		total += n
		if n > peak {
			peak = n
		}
	}
	mean := float64(total) / float64(len(buckets))
	ratio := float64(peak) / mean

	ratioScore := 0.0
	if ratio > 2 {
		ratioScore = math.Min(1, (ratio-2)/2)
	}
	burstScore := 0.0
	if limit := d.policy.MaxHourlyEvents; limit > 0 && peak > limit {
		burstScore = math.Min(1, float64(peak)/float64(3*limit))
	}

	a.Score = math.Max(ratioScore, burstScore)
	a.Details["peak_hourly"] = peak
	a.Details["mean_hourly"] = mean
	a.Details["peak_to_mean"] = ratio
	return a
}

// analyzePattern takes the max of three sub-signals: repeated type
// sequences, low-variance inter-event timing, and type distribution skew.
func (d *Detector) analyzePattern(events []contracts.ReputationEvent) contracts.Analysis {
	a := contracts.Analysis{Type: "pattern", Details: map[string]any{}}
	if len(events) < 3 {
		return a
	}

	sorted := append([]contracts.ReputationEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	repeat := repeatScore(sorted)
	cv, cvScore := timingScore(sorted)
	skew := skewScore(sorted)

	a.Score = math.Max(repeat, math.Max(cvScore, skew))
	a.Details["repeat"] = repeat
	a.Details["interval_cv"] = cv
	a.Details["skew"] = skew
	return a
}

// repeatScore finds exact repeating type-subsequences (length >= 2).
func repeatScore(events []contracts.ReputationEvent) float64 {
	best := 0.0
	for k := 2; k <= 3 && k*2 <= len(events); k++ {
		grams := make(map[string]int)
		for i := 0; i+k <= len(events); i++ {
			key := ""
			for _, ev := range events[i : i+k] {
				key += string(ev.Type) + "|"
			}
			grams[key]++
		}
		windows := len(events) - k + 1
		for _, n := range grams {
			if n < 2 {
				continue
			}
			share := float64(n) / float64(windows)
			if share > best {
				best = share
			}
		}
	}
	return clamp01(best)
}

// timingScore computes the coefficient of variation of inter-event
// intervals; machine-like regularity scores high.
func timingScore(events []contracts.ReputationEvent) (cv, score float64) {
	intervals := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		intervals = append(intervals, events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds())
	}

	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return 0, 1 // simultaneous events are maximally suspicious
	}

	variance := 0.0
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	cv = math.Sqrt(variance) / mean

	switch {
	case cv < 0.1:
		return cv, 0.95
	case cv < 0.3:
		return cv, 0.5
	default:
		return cv, 0
	}
}

// skewScore measures how concentrated the type distribution is.
func skewScore(events []contracts.ReputationEvent) float64 {
	byType := make(map[contracts.EventType]int)
	for _, ev := range events {
		byType[ev.Type]++
	}
	top := 0
	for _, n := range byType {
		if n > top {
			top = n
		}
	}
	share := float64(top) / float64(len(events))
	if share <= 0.5 {
		return 0
	}
	return clamp01((share - 0.5) / 0.5)
}

// analyzeBehavior scores low type diversity against the full enumerated
// type set; near-single-type histories look automated.
func (d *Detector) analyzeBehavior(events []contracts.ReputationEvent) contracts.Analysis {
	a := contracts.Analysis{Type: "behavior", Details: map[string]any{}}
	if len(events) < 5 {
		return a
	}

	distinct := make(map[contracts.EventType]struct{})
	for _, ev := range events {
		distinct[ev.Type] = struct{}{}
	}
	diversity := float64(len(distinct)) / float64(len(contracts.EventTypes))

	score := (1 - diversity) * 0.5
	if diversity < d.policy.LowDiversity {
		score = math.Max(score, 0.9)
	}

	a.Score = clamp01(score)
	a.Details["diversity"] = diversity
	a.Details["distinct_types"] = len(distinct)
	return a
}

func (d *Detector) recommend(total float64, analyses []contracts.Analysis) []string {
	var recs []string
	if total > d.policy.FreezeThreshold {
		recs = append(recs, "freeze account pending investigation")
	} else if total > d.policy.ReviewThreshold {
		recs = append(recs, "queue account for manual review")
	}
	for _, a := range analyses {
		if a.Score <= 0.6 {
			continue
		}
		switch a.Type {
		case "velocity":
			recs = append(recs, "rate-limit event submission for this account")
		case "pattern":
			recs = append(recs, "inspect event stream for scripted submission")
		case "behavior":
			recs = append(recs, "compare account activity against typical usage mix")
		case "network":
			recs = append(recs, "review the account's interaction graph")
		}
	}
	return recs
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Describe renders a one-line summary for logs.
func Describe(r contracts.FraudDetectionResult) string {
	return fmt.Sprintf("score=%.3f detected=%t analyses=%d", r.FraudScore, r.Detected, len(r.Analyses))
}
