package collusion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
)

// fakeLedger is an in-memory TransactionLedger for tests.
type fakeLedger struct {
	counts  map[string]int // "from>to" -> count
	actions map[string][]time.Time
	volume  float64
	fail    bool
}

func (l *fakeLedger) CountBetween(_ context.Context, from, to string) (int, error) {
	if l.fail {
		return 0, fmt.Errorf("ledger offline")
	}
	return l.counts[from+">"+to], nil
}

func (l *fakeLedger) ActionTimes(_ context.Context, userID string) ([]time.Time, error) {
	if l.fail {
		return nil, fmt.Errorf("ledger offline")
	}
	return l.actions[userID], nil
}

func (l *fakeLedger) VolumeAmong(_ context.Context, _ []string) (float64, error) {
	if l.fail {
		return 0, fmt.Errorf("ledger offline")
	}
	return l.volume, nil
}

type fixedVolumeModel float64

func (m fixedVolumeModel) Score(_ context.Context, _ []string, _ float64) (float64, error) {
	return float64(m), nil
}

func pattern(report contracts.CollusionReport, t contracts.PatternType) contracts.PatternResult {
	for _, p := range report.Patterns {
		if p.Type == t {
			return p
		}
	}
	return contracts.PatternResult{}
}

func newDetector(l *fakeLedger, v contracts.VolumeModel) *Detector {
	return NewDetector(l, v, config.DefaultPolicy().Collusion)
}

func TestDetect_ThreeCycle(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{
		"user1>user2": 1,
		"user2>user3": 1,
		"user3>user1": 1,
	}}
	d := newDetector(ledger, nil)

	report, err := d.Detect(context.Background(), []string{"user1", "user2", "user3"})
	require.NoError(t, err)

	assert.True(t, report.Detected)
	circ := pattern(report, contracts.PatternCircular)
	assert.True(t, circ.Detected)
	assert.Equal(t, 0.6, circ.Confidence)
	assert.NotEqual(t, contracts.SeverityLow, report.Severity)
	assert.ElementsMatch(t, []string{"user1", "user2", "user3"}, report.AffectedUsers)
	assert.Contains(t, report.Recommendations, "review transaction cycle")
}

func TestDetect_ManyCyclesEscalateConfidence(t *testing.T) {
	// Complete digraph over 4 users has far more than 2 simple cycles.
	ledger := &fakeLedger{counts: map[string]int{}}
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		for _, v := range users {
			if u != v {
				ledger.counts[u+">"+v] = 1
			}
		}
	}
	d := newDetector(ledger, nil)

	report, err := d.Detect(context.Background(), users)
	require.NoError(t, err)
	assert.Equal(t, 0.9, pattern(report, contracts.PatternCircular).Confidence)
}

func TestDetect_ReciprocalPair(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{
		"a>b": 10,
		"b>a": 8, // ratio 0.8 > 0.2
	}}
	d := newDetector(ledger, nil)

	report, err := d.Detect(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	rec := pattern(report, contracts.PatternReciprocal)
	assert.True(t, rec.Detected)
	assert.InDelta(t, 0.8, rec.Confidence, 1e-9)
	assert.Contains(t, report.AffectedUsers, "a")
	assert.Contains(t, report.AffectedUsers, "b")
	assert.NotContains(t, report.AffectedUsers, "c")
}

func TestDetect_LopsidedPairNotReciprocal(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{
		"a>b": 100,
		"b>a": 2, // ratio 0.02 <= 0.2: normal buyer/seller asymmetry
	}}
	d := newDetector(ledger, nil)

	report, err := d.Detect(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.False(t, pattern(report, contracts.PatternReciprocal).Detected)
}

func TestDetect_TimingCluster(t *testing.T) {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{
		counts: map[string]int{},
		actions: map[string][]time.Time{
			// Three of four accounts act within a two-minute burst.
			"a": {base, base.Add(12 * time.Hour)},
			"b": {base.Add(time.Minute)},
			"c": {base.Add(2 * time.Minute)},
			"d": {base.Add(6 * time.Hour)},
		},
	}
	d := newDetector(ledger, nil)

	report, err := d.Detect(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	tp := pattern(report, contracts.PatternTiming)
	assert.True(t, tp.Detected)
	assert.GreaterOrEqual(t, tp.Confidence, 0.6)
	assert.Contains(t, report.AffectedUsers, "a")
	assert.Contains(t, report.AffectedUsers, "b")
	assert.Contains(t, report.AffectedUsers, "c")
}

func TestDetect_VolumeWithoutModelReportsNothing(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{}, volume: 1e9}
	d := newDetector(ledger, nil)

	report, err := d.Detect(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	vp := pattern(report, contracts.PatternVolume)
	assert.False(t, vp.Detected)
	assert.Zero(t, vp.Confidence)
}

func TestDetect_VolumeModelFires(t *testing.T) {
	ledger := &fakeLedger{counts: map[string]int{}, volume: 5e6}
	d := newDetector(ledger, fixedVolumeModel(0.85))

	report, err := d.Detect(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	vp := pattern(report, contracts.PatternVolume)
	assert.True(t, vp.Detected)
	assert.InDelta(t, 0.85, vp.Confidence, 1e-9)
}

func TestDetect_SeverityLadder(t *testing.T) {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{
		counts: map[string]int{
			"a>b": 5, "b>a": 5,
			"b>c": 1, "c>a": 1, // a->b->c->a plus the a<->b two-cycle
		},
		actions: map[string][]time.Time{
			"a": {base},
			"b": {base.Add(30 * time.Second)},
			"c": {base.Add(time.Minute)},
		},
		volume: 1e6,
	}
	d := newDetector(ledger, fixedVolumeModel(0.95))

	report, err := d.Detect(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	detected := 0
	for _, p := range report.Patterns {
		if p.Detected {
			detected++
		}
	}
	assert.GreaterOrEqual(t, detected, 3)
	assert.Contains(t, []contracts.Severity{contracts.SeverityHigh, contracts.SeverityCritical}, report.Severity)
}

func TestDetect_LedgerFailurePropagates(t *testing.T) {
	d := newDetector(&fakeLedger{fail: true}, nil)

	_, err := d.Detect(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrCollaborator)
}

func TestDetect_TinyGroupIsLow(t *testing.T) {
	d := newDetector(&fakeLedger{}, nil)

	report, err := d.Detect(context.Background(), []string{"solo"})
	require.NoError(t, err)
	assert.False(t, report.Detected)
	assert.Equal(t, contracts.SeverityLow, report.Severity)
}
