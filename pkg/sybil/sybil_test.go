package sybil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/riskctx"
)

type stubConsistency float64

func (s stubConsistency) Consistency(context.Context, string) (float64, error) {
	return float64(s), nil
}

type stubAnomaly float64

func (s stubAnomaly) Anomaly(context.Context, string) (float64, error) {
	return float64(s), nil
}

type failingProfiles struct{}

func (failingProfiles) Consistency(context.Context, string) (float64, error) {
	return 0, fmt.Errorf("profile store unavailable")
}

func req(addr, device string) contracts.RequestContext {
	return contracts.RequestContext{
		SourceAddress: addr,
		DeviceID:      device,
		RequestTime:   time.Now(),
	}
}

func newEvaluator(assoc *riskctx.Store) *Evaluator {
	return NewEvaluator(assoc, nil, nil, nil, config.DefaultPolicy().Sybil)
}

func TestEvaluate_SingleAccountIsLowRisk(t *testing.T) {
	e := newEvaluator(riskctx.NewStore())

	score, err := e.Evaluate(context.Background(), "alice", req("203.0.113.5", "dev-a"))
	require.NoError(t, err)

	assert.Zero(t, score.Factors.IPClustering)
	assert.Zero(t, score.Factors.DeviceFingerprint)
	assert.Equal(t, contracts.RecommendAllow, score.Recommendation)
}

func TestEvaluate_ScoreMonotonicInSharedPrefix(t *testing.T) {
	e := newEvaluator(riskctx.NewStore())
	ctx := context.Background()

	prev := -1.0
	for i := 0; i < 8; i++ {
		account := fmt.Sprintf("acct-%d", i)
		score, err := e.Evaluate(ctx, account, req(fmt.Sprintf("203.0.113.%d", i+1), ""))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score.Score, prev, "accounts=%d", i+1)
		prev = score.Score
	}
}

func TestEvaluate_ScoreMonotonicInSharedDevice(t *testing.T) {
	e := newEvaluator(riskctx.NewStore())
	ctx := context.Background()

	prev := -1.0
	for i := 0; i < 5; i++ {
		score, err := e.Evaluate(ctx, fmt.Sprintf("acct-%d", i), req("", "device-x"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score.Score, prev, "accounts=%d", i+1)
		prev = score.Score
	}
}

func TestEvaluate_DeviceFarmRecommendsBeyondAllow(t *testing.T) {
	assoc := riskctx.NewStore()
	e := NewEvaluator(assoc, stubConsistency(0.1), stubAnomaly(0.8), stubAnomaly(0.8), config.DefaultPolicy().Sybil)
	ctx := context.Background()

	// Several accounts on one device and one /24, erratic behavior.
	var score contracts.SybilRiskScore
	var err error
	for i := 0; i < 6; i++ {
		score, err = e.Evaluate(ctx, fmt.Sprintf("bot-%d", i), req("198.51.100.7", "farm-device"))
		require.NoError(t, err)
	}

	assert.Equal(t, 0.9, score.Factors.IPClustering)
	assert.Equal(t, 0.95, score.Factors.DeviceFingerprint)
	assert.Equal(t, contracts.RecommendBlock, score.Recommendation)
}

func TestEvaluate_BehaviorFactorIsOneMinusConsistency(t *testing.T) {
	e := NewEvaluator(riskctx.NewStore(), stubConsistency(0.75), nil, nil, config.DefaultPolicy().Sybil)

	score, err := e.Evaluate(context.Background(), "alice", req("203.0.113.5", "dev-a"))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, score.Factors.BehaviorPattern, 1e-9)
}

func TestEvaluate_CollaboratorFailurePropagates(t *testing.T) {
	e := NewEvaluator(riskctx.NewStore(), failingProfiles{}, nil, nil, config.DefaultPolicy().Sybil)

	_, err := e.Evaluate(context.Background(), "alice", req("203.0.113.5", "dev-a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrCollaborator)
}
