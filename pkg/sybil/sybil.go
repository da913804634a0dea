// Package sybil scores the risk that an account is one of many identities
// operated by a single actor.
package sybil

import (
	"context"
	"fmt"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/riskctx"
)

// Evaluator computes per-account sybil risk from identity and network
// signals. Evaluating an account also records its IP/device associations
// into the shared context store.
type Evaluator struct {
	associations *riskctx.Store
	behavior     contracts.BehaviorProfiles
	graph        contracts.GraphAnalyzer
	timing       contracts.TimingAnalyzer
	policy       config.SybilPolicy
}

// NewEvaluator wires an evaluator. behavior, graph and timing are optional;
// a missing collaborator contributes a zero factor (distinct from a failing
// one, which aborts the evaluation).
func NewEvaluator(associations *riskctx.Store, behavior contracts.BehaviorProfiles, graph contracts.GraphAnalyzer, timing contracts.TimingAnalyzer, policy config.SybilPolicy) *Evaluator {
	return &Evaluator{
		associations: associations,
		behavior:     behavior,
		graph:        graph,
		timing:       timing,
		policy:       policy,
	}
}

// Evaluate scores accountID given the request context.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string, req contracts.RequestContext) (contracts.SybilRiskScore, error) {
	e.associations.Observe(accountID, req.SourceAddress, req.DeviceID)

	factors := contracts.SybilFactors{
		IPClustering:      ipClusterScore(e.associations.AccountsOnPrefix(req.SourceAddress)),
		DeviceFingerprint: deviceScore(e.associations.AccountsOnDevice(req.DeviceID)),
	}

	if e.behavior != nil {
		consistency, err := e.behavior.Consistency(ctx, accountID)
		if err != nil {
			return contracts.SybilRiskScore{}, contracts.CollaboratorError("behavior profile", err)
		}
		factors.BehaviorPattern = clamp01(1 - consistency)
	}
	if e.graph != nil {
		anomaly, err := e.graph.Anomaly(ctx, accountID)
		if err != nil {
			return contracts.SybilRiskScore{}, contracts.CollaboratorError("graph analyzer", err)
		}
		factors.TransactionGraph = clamp01(anomaly)
	}
	if e.timing != nil {
		anomaly, err := e.timing.Anomaly(ctx, accountID)
		if err != nil {
			return contracts.SybilRiskScore{}, contracts.CollaboratorError("timing analyzer", err)
		}
		factors.TimingAnalysis = clamp01(anomaly)
	}

	p := e.policy
	score := factors.IPClustering*p.IPWeight +
		factors.DeviceFingerprint*p.DeviceWeight +
		factors.BehaviorPattern*p.BehaviorWeight +
		factors.TransactionGraph*p.GraphWeight +
		factors.TimingAnalysis*p.TimingWeight

	return contracts.SybilRiskScore{
		Score:          score,
		Factors:        factors,
		Recommendation: e.recommend(score),
	}, nil
}

func (e *Evaluator) recommend(score float64) contracts.Recommendation {
	switch {
	case score < e.policy.ReviewThreshold:
		return contracts.RecommendAllow
	case score < e.policy.BlockThreshold:
		return contracts.RecommendReview
	default:
		return contracts.RecommendBlock
	}
}

// ipClusterScore steps with the number of distinct accounts sharing one
// network prefix.
func ipClusterScore(accounts int) float64 {
	switch {
	case accounts <= 1:
		return 0
	case accounts <= 3:
		return 0.3
	case accounts <= 5:
		return 0.6
	default:
		return 0.9
	}
}

// deviceScore steps with the number of distinct accounts sharing one
// device id.
func deviceScore(accounts int) float64 {
	switch {
	case accounts <= 1:
		return 0
	case accounts == 2:
		return 0.5
	default:
		return 0.95
	}
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

// String renders a factor breakdown for logs.
func String(s contracts.SybilRiskScore) string {
	return fmt.Sprintf("score=%.3f ip=%.2f device=%.2f behavior=%.2f graph=%.2f timing=%.2f rec=%s",
		s.Score, s.Factors.IPClustering, s.Factors.DeviceFingerprint, s.Factors.BehaviorPattern,
		s.Factors.TransactionGraph, s.Factors.TimingAnalysis, s.Recommendation)
}
