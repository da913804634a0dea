// Package engine is the facade of the reputation-integrity core. It wires
// the validator, the detectors, the proof service, and the score
// calculator behind one surface, and records every block/flag/reject
// decision to the audit sink and the telemetry counters.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustmesh/repcore/pkg/antigaming"
	"github.com/trustmesh/repcore/pkg/audit"
	"github.com/trustmesh/repcore/pkg/collusion"
	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/crypto"
	"github.com/trustmesh/repcore/pkg/fraud"
	"github.com/trustmesh/repcore/pkg/observability"
	"github.com/trustmesh/repcore/pkg/proof"
	"github.com/trustmesh/repcore/pkg/riskctx"
	"github.com/trustmesh/repcore/pkg/store"
	"github.com/trustmesh/repcore/pkg/sybil"
	"github.com/trustmesh/repcore/pkg/validation"
)

// Deps carries everything an Engine needs. Policy, Store, Signer, Audit,
// Telemetry, and Logger have working defaults; the detector collaborators
// (Ledger, Behavior, Graph, Timing, Verifier, Volume) are optional and the
// corresponding signals degrade per their package contracts when nil.
type Deps struct {
	Policy *config.Policy
	Store  store.Store
	Signer *crypto.Signer

	Ledger   contracts.TransactionLedger
	Behavior contracts.BehaviorProfiles
	Graph    contracts.GraphAnalyzer
	Timing   contracts.TimingAnalyzer
	Verifier contracts.EvidenceVerifier
	Volume   contracts.VolumeModel

	Audit     audit.Logger
	Telemetry *observability.Provider
	Logger    *slog.Logger

	// ScanRate bounds how often collusion scans may start; zero means
	// unlimited. Scans are batch work and a misbehaving scheduler must not
	// starve the per-event pipeline.
	ScanRate  rate.Limit
	ScanBurst int
}

// Engine exposes the external operations of the core.
type Engine struct {
	policy    *config.Policy
	validator *validation.Validator
	sybil     *sybil.Evaluator
	collusion *collusion.Detector
	fraud     *fraud.Detector
	proofs    *proof.Service
	scores    *antigaming.Calculator

	auditor     audit.Logger
	telemetry   *observability.Provider
	logger      *slog.Logger
	scanLimiter *rate.Limiter
}

// New wires an engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.Policy == nil {
		deps.Policy = config.DefaultPolicy()
	}
	if err := deps.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Signer == nil {
		signer, err := crypto.NewSigner("repcore-ephemeral")
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		deps.Signer = signer
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = observability.Noop()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	validator, err := validation.NewValidator(deps.Policy, deps.Store, deps.Verifier)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	limit := deps.ScanRate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := deps.ScanBurst
	if burst <= 0 {
		burst = 1
	}

	return &Engine{
		policy:      deps.Policy,
		validator:   validator,
		sybil:       sybil.NewEvaluator(riskctx.NewStore(), deps.Behavior, deps.Graph, deps.Timing, deps.Policy.Sybil),
		collusion:   collusion.NewDetector(deps.Ledger, deps.Volume, deps.Policy.Collusion),
		fraud:       fraud.NewDetector(deps.Graph, deps.Policy.Fraud),
		proofs:      proof.NewService(deps.Store, deps.Signer, deps.Policy.ProofTTL),
		scores:      antigaming.NewCalculator(deps.Store, deps.Policy),
		auditor:     deps.Audit,
		telemetry:   deps.Telemetry,
		logger:      deps.Logger.With("component", "engine"),
		scanLimiter: rate.NewLimiter(limit, burst),
	}, nil
}

// ValidateEvent gates one raw event.
func (e *Engine) ValidateEvent(ctx context.Context, ev *contracts.ReputationEvent) (contracts.ValidationResult, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "repcore.validate_event")
	defer span.End()
	start := time.Now()
	defer func() { e.telemetry.RecordDuration(ctx, "validate_event", time.Since(start)) }()

	res, err := e.validator.Validate(ctx, ev)
	if err != nil {
		return res, err
	}

	e.telemetry.RecordValidation(ctx, res.Accepted, string(res.Reason))
	if !res.Accepted {
		userID := ""
		if ev != nil {
			userID = ev.UserID
		}
		e.record(ctx, audit.EventRejection, userID, "validate_event", string(res.Reason),
			map[string]any{"detail": res.Detail})
	}
	return res, nil
}

// EvaluateSybilRisk scores an account's request context.
func (e *Engine) EvaluateSybilRisk(ctx context.Context, userID string, req contracts.RequestContext) (contracts.SybilRiskScore, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "repcore.evaluate_sybil_risk")
	defer span.End()

	score, err := e.sybil.Evaluate(ctx, userID, req)
	if err != nil {
		return score, err
	}

	if score.Recommendation == contracts.RecommendBlock {
		e.telemetry.RecordSybilBlock(ctx)
		e.record(ctx, audit.EventSybil, userID, "evaluate", string(score.Recommendation),
			map[string]any{"score": score.Score, "source_address": req.SourceAddress, "device_id": req.DeviceID})
	}
	return score, nil
}

// DetectCollusion analyzes a group of accounts. Scans pass through the
// engine's rate limiter first.
func (e *Engine) DetectCollusion(ctx context.Context, userIDs []string) (contracts.CollusionReport, error) {
	if err := e.scanLimiter.Wait(ctx); err != nil {
		return contracts.CollusionReport{}, fmt.Errorf("collusion scan: %w", err)
	}

	ctx, span := e.telemetry.StartSpan(ctx, "repcore.detect_collusion")
	defer span.End()

	report, err := e.collusion.Detect(ctx, userIDs)
	if err != nil {
		return report, err
	}

	if report.Detected {
		e.telemetry.RecordCollusionDetection(ctx, string(report.Severity))
		e.record(ctx, audit.EventCollusion, "", "detect", string(report.Severity),
			map[string]any{"affected_users": report.AffectedUsers})
	}
	return report, nil
}

// CommitAndProve commits an accepted event into the user's Merkle tree and
// returns a signed inclusion proof.
func (e *Engine) CommitAndProve(ctx context.Context, userID string, ev *contracts.ReputationEvent) (*contracts.ReputationProof, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "repcore.commit_and_prove")
	defer span.End()

	p, err := e.proofs.Commit(ctx, userID, ev)
	if err != nil {
		return nil, err
	}
	e.telemetry.RecordProof(ctx, "issued")
	return p, nil
}

// VerifyProof checks a proof's age, signature, and inclusion path.
func (e *Engine) VerifyProof(ctx context.Context, p *contracts.ReputationProof) (bool, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "repcore.verify_proof")
	defer span.End()

	ok, err := e.proofs.Verify(ctx, p)
	switch {
	case ok:
		e.telemetry.RecordProof(ctx, "verified")
	case contracts.ReasonOf(err) == contracts.ReasonExpiredProof:
		e.telemetry.RecordProof(ctx, "expired")
	}
	return ok, err
}

// AnalyzeFraud scores an account's event history.
func (e *Engine) AnalyzeFraud(ctx context.Context, userID string, events []contracts.ReputationEvent) (contracts.FraudDetectionResult, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "repcore.analyze_fraud")
	defer span.End()

	res, err := e.fraud.Analyze(ctx, userID, events)
	if err != nil {
		return res, err
	}

	if res.Detected {
		e.telemetry.RecordFraudFlag(ctx)
		e.record(ctx, audit.EventFraud, userID, "analyze", "flagged",
			map[string]any{"fraud_score": res.FraudScore, "recommendations": res.Recommendations})
	}
	return res, nil
}

// AdjustScore converts base points into credited points.
func (e *Engine) AdjustScore(ctx context.Context, userID string, basePoints int, eventType contracts.EventType, actx contracts.AdjustedScoreContext) (float64, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "repcore.adjust_score")
	defer span.End()

	return e.scores.Adjust(ctx, userID, basePoints, eventType, actx)
}

// ProofPublicKey exposes the proof verification key.
func (e *Engine) ProofPublicKey() string {
	return e.proofs.PublicKey()
}

func (e *Engine) record(ctx context.Context, t audit.EventType, userID, action, outcome string, meta map[string]any) {
	if err := e.auditor.Record(ctx, t, userID, action, outcome, meta); err != nil {
		e.logger.WarnContext(ctx, "audit record failed", "action", action, "error", err)
	}
}
