// Package contracts defines the domain types and collaborator interfaces
// shared by every service in the reputation-integrity core.
package contracts

import (
	"context"
	"time"
)

// EventType categorizes a reputation-affecting event.
type EventType string

const (
	EventTransactionComplete EventType = "transaction_complete"
	EventReviewReceived      EventType = "review_received"
	EventKYCVerified         EventType = "kyc_verified"
	EventDisputeWon          EventType = "dispute_won"
	EventDisputeLost         EventType = "dispute_lost"
	EventEndorsement         EventType = "endorsement_received"
	EventProfileCompleted    EventType = "profile_completed"
)

// EventTypes enumerates every recognized event type. Behavior diversity in
// the fraud detector is computed against this set.
var EventTypes = []EventType{
	EventTransactionComplete,
	EventReviewReceived,
	EventKYCVerified,
	EventDisputeWon,
	EventDisputeLost,
	EventEndorsement,
	EventProfileCompleted,
}

// Evidence is an optional attachment binding an event to external material
// via a declared content hash.
type Evidence struct {
	Type        string `json:"type"`
	Data        []byte `json:"data"`
	ContentHash string `json:"content_hash"`        // hex SHA-256 of Data
	Signature   string `json:"signature,omitempty"` // verified by an injected EvidenceVerifier
}

// ReputationEvent is a single reputation-affecting occurrence. Immutable
// once validated and committed.
type ReputationEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      EventType      `json:"type"`
	Points    int            `json:"points"`
	Timestamp time.Time      `json:"timestamp"`
	Evidence  *Evidence      `json:"evidence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Recommendation is the gating outcome of a sybil evaluation.
type Recommendation string

const (
	RecommendAllow  Recommendation = "allow"
	RecommendReview Recommendation = "review"
	RecommendBlock  Recommendation = "block"
)

// SybilFactors is the per-factor breakdown of a sybil risk score. Each
// factor lies in [0,1].
type SybilFactors struct {
	IPClustering      float64 `json:"ip_clustering"`
	DeviceFingerprint float64 `json:"device_fingerprint"`
	BehaviorPattern   float64 `json:"behavior_pattern"`
	TransactionGraph  float64 `json:"transaction_graph"`
	TimingAnalysis    float64 `json:"timing_analysis"`
}

// SybilRiskScore is the ephemeral result of one sybil evaluation.
type SybilRiskScore struct {
	Score          float64        `json:"score"`
	Factors        SybilFactors   `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}

// RequestContext carries the network/device signals accompanying an
// inbound request, supplied by the ingestion boundary.
type RequestContext struct {
	SourceAddress   string    `json:"source_address"`
	DeviceID        string    `json:"device_id"`
	ClientSignature string    `json:"client_signature,omitempty"`
	RequestTime     time.Time `json:"request_time"`
}

// PatternType identifies a collusion detector.
type PatternType string

const (
	PatternReciprocal PatternType = "reciprocal"
	PatternCircular   PatternType = "circular"
	PatternTiming     PatternType = "timing"
	PatternVolume     PatternType = "volume"
)

// PatternResult is one detector's verdict within a collusion report.
type PatternResult struct {
	Type       PatternType    `json:"type"`
	Detected   bool           `json:"detected"`
	Confidence float64        `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
}

// Severity ranks a collusion report.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CollusionReport is the ephemeral result of one group analysis.
type CollusionReport struct {
	Detected        bool            `json:"detected"`
	Patterns        []PatternResult `json:"patterns"`
	Severity        Severity        `json:"severity"`
	AffectedUsers   []string        `json:"affected_users"`
	Recommendations []string        `json:"recommendations"`
}

// ReputationProof is a signed, independently verifiable commitment that an
// event is included under a user's Merkle root. Proofs expire; see the
// proof service for the validity window.
type ReputationProof struct {
	MerkleRoot string    `json:"merkle_root"`
	EventHash  string    `json:"event_hash"`
	Proof      []string  `json:"proof"` // ordered sibling hashes, leaf to root
	Signature  string    `json:"signature"`
	KeyID      string    `json:"key_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Analysis is one signal's contribution to a fraud detection result.
type Analysis struct {
	Type    string         `json:"type"`
	Score   float64        `json:"score"`
	Details map[string]any `json:"details,omitempty"`
}

// FraudDetectionResult is the ephemeral result of one history analysis.
type FraudDetectionResult struct {
	FraudScore      float64    `json:"fraud_score"`
	Detected        bool       `json:"detected"`
	Analyses        []Analysis `json:"analyses"`
	Recommendations []string   `json:"recommendations"`
}

// Transaction is a caller-supplied view of one recent transaction, used by
// the anti-gaming calculator.
type Transaction struct {
	Counterparty string    `json:"counterparty"`
	Amount       float64   `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}

// AdjustedScoreContext is the caller-owned context for score adjustment.
type AdjustedScoreContext struct {
	RecentTransactions      []Transaction `json:"recent_transactions"`
	TotalVolume             float64       `json:"total_volume"`
	LastEventAt             time.Time     `json:"last_event_at"`
	CounterpartyReputations []float64     `json:"counterparty_reputations"`
}

// ValidationResult is the outcome of validating one raw event. On
// acceptance, Event holds the sanitized copy ready for scoring and
// commitment; on rejection, Reason identifies the failed check.
type ValidationResult struct {
	Accepted bool             `json:"accepted"`
	Event    *ReputationEvent `json:"event,omitempty"`
	Reason   ReasonCode       `json:"reason,omitempty"`
	Detail   string           `json:"detail,omitempty"`
}

// TransactionLedger provides pairwise and per-account transaction facts.
// Backed by the marketplace ledger; injected.
type TransactionLedger interface {
	// CountBetween returns the number of transactions from one account to
	// another (directed).
	CountBetween(ctx context.Context, from, to string) (int, error)
	// ActionTimes returns the timestamps of an account's recent actions.
	ActionTimes(ctx context.Context, userID string) ([]time.Time, error)
	// VolumeAmong returns the aggregate transfer volume among the given set.
	VolumeAmong(ctx context.Context, userIDs []string) (float64, error)
}

// BehaviorProfiles exposes the rolling behavioral-consistency measure for
// an account, in [0,1] where 1 is fully consistent with human behavior.
type BehaviorProfiles interface {
	Consistency(ctx context.Context, userID string) (float64, error)
}

// GraphAnalyzer returns a transaction-graph anomaly signal in [0,1].
type GraphAnalyzer interface {
	Anomaly(ctx context.Context, userID string) (float64, error)
}

// TimingAnalyzer returns a timing anomaly signal in [0,1].
type TimingAnalyzer interface {
	Anomaly(ctx context.Context, userID string) (float64, error)
}

// EvidenceVerifier verifies an evidence signature. Injected; a nil
// verifier means signatures are not checked.
type EvidenceVerifier interface {
	VerifySignature(ctx context.Context, ev *Evidence) (bool, error)
}

// VolumeModel scores anomalous transfer volume among suspects in [0,1].
// The volume collusion detector reports no detection when none is wired.
type VolumeModel interface {
	Score(ctx context.Context, userIDs []string, volume float64) (float64, error)
}
