// Package config holds the policy constants of the reputation core.
// Every numeric threshold and weight the detectors use is policy, not
// algorithm; it loads from defaults, a YAML policy file, and env overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/trustmesh/repcore/pkg/contracts"
)

// PolicyVersionConstraint is the range of policy file versions this build
// accepts.
const PolicyVersionConstraint = ">= 1.0.0, < 2.0.0"

// EventTypeRule configures validation and scoring for one event type.
type EventTypeRule struct {
	MinPoints int           `yaml:"min_points"`
	MaxPoints int           `yaml:"max_points"`
	Cooldown  time.Duration `yaml:"cooldown"`
	// Floor is the minimum adjusted score for types that always grant full
	// value, like KYC verification. Zero means no floor.
	Floor float64 `yaml:"floor"`
	// Rule is an optional CEL business rule evaluated during validation.
	Rule string `yaml:"rule,omitempty"`
}

// SybilPolicy holds the weights and step tables for sybil evaluation.
type SybilPolicy struct {
	IPWeight       float64 `yaml:"ip_weight"`
	DeviceWeight   float64 `yaml:"device_weight"`
	BehaviorWeight float64 `yaml:"behavior_weight"`
	GraphWeight    float64 `yaml:"graph_weight"`
	TimingWeight   float64 `yaml:"timing_weight"`

	ReviewThreshold float64 `yaml:"review_threshold"`
	BlockThreshold  float64 `yaml:"block_threshold"`
}

// CollusionPolicy holds the collusion detector thresholds.
type CollusionPolicy struct {
	ReciprocityRatio float64 `yaml:"reciprocity_ratio"`
	// TimingClusterGap is the max spacing between actions chained into one
	// timing cluster.
	TimingClusterGap time.Duration `yaml:"timing_cluster_gap"`
}

// FraudPolicy holds the fraud detector weights and thresholds.
type FraudPolicy struct {
	VelocityWeight float64 `yaml:"velocity_weight"`
	PatternWeight  float64 `yaml:"pattern_weight"`
	BehaviorWeight float64 `yaml:"behavior_weight"`
	NetworkWeight  float64 `yaml:"network_weight"`

	DetectionThreshold float64 `yaml:"detection_threshold"`
	ReviewThreshold    float64 `yaml:"review_threshold"`
	FreezeThreshold    float64 `yaml:"freeze_threshold"`

	// MaxHourlyEvents is the absolute per-hour event count considered
	// saturating for the velocity burst signal.
	MaxHourlyEvents int `yaml:"max_hourly_events"`
	// LowDiversity is the diversity ratio below which behavior is treated
	// as likely automation.
	LowDiversity float64 `yaml:"low_diversity"`
}

// VolumeStep maps an aggregate-volume threshold to a multiplier.
type VolumeStep struct {
	Below      float64 `yaml:"below"` // applies while volume < Below; 0 means "no upper bound"
	Multiplier float64 `yaml:"multiplier"`
}

// ReputationTier maps an average counterparty reputation to a multiplier.
type ReputationTier struct {
	Below      float64 `yaml:"below"` // applies while avg reputation < Below; 0 means "no upper bound"
	Multiplier float64 `yaml:"multiplier"`
}

// SpacingStep maps a gap since the prior event to a multiplier.
type SpacingStep struct {
	Within     time.Duration `yaml:"within"` // applies while gap < Within; 0 means "no upper bound"
	Multiplier float64       `yaml:"multiplier"`
}

// AntiGamingPolicy holds the multiplicative factor tables.
type AntiGamingPolicy struct {
	DiminishingBase float64          `yaml:"diminishing_base"` // multiplier = base^(n-1)
	CounterWindow   time.Duration    `yaml:"counter_window"`
	VolumeSteps     []VolumeStep     `yaml:"volume_steps"`
	SpacingSteps    []SpacingStep    `yaml:"spacing_steps"`
	NetworkTiers    []ReputationTier `yaml:"network_tiers"`
}

// SanitizePolicy bounds metadata accepted on events.
type SanitizePolicy struct {
	AllowKeys []string `yaml:"allow_keys"`
	MaxItems  int      `yaml:"max_items"`
	MaxKeys   int      `yaml:"max_keys"`
	MaxStrLen int      `yaml:"max_str_len"`
}

// Policy is the complete policy surface of the core.
type Policy struct {
	Version string `yaml:"version"`

	EventTypes map[contracts.EventType]EventTypeRule `yaml:"event_types"`

	Sybil      SybilPolicy      `yaml:"sybil"`
	Collusion  CollusionPolicy  `yaml:"collusion"`
	Fraud      FraudPolicy      `yaml:"fraud"`
	AntiGaming AntiGamingPolicy `yaml:"anti_gaming"`
	Sanitize   SanitizePolicy   `yaml:"sanitize"`

	ProofTTL time.Duration `yaml:"proof_ttl"`
}

// DefaultPolicy returns the shipped policy values.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: "1.0.0",
		EventTypes: map[contracts.EventType]EventTypeRule{
			contracts.EventTransactionComplete: {MinPoints: 1, MaxPoints: 10, Cooldown: 5 * time.Minute},
			contracts.EventReviewReceived:      {MinPoints: 1, MaxPoints: 5, Cooldown: time.Hour},
			contracts.EventKYCVerified:         {MinPoints: 10, MaxPoints: 10, Cooldown: 30 * 24 * time.Hour, Floor: 10},
			contracts.EventDisputeWon:          {MinPoints: 1, MaxPoints: 5, Cooldown: time.Hour},
			contracts.EventDisputeLost:         {MinPoints: -10, MaxPoints: -5},
			contracts.EventEndorsement:         {MinPoints: 1, MaxPoints: 3, Cooldown: 12 * time.Hour},
			contracts.EventProfileCompleted:    {MinPoints: 5, MaxPoints: 5, Cooldown: 365 * 24 * time.Hour, Floor: 5},
		},
		Sybil: SybilPolicy{
			IPWeight:       0.25,
			DeviceWeight:   0.35,
			BehaviorWeight: 0.20,
			GraphWeight:    0.15,
			TimingWeight:   0.05,

			ReviewThreshold: 0.3,
			BlockThreshold:  0.7,
		},
		Collusion: CollusionPolicy{
			ReciprocityRatio: 0.2,
			TimingClusterGap: 5 * time.Minute,
		},
		Fraud: FraudPolicy{
			VelocityWeight: 0.30,
			PatternWeight:  0.35,
			BehaviorWeight: 0.25,
			NetworkWeight:  0.10,

			DetectionThreshold: 0.8,
			ReviewThreshold:    0.7,
			FreezeThreshold:    0.9,

			MaxHourlyEvents: 10,
			LowDiversity:    0.2,
		},
		AntiGaming: AntiGamingPolicy{
			DiminishingBase: 0.9,
			CounterWindow:   24 * time.Hour,
			VolumeSteps: []VolumeStep{
				{Below: 1_000, Multiplier: 1.0},
				{Below: 10_000, Multiplier: 1.1},
				{Below: 100_000, Multiplier: 1.2},
				{Below: 0, Multiplier: 1.3},
			},
			SpacingSteps: []SpacingStep{
				{Within: time.Hour, Multiplier: 0.5},
				{Within: 6 * time.Hour, Multiplier: 0.8},
				{Within: 24 * time.Hour, Multiplier: 1.0},
				{Within: 0, Multiplier: 1.1},
			},
			NetworkTiers: []ReputationTier{
				{Below: 40, Multiplier: 0.9},
				{Below: 60, Multiplier: 1.0},
				{Below: 80, Multiplier: 1.1},
				{Below: 0, Multiplier: 1.2},
			},
		},
		Sanitize: SanitizePolicy{
			AllowKeys: []string{"source", "session_id", "location", "device", "reference", "notes"},
			MaxItems:  100,
			MaxKeys:   50,
			MaxStrLen: 1000,
		},
		ProofTTL: time.Hour,
	}
}

// Load returns the default policy with environment overrides applied.
// REPCORE_POLICY_FILE, when set, is loaded first.
func Load() (*Policy, error) {
	p := DefaultPolicy()
	if path := os.Getenv("REPCORE_POLICY_FILE"); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	if v := os.Getenv("REPCORE_FRAUD_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("REPCORE_FRAUD_THRESHOLD: %w", err)
		}
		p.Fraud.DetectionThreshold = f
	}
	if v := os.Getenv("REPCORE_PROOF_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("REPCORE_PROOF_TTL: %w", err)
		}
		p.ProofTTL = d
	}
	return p, p.Validate()
}

// LoadFile reads a YAML policy file over the defaults and checks its
// version against PolicyVersionConstraint.
func LoadFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := checkVersion(p.Version); err != nil {
		return nil, err
	}
	return p, p.Validate()
}

func checkVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("policy version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(PolicyVersionConstraint)
	if err != nil {
		return fmt.Errorf("policy version constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("policy version %s outside supported range %s", version, PolicyVersionConstraint)
	}
	return nil
}

// Validate rejects structurally broken policies.
func (p *Policy) Validate() error {
	if len(p.EventTypes) == 0 {
		return fmt.Errorf("policy: no event types configured")
	}
	for t, rule := range p.EventTypes {
		if rule.MinPoints > rule.MaxPoints {
			return fmt.Errorf("policy: event type %s: min_points > max_points", t)
		}
	}
	wsum := p.Sybil.IPWeight + p.Sybil.DeviceWeight + p.Sybil.BehaviorWeight +
		p.Sybil.GraphWeight + p.Sybil.TimingWeight
	if wsum <= 0 {
		return fmt.Errorf("policy: sybil weights sum to %v", wsum)
	}
	if p.Fraud.DetectionThreshold <= 0 || p.Fraud.DetectionThreshold > 1 {
		return fmt.Errorf("policy: fraud detection threshold %v outside (0,1]", p.Fraud.DetectionThreshold)
	}
	if p.ProofTTL <= 0 {
		return fmt.Errorf("policy: proof_ttl must be positive")
	}
	return nil
}

// Rule returns the configured rule for an event type.
func (p *Policy) Rule(t contracts.EventType) (EventTypeRule, bool) {
	r, ok := p.EventTypes[t]
	return r, ok
}
