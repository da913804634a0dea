// Package antigaming converts raw event points into credited points via
// multiplicative adjustment factors: diminishing returns, counterparty
// diversity, volume, event spacing, and network effect.
package antigaming

import (
	"context"
	"math"
	"time"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/store"
)

// Calculator computes adjusted scores. The per-(user, type) occurrence
// counter lives in the injected store; everything else comes from the
// caller-supplied context.
type Calculator struct {
	counters store.CounterStore
	policy   *config.Policy
	now      func() time.Time
}

// Option customizes a Calculator.
type Option func(*Calculator)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// NewCalculator builds a calculator over the given counter store.
func NewCalculator(counters store.CounterStore, policy *config.Policy, opts ...Option) *Calculator {
	c := &Calculator{counters: counters, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Adjust returns the credited points for one accepted event. It bumps the
// rolling occurrence counter for (userID, eventType) as a side effect; the
// bump is committed even if the caller later discards the result.
func (c *Calculator) Adjust(ctx context.Context, userID string, basePoints int, eventType contracts.EventType, actx contracts.AdjustedScoreContext) (float64, error) {
	now := c.now()

	count, err := c.counters.Bump(ctx, userID, eventType, now, c.policy.AntiGaming.CounterWindow)
	if err != nil {
		return 0, contracts.CollaboratorError("counter store", err)
	}

	product := c.diminishing(count) *
		diversity(actx.RecentTransactions) *
		stepMultiplier(c.policy.AntiGaming.VolumeSteps, actx.TotalVolume) *
		c.spacing(now, actx.LastEventAt) *
		c.network(actx.CounterpartyReputations)

	adjusted := float64(basePoints) * product

	// The floor guarantees full value for types that configure one; a zero
	// floor means none, so penalty types stay negative.
	if rule, ok := c.policy.Rule(eventType); ok && rule.Floor != 0 && adjusted < rule.Floor {
		adjusted = rule.Floor
	}
	return adjusted, nil
}

// diminishing returns base^(n-1) for the nth occurrence inside the window.
func (c *Calculator) diminishing(count int) float64 {
	if count < 1 {
		count = 1
	}
	return math.Pow(c.policy.AntiGaming.DiminishingBase, float64(count-1))
}

// diversity rewards spreading activity across counterparties. No recent
// transactions means no penalty.
func diversity(txs []contracts.Transaction) float64 {
	if len(txs) == 0 {
		return 1.0
	}
	distinct := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		distinct[tx.Counterparty] = struct{}{}
	}
	return 0.5 + 0.5*float64(len(distinct))/float64(len(txs))
}

func stepMultiplier(steps []config.VolumeStep, volume float64) float64 {
	for _, s := range steps {
		if s.Below == 0 || volume < s.Below {
			return s.Multiplier
		}
	}
	return 1.0
}

// spacing penalizes rapid-fire submissions. A zero lastEventAt means no
// prior event is known; no adjustment applies.
func (c *Calculator) spacing(now, lastEventAt time.Time) float64 {
	if lastEventAt.IsZero() {
		return 1.0
	}
	gap := now.Sub(lastEventAt)
	for _, s := range c.policy.AntiGaming.SpacingSteps {
		if s.Within == 0 || gap < s.Within {
			return s.Multiplier
		}
	}
	return 1.0
}

// network scales by the average reputation of recent counterparties.
func (c *Calculator) network(reputations []float64) float64 {
	if len(reputations) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, r := range reputations {
		sum += r
	}
	avg := sum / float64(len(reputations))
	for _, tier := range c.policy.AntiGaming.NetworkTiers {
		if tier.Below == 0 || avg < tier.Below {
			return tier.Multiplier
		}
	}
	return 1.0
}
