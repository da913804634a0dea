// Package collusion analyzes groups of accounts for coordinated reputation
// manipulation: mutual back-scratching, transaction cycles, synchronized
// timing, and anomalous volume.
package collusion

import (
	"context"
	"sort"
	"time"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
)

// maxCycles bounds cycle enumeration; groups colluding harder than this
// are already critical.
const maxCycles = 128

// Detector runs the four collusion patterns over an account set.
type Detector struct {
	ledger contracts.TransactionLedger
	volume contracts.VolumeModel
	policy config.CollusionPolicy
}

// NewDetector wires a detector. ledger is required; volume may be nil, in
// which case the volume pattern reports no detection.
func NewDetector(ledger contracts.TransactionLedger, volume contracts.VolumeModel, policy config.CollusionPolicy) *Detector {
	return &Detector{ledger: ledger, volume: volume, policy: policy}
}

// Detect analyzes the given account set and reports every fired pattern.
func (d *Detector) Detect(ctx context.Context, userIDs []string) (contracts.CollusionReport, error) {
	users := dedupe(userIDs)
	if len(users) < 2 {
		return contracts.CollusionReport{
			Severity:      contracts.SeverityLow,
			AffectedUsers: users,
		}, nil
	}

	counts, err := d.pairCounts(ctx, users)
	if err != nil {
		return contracts.CollusionReport{}, err
	}

	affected := make(map[string]struct{})

	reciprocal := d.detectReciprocal(users, counts, affected)
	circular := d.detectCircular(users, counts, affected)
	timing, err := d.detectTiming(ctx, users, affected)
	if err != nil {
		return contracts.CollusionReport{}, err
	}
	volume, err := d.detectVolume(ctx, users, affected)
	if err != nil {
		return contracts.CollusionReport{}, err
	}

	patterns := []contracts.PatternResult{reciprocal, circular, timing, volume}

	report := contracts.CollusionReport{
		Patterns:        patterns,
		Severity:        severity(patterns),
		AffectedUsers:   sortedKeys(affected),
		Recommendations: recommendations(patterns),
	}
	for _, p := range patterns {
		if p.Detected {
			report.Detected = true
		}
	}
	return report, nil
}

// pairCounts loads the directed transaction counts for every ordered pair.
func (d *Detector) pairCounts(ctx context.Context, users []string) (map[[2]int]int, error) {
	counts := make(map[[2]int]int, len(users)*len(users))
	for i := range users {
		for j := range users {
			if i == j {
				continue
			}
			n, err := d.ledger.CountBetween(ctx, users[i], users[j])
			if err != nil {
				return nil, contracts.CollaboratorError("ledger pair count", err)
			}
			counts[[2]int{i, j}] = n
		}
	}
	return counts, nil
}

func (d *Detector) detectReciprocal(users []string, counts map[[2]int]int, affected map[string]struct{}) contracts.PatternResult {
	var pairs []string
	best := 0.0
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			a := counts[[2]int{i, j}]
			b := counts[[2]int{j, i}]
			if a == 0 || b == 0 {
				continue
			}
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			ratio := float64(lo) / float64(hi)
			if ratio > d.policy.ReciprocityRatio {
				pairs = append(pairs, users[i]+"<->"+users[j])
				affected[users[i]] = struct{}{}
				affected[users[j]] = struct{}{}
				if ratio > best {
					best = ratio
				}
			}
		}
	}
	return contracts.PatternResult{
		Type:       contracts.PatternReciprocal,
		Detected:   len(pairs) > 0,
		Confidence: best,
		Evidence:   map[string]any{"pairs": pairs},
	}
}

func (d *Detector) detectCircular(users []string, counts map[[2]int]int, affected map[string]struct{}) contracts.PatternResult {
	adj := make([][]int, len(users))
	for i := range users {
		for j := range users {
			if i != j && counts[[2]int{i, j}] > 0 {
				adj[i] = append(adj[i], j)
			}
		}
	}

	cycles := enumerateCycles(adj)
	for _, cycle := range cycles {
		for _, idx := range cycle {
			affected[users[idx]] = struct{}{}
		}
	}

	var confidence float64
	switch {
	case len(cycles) == 0:
		confidence = 0
	case len(cycles) > 2:
		confidence = 0.9
	default:
		confidence = 0.6
	}

	rendered := make([]string, 0, len(cycles))
	for _, cycle := range cycles {
		path := ""
		for _, idx := range cycle {
			path += users[idx] + "->"
		}
		rendered = append(rendered, path+users[cycle[0]])
	}

	return contracts.PatternResult{
		Type:       contracts.PatternCircular,
		Detected:   len(cycles) > 0,
		Confidence: confidence,
		Evidence:   map[string]any{"cycle_count": len(cycles), "cycles": rendered},
	}
}

// enumerateCycles lists simple directed cycles, each reported once with its
// lowest-indexed node first. Enumeration stops at maxCycles.
func enumerateCycles(adj [][]int) [][]int {
	var cycles [][]int
	n := len(adj)
	path := []int{}
	onPath := make([]bool, n)

	var dfs func(start, node int)
	dfs = func(start, node int) {
		if len(cycles) >= maxCycles {
			return
		}
		path = append(path, node)
		onPath[node] = true
		for _, next := range adj[node] {
			if next == start && len(path) >= 2 {
				cycles = append(cycles, append([]int(nil), path...))
				if len(cycles) >= maxCycles {
					break
				}
				continue
			}
			// Restricting to nodes above the start index reports each cycle
			// exactly once, anchored at its smallest member.
			if next > start && !onPath[next] {
				dfs(start, next)
			}
		}
		onPath[node] = false
		path = path[:len(path)-1]
	}

	for start := 0; start < n; start++ {
		dfs(start, start)
	}
	return cycles
}

type timedAction struct {
	user string
	at   time.Time
}

func (d *Detector) detectTiming(ctx context.Context, users []string, affected map[string]struct{}) (contracts.PatternResult, error) {
	var actions []timedAction
	for _, u := range users {
		times, err := d.ledger.ActionTimes(ctx, u)
		if err != nil {
			return contracts.PatternResult{}, contracts.CollaboratorError("ledger action times", err)
		}
		for _, at := range times {
			actions = append(actions, timedAction{user: u, at: at})
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].at.Before(actions[j].at) })

	// Density clustering by chaining: actions within the configured gap of
	// their predecessor belong to the same cluster.
	gap := d.policy.TimingClusterGap
	flagged := 0
	maxMembers := 0
	var cluster map[string]struct{}

	flush := func() {
		if cluster == nil {
			return
		}
		if len(cluster) > len(users)/2 {
			flagged++
			if len(cluster) > maxMembers {
				maxMembers = len(cluster)
			}
			for u := range cluster {
				affected[u] = struct{}{}
			}
		}
		cluster = nil
	}

	var prev time.Time
	for _, a := range actions {
		if cluster == nil || a.at.Sub(prev) > gap {
			flush()
			cluster = make(map[string]struct{})
		}
		cluster[a.user] = struct{}{}
		prev = a.at
	}
	flush()

	confidence := 0.0
	if flagged > 0 {
		confidence = 0.6 + 0.1*float64(flagged-1)
		if confidence > 0.95 {
			confidence = 0.95
		}
	}

	return contracts.PatternResult{
		Type:       contracts.PatternTiming,
		Detected:   flagged > 0,
		Confidence: confidence,
		Evidence: map[string]any{
			"flagged_clusters": flagged,
			"max_members":      maxMembers,
		},
	}, nil
}

func (d *Detector) detectVolume(ctx context.Context, users []string, affected map[string]struct{}) (contracts.PatternResult, error) {
	if d.volume == nil {
		return contracts.PatternResult{
			Type:     contracts.PatternVolume,
			Evidence: map[string]any{"note": "no volume model configured"},
		}, nil
	}

	total, err := d.ledger.VolumeAmong(ctx, users)
	if err != nil {
		return contracts.PatternResult{}, contracts.CollaboratorError("ledger volume", err)
	}
	score, err := d.volume.Score(ctx, users, total)
	if err != nil {
		return contracts.PatternResult{}, contracts.CollaboratorError("volume model", err)
	}

	detected := score > 0.5
	if detected {
		for _, u := range users {
			affected[u] = struct{}{}
		}
	}
	return contracts.PatternResult{
		Type:       contracts.PatternVolume,
		Detected:   detected,
		Confidence: score,
		Evidence:   map[string]any{"volume": total},
	}, nil
}

func severity(patterns []contracts.PatternResult) contracts.Severity {
	detected := 0
	sum := 0.0
	for _, p := range patterns {
		if p.Detected {
			detected++
			sum += p.Confidence
		}
	}
	if detected == 0 {
		return contracts.SeverityLow
	}
	mean := sum / float64(detected)

	switch {
	case detected >= 3 && mean > 0.8:
		return contracts.SeverityCritical
	case detected >= 2 && mean > 0.6:
		return contracts.SeverityHigh
	case mean > 0.4:
		return contracts.SeverityMedium
	default:
		return contracts.SeverityLow
	}
}

func recommendations(patterns []contracts.PatternResult) []string {
	var recs []string
	for _, p := range patterns {
		if !p.Detected {
			continue
		}
		switch p.Type {
		case contracts.PatternReciprocal:
			recs = append(recs, "review bidirectional transaction history of flagged pairs")
		case contracts.PatternCircular:
			recs = append(recs, "review transaction cycle")
		case contracts.PatternTiming:
			recs = append(recs, "review synchronized action windows across the group")
		case contracts.PatternVolume:
			recs = append(recs, "review transfer volume among suspected accounts")
		}
	}
	return recs
}

func dedupe(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	var out []string
	for _, u := range userIDs {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
