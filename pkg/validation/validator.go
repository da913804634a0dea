// Package validation is the schema/business-rule gate for incoming
// reputation events. Checks run in a fixed order and short-circuit:
// structure, point range, business rules, cooldown, evidence, metadata
// sanitization.
//
// The cooldown timestamp commits as soon as its check passes, before
// evidence and sanitization run. A malformed resubmission therefore
// tightens the next window; this matches the product contract and closes
// the retry-bypass hole described in the concurrency model.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trustmesh/repcore/pkg/config"
	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/crypto"
	"github.com/trustmesh/repcore/pkg/store"
)

// eventSchema is the structural contract for raw events. Point-range and
// cooldown policy stay out of it; those are per-type policy checks.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user_id", "type", "points", "timestamp"],
  "properties": {
    "id": {"type": "string", "maxLength": 128},
    "user_id": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[A-Za-z0-9_.-]+$"},
    "type": {"type": "string"},
    "points": {"type": "integer"},
    "timestamp": {"type": "string"},
    "evidence": {
      "type": "object",
      "required": ["type", "data", "content_hash"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "data": {"type": "string"},
        "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "signature": {"type": "string"}
      }
    },
    "metadata": {"type": "object"}
  }
}`

var markupPattern = regexp.MustCompile(`(?i)<[^>]*>|javascript:`)

// Validator gates raw reputation events.
type Validator struct {
	schema    *jsonschema.Schema
	policy    *config.Policy
	cooldowns store.CooldownStore
	verifier  contracts.EvidenceVerifier

	celEnv   *cel.Env
	cacheMu  sync.RWMutex
	prgCache map[string]cel.Program
}

// NewValidator compiles the event schema and the CEL environment. verifier
// may be nil when evidence signatures are not in use.
func NewValidator(policy *config.Policy, cooldowns store.CooldownStore, verifier contracts.EvidenceVerifier) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://repcore.schemas.local/reputation-event.schema.json"
	if err := c.AddResource(url, strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("event schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("event schema compile failed: %w", err)
	}

	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	return &Validator{
		schema:    compiled,
		policy:    policy,
		cooldowns: cooldowns,
		verifier:  verifier,
		celEnv:    env,
		prgCache:  make(map[string]cel.Program),
	}, nil
}

// Validate runs the ordered checks. Rejections come back in the result
// with a structured reason; only store/collaborator failures return a
// non-nil error.
func (v *Validator) Validate(ctx context.Context, ev *contracts.ReputationEvent) (contracts.ValidationResult, error) {
	// 1. Structure.
	if reason, ok := v.checkStructure(ev); !ok {
		return reject(contracts.ReasonSchema, reason), nil
	}

	rule, known := v.policy.Rule(ev.Type)
	if !known {
		return reject(contracts.ReasonSchema, fmt.Sprintf("unrecognized event type %q", ev.Type)), nil
	}

	// 2. Point range.
	if ev.Points < rule.MinPoints || ev.Points > rule.MaxPoints {
		return reject(contracts.ReasonInvalidPoints,
			fmt.Sprintf("invalid point value %d for %s, allowed [%d,%d]",
				ev.Points, ev.Type, rule.MinPoints, rule.MaxPoints)), nil
	}

	// 3. Business rule, when the policy configures one for this type.
	if rule.Rule != "" {
		allowed, err := v.evalRule(rule.Rule, ev)
		if err != nil {
			return contracts.ValidationResult{}, fmt.Errorf("business rule for %s: %w", ev.Type, err)
		}
		if !allowed {
			return reject(contracts.ReasonBusinessRule,
				fmt.Sprintf("business rule rejected %s event", ev.Type)), nil
		}
	}

	// 4. Cooldown. The stored timestamp advances here and stays advanced
	// even if a later check rejects the event.
	if rule.Cooldown > 0 {
		ok, last, err := v.cooldowns.CheckAndSet(ctx, ev.UserID, ev.Type, ev.Timestamp, rule.Cooldown)
		if err != nil {
			return contracts.ValidationResult{}, contracts.CollaboratorError("cooldown store", err)
		}
		if !ok {
			return reject(contracts.ReasonCooldown,
				fmt.Sprintf("cooldown violation: last accepted %s, cooldown %s", last.UTC().Format("2006-01-02T15:04:05Z07:00"), rule.Cooldown)), nil
		}
	}

	// 5. Evidence binding.
	if ev.Evidence != nil {
		if got := crypto.HashBytes(ev.Evidence.Data); got != ev.Evidence.ContentHash {
			return reject(contracts.ReasonEvidenceMismatch, "evidence content hash mismatch"), nil
		}
		if ev.Evidence.Signature != "" && v.verifier != nil {
			ok, err := v.verifier.VerifySignature(ctx, ev.Evidence)
			if err != nil {
				return contracts.ValidationResult{}, contracts.CollaboratorError("evidence verifier", err)
			}
			if !ok {
				return reject(contracts.ReasonEvidenceMismatch, "evidence signature invalid"), nil
			}
		}
	}

	// 6. Metadata sanitization.
	sanitized := *ev
	sanitized.Metadata = v.sanitizeMap(ev.Metadata, v.policy.Sanitize.MaxKeys)

	return contracts.ValidationResult{Accepted: true, Event: &sanitized}, nil
}

func (v *Validator) checkStructure(ev *contracts.ReputationEvent) (string, bool) {
	if ev == nil {
		return "event is nil", false
	}
	if ev.Timestamp.Unix() <= 0 {
		return "timestamp must be positive", false
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Sprintf("event not encodable: %v", err), false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Sprintf("event not decodable: %v", err), false
	}
	if err := v.schema.Validate(doc); err != nil {
		return err.Error(), false
	}
	return "", true
}

func (v *Validator) evalRule(expr string, ev *contracts.ReputationEvent) (bool, error) {
	prg, err := v.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"event": map[string]any{
			"user_id":   ev.UserID,
			"type":      string(ev.Type),
			"points":    ev.Points,
			"timestamp": ev.Timestamp.Unix(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q is not boolean", expr)
	}
	return allowed, nil
}

func (v *Validator) program(expr string) (cel.Program, error) {
	v.cacheMu.RLock()
	prg, ok := v.prgCache[expr]
	v.cacheMu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := v.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := v.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	v.cacheMu.Lock()
	v.prgCache[expr] = prg
	v.cacheMu.Unlock()
	return prg, nil
}

// sanitizeMap keeps allow-listed keys only and bounds nested collections.
func (v *Validator) sanitizeMap(meta map[string]any, maxKeys int) map[string]any {
	if meta == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(v.policy.Sanitize.AllowKeys))
	for _, k := range v.policy.Sanitize.AllowKeys {
		allowed[k] = struct{}{}
	}

	out := make(map[string]any)
	for k, val := range meta {
		if len(out) >= maxKeys {
			break
		}
		if _, ok := allowed[k]; !ok {
			continue
		}
		out[k] = v.sanitizeValue(val)
	}
	return out
}

func (v *Validator) sanitizeValue(val any) any {
	switch tv := val.(type) {
	case string:
		s := markupPattern.ReplaceAllString(tv, "")
		if len(s) > v.policy.Sanitize.MaxStrLen {
			cut := v.policy.Sanitize.MaxStrLen
			// Back up to a rune boundary so truncation never emits
			// invalid UTF-8.
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			s = s[:cut]
		}
		return s
	case []any:
		n := len(tv)
		if n > v.policy.Sanitize.MaxItems {
			n = v.policy.Sanitize.MaxItems
		}
		out := make([]any, 0, n)
		for _, item := range tv[:n] {
			out = append(out, v.sanitizeValue(item))
		}
		return out
	case map[string]any:
		out := make(map[string]any)
		for k, item := range tv {
			if len(out) >= v.policy.Sanitize.MaxKeys {
				break
			}
			out[k] = v.sanitizeValue(item)
		}
		return out
	default:
		return val
	}
}

func reject(code contracts.ReasonCode, detail string) contracts.ValidationResult {
	return contracts.ValidationResult{Accepted: false, Reason: code, Detail: detail}
}
