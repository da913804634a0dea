package contracts

import (
	"errors"
	"fmt"
)

// ReasonCode identifies which check a rejection came from. Codes are stable
// and machine-readable; callers log and alert on them directly.
type ReasonCode string

const (
	ReasonSchema           ReasonCode = "schema_error"
	ReasonInvalidPoints    ReasonCode = "invalid_point_value"
	ReasonBusinessRule     ReasonCode = "business_rule_violation"
	ReasonCooldown         ReasonCode = "cooldown_violation"
	ReasonEvidenceMismatch ReasonCode = "evidence_mismatch"
	ReasonExpiredProof     ReasonCode = "expired_proof"
	ReasonCrypto           ReasonCode = "cryptographic_failure"
	ReasonCollaborator     ReasonCode = "collaborator_failure"
)

// Rejection is a terminal per-call failure carrying the failed check.
type Rejection struct {
	Code   ReasonCode
	Check  string // which validator/verifier stage fired
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Code, r.Check)
	}
	return fmt.Sprintf("%s: %s: %s", r.Code, r.Check, r.Detail)
}

// Reject builds a Rejection.
func Reject(code ReasonCode, check, detail string) *Rejection {
	return &Rejection{Code: code, Check: check, Detail: detail}
}

// ReasonOf extracts the reason code from an error chain, or "" if the
// error carries none.
func ReasonOf(err error) ReasonCode {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	if errors.Is(err, ErrCollaborator) {
		return ReasonCollaborator
	}
	return ""
}

// ErrCollaborator marks a failed injected dependency. Detection and
// validation must propagate it, never substitute a neutral score: masking
// fraud behind a "safe" default is unacceptable.
var ErrCollaborator = errors.New("collaborator failure")

// CollaboratorError wraps a collaborator failure with the operation that
// hit it. errors.Is(err, ErrCollaborator) holds for the wrapped error.
func CollaboratorError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCollaborator, err)
}
