package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the machine-checkable code carried by every governance failure.
type ErrorCode string

// Error codes.
const (
	CodePolicyViolation       ErrorCode = "POLICY_VIOLATION"
	CodeImmutabilityViolation ErrorCode = "IMMUTABILITY_VIOLATION"
	CodeAuthorityViolation    ErrorCode = "AUTHORITY_VIOLATION"
	CodeSignatureError        ErrorCode = "SIGNATURE_ERROR"
	CodeDuplicateDecision     ErrorCode = "DUPLICATE_DECISION"
	CodeInvalidAction         ErrorCode = "INVALID_ACTION"
	CodeMissingRationale      ErrorCode = "MISSING_RATIONALE"
	CodeAgentFailure          ErrorCode = "AGENT_FAILURE"
	CodeBudgetExceeded        ErrorCode = "BUDGET_EXCEEDED"
	CodePersistenceFailure    ErrorCode = "PERSISTENCE_FAILURE"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeCancelled             ErrorCode = "CANCELLED"
)

// Sentinel errors for errors.Is matching across the taxonomy.
var (
	ErrPolicyViolation   = errors.New("policy violation")
	ErrSignature         = errors.New("signature error")
	ErrAgentFailure      = errors.New("agent failure")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrCancelled         = errors.New("cancelled")
)

// Violation is a single structured hard-constraint failure.
type Violation struct {
	Code       ErrorCode `json:"code"`
	PolicyCode string    `json:"policy_code,omitempty"`
	Message    string    `json:"message"`
}

func (v Violation) String() string {
	if v.PolicyCode != "" {
		return fmt.Sprintf("%s[%s]: %s", v.Code, v.PolicyCode, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// GovernanceError is the structured error returned to callers of the cycle engine.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type GovernanceError struct {
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	PolicyCode string      `json:"policy_code,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Err        error       `json:"-"`
}

func (e *GovernanceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause.
func (e *GovernanceError) Unwrap() error {
	return e.Err
}

// Is maps codes onto the taxonomy sentinels.
func (e *GovernanceError) Is(target error) bool {
	switch target {
	case ErrPolicyViolation:
		return e.Code == CodePolicyViolation || e.Code == CodeImmutabilityViolation || e.Code == CodeAuthorityViolation
	case ErrSignature:
		return e.Code == CodeSignatureError || e.Code == CodeDuplicateDecision || e.Code == CodeInvalidAction || e.Code == CodeMissingRationale
	case ErrAgentFailure:
		return e.Code == CodeAgentFailure
	case ErrBudgetExceeded:
		return e.Code == CodeBudgetExceeded
	case ErrPersistence:
		return e.Code == CodePersistenceFailure
	case ErrInvalidTransition:
		return e.Code == CodeInvalidTransition
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrCancelled:
		return e.Code == CodeCancelled
	}
	return false
}

// NewError builds a GovernanceError.
func NewError(code ErrorCode, format string, args ...any) *GovernanceError {
	return &GovernanceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a GovernanceError around cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *GovernanceError {
	return &GovernanceError{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// PolicyError builds the error for a failed policy check. The code of the most
// specific violation wins: authority over immutability over generic policy.
func PolicyError(violations []Violation) *GovernanceError {
	code := CodePolicyViolation
	for _, v := range violations {
		if v.Code == CodeAuthorityViolation {
			code = CodeAuthorityViolation
			break
		}
		if v.Code == CodeImmutabilityViolation {
			code = CodeImmutabilityViolation
		}
	}
	msgs := make([]string, 0, len(violations))
	var policyCode string
	for _, v := range violations {
		msgs = append(msgs, v.String())
		if policyCode == "" && v.Code == code {
			policyCode = v.PolicyCode
		}
	}
	return &GovernanceError{
		Code:       code,
		Message:    strings.Join(msgs, "; "),
		PolicyCode: policyCode,
		Violations: violations,
	}
}

// CodeOf extracts the machine code of err, or "" if err is not a GovernanceError.
func CodeOf(err error) ErrorCode {
	var ge *GovernanceError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
