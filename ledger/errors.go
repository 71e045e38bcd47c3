/*
errors.go - Centralized error types for the payment engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers distinguish three families per the engine's taxonomy:

  1. Validation errors - user-correctable business-rule violations. No
     partial mutation ever occurs. Detected before commit.
  2. Integrity errors - should never occur; indicate a bug or data
     corruption. Surfaced via the validation report, not thrown during
     normal operation.
  3. Concurrency conflicts - a concurrent mutation invalidated a planned
     commit. Aborted and reported; never retried silently, because retrying
     a financial mutation without caller awareness risks double-application.

USAGE:
    if errors.Is(err, ledger.ErrConcurrentModification) {
        // safe to re-plan and re-submit
    }

SEE ALSO:
  - engine.go: Returns these from commit
  - voiding.go: Returns these from void
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a commit with the same
	// idempotency key was already applied. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when an advance changed between
	// planning and commit (balance shrank, status changed, row lock lost).
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned for illegal lifecycle transitions.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDeductionCapExceeded is returned when a deduction or override
	// exceeds min(advance balance, gross payment).
	ErrDeductionCapExceeded = errors.New("deduction exceeds cap")

	// ErrAdvanceHasDeductions is returned when voiding an advance that still
	// carries live deduction history. Deductions must be voided first.
	ErrAdvanceHasDeductions = errors.New("advance has live deductions")

	// ErrAdvanceChequeVoid is returned when a disbursement cheque is voided
	// through the cheque path. Voiding only the cheque would leave its
	// advance deductible with no money behind it; both halves go through
	// the advance void.
	ErrAdvanceChequeVoid = errors.New("advance cheques are voided through their advance")

	// Not-found sentinels. The store returns these, wrapped with the ID.
	ErrAdvanceNotFound   = errors.New("advance not found")
	ErrDeductionNotFound = errors.New("deduction not found")
	ErrChequeNotFound    = errors.New("cheque not found")
	ErrBatchNotFound     = errors.New("batch not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StateTransitionError reports an illegal lifecycle transition attempt.
type StateTransitionError struct {
	Entity    string // "cheque" or "advance"
	ID        string
	From      Status
	Attempted string // transition or action name, e.g. "void", "deduct"
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from status %q", e.Entity, e.ID, e.Attempted, e.From)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidTransition }

// DeductionCapError reports a deduction amount over the allowed cap.
type DeductionCapError struct {
	AdvanceID AdvanceID
	Requested Money
	Cap       Money
}

func (e *DeductionCapError) Error() string {
	return fmt.Sprintf("deduction %v exceeds cap %v on advance %s",
		e.Requested.Value, e.Cap.Value, e.AdvanceID)
}

func (e *DeductionCapError) Unwrap() error { return ErrDeductionCapExceeded }

// StaleAdvanceError reports that an advance no longer covers a planned
// deduction at commit time.
type StaleAdvanceError struct {
	AdvanceID AdvanceID
	Planned   Money
	Available Money
	Status    Status
}

func (e *StaleAdvanceError) Error() string {
	return fmt.Sprintf("advance %s changed since planning: planned %v, available %v (status %q)",
		e.AdvanceID, e.Planned.Value, e.Available.Value, e.Status)
}

func (e *StaleAdvanceError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// OPERATION RESULT - Success/Errors/Warnings for business outcomes
// =============================================================================

// Result is embedded in commit/void outputs. Business-rule violations are
// reported here rather than thrown; only storage faults propagate as errors.
type Result struct {
	Success  bool
	Errors   []string
	Warnings []string
}

func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Success = false
}

func (r *Result) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a caller-driven retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDeductionCapExceeded) ||
		errors.Is(err, ErrAdvanceHasDeductions) ||
		errors.Is(err, ErrAdvanceChequeVoid) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAdvanceNotFound) ||
		errors.Is(err, ErrDeductionNotFound) ||
		errors.Is(err, ErrChequeNotFound) ||
		errors.Is(err, ErrBatchNotFound)
}
