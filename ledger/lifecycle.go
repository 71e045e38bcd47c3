/*
lifecycle.go - Status state machines for cheques and advances

PURPOSE:
  The finite state machines governing cheque and advance status, and the
  guard predicates derived from them.

  Cheque:  Generated -> Printed -> Issued -> (Cleared | Stopped | Voided)
  Advance: Generated -> Printed -> Delivered -> Voided

  Transitions are one-directional except Void, which is reachable from any
  non-terminal state subject to policy: voiding an Issued or Cleared cheque
  additionally requires AllowVoidAfterPosted.

GUARDS:
  CanBePrinted / CanBeIssued / CanBeDelivered / CanBeVoided / CanBeDeducted
  are pure functions of the current Status. They are re-derived on every
  call, never cached - cached eligibility flags go stale the moment a
  concurrent void lands.

FAILURE MODE:
  Illegal transition attempts return a StateTransitionError and leave the
  entity untouched. There is no partial mutation.

SEE ALSO:
  - voiding.go: Uses CanBeVoided plus policy before cascading
  - allocator.go: Only advances with CanBeDeducted enter allocation
*/
package ledger

import "time"

// =============================================================================
// POLICY - Configurable void behavior
// =============================================================================

type VoidPolicy struct {
	// AllowVoidAfterPosted permits voiding a cheque that has already been
	// issued or cleared. Off by default: post-delivery voids need an
	// explicit operator decision.
	AllowVoidAfterPosted bool

	// AutoRevertBatchOnVoid reverts the owning batch to Draft and recomputes
	// its aggregates when a member cheque is voided.
	AutoRevertBatchOnVoid bool
}

// =============================================================================
// CHEQUE GUARDS AND TRANSITIONS
// =============================================================================

func (c Cheque) CanBePrinted() bool { return c.Status == StatusGenerated }
func (c Cheque) CanBeIssued() bool  { return c.Status == StatusPrinted }
func (c Cheque) CanBeCleared() bool { return c.Status == StatusIssued }
func (c Cheque) CanBeStopped() bool { return c.Status == StatusIssued }

// CanBeVoided reports whether a void is permitted under the given policy.
// Generated and Printed cheques may always be voided; once issued or
// cleared the policy gate applies. Stopped cheques may always be voided.
func (c Cheque) CanBeVoided(policy VoidPolicy) bool {
	switch c.Status {
	case StatusGenerated, StatusPrinted, StatusStopped:
		return true
	case StatusIssued, StatusCleared:
		return policy.AllowVoidAfterPosted
	default:
		return false
	}
}

func (c Cheque) MarkPrinted() (Cheque, error) {
	if !c.CanBePrinted() {
		return c, &StateTransitionError{Entity: "cheque", ID: string(c.ID), From: c.Status, Attempted: "print"}
	}
	c.Status = StatusPrinted
	return c, nil
}

func (c Cheque) MarkIssued() (Cheque, error) {
	if !c.CanBeIssued() {
		return c, &StateTransitionError{Entity: "cheque", ID: string(c.ID), From: c.Status, Attempted: "issue"}
	}
	c.Status = StatusIssued
	return c, nil
}

func (c Cheque) MarkCleared() (Cheque, error) {
	if !c.CanBeCleared() {
		return c, &StateTransitionError{Entity: "cheque", ID: string(c.ID), From: c.Status, Attempted: "clear"}
	}
	c.Status = StatusCleared
	return c, nil
}

func (c Cheque) MarkStopped() (Cheque, error) {
	if !c.CanBeStopped() {
		return c, &StateTransitionError{Entity: "cheque", ID: string(c.ID), From: c.Status, Attempted: "stop"}
	}
	c.Status = StatusStopped
	return c, nil
}

// MarkVoided transitions to Voided. The VoidingCoordinator is the only
// caller; it performs the policy check and the deduction cascade.
func (c Cheque) MarkVoided(at time.Time, by, reason string) Cheque {
	c.Status = StatusVoided
	c.Voided = &VoidInfo{At: at, By: by, Reason: reason}
	return c
}

// =============================================================================
// ADVANCE GUARDS AND TRANSITIONS
// =============================================================================

func (a Advance) CanBePrinted() bool   { return a.Status == StatusGenerated }
func (a Advance) CanBeDelivered() bool { return a.Status == StatusPrinted }

// CanBeDeducted: Delivered is the only state from which deductions are
// permitted. Note this is a pure status check; callers that also need a
// positive balance use Outstanding().
func (a Advance) CanBeDeducted() bool { return a.Status == StatusDelivered }

// CanBeVoided: any non-terminal state. The TotalDeducted = 0 precondition
// is enforced by the VoidingCoordinator, not here, because it depends on
// deduction history rather than status.
func (a Advance) CanBeVoided() bool { return a.Status != StatusVoided }

func (a Advance) MarkPrinted() (Advance, error) {
	if !a.CanBePrinted() {
		return a, &StateTransitionError{Entity: "advance", ID: string(a.ID), From: a.Status, Attempted: "print"}
	}
	a.Status = StatusPrinted
	return a, nil
}

func (a Advance) MarkDelivered() (Advance, error) {
	if !a.CanBeDelivered() {
		return a, &StateTransitionError{Entity: "advance", ID: string(a.ID), From: a.Status, Attempted: "deliver"}
	}
	a.Status = StatusDelivered
	return a, nil
}

// MarkVoided freezes CurrentAmount and TotalDeducted at their last-known
// values; the advance drops out of allocation via the status check.
func (a Advance) MarkVoided(at time.Time, by, reason string) Advance {
	a.Status = StatusVoided
	a.Voided = &VoidInfo{At: at, By: by, Reason: reason}
	return a
}
