/*
allocator.go - Deduction plan computation

PURPOSE:
  Given a grower's gross payment and their outstanding advances, compute how
  much must/can be deducted. This is the key correctness rule of the whole
  engine: a deduction never exceeds the advance's remaining balance NOR the
  remaining unallocated portion of the gross payment. Deducting more than
  the gross would force a negative net cheque, which is forbidden.

PURITY:
  Allocation is a pure computation over value types. It may run
  concurrently and speculatively (UI preview) without locks. Applying a
  plan - creating Deduction records, mutating Advance balances, setting the
  cheque net - is a separate explicit step under a store transaction
  (see engine.go).

ORDERING:
  Advances are consumed oldest IssueDate first (FIFO), ties broken by
  identifier, so repeated planning over the same inputs is deterministic.

OVERRIDES:
  An operator may override a suggested per-advance amount before commit,
  subject to 0 <= override <= min(advance balance, gross). A violation is a
  validation error, not a silent clamp - clamping would surprise the
  operator into committing a different number than the one they typed.

TWO FLAGS, COMPUTED INDEPENDENTLY:
  IsFullyAbsorbed:         remaining net <= 0; the payment produced
                           deduction records only and NO cheque.
  IsDeductionFullyApplied: the requested deduction total (possibly less
                           than the full outstanding balance, after
                           overrides) was applied in full.
  Neither implies the other.

SEE ALSO:
  - engine.go: Transactional commit of a plan
  - types.go: Advance, Money
*/
package ledger

import "sort"

// =============================================================================
// DEDUCTION PLAN - Pure output of allocation
// =============================================================================

// PlanLine is one advance's share of the plan. Suggested is what the
// allocator computed; Actual is what will be committed (differs only after
// an operator override).
type PlanLine struct {
	AdvanceID   AdvanceID
	Suggested   Money
	Actual      Money
	Outstanding Money // advance CurrentAmount at planning time
}

type DeductionPlan struct {
	GrowerID    GrowerID
	GrossAmount Money
	Lines       []PlanLine

	// Derived by finalize()
	TotalDeducted           Money
	RemainingNet            Money
	IsFullyAbsorbed         bool
	IsDeductionFullyApplied bool
}

// finalize recomputes the plan's derived fields from its lines.
func (p DeductionPlan) finalize() DeductionPlan {
	total := ZeroMoney()
	requested := ZeroMoney()
	for _, line := range p.Lines {
		total = total.Add(line.Actual)
		requested = requested.Add(line.Suggested)
	}
	p.TotalDeducted = total
	p.RemainingNet = p.GrossAmount.Sub(total)
	p.IsFullyAbsorbed = p.RemainingNet.LessThanOrEqual(ZeroMoney())
	p.IsDeductionFullyApplied = total.WithinEpsilon(requested) || total.GreaterThan(requested)
	return p
}

// Line returns the plan line for an advance, if present.
func (p DeductionPlan) Line(id AdvanceID) (PlanLine, bool) {
	for _, line := range p.Lines {
		if line.AdvanceID == id {
			return line, true
		}
	}
	return PlanLine{}, false
}

// =============================================================================
// ALLOCATE - Greedy FIFO allocation
// =============================================================================

// Allocate computes a deduction plan for one grower's gross payment.
//
// Preconditions: gross >= 0; every advance is Delivered with a positive
// balance. Advances that fail the precondition are skipped rather than
// rejected: the caller typically passes the raw outstanding list and the
// allocator applies the eligibility rule itself.
func Allocate(growerID GrowerID, gross Money, outstanding []Advance) (DeductionPlan, error) {
	if gross.IsNegative() {
		return DeductionPlan{}, &DeductionCapError{Requested: gross, Cap: ZeroMoney()}
	}

	eligible := make([]Advance, 0, len(outstanding))
	for _, a := range outstanding {
		if a.Outstanding() {
			eligible = append(eligible, a)
		}
	}

	// FIFO: oldest issue date first, ties broken by identifier.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].IssueDate.Equal(eligible[j].IssueDate) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].IssueDate.Before(eligible[j].IssueDate)
	})

	plan := DeductionPlan{GrowerID: growerID, GrossAmount: gross}
	remaining := gross
	for _, a := range eligible {
		if !remaining.IsPositive() {
			break
		}
		amount := a.CurrentAmount.Min(remaining)
		plan.Lines = append(plan.Lines, PlanLine{
			AdvanceID:   a.ID,
			Suggested:   amount,
			Actual:      amount,
			Outstanding: a.CurrentAmount,
		})
		remaining = remaining.Sub(amount)
	}

	return plan.finalize(), nil
}

// =============================================================================
// OVERRIDE - Operator adjustment before commit
// =============================================================================

// WithOverride returns a copy of the plan with one advance's actual amount
// replaced. The override must satisfy 0 <= amount <= min(outstanding,
// gross); otherwise a DeductionCapError is returned and the plan is
// unchanged.
func (p DeductionPlan) WithOverride(id AdvanceID, amount Money) (DeductionPlan, error) {
	idx := -1
	for i, line := range p.Lines {
		if line.AdvanceID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return p, ErrAdvanceNotFound
	}

	limit := p.Lines[idx].Outstanding.Min(p.GrossAmount)
	if amount.IsNegative() || amount.GreaterThan(limit) {
		return p, &DeductionCapError{AdvanceID: id, Requested: amount, Cap: limit}
	}

	lines := make([]PlanLine, len(p.Lines))
	copy(lines, p.Lines)
	lines[idx].Actual = amount

	next := p
	next.Lines = lines
	next = next.finalize()

	// Overrides may not push the combined total past the gross payment:
	// that would mean a negative net cheque.
	if next.RemainingNet.IsNegative() {
		return p, &DeductionCapError{AdvanceID: id, Requested: next.TotalDeducted, Cap: next.GrossAmount}
	}
	return next, nil
}
