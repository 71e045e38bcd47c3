/*
Package ledger provides the core advance-deduction accounting engine.

PURPOSE:
  This package contains the entity types and algorithms that govern how
  outstanding cash advances issued to a grower are recovered from subsequent
  payments, how cheques move through their lifecycle, how voiding cascades
  through related records, and how a distribution is proven balanced.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A currency amount backed by decimal.Decimal (never floats)
  - Advance: A recoverable cash payment with a mutable remaining balance
  - Deduction: A recorded reduction of an advance, taken against one payment
  - Cheque: A disbursement (gross minus active deductions = net)
  - PaymentBatch: One processing run's cheques and aggregate totals
  - DistributionItem: The expected side of reconciliation

DESIGN PRINCIPLES:
  1. Immutability: Entities are plain values; updates are explicit functions
     returning new state. No property-changed side-effect chains.
  2. Precision: decimal.Decimal everywhere; ε = 0.01 is the only tolerance.
  3. Identifiers over object graphs: entities reference each other by ID and
     are resolved through the Store, which keeps transaction boundaries explicit.
  4. Money is never created or destroyed: every balance change is an explicit
     deduction or an explicit reversal of one.

SEE ALSO:
  - allocator.go: Deduction plan computation (pure)
  - lifecycle.go: Status transitions and guard predicates
  - voiding.go: Cascading reversal
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Currency amount with decimal precision
// =============================================================================

// Epsilon is the sub-cent rounding tolerance. Two amounts within Epsilon of
// each other are considered equal for invariant and reconciliation purposes.
var Epsilon = decimal.NewFromFloat(0.01)

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value)}
}

func NewMoneyFromInt(value int) Money {
	return Money{Value: decimal.NewFromInt(int64(value))}
}

func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money       { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money       { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money              { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money              { return Money{Value: m.Value.Abs()} }
func (m Money) IsZero() bool            { return m.Value.IsZero() }
func (m Money) IsNegative() bool        { return m.Value.IsNegative() }
func (m Money) IsPositive() bool        { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool      { return m.Value.Equal(o.Value) }
func (m Money) LessThan(o Money) bool   { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThanOrEqual(o Money) bool { return m.Value.LessThanOrEqual(o.Value) }
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}
func (m Money) String() string { return m.Value.StringFixed(2) }

// WithinEpsilon reports whether two amounts differ by less than ε.
func (m Money) WithinEpsilon(o Money) bool {
	return m.Value.Sub(o.Value).Abs().LessThan(Epsilon)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GrowerID string
type AdvanceID string
type DeductionID string
type ChequeID string
type BatchID string
type DistributionID string
type ItemID string

// =============================================================================
// STATUS - Shared status vocabulary for cheques, advances, and batches
// =============================================================================

type Status string

const (
	StatusGenerated Status = "generated"
	StatusPrinted   Status = "printed"
	StatusIssued    Status = "issued"    // cheques: handed over / posted
	StatusDelivered Status = "delivered" // advances: the only deductible state
	StatusCleared   Status = "cleared"
	StatusStopped   Status = "stopped"
	StatusVoided    Status = "voided"
)

type BatchStatus string

const (
	BatchDraft  BatchStatus = "draft"
	BatchPosted BatchStatus = "posted"
	BatchVoided BatchStatus = "voided"
)

// PaymentMethod distinguishes printed cheques from electronic payments.
// Both count as "issued payments" on the actual side of reconciliation.
type PaymentMethod string

const (
	MethodCheque     PaymentMethod = "cheque"
	MethodElectronic PaymentMethod = "electronic"
)

// =============================================================================
// VOID METADATA - Who reversed what, when, and why
// =============================================================================

type VoidInfo struct {
	At     time.Time
	By     string
	Reason string
}

// =============================================================================
// ADVANCE - Recoverable cash payment to a grower
// =============================================================================

// Advance invariant: OriginalAmount = CurrentAmount + TotalDeducted at all
// times. When voided, CurrentAmount and TotalDeducted freeze at their
// last-known values and the advance is excluded from allocation.
type Advance struct {
	ID             AdvanceID
	GrowerID       GrowerID
	ChequeID       ChequeID // the advance cheque that disbursed it
	OriginalAmount Money
	CurrentAmount  Money
	TotalDeducted  Money
	Status         Status
	IssueDate      time.Time
	CreatedAt      time.Time
	Voided         *VoidInfo
}

// Balanced reports whether the balance invariant holds (within ε).
func (a Advance) Balanced() bool {
	return a.OriginalAmount.WithinEpsilon(a.CurrentAmount.Add(a.TotalDeducted))
}

// Outstanding reports whether the advance can still absorb deductions.
// Zero-balance advances stay Delivered; this check excludes them.
func (a Advance) Outstanding() bool {
	return a.Status == StatusDelivered && a.CurrentAmount.IsPositive()
}

// ApplyDeduction moves amount from the remaining balance to the deducted
// total, returning the updated advance. The caller validates the cap; this
// enforces it again because money must never go negative.
func (a Advance) ApplyDeduction(amount Money) (Advance, error) {
	if !a.CanBeDeducted() {
		return a, &StateTransitionError{Entity: "advance", ID: string(a.ID), From: a.Status, Attempted: "deduct"}
	}
	if amount.IsNegative() || amount.GreaterThan(a.CurrentAmount) {
		return a, &DeductionCapError{
			AdvanceID: a.ID,
			Requested: amount,
			Cap:       a.CurrentAmount,
		}
	}
	a.CurrentAmount = a.CurrentAmount.Sub(amount)
	a.TotalDeducted = a.TotalDeducted.Add(amount)
	return a, nil
}

// RestoreDeduction reverses a previously applied deduction.
func (a Advance) RestoreDeduction(amount Money) Advance {
	a.CurrentAmount = a.CurrentAmount.Add(amount)
	a.TotalDeducted = a.TotalDeducted.Sub(amount)
	return a
}

// =============================================================================
// DEDUCTION - One recovery taken from one payment against one advance
// =============================================================================

// A Deduction is immutable once created except for the void transition.
type Deduction struct {
	ID        DeductionID
	AdvanceID AdvanceID
	BatchID   BatchID
	ChequeID  ChequeID // cheque the deduction was withheld from; empty when fully absorbed
	Amount    Money
	CreatedAt time.Time
	CreatedBy string
	IsVoided  bool
	Voided    *VoidInfo
}

// =============================================================================
// CHEQUE - A disbursement to a grower
// =============================================================================

type Cheque struct {
	ID             ChequeID
	GrowerID       GrowerID
	BatchID        BatchID
	DistributionID DistributionID // empty when not part of a distribution
	ItemID         ItemID         // the distribution item this cheque settles
	GrossAmount    Money
	NetAmount      Money
	Status         Status
	Method         PaymentMethod
	IsAdvance      bool // advance cheques are never themselves deducted
	IsConsolidated bool // combines multiple contributing batches
	CreatedAt      time.Time
	Voided         *VoidInfo
}

// =============================================================================
// PAYMENT BATCH - One processing run
// =============================================================================

// PaymentBatch totals must equal the sum of its constituent cheques' net
// amounts while the batch is not voided. RecomputeBatch re-derives them.
type PaymentBatch struct {
	ID           BatchID
	Status       BatchStatus
	TotalAmount  Money
	TotalGrowers int
	CreatedAt    time.Time
}

// =============================================================================
// DISTRIBUTION ITEM - Expected payment, fed by the payment-run orchestrator
// =============================================================================

type DistributionItem struct {
	ID             ItemID
	DistributionID DistributionID
	GrowerID       GrowerID
	Amount         Money
	CreatedAt      time.Time
}
