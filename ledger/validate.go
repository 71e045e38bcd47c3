/*
validate.go - Background ledger integrity checks

PURPOSE:
  Verifies the invariants that the allocation and void paths are supposed
  to preserve, independent of any single transaction. Three checks:

    1. Advance balance:   original = current + deducted (within ε) for
                          every non-voided advance
    2. Deduction totals:  each advance's TotalDeducted equals the sum of
                          its non-voided deductions
    3. Orphans:           every non-voided deduction references an
                          existing, non-voided advance and a real cheque
                          or batch

  A finding here is an integrity error: it should never occur and means a
  bug or data corruption, not a user mistake. Findings are reported, and
  logged high-severity, never thrown mid-operation.

IDEMPOTENT:
  Read-only and safe to run repeatedly, concurrently with anything except
  a mutation on the same rows.

SEE ALSO:
  - reconcile.go: Per-distribution balance proof
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// VALIDATION REPORT
// =============================================================================

type CheckResult struct {
	Name          string
	IsValid       bool
	Discrepancies []string
	Message       string
}

type ValidationReport struct {
	Checks      []CheckResult
	GeneratedAt time.Time
}

// IsValid is the conjunction of all checks.
func (r ValidationReport) IsValid() bool {
	for _, c := range r.Checks {
		if !c.IsValid {
			return false
		}
	}
	return true
}

// =============================================================================
// VALIDATOR
// =============================================================================

type Validator struct {
	Store  Store
	Logger *logrus.Logger

	Now func() time.Time
}

func NewValidator(store Store, logger *logrus.Logger) *Validator {
	return &Validator{Store: store, Logger: logger}
}

// Run executes all three integrity checks.
func (v *Validator) Run(ctx context.Context) (ValidationReport, error) {
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now()
	}

	advances, err := v.Store.ListAdvances(ctx)
	if err != nil {
		return ValidationReport{}, err
	}
	deductions, err := v.Store.ListDeductions(ctx)
	if err != nil {
		return ValidationReport{}, err
	}

	report := ValidationReport{
		GeneratedAt: now,
		Checks: []CheckResult{
			checkAdvanceBalances(advances),
			checkDeductionTotals(advances, deductions),
			v.checkOrphans(ctx, advances, deductions),
		},
	}

	if v.Logger != nil && !report.IsValid() {
		for _, c := range report.Checks {
			if c.IsValid {
				continue
			}
			v.Logger.WithFields(logrus.Fields{
				"check":         c.Name,
				"discrepancies": len(c.Discrepancies),
			}).Error("ledger integrity violation")
		}
	}

	return report, nil
}

func checkAdvanceBalances(advances []Advance) CheckResult {
	result := CheckResult{Name: "advance_balance", IsValid: true}
	for _, a := range advances {
		if a.Status == StatusVoided {
			continue
		}
		if !a.Balanced() {
			result.IsValid = false
			result.Discrepancies = append(result.Discrepancies, fmt.Sprintf(
				"advance %s: original %v != current %v + deducted %v",
				a.ID, a.OriginalAmount.Value, a.CurrentAmount.Value, a.TotalDeducted.Value))
		}
	}
	result.Message = summarize(result)
	return result
}

func checkDeductionTotals(advances []Advance, deductions []Deduction) CheckResult {
	result := CheckResult{Name: "deduction_total", IsValid: true}

	sums := map[AdvanceID]Money{}
	for _, d := range deductions {
		if d.IsVoided {
			continue
		}
		sums[d.AdvanceID] = sums[d.AdvanceID].Add(d.Amount)
	}

	for _, a := range advances {
		if a.Status == StatusVoided {
			continue
		}
		sum, ok := sums[a.ID]
		if !ok {
			sum = ZeroMoney()
		}
		if !a.TotalDeducted.WithinEpsilon(sum) {
			result.IsValid = false
			result.Discrepancies = append(result.Discrepancies, fmt.Sprintf(
				"advance %s: recorded deducted %v != deduction sum %v",
				a.ID, a.TotalDeducted.Value, sum.Value))
		}
	}
	result.Message = summarize(result)
	return result
}

func (v *Validator) checkOrphans(ctx context.Context, advances []Advance, deductions []Deduction) CheckResult {
	result := CheckResult{Name: "orphaned_deduction", IsValid: true}

	known := map[AdvanceID]Advance{}
	for _, a := range advances {
		known[a.ID] = a
	}

	for _, d := range deductions {
		if d.IsVoided {
			continue
		}
		adv, ok := known[d.AdvanceID]
		if !ok {
			result.IsValid = false
			result.Discrepancies = append(result.Discrepancies, fmt.Sprintf(
				"deduction %s references missing advance %s", d.ID, d.AdvanceID))
			continue
		}
		if adv.Status == StatusVoided {
			result.IsValid = false
			result.Discrepancies = append(result.Discrepancies, fmt.Sprintf(
				"deduction %s references voided advance %s", d.ID, d.AdvanceID))
		}

		if d.ChequeID != "" {
			if _, err := v.Store.GetCheque(ctx, d.ChequeID); err != nil {
				result.IsValid = false
				result.Discrepancies = append(result.Discrepancies, fmt.Sprintf(
					"deduction %s references missing cheque %s", d.ID, d.ChequeID))
			}
		} else if d.BatchID != "" {
			if _, err := v.Store.GetBatch(ctx, d.BatchID); err != nil {
				result.IsValid = false
				result.Discrepancies = append(result.Discrepancies, fmt.Sprintf(
					"deduction %s references missing batch %s", d.ID, d.BatchID))
			}
		}
	}
	result.Message = summarize(result)
	return result
}

func summarize(c CheckResult) string {
	if c.IsValid {
		return fmt.Sprintf("%s: ok", c.Name)
	}
	return fmt.Sprintf("%s: %d discrepancies", c.Name, len(c.Discrepancies))
}
