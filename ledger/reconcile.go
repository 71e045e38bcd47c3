/*
reconcile.go - Distribution reconciliation

PURPOSE:
  Proves that issued payments match expected distribution amounts. The
  expected side comes from the distribution items registered by the
  payment-run orchestrator; the actual side is every non-voided payment
  issued for the distribution (printed cheques and electronic payments
  alike). One PaymentException per discrepancy:

    Missing    - expected item with no corresponding issued payment
    Duplicate  - more than one issued payment for the same item
    Variance   - matched amounts differ by more than ε

READ-ONLY:
  Reconciliation never mutates ledger state. Its only write is the report
  itself (plus exceptions). Exception resolution is a human workflow that
  happens elsewhere; exceptions start Open.

SEE ALSO:
  - validate.go: Invariant checks independent of any distribution
  - types.go: DistributionItem
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

type ExceptionType string

const (
	ExceptionMissing   ExceptionType = "missing"
	ExceptionDuplicate ExceptionType = "duplicate"
	ExceptionVariance  ExceptionType = "variance_at_item_level"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "open"
	ExceptionResolved ExceptionStatus = "resolved"
)

type PaymentException struct {
	ID             string
	DistributionID DistributionID
	ItemID         ItemID
	Type           ExceptionType
	Severity       Severity
	Status         ExceptionStatus
	Expected       Money
	Actual         Money
	Message        string
	Resolution     string
	CreatedAt      time.Time
}

// =============================================================================
// RECONCILIATION REPORT
// =============================================================================

type ReconciliationReport struct {
	ID             string
	DistributionID DistributionID
	ExpectedAmount Money
	ActualAmount   Money
	ExpectedCount  int
	ActualCount    int
	MissingCount   int
	DuplicateCount int
	Exceptions     []PaymentException
	GeneratedAt    time.Time
}

// Variance is Actual - Expected.
func (r ReconciliationReport) Variance() Money {
	return r.ActualAmount.Sub(r.ExpectedAmount)
}

// IsBalanced is purely derived: |Variance| < ε.
func (r ReconciliationReport) IsBalanced() bool {
	return r.Variance().Abs().Value.LessThan(Epsilon)
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Store  Store
	Logger *logrus.Logger

	Now func() time.Time
}

func NewReconciler(store Store, logger *logrus.Logger) *Reconciler {
	return &Reconciler{Store: store, Logger: logger}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Reconcile compares expected vs actual totals for a distribution,
// persists the resulting report, and returns it.
func (r *Reconciler) Reconcile(ctx context.Context, distributionID DistributionID) (ReconciliationReport, error) {
	now := r.now()

	items, err := r.Store.ListDistributionItems(ctx, distributionID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	cheques, err := r.Store.ListChequesByDistribution(ctx, distributionID)
	if err != nil {
		return ReconciliationReport{}, err
	}

	report := ReconciliationReport{
		ID:             uuid.NewString(),
		DistributionID: distributionID,
		ExpectedAmount: ZeroMoney(),
		ActualAmount:   ZeroMoney(),
		GeneratedAt:    now,
	}

	// Actual side: every non-voided issued payment, grouped by the item
	// it settles.
	byItem := map[ItemID][]Cheque{}
	for _, c := range cheques {
		if c.Status == StatusVoided {
			continue
		}
		report.ActualAmount = report.ActualAmount.Add(c.NetAmount)
		report.ActualCount++
		if c.ItemID != "" {
			byItem[c.ItemID] = append(byItem[c.ItemID], c)
		}
	}

	for _, item := range items {
		report.ExpectedAmount = report.ExpectedAmount.Add(item.Amount)
		report.ExpectedCount++

		matches := byItem[item.ID]
		switch {
		case len(matches) == 0:
			report.MissingCount++
			report.Exceptions = append(report.Exceptions, PaymentException{
				ID:             uuid.NewString(),
				DistributionID: distributionID,
				ItemID:         item.ID,
				Type:           ExceptionMissing,
				Severity:       SeverityError,
				Status:         ExceptionOpen,
				Expected:       item.Amount,
				Actual:         ZeroMoney(),
				Message:        "expected payment was never issued",
				CreatedAt:      now,
			})
		case len(matches) > 1:
			report.DuplicateCount++
			actual := ZeroMoney()
			for _, c := range matches {
				actual = actual.Add(c.NetAmount)
			}
			report.Exceptions = append(report.Exceptions, PaymentException{
				ID:             uuid.NewString(),
				DistributionID: distributionID,
				ItemID:         item.ID,
				Type:           ExceptionDuplicate,
				Severity:       SeverityCritical,
				Status:         ExceptionOpen,
				Expected:       item.Amount,
				Actual:         actual,
				Message:        "more than one payment issued for the same item",
				CreatedAt:      now,
			})
		default:
			actual := matches[0].NetAmount
			if !actual.WithinEpsilon(item.Amount) {
				report.Exceptions = append(report.Exceptions, PaymentException{
					ID:             uuid.NewString(),
					DistributionID: distributionID,
					ItemID:         item.ID,
					Type:           ExceptionVariance,
					Severity:       SeverityWarning,
					Status:         ExceptionOpen,
					Expected:       item.Amount,
					Actual:         actual,
					Message:        "issued amount differs from expected",
					CreatedAt:      now,
				})
			}
		}
	}

	if err := r.Store.PutReconciliationReport(ctx, report); err != nil {
		return ReconciliationReport{}, err
	}

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"distribution": distributionID,
			"expected":     report.ExpectedAmount.String(),
			"actual":       report.ActualAmount.String(),
			"variance":     report.Variance().String(),
			"exceptions":   len(report.Exceptions),
		}).Info("distribution reconciled")
	}

	return report, nil
}
