/*
engine.go - Transactional application of deduction plans

PURPOSE:
  The Engine is the write path of the ledger. Allocation planning
  (allocator.go) is pure; the Engine turns an approved plan into durable
  records: Deduction rows, updated Advance balances, the resulting Cheque,
  and refreshed batch aggregates - all inside one store transaction.

COMMIT PROTOCOL:
  1. Reject replayed idempotency keys before touching anything.
  2. Re-read every advance in the plan INSIDE the transaction. If its
     status changed or its balance no longer covers the planned amount,
     the whole commit aborts with a concurrency conflict. The caller
     re-plans and re-submits; the engine never retries on its own.
  3. Apply deductions, write the cheque (unless the payment was fully
     absorbed - then deduction records only, no disbursement), refresh
     the owning batch, record the idempotency marker.
  Either all of it lands or none of it does.

ERROR REPORTING:
  Business-rule violations are carried in the CommitResult (Success,
  Errors, Warnings); only storage faults come back as Go errors.

SEE ALSO:
  - allocator.go: Plan computation
  - voiding.go: The inverse operation
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store  TxStore
	Logger *logrus.Logger

	// Now is the clock; tests override it. Defaults to time.Now UTC.
	Now func() time.Time
}

func NewEngine(store TxStore, logger *logrus.Logger) *Engine {
	return &Engine{Store: store, Logger: logger}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// =============================================================================
// COMMIT - Apply a deduction plan
// =============================================================================

type CommitOptions struct {
	BatchID        BatchID
	DistributionID DistributionID
	ItemID         ItemID
	Method         PaymentMethod
	Actor          string
	IdempotencyKey string
}

type CommitResult struct {
	Result

	ChequeID        ChequeID // empty when no cheque was generated
	ChequeGenerated bool
	DeductionIDs    []DeductionID
	TotalDeducted   Money
	NetAmount       Money

	// Conflict is set when the commit aborted because an advance changed
	// between planning and commit. Safe to re-plan and retry.
	Conflict bool
}

// CommitPlan applies a deduction plan atomically.
func (e *Engine) CommitPlan(ctx context.Context, plan DeductionPlan, opts CommitOptions) (CommitResult, error) {
	result := CommitResult{Result: Result{Success: true}}
	now := e.now()
	method := opts.Method
	if method == "" {
		method = MethodCheque
	}

	err := e.Store.WithTx(ctx, func(s Store) error {
		if opts.IdempotencyKey != "" {
			applied, err := s.WasApplied(ctx, opts.IdempotencyKey)
			if err != nil {
				return err
			}
			if applied {
				return ErrDuplicateIdempotencyKey
			}
		}

		var chequeID ChequeID
		if !plan.IsFullyAbsorbed {
			chequeID = ChequeID(uuid.NewString())
		}

		total := ZeroMoney()
		for _, line := range plan.Lines {
			if !line.Actual.IsPositive() {
				continue
			}

			adv, err := s.GetAdvance(ctx, line.AdvanceID)
			if err != nil {
				return err
			}
			// Re-validate inside the transaction: the advance may have been
			// deducted or voided since planning.
			if !adv.CanBeDeducted() || line.Actual.GreaterThan(adv.CurrentAmount) {
				return &StaleAdvanceError{
					AdvanceID: adv.ID,
					Planned:   line.Actual,
					Available: adv.CurrentAmount,
					Status:    adv.Status,
				}
			}

			adv, err = adv.ApplyDeduction(line.Actual)
			if err != nil {
				return err
			}
			if err := s.PutAdvance(ctx, adv); err != nil {
				return err
			}

			ded := Deduction{
				ID:        DeductionID(uuid.NewString()),
				AdvanceID: adv.ID,
				BatchID:   opts.BatchID,
				ChequeID:  chequeID,
				Amount:    line.Actual,
				CreatedAt: now,
				CreatedBy: opts.Actor,
			}
			if err := s.PutDeduction(ctx, ded); err != nil {
				return err
			}
			result.DeductionIDs = append(result.DeductionIDs, ded.ID)
			total = total.Add(line.Actual)
		}

		net := plan.GrossAmount.Sub(total)
		if net.IsNegative() {
			// The allocator and override validation forbid this; reaching it
			// means the plan was tampered with.
			return &DeductionCapError{Requested: total, Cap: plan.GrossAmount}
		}

		if chequeID != "" {
			cheque := Cheque{
				ID:             chequeID,
				GrowerID:       plan.GrowerID,
				BatchID:        opts.BatchID,
				DistributionID: opts.DistributionID,
				ItemID:         opts.ItemID,
				GrossAmount:    plan.GrossAmount,
				NetAmount:      net,
				Status:         StatusGenerated,
				Method:         method,
				CreatedAt:      now,
			}
			if err := s.PutCheque(ctx, cheque); err != nil {
				return err
			}
			result.ChequeID = chequeID
			result.ChequeGenerated = true
		}

		if opts.BatchID != "" {
			if err := recomputeBatch(ctx, s, opts.BatchID); err != nil {
				return err
			}
		}

		if opts.IdempotencyKey != "" {
			if err := s.MarkApplied(ctx, opts.IdempotencyKey); err != nil {
				return err
			}
		}

		result.TotalDeducted = total
		result.NetAmount = net
		return nil
	})

	if err != nil {
		result.DeductionIDs = nil
		result.ChequeID = ""
		result.ChequeGenerated = false

		switch {
		case errors.Is(err, ErrConcurrentModification):
			result.Conflict = true
			result.AddError("commit aborted: %v", err)
			e.log().WithFields(logrus.Fields{
				"grower": plan.GrowerID,
				"gross":  plan.GrossAmount.String(),
			}).Warn("allocation commit conflict")
			return result, nil
		case IsClientError(err):
			result.AddError("%v", err)
			return result, nil
		default:
			return result, err
		}
	}

	if plan.IsFullyAbsorbed {
		result.AddWarning("payment fully absorbed by deductions; no cheque generated")
	}

	e.log().WithFields(logrus.Fields{
		"grower":     plan.GrowerID,
		"gross":      plan.GrossAmount.String(),
		"deducted":   result.TotalDeducted.String(),
		"net":        result.NetAmount.String(),
		"cheque":     result.ChequeID,
		"deductions": len(result.DeductionIDs),
	}).Info("allocation committed")

	return result, nil
}

// =============================================================================
// ADVANCE ISSUANCE
// =============================================================================

type IssueAdvanceInput struct {
	GrowerID  GrowerID
	Amount    Money
	IssueDate time.Time
	BatchID   BatchID
	Actor     string
}

type IssueAdvanceOutput struct {
	Advance Advance
	Cheque  Cheque
}

// IssueAdvance creates a Generated advance and its backing advance cheque
// (net equals gross: advances are not themselves subject to deduction).
func (e *Engine) IssueAdvance(ctx context.Context, in IssueAdvanceInput) (IssueAdvanceOutput, error) {
	if !in.Amount.IsPositive() {
		return IssueAdvanceOutput{}, &DeductionCapError{Requested: in.Amount, Cap: ZeroMoney()}
	}

	now := e.now()
	issueDate := in.IssueDate
	if issueDate.IsZero() {
		issueDate = now
	}

	out := IssueAdvanceOutput{}
	err := e.Store.WithTx(ctx, func(s Store) error {
		cheque := Cheque{
			ID:          ChequeID(uuid.NewString()),
			GrowerID:    in.GrowerID,
			BatchID:     in.BatchID,
			GrossAmount: in.Amount,
			NetAmount:   in.Amount,
			Status:      StatusGenerated,
			Method:      MethodCheque,
			IsAdvance:   true,
			CreatedAt:   now,
		}
		adv := Advance{
			ID:             AdvanceID(uuid.NewString()),
			GrowerID:       in.GrowerID,
			ChequeID:       cheque.ID,
			OriginalAmount: in.Amount,
			CurrentAmount:  in.Amount,
			TotalDeducted:  ZeroMoney(),
			Status:         StatusGenerated,
			IssueDate:      issueDate,
			CreatedAt:      now,
		}
		if err := s.PutCheque(ctx, cheque); err != nil {
			return err
		}
		if err := s.PutAdvance(ctx, adv); err != nil {
			return err
		}
		if in.BatchID != "" {
			if err := recomputeBatch(ctx, s, in.BatchID); err != nil {
				return err
			}
		}
		out.Advance = adv
		out.Cheque = cheque
		return nil
	})
	if err != nil {
		return IssueAdvanceOutput{}, err
	}

	e.log().WithFields(logrus.Fields{
		"grower":  in.GrowerID,
		"advance": out.Advance.ID,
		"amount":  in.Amount.String(),
	}).Info("advance issued")
	return out, nil
}

// =============================================================================
// LIFECYCLE OPERATIONS - Persisted status transitions
// =============================================================================

// PrintCheque transitions a cheque Generated -> Printed.
func (e *Engine) PrintCheque(ctx context.Context, id ChequeID) (Cheque, error) {
	return e.transitionCheque(ctx, id, Cheque.MarkPrinted)
}

// IssueCheque transitions a cheque Printed -> Issued.
func (e *Engine) IssueCheque(ctx context.Context, id ChequeID) (Cheque, error) {
	return e.transitionCheque(ctx, id, Cheque.MarkIssued)
}

// ClearCheque transitions a cheque Issued -> Cleared.
func (e *Engine) ClearCheque(ctx context.Context, id ChequeID) (Cheque, error) {
	return e.transitionCheque(ctx, id, Cheque.MarkCleared)
}

// StopCheque transitions a cheque Issued -> Stopped.
func (e *Engine) StopCheque(ctx context.Context, id ChequeID) (Cheque, error) {
	return e.transitionCheque(ctx, id, Cheque.MarkStopped)
}

func (e *Engine) transitionCheque(ctx context.Context, id ChequeID, fn func(Cheque) (Cheque, error)) (Cheque, error) {
	var out Cheque
	err := e.Store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCheque(ctx, id)
		if err != nil {
			return err
		}
		c, err = fn(c)
		if err != nil {
			return err
		}
		if err := s.PutCheque(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// PrintAdvance transitions an advance Generated -> Printed.
func (e *Engine) PrintAdvance(ctx context.Context, id AdvanceID) (Advance, error) {
	return e.transitionAdvance(ctx, id, Advance.MarkPrinted)
}

// DeliverAdvance transitions an advance Printed -> Delivered, the only
// state from which deductions may be taken.
func (e *Engine) DeliverAdvance(ctx context.Context, id AdvanceID) (Advance, error) {
	return e.transitionAdvance(ctx, id, Advance.MarkDelivered)
}

func (e *Engine) transitionAdvance(ctx context.Context, id AdvanceID, fn func(Advance) (Advance, error)) (Advance, error) {
	var out Advance
	err := e.Store.WithTx(ctx, func(s Store) error {
		a, err := s.GetAdvance(ctx, id)
		if err != nil {
			return err
		}
		a, err = fn(a)
		if err != nil {
			return err
		}
		if err := s.PutAdvance(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatch opens a new Draft batch.
func (e *Engine) CreateBatch(ctx context.Context) (PaymentBatch, error) {
	b := PaymentBatch{
		ID:        BatchID(uuid.NewString()),
		Status:    BatchDraft,
		CreatedAt: e.now(),
	}
	if err := e.Store.PutBatch(ctx, b); err != nil {
		return PaymentBatch{}, err
	}
	return b, nil
}

// PostBatch transitions a batch Draft -> Posted after refreshing totals.
func (e *Engine) PostBatch(ctx context.Context, id BatchID) (PaymentBatch, error) {
	var out PaymentBatch
	err := e.Store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != BatchDraft {
			return &StateTransitionError{Entity: "batch", ID: string(b.ID), From: Status(b.Status), Attempted: "post"}
		}
		if err := recomputeBatch(ctx, s, id); err != nil {
			return err
		}
		b, err = s.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		b.Status = BatchPosted
		if err := s.PutBatch(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// recomputeBatch re-derives a batch's aggregates from its non-voided
// cheques. Runs inside the caller's transaction.
func recomputeBatch(ctx context.Context, s Store, id BatchID) error {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}

	cheques, err := s.ListChequesByBatch(ctx, id)
	if err != nil {
		return err
	}

	total := ZeroMoney()
	growers := map[GrowerID]bool{}
	for _, c := range cheques {
		if c.Status == StatusVoided {
			continue
		}
		total = total.Add(c.NetAmount)
		growers[c.GrowerID] = true
	}

	b.TotalAmount = total
	b.TotalGrowers = len(growers)
	return s.PutBatch(ctx, b)
}
