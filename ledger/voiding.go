/*
voiding.go - Cascading reversal of cheques and advances

PURPOSE:
  A void restores every balance the voided record had altered. For a
  cheque that means finding its active deductions, returning each amount
  to the parent advance, and marking the deductions voided; for an advance
  it means retiring the record outright - but only when no live deduction
  history remains, so the audit trail unwinds in a predictable order.

ATOMICITY:
  The whole cascade runs inside one store transaction. Partial success
  (one deduction restored but the cheque status write failing) must never
  be observable.

IDEMPOTENCE:
  Voiding an already-voided entity is a safe no-op: Success=true with a
  warning, not an error. Retried UI actions land here constantly.

POLICY:
  AllowVoidAfterPosted gates voiding issued/cleared cheques.
  AutoRevertBatchOnVoid reverts the owning batch to Draft and recomputes
  its aggregates after a member cheque is voided.

SEE ALSO:
  - lifecycle.go: Guard predicates and policies
  - engine.go: The forward operation this reverses
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// VOIDING COORDINATOR
// =============================================================================

type Voider struct {
	Store  TxStore
	Policy VoidPolicy
	Logger *logrus.Logger

	Now func() time.Time
}

func NewVoider(store TxStore, policy VoidPolicy, logger *logrus.Logger) *Voider {
	return &Voider{Store: store, Policy: policy, Logger: logger}
}

func (v *Voider) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

func (v *Voider) log() *logrus.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// VoidResult reports what a void did.
type VoidResult struct {
	Result

	AmountReversed      Money
	DeductionsReversed  bool
	BatchStatusRestored bool
	AlreadyVoided       bool
}

// =============================================================================
// CHEQUE VOID
// =============================================================================

// VoidCheque voids a cheque and reverses every active deduction taken
// from it, restoring the parent advance balances.
func (v *Voider) VoidCheque(ctx context.Context, id ChequeID, reason, actor string) (VoidResult, error) {
	result := VoidResult{Result: Result{Success: true}, AmountReversed: ZeroMoney()}
	now := v.now()

	err := v.Store.WithTx(ctx, func(s Store) error {
		cheque, err := s.GetCheque(ctx, id)
		if err != nil {
			return err
		}

		if cheque.Status == StatusVoided {
			result.AlreadyVoided = true
			result.AddWarning("cheque %s already voided", id)
			return nil
		}
		if cheque.IsAdvance {
			return ErrAdvanceChequeVoid
		}
		if !cheque.CanBeVoided(v.Policy) {
			return &StateTransitionError{Entity: "cheque", ID: string(id), From: cheque.Status, Attempted: "void"}
		}

		deductions, err := s.ListDeductionsByCheque(ctx, id)
		if err != nil {
			return err
		}

		for _, ded := range deductions {
			if ded.IsVoided {
				continue
			}
			adv, err := s.GetAdvance(ctx, ded.AdvanceID)
			if err != nil {
				return err
			}
			adv = adv.RestoreDeduction(ded.Amount)
			if err := s.PutAdvance(ctx, adv); err != nil {
				return err
			}

			ded.IsVoided = true
			ded.Voided = &VoidInfo{At: now, By: actor, Reason: reason}
			if err := s.PutDeduction(ctx, ded); err != nil {
				return err
			}

			result.AmountReversed = result.AmountReversed.Add(ded.Amount)
			result.DeductionsReversed = true
		}

		cheque = cheque.MarkVoided(now, actor, reason)
		if err := s.PutCheque(ctx, cheque); err != nil {
			return err
		}

		if cheque.BatchID != "" && v.Policy.AutoRevertBatchOnVoid {
			restored, err := revertBatchToDraft(ctx, s, cheque.BatchID, &result.Result)
			if err != nil {
				return err
			}
			result.BatchStatusRestored = restored
		} else if cheque.BatchID != "" {
			// Totals still shrink by the voided net even when the batch
			// stays in its current state.
			if err := recomputeBatch(ctx, s, cheque.BatchID); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAdvanceChequeVoid) {
			result.Success = false
			result.AddError("%v", err)
			return result, nil
		}
		return VoidResult{}, err
	}

	v.log().WithFields(logrus.Fields{
		"cheque":   id,
		"reversed": result.AmountReversed.String(),
		"actor":    actor,
	}).Info("cheque voided")
	return result, nil
}

// =============================================================================
// ADVANCE VOID
// =============================================================================

// VoidAdvance voids an advance. Only permitted when TotalDeducted = 0:
// an advance with live deduction history cannot be voided directly -
// the deductions must be voided first. This is a precondition, not a
// cascade, to keep the operation auditable and reversible in a
// predictable order.
func (v *Voider) VoidAdvance(ctx context.Context, id AdvanceID, reason, actor string) (VoidResult, error) {
	result := VoidResult{Result: Result{Success: true}, AmountReversed: ZeroMoney()}
	now := v.now()

	err := v.Store.WithTx(ctx, func(s Store) error {
		adv, err := s.GetAdvance(ctx, id)
		if err != nil {
			return err
		}

		if adv.Status == StatusVoided {
			result.AlreadyVoided = true
			result.AddWarning("advance %s already voided", id)
			return nil
		}
		if !adv.TotalDeducted.IsZero() && !adv.TotalDeducted.WithinEpsilon(ZeroMoney()) {
			return ErrAdvanceHasDeductions
		}

		adv = adv.MarkVoided(now, actor, reason)
		if err := s.PutAdvance(ctx, adv); err != nil {
			return err
		}
		result.AmountReversed = adv.OriginalAmount

		// The advance cheque that disbursed the money is voided with it.
		if adv.ChequeID != "" {
			cheque, err := s.GetCheque(ctx, adv.ChequeID)
			if err != nil {
				return err
			}
			if cheque.Status != StatusVoided {
				cheque = cheque.MarkVoided(now, actor, reason)
				if err := s.PutCheque(ctx, cheque); err != nil {
					return err
				}
				if cheque.BatchID != "" {
					if err := recomputeBatch(ctx, s, cheque.BatchID); err != nil {
						return err
					}
				}
			}
		}

		return nil
	})

	if err != nil {
		if errors.Is(err, ErrAdvanceHasDeductions) {
			result.Success = false
			result.AddError("advance %s has live deductions; void them first", id)
			return result, nil
		}
		return VoidResult{}, err
	}

	v.log().WithFields(logrus.Fields{
		"advance": id,
		"actor":   actor,
	}).Info("advance voided")
	return result, nil
}

// revertBatchToDraft reverts a batch to Draft and recomputes aggregates.
// Returns true if the status actually changed; a batch already in Draft
// only produces a warning.
func revertBatchToDraft(ctx context.Context, s Store, id BatchID, r *Result) (bool, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return false, err
	}

	restored := false
	if b.Status == BatchDraft {
		r.AddWarning("batch %s already in draft", id)
	} else {
		b.Status = BatchDraft
		if err := s.PutBatch(ctx, b); err != nil {
			return false, err
		}
		restored = true
	}

	if err := recomputeBatch(ctx, s, id); err != nil {
		return false, err
	}
	return restored, nil
}
