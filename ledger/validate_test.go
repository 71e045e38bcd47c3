package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-engine/ledger"
	"github.com/warp/payment-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestValidator() (*ledger.Validator, *ledger.Engine, *store.TxMemory) {
	mem := store.NewTxMemory()
	engine := ledger.NewEngine(mem, nil)
	engine.Now = func() time.Time { return testClock }
	v := ledger.NewValidator(mem, nil)
	v.Now = func() time.Time { return testClock }
	return v, engine, mem
}

// =============================================================================
// CLEAN LEDGER
// =============================================================================

func TestValidator_AfterNormalOperations_AllChecksPass(t *testing.T) {
	// GIVEN: Issue, deliver, deduct, and void - the supported operations
	// WHEN: Running the integrity checks
	// THEN: Everything passes; the write paths preserve the invariants

	ctx := context.Background()
	v, engine, mem := newTestValidator()
	voider := ledger.NewVoider(mem, ledger.VoidPolicy{}, nil)

	out, err := engine.IssueAdvance(ctx, ledger.IssueAdvanceInput{GrowerID: "g-1", Amount: money(500)})
	require.NoError(t, err)
	_, err = engine.PrintAdvance(ctx, out.Advance.ID)
	require.NoError(t, err)
	_, err = engine.DeliverAdvance(ctx, out.Advance.ID)
	require.NoError(t, err)

	committed, err := engine.CommitPlan(ctx, planFor(t, mem, "g-1", 2000), ledger.CommitOptions{})
	require.NoError(t, err)
	require.True(t, committed.Success)

	_, err = voider.VoidCheque(ctx, committed.ChequeID, "reissue", "admin")
	require.NoError(t, err)

	report, err := v.Run(ctx)
	require.NoError(t, err)

	assert.True(t, report.IsValid())
	require.Len(t, report.Checks, 3)
	for _, c := range report.Checks {
		assert.True(t, c.IsValid, c.Name)
		assert.Empty(t, c.Discrepancies, c.Name)
	}
}

func TestValidator_EmptyLedger_Valid(t *testing.T) {
	v, _, _ := newTestValidator()

	report, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsValid())
}

// =============================================================================
// CORRUPTED DATA
// =============================================================================

func TestValidator_BrokenBalanceInvariant_Flagged(t *testing.T) {
	// GIVEN: An advance whose original != current + deducted
	// WHEN: Running checks
	// THEN: The balance check fails and names the advance

	ctx := context.Background()
	v, _, mem := newTestValidator()

	adv := deliveredAdvance("adv-corrupt", "g-1", 500, day(1))
	adv.TotalDeducted = money(100) // current still 500: invariant broken
	require.NoError(t, mem.PutAdvance(ctx, adv))

	report, err := v.Run(ctx)
	require.NoError(t, err)

	assert.False(t, report.IsValid())
	balanceCheck := findCheck(t, report, "advance_balance")
	assert.False(t, balanceCheck.IsValid)
	require.Len(t, balanceCheck.Discrepancies, 1)
	assert.Contains(t, balanceCheck.Discrepancies[0], "adv-corrupt")
}

func TestValidator_DeductionSumMismatch_Flagged(t *testing.T) {
	// GIVEN: An advance claiming 300 deducted but only a 200 deduction row
	// WHEN: Running checks
	// THEN: The deduction-total check fails

	ctx := context.Background()
	v, _, mem := newTestValidator()

	adv := deliveredAdvance("adv-1", "g-1", 500, day(1))
	adv.CurrentAmount = money(200)
	adv.TotalDeducted = money(300)
	require.NoError(t, mem.PutAdvance(ctx, adv))

	require.NoError(t, mem.PutDeduction(ctx, ledger.Deduction{
		ID:        "ded-1",
		AdvanceID: "adv-1",
		Amount:    money(200),
		CreatedAt: testClock,
	}))

	report, err := v.Run(ctx)
	require.NoError(t, err)

	totalCheck := findCheck(t, report, "deduction_total")
	assert.False(t, totalCheck.IsValid)
}

func TestValidator_VoidedDeductionsExcludedFromSums(t *testing.T) {
	// A voided deduction no longer counts toward the advance's total.
	ctx := context.Background()
	v, _, mem := newTestValidator()

	adv := deliveredAdvance("adv-1", "g-1", 500, day(1))
	require.NoError(t, mem.PutAdvance(ctx, adv))

	require.NoError(t, mem.PutDeduction(ctx, ledger.Deduction{
		ID:        "ded-voided",
		AdvanceID: "adv-1",
		Amount:    money(200),
		CreatedAt: testClock,
		IsVoided:  true,
	}))

	report, err := v.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsValid())
}

func TestValidator_OrphanedDeduction_Flagged(t *testing.T) {
	// GIVEN: A deduction pointing at a nonexistent advance and another
	//        pointing at a voided advance
	// WHEN: Running checks
	// THEN: Both surface in the orphan check

	ctx := context.Background()
	v, _, mem := newTestValidator()

	voided := deliveredAdvance("adv-voided", "g-1", 0, day(1))
	voided = voided.MarkVoided(testClock, "admin", "test")
	require.NoError(t, mem.PutAdvance(ctx, voided))

	require.NoError(t, mem.PutDeduction(ctx, ledger.Deduction{
		ID:        "ded-ghost",
		AdvanceID: "adv-missing",
		Amount:    money(50),
		CreatedAt: testClock,
	}))
	require.NoError(t, mem.PutDeduction(ctx, ledger.Deduction{
		ID:        "ded-on-voided",
		AdvanceID: "adv-voided",
		Amount:    money(50),
		CreatedAt: testClock,
	}))

	report, err := v.Run(ctx)
	require.NoError(t, err)

	orphanCheck := findCheck(t, report, "orphaned_deduction")
	assert.False(t, orphanCheck.IsValid)
	assert.Len(t, orphanCheck.Discrepancies, 2)
}

func TestValidator_DeductionWithMissingCheque_Flagged(t *testing.T) {
	ctx := context.Background()
	v, _, mem := newTestValidator()

	adv := deliveredAdvance("adv-1", "g-1", 450, day(1))
	adv.TotalDeducted = money(50)
	adv.OriginalAmount = money(500)
	require.NoError(t, mem.PutAdvance(ctx, adv))

	require.NoError(t, mem.PutDeduction(ctx, ledger.Deduction{
		ID:        "ded-1",
		AdvanceID: "adv-1",
		ChequeID:  "chq-missing",
		Amount:    money(50),
		CreatedAt: testClock,
	}))

	report, err := v.Run(ctx)
	require.NoError(t, err)

	orphanCheck := findCheck(t, report, "orphaned_deduction")
	assert.False(t, orphanCheck.IsValid)
	assert.Contains(t, orphanCheck.Discrepancies[0], "chq-missing")
}

func findCheck(t *testing.T, report ledger.ValidationReport, name string) ledger.CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found", name)
	return ledger.CheckResult{}
}
