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

var testClock = time.Date(2026, time.April, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine() (*ledger.Engine, *store.TxMemory) {
	mem := store.NewTxMemory()
	engine := ledger.NewEngine(mem, nil)
	engine.Now = func() time.Time { return testClock }
	return engine, mem
}

// seedDelivered stores a delivered advance ready for deduction.
func seedDelivered(t *testing.T, s ledger.Store, id string, grower string, balance float64, issued time.Time) ledger.Advance {
	t.Helper()
	adv := deliveredAdvance(id, grower, balance, issued)
	require.NoError(t, s.PutAdvance(context.Background(), adv))
	return adv
}

func planFor(t *testing.T, s ledger.Store, grower string, gross float64) ledger.DeductionPlan {
	t.Helper()
	advances, err := s.ListAdvancesByGrower(context.Background(), ledger.GrowerID(grower))
	require.NoError(t, err)
	plan, err := ledger.Allocate(ledger.GrowerID(grower), money(gross), advances)
	require.NoError(t, err)
	return plan
}

// =============================================================================
// COMMIT - HAPPY PATH
// =============================================================================

func TestCommitPlan_DeductionAppliedAndChequeGenerated(t *testing.T) {
	// GIVEN: Delivered advance of 500, plan for gross 2000
	// WHEN: Committing
	// THEN: Advance balance drops to 0, deduction recorded, cheque net 1500

	ctx := context.Background()
	engine, mem := newTestEngine()
	seedDelivered(t, mem, "adv-1", "g-1", 500, day(1))

	plan := planFor(t, mem, "g-1", 2000)
	result, err := engine.CommitPlan(ctx, plan, ledger.CommitOptions{Actor: "clerk"})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.True(t, result.ChequeGenerated)
	assert.True(t, result.TotalDeducted.Equal(money(500)))
	assert.True(t, result.NetAmount.Equal(money(1500)))
	require.Len(t, result.DeductionIDs, 1)

	adv, err := mem.GetAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.IsZero())
	assert.True(t, adv.TotalDeducted.Equal(money(500)))
	assert.True(t, adv.Balanced())

	cheque, err := mem.GetCheque(ctx, result.ChequeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusGenerated, cheque.Status)
	assert.True(t, cheque.GrossAmount.Equal(money(2000)))
	assert.True(t, cheque.NetAmount.Equal(money(1500)))

	ded, err := mem.GetDeduction(ctx, result.DeductionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, ledger.AdvanceID("adv-1"), ded.AdvanceID)
	assert.Equal(t, result.ChequeID, ded.ChequeID)
	assert.Equal(t, "clerk", ded.CreatedBy)
}

func TestCommitPlan_FullyAbsorbed_NoChequeJustDeductions(t *testing.T) {
	// GIVEN: Advance balance 3000, gross only 1200
	// WHEN: Committing the absorbed plan
	// THEN: Deduction records exist but no cheque; warning explains why

	ctx := context.Background()
	engine, mem := newTestEngine()
	seedDelivered(t, mem, "adv-1", "g-1", 3000, day(1))

	plan := planFor(t, mem, "g-1", 1200)
	require.True(t, plan.IsFullyAbsorbed)

	result, err := engine.CommitPlan(ctx, plan, ledger.CommitOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.False(t, result.ChequeGenerated)
	assert.Empty(t, result.ChequeID)
	assert.Len(t, result.DeductionIDs, 1)
	assert.True(t, result.NetAmount.IsZero())
	assert.NotEmpty(t, result.Warnings)

	adv, err := mem.GetAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.Equal(money(1800)))
}

func TestCommitPlan_NoAdvances_PlainCheque(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine()

	plan := planFor(t, mem, "g-9", 750)
	result, err := engine.CommitPlan(ctx, plan, ledger.CommitOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.True(t, result.ChequeGenerated)
	assert.True(t, result.NetAmount.Equal(money(750)))
	assert.Empty(t, result.DeductionIDs)
}

func TestCommitPlan_ZeroActualLines_Skipped(t *testing.T) {
	// A line overridden to zero produces no deduction record.
	ctx := context.Background()
	engine, mem := newTestEngine()
	seedDelivered(t, mem, "adv-1", "g-1", 500, day(1))

	plan := planFor(t, mem, "g-1", 2000)
	plan, err := plan.WithOverride("adv-1", money(0))
	require.NoError(t, err)

	result, err := engine.CommitPlan(ctx, plan, ledger.CommitOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Empty(t, result.DeductionIDs)
	assert.True(t, result.NetAmount.Equal(money(2000)))

	adv, err := mem.GetAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.Equal(money(500)), "balance untouched")
}

// =============================================================================
// COMMIT - IDEMPOTENCY
// =============================================================================

func TestCommitPlan_ReplayedIdempotencyKey_RejectedWithoutMutation(t *testing.T) {
	// GIVEN: A committed plan with an idempotency key
	// WHEN: The same commit is submitted again
	// THEN: Rejected as a client error; balances unchanged from first commit

	ctx := context.Background()
	engine, mem := newTestEngine()
	seedDelivered(t, mem, "adv-1", "g-1", 500, day(1))

	plan := planFor(t, mem, "g-1", 2000)
	opts := ledger.CommitOptions{IdempotencyKey: "pay-2026-04-g1"}

	first, err := engine.CommitPlan(ctx, plan, opts)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := engine.CommitPlan(ctx, plan, opts)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.NotEmpty(t, second.Errors)
	assert.False(t, second.Conflict, "a replay is not a concurrency conflict")

	adv, err := mem.GetAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.TotalDeducted.Equal(money(500)), "deducted exactly once")

	deductions, err := mem.ListDeductionsByAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.Len(t, deductions, 1)
}

// =============================================================================
// COMMIT - CONCURRENCY
// =============================================================================

func TestCommitPlan_AdvanceShrankSincePlanning_ConflictNotPartialApply(t *testing.T) {
	// GIVEN: A plan computed when the advance held 500, then another
	//        commit consumed 400 of it
	// WHEN: Committing the stale plan
	// THEN: Aborted with Conflict=true; nothing applied, no partial state

	ctx := context.Background()
	engine, mem := newTestEngine()
	seedDelivered(t, mem, "adv-1", "g-1", 500, day(1))

	stale := planFor(t, mem, "g-1", 2000)

	interloper := planFor(t, mem, "g-1", 400)
	mid, err := engine.CommitPlan(ctx, interloper, ledger.CommitOptions{})
	require.NoError(t, err)
	require.True(t, mid.Success)

	result, err := engine.CommitPlan(ctx, stale, ledger.CommitOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Conflict)
	assert.Empty(t, result.DeductionIDs)
	assert.False(t, result.ChequeGenerated)

	adv, err := mem.GetAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.Equal(money(100)), "only the first commit landed")

	deductions, err := mem.ListDeductionsByAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.Len(t, deductions, 1)
}

func TestCommitPlan_AdvanceVoidedSincePlanning_Conflict(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine()
	adv := seedDelivered(t, mem, "adv-1", "g-1", 500, day(1))

	stale := planFor(t, mem, "g-1", 2000)

	adv = adv.MarkVoided(testClock, "admin", "issued in error")
	require.NoError(t, mem.PutAdvance(ctx, adv))

	result, err := engine.CommitPlan(ctx, stale, ledger.CommitOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Conflict)
}

// =============================================================================
// COMMIT - BATCH AGGREGATES
// =============================================================================

func TestCommitPlan_BatchTotalsRefreshed(t *testing.T) {
	// GIVEN: A draft batch
	// WHEN: Two commits for different growers land in it
	// THEN: Batch totals cover both net amounts and both growers

	ctx := context.Background()
	engine, mem := newTestEngine()

	batch, err := engine.CreateBatch(ctx)
	require.NoError(t, err)

	seedDelivered(t, mem, "adv-1", "g-1", 500, day(1))

	r1, err := engine.CommitPlan(ctx, planFor(t, mem, "g-1", 2000), ledger.CommitOptions{BatchID: batch.ID})
	require.NoError(t, err)
	require.True(t, r1.Success)

	r2, err := engine.CommitPlan(ctx, planFor(t, mem, "g-2", 1000), ledger.CommitOptions{BatchID: batch.ID})
	require.NoError(t, err)
	require.True(t, r2.Success)

	b, err := mem.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, b.TotalAmount.Equal(money(2500)), "1500 + 1000")
	assert.Equal(t, 2, b.TotalGrowers)
}

// =============================================================================
// ADVANCE ISSUANCE
// =============================================================================

func TestIssueAdvance_CreatesAdvanceAndBackingCheque(t *testing.T) {
	// GIVEN: Nothing
	// WHEN: Issuing a 1000 advance
	// THEN: Generated advance with full balance, advance cheque net == gross

	ctx := context.Background()
	engine, mem := newTestEngine()

	out, err := engine.IssueAdvance(ctx, ledger.IssueAdvanceInput{
		GrowerID: "g-1",
		Amount:   money(1000),
		Actor:    "clerk",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusGenerated, out.Advance.Status)
	assert.True(t, out.Advance.CurrentAmount.Equal(money(1000)))
	assert.True(t, out.Advance.TotalDeducted.IsZero())
	assert.Equal(t, out.Cheque.ID, out.Advance.ChequeID)

	assert.True(t, out.Cheque.IsAdvance)
	assert.True(t, out.Cheque.NetAmount.Equal(out.Cheque.GrossAmount))

	stored, err := mem.GetAdvance(ctx, out.Advance.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balanced())
}

func TestIssueAdvance_NonPositiveAmount_Rejected(t *testing.T) {
	engine, _ := newTestEngine()

	_, err := engine.IssueAdvance(context.Background(), ledger.IssueAdvanceInput{
		GrowerID: "g-1",
		Amount:   money(0),
	})
	assert.ErrorIs(t, err, ledger.ErrDeductionCapExceeded)
}

func TestIssueAdvance_NotDeductibleUntilDelivered(t *testing.T) {
	// GIVEN: A freshly issued (Generated) advance
	// WHEN: Planning a payment for the grower
	// THEN: The advance is not consumed until printed and delivered

	ctx := context.Background()
	engine, mem := newTestEngine()

	out, err := engine.IssueAdvance(ctx, ledger.IssueAdvanceInput{GrowerID: "g-1", Amount: money(1000)})
	require.NoError(t, err)

	plan := planFor(t, mem, "g-1", 500)
	assert.Empty(t, plan.Lines)

	_, err = engine.PrintAdvance(ctx, out.Advance.ID)
	require.NoError(t, err)
	_, err = engine.DeliverAdvance(ctx, out.Advance.ID)
	require.NoError(t, err)

	plan = planFor(t, mem, "g-1", 500)
	require.Len(t, plan.Lines, 1)
	assert.True(t, plan.Lines[0].Actual.Equal(money(500)))
}

// =============================================================================
// BATCH LIFECYCLE
// =============================================================================

func TestPostBatch_DraftToPosted(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	batch, err := engine.CreateBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchDraft, batch.Status)

	posted, err := engine.PostBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchPosted, posted.Status)

	// Posting twice is an invalid transition.
	_, err = engine.PostBatch(ctx, batch.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}
