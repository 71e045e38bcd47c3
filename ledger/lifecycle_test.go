package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-engine/ledger"
)

// =============================================================================
// CHEQUE LIFECYCLE
// =============================================================================

func TestCheque_HappyPath_GeneratedPrintedIssuedCleared(t *testing.T) {
	c := ledger.Cheque{ID: "chq-1", Status: ledger.StatusGenerated}

	c, err := c.MarkPrinted()
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPrinted, c.Status)

	c, err = c.MarkIssued()
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusIssued, c.Status)

	c, err = c.MarkCleared()
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCleared, c.Status)
}

func TestCheque_StopInsteadOfClear(t *testing.T) {
	c := ledger.Cheque{ID: "chq-1", Status: ledger.StatusIssued}

	c, err := c.MarkStopped()
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusStopped, c.Status)
}

func TestCheque_SkippingStates_Rejected(t *testing.T) {
	c := ledger.Cheque{ID: "chq-1", Status: ledger.StatusGenerated}

	// Generated cannot go straight to Issued or Cleared.
	_, err := c.MarkIssued()
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = c.MarkCleared()
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	var transErr *ledger.StateTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "cheque", transErr.Entity)
	assert.Equal(t, ledger.StatusGenerated, transErr.From)
}

func TestCheque_ClearedIsTerminalForLifecycle(t *testing.T) {
	c := ledger.Cheque{ID: "chq-1", Status: ledger.StatusCleared}

	_, err := c.MarkPrinted()
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	_, err = c.MarkStopped()
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestCheque_VoidGate(t *testing.T) {
	open := ledger.VoidPolicy{AllowVoidAfterPosted: true}
	closed := ledger.VoidPolicy{AllowVoidAfterPosted: false}

	cases := []struct {
		status       ledger.Status
		underClosed  bool
		underOpen    bool
	}{
		{ledger.StatusGenerated, true, true},
		{ledger.StatusPrinted, true, true},
		{ledger.StatusIssued, false, true},
		{ledger.StatusCleared, false, true},
		{ledger.StatusStopped, true, true},
		{ledger.StatusVoided, false, false},
	}
	for _, tc := range cases {
		c := ledger.Cheque{Status: tc.status}
		assert.Equal(t, tc.underClosed, c.CanBeVoided(closed), "status %s, policy closed", tc.status)
		assert.Equal(t, tc.underOpen, c.CanBeVoided(open), "status %s, policy open", tc.status)
	}
}

// =============================================================================
// ADVANCE LIFECYCLE
// =============================================================================

func TestAdvance_DeductibleOnlyWhenDelivered(t *testing.T) {
	for _, status := range []ledger.Status{
		ledger.StatusGenerated, ledger.StatusPrinted,
		ledger.StatusCleared, ledger.StatusVoided,
	} {
		a := ledger.Advance{Status: status}
		assert.False(t, a.CanBeDeducted(), "status %s", status)
	}

	a := ledger.Advance{Status: ledger.StatusDelivered}
	assert.True(t, a.CanBeDeducted())
}

func TestAdvance_HappyPath_GeneratedPrintedDelivered(t *testing.T) {
	a := ledger.Advance{ID: "adv-1", Status: ledger.StatusGenerated}

	a, err := a.MarkPrinted()
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPrinted, a.Status)

	a, err = a.MarkDelivered()
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDelivered, a.Status)
}

func TestAdvance_DeliverBeforePrint_Rejected(t *testing.T) {
	a := ledger.Advance{ID: "adv-1", Status: ledger.StatusGenerated}

	_, err := a.MarkDelivered()
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestAdvance_ApplyDeduction_EnforcesBalanceCap(t *testing.T) {
	a := deliveredAdvance("adv-1", "g-1", 100, day(1))

	_, err := a.ApplyDeduction(money(150))
	require.Error(t, err)
	var capErr *ledger.DeductionCapError
	assert.ErrorAs(t, err, &capErr)

	a, err = a.ApplyDeduction(money(100))
	require.NoError(t, err)
	assert.True(t, a.CurrentAmount.IsZero())
	assert.True(t, a.Balanced())

	// Exhausted but still Delivered; just no longer outstanding.
	assert.Equal(t, ledger.StatusDelivered, a.Status)
	assert.False(t, a.Outstanding())
}

func TestAdvance_RestoreDeduction_RoundTrip(t *testing.T) {
	a := deliveredAdvance("adv-1", "g-1", 100, day(1))

	a, err := a.ApplyDeduction(money(60))
	require.NoError(t, err)

	a = a.RestoreDeduction(money(60))
	assert.True(t, a.CurrentAmount.Equal(money(100)))
	assert.True(t, a.TotalDeducted.IsZero())
	assert.True(t, a.Balanced())
}

func TestAdvance_VoidedFreezesBalances(t *testing.T) {
	a := deliveredAdvance("adv-1", "g-1", 100, day(1))
	a, err := a.ApplyDeduction(money(30))
	require.NoError(t, err)

	a = a.MarkVoided(testClock, "admin", "written off")
	assert.True(t, a.CurrentAmount.Equal(money(70)), "frozen, not zeroed")
	assert.True(t, a.TotalDeducted.Equal(money(30)))
	assert.False(t, a.Outstanding())

	_, err = a.ApplyDeduction(money(10))
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}
