package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-engine/api"
	"github.com/warp/payment-engine/ledger"
	"github.com/warp/payment-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	handler := api.NewHandler(mem, ledger.VoidPolicy{AutoRevertBatchOnVoid: true}, nil)
	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)
	return server, mem
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func seedDeliveredAdvance(t *testing.T, mem *store.TxMemory, id, grower string, balance float64) {
	t.Helper()
	require.NoError(t, mem.PutAdvance(context.Background(), ledger.Advance{
		ID:             ledger.AdvanceID(id),
		GrowerID:       ledger.GrowerID(grower),
		OriginalAmount: ledger.NewMoney(balance),
		CurrentAmount:  ledger.NewMoney(balance),
		TotalDeducted:  ledger.ZeroMoney(),
		Status:         ledger.StatusDelivered,
		IssueDate:      time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:      time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	}))
}

// =============================================================================
// ADVANCE ENDPOINTS
// =============================================================================

func TestAPI_IssueAdvance_ThenListForGrower(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/advances", map[string]any{
		"grower_id": "g-1",
		"amount":    "1000.00",
		"actor":     "clerk",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Advance struct {
			ID            string `json:"id"`
			CurrentAmount string `json:"current_amount"`
			Status        string `json:"status"`
		} `json:"advance"`
		Cheque struct {
			IsAdvance bool   `json:"is_advance"`
			NetAmount string `json:"net_amount"`
		} `json:"cheque"`
	}
	decodeInto(t, resp, &created)
	assert.Equal(t, "generated", created.Advance.Status)
	assert.Equal(t, "1000.00", created.Advance.CurrentAmount)
	assert.True(t, created.Cheque.IsAdvance)
	assert.Equal(t, "1000.00", created.Cheque.NetAmount)

	listResp := doJSON(t, http.MethodGet, server.URL+"/api/growers/g-1/advances", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var advances []map[string]any
	decodeInto(t, listResp, &advances)
	assert.Len(t, advances, 1)
}

func TestAPI_IssueAdvance_BadAmount_400(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/advances", map[string]any{
		"grower_id": "g-1",
		"amount":    "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_AdvanceLifecycle_PrintDeliver(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/advances", map[string]any{
		"grower_id": "g-1",
		"amount":    "500.00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Advance struct {
			ID string `json:"id"`
		} `json:"advance"`
	}
	decodeInto(t, resp, &created)
	id := created.Advance.ID

	printResp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/advances/%s/print", server.URL, id), nil)
	require.Equal(t, http.StatusOK, printResp.StatusCode)

	deliverResp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/advances/%s/deliver", server.URL, id), nil)
	require.Equal(t, http.StatusOK, deliverResp.StatusCode)

	var adv struct {
		Status string `json:"status"`
	}
	decodeInto(t, deliverResp, &adv)
	assert.Equal(t, "delivered", adv.Status)

	// Delivering twice is an illegal transition
	again := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/advances/%s/deliver", server.URL, id), nil)
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)
}

func TestAPI_AdvanceTransition_UnknownID_404(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/advances/ghost/print", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// ALLOCATION ENDPOINTS
// =============================================================================

func TestAPI_PreviewAllocation_ReturnsPlan(t *testing.T) {
	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/preview", map[string]any{
		"grower_id":    "g-1",
		"gross_amount": "2000.00",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan struct {
		TotalDeducted   string `json:"total_deducted"`
		RemainingNet    string `json:"remaining_net"`
		IsFullyAbsorbed bool   `json:"is_fully_absorbed"`
		Lines           []struct {
			AdvanceID string `json:"advance_id"`
			Suggested string `json:"suggested"`
		} `json:"lines"`
	}
	decodeInto(t, resp, &plan)
	assert.Equal(t, "500.00", plan.TotalDeducted)
	assert.Equal(t, "1500.00", plan.RemainingNet)
	assert.False(t, plan.IsFullyAbsorbed)
	require.Len(t, plan.Lines, 1)
	assert.Equal(t, "adv-1", plan.Lines[0].AdvanceID)

	// Preview writes nothing
	adv, err := mem.GetAdvance(context.Background(), "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.Equal(ledger.NewMoney(500)))
}

func TestAPI_PreviewAllocation_OverrideTooLarge_400(t *testing.T) {
	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/preview", map[string]any{
		"grower_id":    "g-1",
		"gross_amount": "2000.00",
		"overrides":    map[string]string{"adv-1": "600.00"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CommitAllocation_AppliesDeductions(t *testing.T) {
	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", map[string]any{
		"grower_id":       "g-1",
		"gross_amount":    "2000.00",
		"idempotency_key": "pay-1",
		"actor":           "clerk",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var commit struct {
		Success         bool   `json:"success"`
		ChequeGenerated bool   `json:"cheque_generated"`
		ChequeID        string `json:"cheque_id"`
		NetAmount       string `json:"net_amount"`
	}
	decodeInto(t, resp, &commit)
	assert.True(t, commit.Success)
	assert.True(t, commit.ChequeGenerated)
	assert.Equal(t, "1500.00", commit.NetAmount)

	adv, err := mem.GetAdvance(context.Background(), "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.IsZero())

	// The cheque is fetchable over the API
	chequeResp := doJSON(t, http.MethodGet, server.URL+"/api/cheques/"+commit.ChequeID, nil)
	assert.Equal(t, http.StatusOK, chequeResp.StatusCode)
}

func TestAPI_CommitAllocation_Replay_ReportedNotDuplicated(t *testing.T) {
	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	body := map[string]any{
		"grower_id":       "g-1",
		"gross_amount":    "2000.00",
		"idempotency_key": "pay-1",
	}

	first := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", body)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", body)
	require.Equal(t, http.StatusOK, second.StatusCode)

	var commit struct {
		Success bool     `json:"success"`
		Errors  []string `json:"errors"`
	}
	decodeInto(t, second, &commit)
	assert.False(t, commit.Success)
	assert.NotEmpty(t, commit.Errors)

	deductions, err := mem.ListDeductionsByAdvance(context.Background(), "adv-1")
	require.NoError(t, err)
	assert.Len(t, deductions, 1)
}

// =============================================================================
// VOID ENDPOINTS
// =============================================================================

func TestAPI_VoidCheque_RestoresAdvance(t *testing.T) {
	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	commitResp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", map[string]any{
		"grower_id":    "g-1",
		"gross_amount": "2000.00",
	})
	require.Equal(t, http.StatusOK, commitResp.StatusCode)
	var commit struct {
		ChequeID string `json:"cheque_id"`
	}
	decodeInto(t, commitResp, &commit)

	voidResp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/cheques/%s/void", server.URL, commit.ChequeID),
		map[string]any{"reason": "wrong amount", "actor": "admin"})
	require.Equal(t, http.StatusOK, voidResp.StatusCode)

	var voided struct {
		Success        bool   `json:"success"`
		AmountReversed string `json:"amount_reversed"`
	}
	decodeInto(t, voidResp, &voided)
	assert.True(t, voided.Success)
	assert.Equal(t, "500.00", voided.AmountReversed)

	adv, err := mem.GetAdvance(context.Background(), "adv-1")
	require.NoError(t, err)
	assert.True(t, adv.CurrentAmount.Equal(ledger.NewMoney(500)))
}

func TestAPI_VoidCheque_MissingActor_400(t *testing.T) {
	// Voids are audited reversals; a request that names no actor is rejected
	// instead of being attributed to a default identity.

	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	commitResp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", map[string]any{
		"grower_id":    "g-1",
		"gross_amount": "2000.00",
	})
	require.Equal(t, http.StatusOK, commitResp.StatusCode)
	var commit struct {
		ChequeID string `json:"cheque_id"`
	}
	decodeInto(t, commitResp, &commit)

	voidResp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/cheques/%s/void", server.URL, commit.ChequeID),
		map[string]any{"reason": "wrong amount"})
	require.Equal(t, http.StatusBadRequest, voidResp.StatusCode)

	cheque, err := mem.GetCheque(context.Background(), ledger.ChequeID(commit.ChequeID))
	require.NoError(t, err)
	assert.NotEqual(t, ledger.StatusVoided, cheque.Status)
}

// =============================================================================
// BATCH ENDPOINTS
// =============================================================================

func TestAPI_BatchFlow_CreateCommitPost(t *testing.T) {
	server, _ := newTestServer(t)

	createResp := doJSON(t, http.MethodPost, server.URL+"/api/batches", nil)
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	var batch struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeInto(t, createResp, &batch)
	assert.Equal(t, "draft", batch.Status)

	commitResp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", map[string]any{
		"grower_id":    "g-1",
		"gross_amount": "1000.00",
		"batch_id":     batch.ID,
	})
	require.Equal(t, http.StatusOK, commitResp.StatusCode)

	postResp := doJSON(t, http.MethodPost, server.URL+"/api/batches/"+batch.ID+"/post", nil)
	require.Equal(t, http.StatusOK, postResp.StatusCode)

	getResp := doJSON(t, http.MethodGet, server.URL+"/api/batches/"+batch.ID, nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var detail struct {
		Batch struct {
			Status      string `json:"status"`
			TotalAmount string `json:"total_amount"`
		} `json:"batch"`
		Cheques []map[string]any `json:"cheques"`
	}
	decodeInto(t, getResp, &detail)
	assert.Equal(t, "posted", detail.Batch.Status)
	assert.Equal(t, "1000.00", detail.Batch.TotalAmount)
	assert.Len(t, detail.Cheques, 1)

	// Double post is an invalid transition
	repost := doJSON(t, http.MethodPost, server.URL+"/api/batches/"+batch.ID+"/post", nil)
	assert.Equal(t, http.StatusBadRequest, repost.StatusCode)
}

// =============================================================================
// DISTRIBUTION ENDPOINTS
// =============================================================================

func TestAPI_ReconcileFlow(t *testing.T) {
	server, _ := newTestServer(t)

	itemResp := doJSON(t, http.MethodPost, server.URL+"/api/distributions/dist-1/items", map[string]any{
		"id":        "item-1",
		"grower_id": "g-1",
		"amount":    "1000.00",
	})
	require.Equal(t, http.StatusCreated, itemResp.StatusCode)

	commitResp := doJSON(t, http.MethodPost, server.URL+"/api/allocations/commit", map[string]any{
		"grower_id":       "g-1",
		"gross_amount":    "1000.00",
		"distribution_id": "dist-1",
		"item_id":         "item-1",
	})
	require.Equal(t, http.StatusOK, commitResp.StatusCode)

	recResp := doJSON(t, http.MethodPost, server.URL+"/api/distributions/dist-1/reconcile", nil)
	require.Equal(t, http.StatusOK, recResp.StatusCode)

	var report struct {
		IsBalanced bool   `json:"is_balanced"`
		Variance   string `json:"variance"`
		Exceptions []any  `json:"exceptions"`
	}
	decodeInto(t, recResp, &report)
	assert.True(t, report.IsBalanced)
	assert.Equal(t, "0.00", report.Variance)
	assert.Empty(t, report.Exceptions)

	// Stored report is retrievable afterwards
	getResp := doJSON(t, http.MethodGet, server.URL+"/api/distributions/dist-1/report", nil)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestAPI_ReconciliationReport_NoneYet_404(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, server.URL+"/api/distributions/ghost/report", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// VALIDATION ENDPOINT
// =============================================================================

func TestAPI_ValidationReport(t *testing.T) {
	server, mem := newTestServer(t)
	seedDeliveredAdvance(t, mem, "adv-1", "g-1", 500)

	resp := doJSON(t, http.MethodGet, server.URL+"/api/validation/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		IsValid bool `json:"is_valid"`
		Checks  []struct {
			Name    string `json:"name"`
			IsValid bool   `json:"is_valid"`
		} `json:"checks"`
	}
	decodeInto(t, resp, &report)
	assert.True(t, report.IsValid)
	assert.Len(t, report.Checks, 3)
}
