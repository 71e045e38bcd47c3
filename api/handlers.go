/*
handlers.go - HTTP API handlers for the payment engine

PURPOSE:
  Exposes the advance-deduction engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Advances:
    GET    /api/growers/{id}/advances       Outstanding advances for a grower
    POST   /api/advances                    Issue advance
    POST   /api/advances/{id}/print         Generated -> Printed
    POST   /api/advances/{id}/deliver       Printed -> Delivered
    POST   /api/advances/{id}/void          Void (no live deductions)
    GET    /api/advances/{id}/deductions    Deduction history

  Allocation:
    POST   /api/allocations/preview         Pure plan, no locks
    POST   /api/allocations/commit          Transactional apply

  Cheques:
    GET    /api/cheques/{id}
    POST   /api/cheques/{id}/print|issue|clear|stop|void

  Batches:
    POST   /api/batches                     Open a draft batch
    GET    /api/batches/{id}
    POST   /api/batches/{id}/post

  Distributions:
    POST   /api/distributions/{id}/items    Register expected item
    GET    /api/distributions/{id}/items
    POST   /api/distributions/{id}/reconcile
    GET    /api/distributions/{id}/report

  Validation:
    GET    /api/validation/report           Integrity checks

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: Conflict (idempotency replay, concurrent modification, illegal
         transition)
  - 500: Internal errors
  Commit and void additionally carry a Result body (success, errors,
  warnings) so a 200 can still describe a failed business operation.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/payment-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.TxStore
	Engine     *ledger.Engine
	Voider     *ledger.Voider
	Reconciler *ledger.Reconciler
	Validator  *ledger.Validator
	Logger     *logrus.Logger
}

// NewHandler wires the domain services around one store.
func NewHandler(store ledger.TxStore, policy ledger.VoidPolicy, logger *logrus.Logger) *Handler {
	return &Handler{
		Store:      store,
		Engine:     ledger.NewEngine(store, logger),
		Voider:     ledger.NewVoider(store, policy, logger),
		Reconciler: ledger.NewReconciler(store, logger),
		Validator:  ledger.NewValidator(store, logger),
		Logger:     logger,
	}
}

// =============================================================================
// ADVANCE HANDLERS
// =============================================================================

// ListGrowerAdvances returns a grower's advances, oldest first. Pass
// ?outstanding=true to keep only deductible ones.
func (h *Handler) ListGrowerAdvances(w http.ResponseWriter, r *http.Request) {
	growerID := ledger.GrowerID(chi.URLParam(r, "id"))
	onlyOutstanding := r.URL.Query().Get("outstanding") == "true"

	advances, err := h.Store.ListAdvancesByGrower(r.Context(), growerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list advances", err)
		return
	}

	dtos := make([]AdvanceDTO, 0, len(advances))
	for _, a := range advances {
		if onlyOutstanding && !a.Outstanding() {
			continue
		}
		dtos = append(dtos, toAdvanceDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// IssueAdvance creates a new advance and its backing cheque.
func (h *Handler) IssueAdvance(w http.ResponseWriter, r *http.Request) {
	var req IssueAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.GrowerID == "" {
		writeError(w, http.StatusBadRequest, "grower_id is required", nil)
		return
	}
	amount, err := ledger.MoneyFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	var issueDate time.Time
	if req.IssueDate != "" {
		issueDate, err = time.Parse("2006-01-02", req.IssueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issue_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	out, err := h.Engine.IssueAdvance(r.Context(), ledger.IssueAdvanceInput{
		GrowerID:  ledger.GrowerID(req.GrowerID),
		Amount:    amount,
		IssueDate: issueDate,
		BatchID:   ledger.BatchID(req.BatchID),
		Actor:     req.Actor,
	})
	if err != nil {
		writeDomainError(w, "Failed to issue advance", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"advance": toAdvanceDTO(out.Advance),
		"cheque":  toChequeDTO(out.Cheque),
	})
}

// PrintAdvance transitions an advance Generated -> Printed.
func (h *Handler) PrintAdvance(w http.ResponseWriter, r *http.Request) {
	h.advanceTransition(w, r, h.Engine.PrintAdvance)
}

// DeliverAdvance transitions an advance Printed -> Delivered.
func (h *Handler) DeliverAdvance(w http.ResponseWriter, r *http.Request) {
	h.advanceTransition(w, r, h.Engine.DeliverAdvance)
}

func (h *Handler) advanceTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id ledger.AdvanceID) (ledger.Advance, error)) {
	id := ledger.AdvanceID(chi.URLParam(r, "id"))
	a, err := fn(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// VoidAdvance voids an advance with no live deduction history.
func (h *Handler) VoidAdvance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AdvanceID(chi.URLParam(r, "id"))
	req, err := decodeVoidRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid void request", err)
		return
	}

	result, err := h.Voider.VoidAdvance(r.Context(), id, req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to void advance", err)
		return
	}
	writeJSON(w, http.StatusOK, toVoidResponse(result))
}

// ListAdvanceDeductions returns an advance's deduction history.
func (h *Handler) ListAdvanceDeductions(w http.ResponseWriter, r *http.Request) {
	id := ledger.AdvanceID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetAdvance(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get advance", err)
		return
	}
	deductions, err := h.Store.ListDeductionsByAdvance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list deductions", err)
		return
	}

	dtos := make([]DeductionDTO, 0, len(deductions))
	for _, d := range deductions {
		dtos = append(dtos, toDeductionDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// PreviewAllocation computes a deduction plan from current balances
// without writing anything.
func (h *Handler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	gross, err := ledger.MoneyFromString(req.GrossAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid gross_amount", err)
		return
	}

	plan, err := h.planFromRequest(r, req.GrowerID, gross, req.Overrides)
	if err != nil {
		writeDomainError(w, "Failed to compute plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// CommitAllocation recomputes the plan and applies it atomically.
func (h *Handler) CommitAllocation(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	gross, err := ledger.MoneyFromString(req.GrossAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid gross_amount", err)
		return
	}

	plan, err := h.planFromRequest(r, req.GrowerID, gross, req.Overrides)
	if err != nil {
		writeDomainError(w, "Failed to compute plan", err)
		return
	}

	result, err := h.Engine.CommitPlan(r.Context(), plan, ledger.CommitOptions{
		BatchID:        ledger.BatchID(req.BatchID),
		DistributionID: ledger.DistributionID(req.DistributionID),
		ItemID:         ledger.ItemID(req.ItemID),
		Method:         ledger.PaymentMethod(req.Method),
		Actor:          req.Actor,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Commit failed", err)
		return
	}

	status := http.StatusOK
	if result.Conflict {
		status = http.StatusConflict
	}
	writeJSON(w, status, CommitResponse{
		Success:         result.Success,
		Errors:          result.Errors,
		Warnings:        result.Warnings,
		Conflict:        result.Conflict,
		ChequeID:        string(result.ChequeID),
		ChequeGenerated: result.ChequeGenerated,
		DeductionIDs:    deductionIDStrings(result.DeductionIDs),
		TotalDeducted:   result.TotalDeducted.String(),
		NetAmount:       result.NetAmount.String(),
	})
}

// planFromRequest loads the grower's outstanding advances, allocates,
// and applies any operator overrides.
func (h *Handler) planFromRequest(r *http.Request, growerID string, gross ledger.Money, overrides map[string]string) (ledger.DeductionPlan, error) {
	advances, err := h.Store.ListAdvancesByGrower(r.Context(), ledger.GrowerID(growerID))
	if err != nil {
		return ledger.DeductionPlan{}, err
	}

	plan, err := ledger.Allocate(ledger.GrowerID(growerID), gross, advances)
	if err != nil {
		return ledger.DeductionPlan{}, err
	}

	for advanceID, amountStr := range overrides {
		amount, err := ledger.MoneyFromString(amountStr)
		if err != nil {
			return ledger.DeductionPlan{}, err
		}
		plan, err = plan.WithOverride(ledger.AdvanceID(advanceID), amount)
		if err != nil {
			return ledger.DeductionPlan{}, err
		}
	}
	return plan, nil
}

// =============================================================================
// CHEQUE HANDLERS
// =============================================================================

// GetCheque returns a single cheque.
func (h *Handler) GetCheque(w http.ResponseWriter, r *http.Request) {
	id := ledger.ChequeID(chi.URLParam(r, "id"))
	c, err := h.Store.GetCheque(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get cheque", err)
		return
	}
	writeJSON(w, http.StatusOK, toChequeDTO(c))
}

func (h *Handler) PrintCheque(w http.ResponseWriter, r *http.Request) {
	h.chequeTransition(w, r, h.Engine.PrintCheque)
}

func (h *Handler) IssueCheque(w http.ResponseWriter, r *http.Request) {
	h.chequeTransition(w, r, h.Engine.IssueCheque)
}

func (h *Handler) ClearCheque(w http.ResponseWriter, r *http.Request) {
	h.chequeTransition(w, r, h.Engine.ClearCheque)
}

func (h *Handler) StopCheque(w http.ResponseWriter, r *http.Request) {
	h.chequeTransition(w, r, h.Engine.StopCheque)
}

func (h *Handler) chequeTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id ledger.ChequeID) (ledger.Cheque, error)) {
	id := ledger.ChequeID(chi.URLParam(r, "id"))
	c, err := fn(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toChequeDTO(c))
}

// VoidCheque voids a cheque, reversing its deductions.
func (h *Handler) VoidCheque(w http.ResponseWriter, r *http.Request) {
	id := ledger.ChequeID(chi.URLParam(r, "id"))
	req, err := decodeVoidRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid void request", err)
		return
	}

	result, err := h.Voider.VoidCheque(r.Context(), id, req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to void cheque", err)
		return
	}
	writeJSON(w, http.StatusOK, toVoidResponse(result))
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// CreateBatch opens a new draft batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.CreateBatch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(b))
}

// GetBatch returns a batch with its cheques.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	b, err := h.Store.GetBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}
	cheques, err := h.Store.ListChequesByBatch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list cheques", err)
		return
	}

	chequeDTOs := make([]ChequeDTO, 0, len(cheques))
	for _, c := range cheques {
		chequeDTOs = append(chequeDTOs, toChequeDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":   toBatchDTO(b),
		"cheques": chequeDTOs,
	})
}

// PostBatch transitions a batch Draft -> Posted.
func (h *Handler) PostBatch(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	b, err := h.Engine.PostBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to post batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// RegisterDistributionItem records an expected payment for reconciliation.
func (h *Handler) RegisterDistributionItem(w http.ResponseWriter, r *http.Request) {
	distributionID := ledger.DistributionID(chi.URLParam(r, "id"))

	var req RegisterItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.MoneyFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	item := ledger.DistributionItem{
		ID:             ledger.ItemID(req.ID),
		DistributionID: distributionID,
		GrowerID:       ledger.GrowerID(req.GrowerID),
		Amount:         amount,
		CreatedAt:      time.Now().UTC(),
	}
	if item.ID == "" {
		item.ID = ledger.ItemID(uuid.NewString())
	}

	if err := h.Store.PutDistributionItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// ListDistributionItems returns the expected side of a distribution.
func (h *Handler) ListDistributionItems(w http.ResponseWriter, r *http.Request) {
	distributionID := ledger.DistributionID(chi.URLParam(r, "id"))

	items, err := h.Store.ListDistributionItems(r.Context(), distributionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}
	dtos := make([]DistributionItemDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, toItemDTO(item))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReconcileDistribution runs reconciliation and returns the fresh report.
func (h *Handler) ReconcileDistribution(w http.ResponseWriter, r *http.Request) {
	distributionID := ledger.DistributionID(chi.URLParam(r, "id"))

	report, err := h.Reconciler.Reconcile(r.Context(), distributionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// GetReconciliationReport returns the last persisted report.
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	distributionID := ledger.DistributionID(chi.URLParam(r, "id"))

	report, err := h.Store.GetReconciliationReport(r.Context(), distributionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "No report for distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// VALIDATION HANDLER
// =============================================================================

// GetValidationReport runs the integrity checks and returns the report.
func (h *Handler) GetValidationReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Validator.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Validation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeVoidRequest parses a void request. The actor is mandatory: voids
// are audited reversals and must name who asked for them.
func decodeVoidRequest(r *http.Request) (VoidRequest, error) {
	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return VoidRequest{}, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Actor == "" {
		return VoidRequest{}, fmt.Errorf("actor is required")
	}
	return req, nil
}

func deductionIDStrings(ids []ledger.DeductionID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

// writeDomainError maps domain error families onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
