/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract. Amounts cross
  the wire as decimal strings ("1234.56"), never floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/payment-engine/ledger"
)

// =============================================================================
// ADVANCES
// =============================================================================

// AdvanceDTO represents an advance in API responses.
type AdvanceDTO struct {
	ID             string `json:"id"`
	GrowerID       string `json:"grower_id"`
	ChequeID       string `json:"cheque_id,omitempty"`
	OriginalAmount string `json:"original_amount"`
	CurrentAmount  string `json:"current_amount"`
	TotalDeducted  string `json:"total_deducted"`
	Status         string `json:"status"`
	IssueDate      string `json:"issue_date"`
	CreatedAt      string `json:"created_at"`
	VoidedAt       string `json:"voided_at,omitempty"`
	VoidReason     string `json:"void_reason,omitempty"`
}

// IssueAdvanceRequest is the request to issue a new advance.
type IssueAdvanceRequest struct {
	GrowerID  string `json:"grower_id"`
	Amount    string `json:"amount"`
	IssueDate string `json:"issue_date,omitempty"` // YYYY-MM-DD, defaults to today
	BatchID   string `json:"batch_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// =============================================================================
// ALLOCATION
// =============================================================================

// PlanLineDTO is one advance's share of a deduction plan.
type PlanLineDTO struct {
	AdvanceID   string `json:"advance_id"`
	Suggested   string `json:"suggested"`
	Actual      string `json:"actual"`
	Outstanding string `json:"outstanding"`
}

// PlanDTO is a computed deduction plan.
type PlanDTO struct {
	GrowerID                string        `json:"grower_id"`
	GrossAmount             string        `json:"gross_amount"`
	Lines                   []PlanLineDTO `json:"lines"`
	TotalDeducted           string        `json:"total_deducted"`
	RemainingNet            string        `json:"remaining_net"`
	IsFullyAbsorbed         bool          `json:"is_fully_absorbed"`
	IsDeductionFullyApplied bool          `json:"is_deduction_fully_applied"`
}

// PreviewRequest asks for a deduction plan without committing anything.
type PreviewRequest struct {
	GrowerID    string            `json:"grower_id"`
	GrossAmount string            `json:"gross_amount"`
	Overrides   map[string]string `json:"overrides,omitempty"` // advance_id -> amount
}

// CommitRequest applies a plan transactionally. The plan is recomputed
// server-side from current balances plus the same overrides; a stale
// balance surfaces as a conflict, never a silent difference.
type CommitRequest struct {
	GrowerID       string            `json:"grower_id"`
	GrossAmount    string            `json:"gross_amount"`
	Overrides      map[string]string `json:"overrides,omitempty"`
	BatchID        string            `json:"batch_id,omitempty"`
	DistributionID string            `json:"distribution_id,omitempty"`
	ItemID         string            `json:"item_id,omitempty"`
	Method         string            `json:"method,omitempty"` // cheque | electronic
	Actor          string            `json:"actor,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// CommitResponse reports the outcome of an allocation commit.
type CommitResponse struct {
	Success         bool     `json:"success"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Conflict        bool     `json:"conflict,omitempty"`
	ChequeID        string   `json:"cheque_id,omitempty"`
	ChequeGenerated bool     `json:"cheque_generated"`
	DeductionIDs    []string `json:"deduction_ids,omitempty"`
	TotalDeducted   string   `json:"total_deducted"`
	NetAmount       string   `json:"net_amount"`
}

// =============================================================================
// DEDUCTIONS / CHEQUES / BATCHES
// =============================================================================

// DeductionDTO represents a deduction in API responses.
type DeductionDTO struct {
	ID        string `json:"id"`
	AdvanceID string `json:"advance_id"`
	BatchID   string `json:"batch_id,omitempty"`
	ChequeID  string `json:"cheque_id,omitempty"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by,omitempty"`
	IsVoided  bool   `json:"is_voided"`
}

// ChequeDTO represents a cheque in API responses.
type ChequeDTO struct {
	ID             string `json:"id"`
	GrowerID       string `json:"grower_id"`
	BatchID        string `json:"batch_id,omitempty"`
	DistributionID string `json:"distribution_id,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	GrossAmount    string `json:"gross_amount"`
	NetAmount      string `json:"net_amount"`
	Status         string `json:"status"`
	Method         string `json:"method"`
	IsAdvance      bool   `json:"is_advance"`
	IsConsolidated bool   `json:"is_consolidated"`
	CreatedAt      string `json:"created_at"`
	VoidedAt       string `json:"voided_at,omitempty"`
	VoidReason     string `json:"void_reason,omitempty"`
}

// BatchDTO represents a payment batch in API responses.
type BatchDTO struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	TotalAmount  string `json:"total_amount"`
	TotalGrowers int    `json:"total_growers"`
	CreatedAt    string `json:"created_at"`
}

// VoidRequest carries the reason and actor for a void.
type VoidRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// VoidResponse reports the outcome of a void.
type VoidResponse struct {
	Success             bool     `json:"success"`
	Errors              []string `json:"errors,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	AmountReversed      string   `json:"amount_reversed"`
	DeductionsReversed  bool     `json:"deductions_reversed"`
	BatchStatusRestored bool     `json:"batch_status_restored"`
	AlreadyVoided       bool     `json:"already_voided"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RegisterItemRequest registers an expected payment for a distribution.
type RegisterItemRequest struct {
	ID       string `json:"id,omitempty"`
	GrowerID string `json:"grower_id"`
	Amount   string `json:"amount"`
}

// DistributionItemDTO is one expected payment.
type DistributionItemDTO struct {
	ID             string `json:"id"`
	DistributionID string `json:"distribution_id"`
	GrowerID       string `json:"grower_id"`
	Amount         string `json:"amount"`
	CreatedAt      string `json:"created_at"`
}

// ExceptionDTO is one reconciliation discrepancy.
type ExceptionDTO struct {
	ID             string `json:"id"`
	DistributionID string `json:"distribution_id"`
	ItemID         string `json:"item_id,omitempty"`
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Status         string `json:"status"`
	Expected       string `json:"expected"`
	Actual         string `json:"actual"`
	Message        string `json:"message,omitempty"`
}

// ReconciliationReportDTO is a distribution's balance snapshot.
type ReconciliationReportDTO struct {
	ID             string         `json:"id"`
	DistributionID string         `json:"distribution_id"`
	ExpectedAmount string         `json:"expected_amount"`
	ActualAmount   string         `json:"actual_amount"`
	Variance       string         `json:"variance"`
	IsBalanced     bool           `json:"is_balanced"`
	ExpectedCount  int            `json:"expected_count"`
	ActualCount    int            `json:"actual_count"`
	MissingCount   int            `json:"missing_count"`
	DuplicateCount int            `json:"duplicate_count"`
	Exceptions     []ExceptionDTO `json:"exceptions"`
	GeneratedAt    string         `json:"generated_at"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// CheckDTO is one integrity check's outcome.
type CheckDTO struct {
	Name          string   `json:"name"`
	IsValid       bool     `json:"is_valid"`
	Discrepancies []string `json:"discrepancies,omitempty"`
	Message       string   `json:"message"`
}

// ValidationReportDTO is the full integrity report.
type ValidationReportDTO struct {
	IsValid     bool       `json:"is_valid"`
	Checks      []CheckDTO `json:"checks"`
	GeneratedAt string     `json:"generated_at"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toAdvanceDTO(a ledger.Advance) AdvanceDTO {
	dto := AdvanceDTO{
		ID:             string(a.ID),
		GrowerID:       string(a.GrowerID),
		ChequeID:       string(a.ChequeID),
		OriginalAmount: a.OriginalAmount.String(),
		CurrentAmount:  a.CurrentAmount.String(),
		TotalDeducted:  a.TotalDeducted.String(),
		Status:         string(a.Status),
		IssueDate:      a.IssueDate.Format("2006-01-02"),
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
	if a.Voided != nil {
		dto.VoidedAt = a.Voided.At.Format(time.RFC3339)
		dto.VoidReason = a.Voided.Reason
	}
	return dto
}

func toDeductionDTO(d ledger.Deduction) DeductionDTO {
	return DeductionDTO{
		ID:        string(d.ID),
		AdvanceID: string(d.AdvanceID),
		BatchID:   string(d.BatchID),
		ChequeID:  string(d.ChequeID),
		Amount:    d.Amount.String(),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
		CreatedBy: d.CreatedBy,
		IsVoided:  d.IsVoided,
	}
}

func toChequeDTO(c ledger.Cheque) ChequeDTO {
	dto := ChequeDTO{
		ID:             string(c.ID),
		GrowerID:       string(c.GrowerID),
		BatchID:        string(c.BatchID),
		DistributionID: string(c.DistributionID),
		ItemID:         string(c.ItemID),
		GrossAmount:    c.GrossAmount.String(),
		NetAmount:      c.NetAmount.String(),
		Status:         string(c.Status),
		Method:         string(c.Method),
		IsAdvance:      c.IsAdvance,
		IsConsolidated: c.IsConsolidated,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
	if c.Voided != nil {
		dto.VoidedAt = c.Voided.At.Format(time.RFC3339)
		dto.VoidReason = c.Voided.Reason
	}
	return dto
}

func toBatchDTO(b ledger.PaymentBatch) BatchDTO {
	return BatchDTO{
		ID:           string(b.ID),
		Status:       string(b.Status),
		TotalAmount:  b.TotalAmount.String(),
		TotalGrowers: b.TotalGrowers,
		CreatedAt:    b.CreatedAt.Format(time.RFC3339),
	}
}

func toPlanDTO(p ledger.DeductionPlan) PlanDTO {
	dto := PlanDTO{
		GrowerID:                string(p.GrowerID),
		GrossAmount:             p.GrossAmount.String(),
		Lines:                   make([]PlanLineDTO, 0, len(p.Lines)),
		TotalDeducted:           p.TotalDeducted.String(),
		RemainingNet:            p.RemainingNet.String(),
		IsFullyAbsorbed:         p.IsFullyAbsorbed,
		IsDeductionFullyApplied: p.IsDeductionFullyApplied,
	}
	for _, line := range p.Lines {
		dto.Lines = append(dto.Lines, PlanLineDTO{
			AdvanceID:   string(line.AdvanceID),
			Suggested:   line.Suggested.String(),
			Actual:      line.Actual.String(),
			Outstanding: line.Outstanding.String(),
		})
	}
	return dto
}

func toVoidResponse(r ledger.VoidResult) VoidResponse {
	return VoidResponse{
		Success:             r.Success,
		Errors:              r.Errors,
		Warnings:            r.Warnings,
		AmountReversed:      r.AmountReversed.String(),
		DeductionsReversed:  r.DeductionsReversed,
		BatchStatusRestored: r.BatchStatusRestored,
		AlreadyVoided:       r.AlreadyVoided,
	}
}

func toItemDTO(item ledger.DistributionItem) DistributionItemDTO {
	return DistributionItemDTO{
		ID:             string(item.ID),
		DistributionID: string(item.DistributionID),
		GrowerID:       string(item.GrowerID),
		Amount:         item.Amount.String(),
		CreatedAt:      item.CreatedAt.Format(time.RFC3339),
	}
}

func toReportDTO(r ledger.ReconciliationReport) ReconciliationReportDTO {
	dto := ReconciliationReportDTO{
		ID:             r.ID,
		DistributionID: string(r.DistributionID),
		ExpectedAmount: r.ExpectedAmount.String(),
		ActualAmount:   r.ActualAmount.String(),
		Variance:       r.Variance().String(),
		IsBalanced:     r.IsBalanced(),
		ExpectedCount:  r.ExpectedCount,
		ActualCount:    r.ActualCount,
		MissingCount:   r.MissingCount,
		DuplicateCount: r.DuplicateCount,
		Exceptions:     make([]ExceptionDTO, 0, len(r.Exceptions)),
		GeneratedAt:    r.GeneratedAt.Format(time.RFC3339),
	}
	for _, ex := range r.Exceptions {
		dto.Exceptions = append(dto.Exceptions, ExceptionDTO{
			ID:             ex.ID,
			DistributionID: string(ex.DistributionID),
			ItemID:         string(ex.ItemID),
			Type:           string(ex.Type),
			Severity:       string(ex.Severity),
			Status:         string(ex.Status),
			Expected:       ex.Expected.String(),
			Actual:         ex.Actual.String(),
			Message:        ex.Message,
		})
	}
	return dto
}

func toValidationDTO(r ledger.ValidationReport) ValidationReportDTO {
	dto := ValidationReportDTO{
		IsValid:     r.IsValid(),
		Checks:      make([]CheckDTO, 0, len(r.Checks)),
		GeneratedAt: r.GeneratedAt.Format(time.RFC3339),
	}
	for _, c := range r.Checks {
		dto.Checks = append(dto.Checks, CheckDTO{
			Name:          c.Name,
			IsValid:       c.IsValid,
			Discrepancies: c.Discrepancies,
			Message:       c.Message,
		})
	}
	return dto
}
