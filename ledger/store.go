/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the interface between the engine and the database. Entities
  reference each other by identifier; every cross-entity navigation is an
  explicit store lookup, which keeps ownership acyclic and the transaction
  boundary visible at the call site.

TRANSACTION BOUNDARY:
  Allocation commit and void are the only mutating operations, and each
  runs inside a single TxStore.WithTx call. Inside the transaction the
  engine re-reads the rows it is about to mutate, so two simultaneous runs
  cannot double-spend an advance balance. Planning, reconciliation, and the
  integrity checks are read-only and need no transaction.

IDEMPOTENCY:
  Commits carry an idempotency key recorded in the same transaction as
  their writes. A replayed commit sees the marker and is rejected with
  ErrDuplicateIdempotencyKey before touching any balance.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for tests

SEE ALSO:
  - engine.go: Commit path
  - voiding.go: Void path
*/
package ledger

import "context"

// =============================================================================
// STORE - Row-level persistence
// =============================================================================

// Store persists ledger entities. Put methods are upserts; Get methods
// return the package's not-found sentinels.
type Store interface {
	// Advances
	GetAdvance(ctx context.Context, id AdvanceID) (Advance, error)
	PutAdvance(ctx context.Context, a Advance) error
	ListAdvancesByGrower(ctx context.Context, growerID GrowerID) ([]Advance, error)
	ListAdvances(ctx context.Context) ([]Advance, error)

	// Deductions
	GetDeduction(ctx context.Context, id DeductionID) (Deduction, error)
	PutDeduction(ctx context.Context, d Deduction) error
	ListDeductionsByAdvance(ctx context.Context, advanceID AdvanceID) ([]Deduction, error)
	ListDeductionsByCheque(ctx context.Context, chequeID ChequeID) ([]Deduction, error)
	ListDeductions(ctx context.Context) ([]Deduction, error)

	// Cheques
	GetCheque(ctx context.Context, id ChequeID) (Cheque, error)
	PutCheque(ctx context.Context, c Cheque) error
	ListChequesByBatch(ctx context.Context, batchID BatchID) ([]Cheque, error)
	ListChequesByDistribution(ctx context.Context, distributionID DistributionID) ([]Cheque, error)

	// Batches
	GetBatch(ctx context.Context, id BatchID) (PaymentBatch, error)
	PutBatch(ctx context.Context, b PaymentBatch) error

	// Distribution items (expected side of reconciliation)
	PutDistributionItem(ctx context.Context, item DistributionItem) error
	ListDistributionItems(ctx context.Context, distributionID DistributionID) ([]DistributionItem, error)

	// Reconciliation output
	PutReconciliationReport(ctx context.Context, report ReconciliationReport) error
	GetReconciliationReport(ctx context.Context, distributionID DistributionID) (ReconciliationReport, error)

	// Idempotency markers for commit operations
	MarkApplied(ctx context.Context, idempotencyKey string) error
	WasApplied(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with an atomic execution boundary.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back and nothing fn wrote is observable.
	WithTx(ctx context.Context, fn func(Store) error) error
}
