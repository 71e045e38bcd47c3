/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  advances:               Issued advances with balance columns
  deductions:             Recoveries taken against advances
  cheques:                Disbursements (gross/net/status)
  payment_batches:        Processing runs with aggregate totals
  distribution_items:     Expected side of reconciliation
  reconciliation_reports: Per-distribution balance snapshots
  payment_exceptions:     Discrepancies found while reconciling
  applied_commits:        Idempotency markers for allocation commits

AMOUNTS:
  Stored as decimal strings, never floats. Parsed back through
  shopspring/decimal.

CONCURRENCY:
  The mutating operations of the engine (allocation commit, void) run
  through WithTx, which maps to a single BEGIN..COMMIT. SQLite's single
  writer plus the store mutex gives the at-most-one-concurrent-mutation
  guarantee per advance row. WAL mode keeps readers unblocked.

USAGE:
  st, err := sqlite.New("./data/payments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  engine := ledger.NewEngine(st, logger)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/payment-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS advances (
		id TEXT PRIMARY KEY,
		grower_id TEXT NOT NULL,
		cheque_id TEXT,
		original_amount TEXT NOT NULL,
		current_amount TEXT NOT NULL,
		total_deducted TEXT NOT NULL,
		status TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		voided_at TEXT,
		voided_by TEXT,
		void_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_advances_grower
		ON advances(grower_id);
	-- Allocation hot path: outstanding advances in FIFO order
	CREATE INDEX IF NOT EXISTS idx_advances_grower_status_date
		ON advances(grower_id, status, issue_date, id);

	CREATE TABLE IF NOT EXISTS deductions (
		id TEXT PRIMARY KEY,
		advance_id TEXT NOT NULL,
		batch_id TEXT,
		cheque_id TEXT,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT,
		is_voided INTEGER NOT NULL DEFAULT 0,
		voided_at TEXT,
		voided_by TEXT,
		void_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_deductions_advance
		ON deductions(advance_id);
	CREATE INDEX IF NOT EXISTS idx_deductions_cheque
		ON deductions(cheque_id) WHERE cheque_id IS NOT NULL AND cheque_id != '';

	CREATE TABLE IF NOT EXISTS cheques (
		id TEXT PRIMARY KEY,
		grower_id TEXT NOT NULL,
		batch_id TEXT,
		distribution_id TEXT,
		item_id TEXT,
		gross_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL,
		is_advance INTEGER NOT NULL DEFAULT 0,
		is_consolidated INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		voided_at TEXT,
		voided_by TEXT,
		void_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cheques_batch
		ON cheques(batch_id) WHERE batch_id IS NOT NULL AND batch_id != '';
	CREATE INDEX IF NOT EXISTS idx_cheques_distribution
		ON cheques(distribution_id) WHERE distribution_id IS NOT NULL AND distribution_id != '';

	CREATE TABLE IF NOT EXISTS payment_batches (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		total_growers INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS distribution_items (
		id TEXT PRIMARY KEY,
		distribution_id TEXT NOT NULL,
		grower_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_distribution
		ON distribution_items(distribution_id);

	CREATE TABLE IF NOT EXISTS reconciliation_reports (
		id TEXT PRIMARY KEY,
		distribution_id TEXT NOT NULL UNIQUE,
		expected_amount TEXT NOT NULL,
		actual_amount TEXT NOT NULL,
		expected_count INTEGER NOT NULL,
		actual_count INTEGER NOT NULL,
		missing_count INTEGER NOT NULL,
		duplicate_count INTEGER NOT NULL,
		generated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_exceptions (
		id TEXT PRIMARY KEY,
		distribution_id TEXT NOT NULL,
		item_id TEXT,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		expected_amount TEXT NOT NULL,
		actual_amount TEXT NOT NULL,
		message TEXT,
		resolution TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_distribution
		ON payment_exceptions(distribution_id);

	CREATE TABLE IF NOT EXISTS applied_commits (
		idempotency_key TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ADVANCES
// =============================================================================

const advanceSelect = `
	SELECT id, grower_id, cheque_id, original_amount, current_amount, total_deducted,
	       status, issue_date, created_at, voided_at, voided_by, void_reason
	FROM advances`

func (s *Store) GetAdvance(ctx context.Context, id ledger.AdvanceID) (ledger.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAdvance(ctx, s.db, id)
}

func getAdvance(ctx context.Context, db execer, id ledger.AdvanceID) (ledger.Advance, error) {
	row := db.QueryRowContext(ctx, advanceSelect+` WHERE id = ?`, id)
	a, err := scanAdvance(row)
	if err == sql.ErrNoRows {
		return ledger.Advance{}, fmt.Errorf("%w: %s", ledger.ErrAdvanceNotFound, id)
	}
	return a, err
}

func (s *Store) PutAdvance(ctx context.Context, a ledger.Advance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putAdvance(ctx, s.db, a)
}

func putAdvance(ctx context.Context, db execer, a ledger.Advance) error {
	voidedAt, voidedBy, voidReason := voidColumns(a.Voided)
	_, err := db.ExecContext(ctx, `
		INSERT INTO advances
		(id, grower_id, cheque_id, original_amount, current_amount, total_deducted,
		 status, issue_date, created_at, voided_at, voided_by, void_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_amount = excluded.current_amount,
			total_deducted = excluded.total_deducted,
			status = excluded.status,
			voided_at = excluded.voided_at,
			voided_by = excluded.voided_by,
			void_reason = excluded.void_reason`,
		a.ID, a.GrowerID, a.ChequeID,
		a.OriginalAmount.Value.String(), a.CurrentAmount.Value.String(), a.TotalDeducted.Value.String(),
		a.Status, a.IssueDate.UTC().Format(time.RFC3339), a.CreatedAt.UTC().Format(time.RFC3339),
		voidedAt, voidedBy, voidReason,
	)
	if err != nil {
		return fmt.Errorf("failed to put advance: %w", err)
	}
	return nil
}

func listAdvancesByGrower(ctx context.Context, db execer, growerID ledger.GrowerID) ([]ledger.Advance, error) {
	return queryAdvances(ctx, db, advanceSelect+` WHERE grower_id = ? ORDER BY issue_date ASC, id ASC`, growerID)
}

func (s *Store) ListAdvancesByGrower(ctx context.Context, growerID ledger.GrowerID) ([]ledger.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAdvancesByGrower(ctx, s.db, growerID)
}

func (s *Store) ListAdvances(ctx context.Context) ([]ledger.Advance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAdvances(ctx, s.db, advanceSelect+` ORDER BY issue_date ASC, id ASC`)
}

func queryAdvances(ctx context.Context, db execer, query string, args ...any) ([]ledger.Advance, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query advances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Advance
	for rows.Next() {
		a, err := scanAdvance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdvance(row scanner) (ledger.Advance, error) {
	var (
		a                        ledger.Advance
		chequeID                 sql.NullString
		original, current, total string
		issueDate, createdAt     string
		voidedAt, voidedBy       sql.NullString
		voidReason               sql.NullString
	)
	err := row.Scan(&a.ID, &a.GrowerID, &chequeID, &original, &current, &total,
		&a.Status, &issueDate, &createdAt, &voidedAt, &voidedBy, &voidReason)
	if err != nil {
		return a, err
	}

	a.ChequeID = ledger.ChequeID(chequeID.String)
	a.OriginalAmount = mustMoney(original)
	a.CurrentAmount = mustMoney(current)
	a.TotalDeducted = mustMoney(total)
	if a.IssueDate, err = parseTime("issue_date", issueDate); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return a, err
	}
	if a.Voided, err = scanVoidInfo(voidedAt, voidedBy, voidReason); err != nil {
		return a, err
	}
	return a, nil
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

const deductionSelect = `
	SELECT id, advance_id, batch_id, cheque_id, amount, created_at, created_by,
	       is_voided, voided_at, voided_by, void_reason
	FROM deductions`

func (s *Store) GetDeduction(ctx context.Context, id ledger.DeductionID) (ledger.Deduction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDeduction(ctx, s.db, id)
}

func getDeduction(ctx context.Context, db execer, id ledger.DeductionID) (ledger.Deduction, error) {
	row := db.QueryRowContext(ctx, deductionSelect+` WHERE id = ?`, id)
	d, err := scanDeduction(row)
	if err == sql.ErrNoRows {
		return ledger.Deduction{}, fmt.Errorf("%w: %s", ledger.ErrDeductionNotFound, id)
	}
	return d, err
}

func (s *Store) PutDeduction(ctx context.Context, d ledger.Deduction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDeduction(ctx, s.db, d)
}

func putDeduction(ctx context.Context, db execer, d ledger.Deduction) error {
	voidedAt, voidedBy, voidReason := voidColumns(d.Voided)
	_, err := db.ExecContext(ctx, `
		INSERT INTO deductions
		(id, advance_id, batch_id, cheque_id, amount, created_at, created_by,
		 is_voided, voided_at, voided_by, void_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_voided = excluded.is_voided,
			voided_at = excluded.voided_at,
			voided_by = excluded.voided_by,
			void_reason = excluded.void_reason`,
		d.ID, d.AdvanceID, d.BatchID, d.ChequeID,
		d.Amount.Value.String(),
		d.CreatedAt.UTC().Format(time.RFC3339), d.CreatedBy,
		boolToInt(d.IsVoided), voidedAt, voidedBy, voidReason,
	)
	if err != nil {
		return fmt.Errorf("failed to put deduction: %w", err)
	}
	return nil
}

func (s *Store) ListDeductionsByAdvance(ctx context.Context, advanceID ledger.AdvanceID) ([]ledger.Deduction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryDeductions(ctx, s.db, deductionSelect+` WHERE advance_id = ? ORDER BY created_at ASC, id ASC`, advanceID)
}

func (s *Store) ListDeductionsByCheque(ctx context.Context, chequeID ledger.ChequeID) ([]ledger.Deduction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryDeductions(ctx, s.db, deductionSelect+` WHERE cheque_id = ? ORDER BY created_at ASC, id ASC`, chequeID)
}

func (s *Store) ListDeductions(ctx context.Context) ([]ledger.Deduction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryDeductions(ctx, s.db, deductionSelect+` ORDER BY created_at ASC, id ASC`)
}

func queryDeductions(ctx context.Context, db execer, query string, args ...any) ([]ledger.Deduction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deductions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Deduction
	for rows.Next() {
		d, err := scanDeduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeduction(row scanner) (ledger.Deduction, error) {
	var (
		d                  ledger.Deduction
		batchID, chequeID  sql.NullString
		amount, createdAt  string
		createdBy          sql.NullString
		isVoided           int
		voidedAt, voidedBy sql.NullString
		voidReason         sql.NullString
	)
	err := row.Scan(&d.ID, &d.AdvanceID, &batchID, &chequeID, &amount, &createdAt, &createdBy,
		&isVoided, &voidedAt, &voidedBy, &voidReason)
	if err != nil {
		return d, err
	}

	d.BatchID = ledger.BatchID(batchID.String)
	d.ChequeID = ledger.ChequeID(chequeID.String)
	d.Amount = mustMoney(amount)
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return d, err
	}
	d.CreatedBy = createdBy.String
	d.IsVoided = isVoided != 0
	if d.Voided, err = scanVoidInfo(voidedAt, voidedBy, voidReason); err != nil {
		return d, err
	}
	return d, nil
}

// =============================================================================
// CHEQUES
// =============================================================================

const chequeSelect = `
	SELECT id, grower_id, batch_id, distribution_id, item_id, gross_amount, net_amount,
	       status, method, is_advance, is_consolidated, created_at, voided_at, voided_by, void_reason
	FROM cheques`

func (s *Store) GetCheque(ctx context.Context, id ledger.ChequeID) (ledger.Cheque, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCheque(ctx, s.db, id)
}

func getCheque(ctx context.Context, db execer, id ledger.ChequeID) (ledger.Cheque, error) {
	row := db.QueryRowContext(ctx, chequeSelect+` WHERE id = ?`, id)
	c, err := scanCheque(row)
	if err == sql.ErrNoRows {
		return ledger.Cheque{}, fmt.Errorf("%w: %s", ledger.ErrChequeNotFound, id)
	}
	return c, err
}

func (s *Store) PutCheque(ctx context.Context, c ledger.Cheque) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putCheque(ctx, s.db, c)
}

func putCheque(ctx context.Context, db execer, c ledger.Cheque) error {
	voidedAt, voidedBy, voidReason := voidColumns(c.Voided)
	_, err := db.ExecContext(ctx, `
		INSERT INTO cheques
		(id, grower_id, batch_id, distribution_id, item_id, gross_amount, net_amount,
		 status, method, is_advance, is_consolidated, created_at, voided_at, voided_by, void_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			net_amount = excluded.net_amount,
			status = excluded.status,
			voided_at = excluded.voided_at,
			voided_by = excluded.voided_by,
			void_reason = excluded.void_reason`,
		c.ID, c.GrowerID, c.BatchID, c.DistributionID, c.ItemID,
		c.GrossAmount.Value.String(), c.NetAmount.Value.String(),
		c.Status, c.Method, boolToInt(c.IsAdvance), boolToInt(c.IsConsolidated),
		c.CreatedAt.UTC().Format(time.RFC3339),
		voidedAt, voidedBy, voidReason,
	)
	if err != nil {
		return fmt.Errorf("failed to put cheque: %w", err)
	}
	return nil
}

func (s *Store) ListChequesByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.Cheque, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryCheques(ctx, s.db, chequeSelect+` WHERE batch_id = ? ORDER BY created_at ASC, id ASC`, batchID)
}

func (s *Store) ListChequesByDistribution(ctx context.Context, distributionID ledger.DistributionID) ([]ledger.Cheque, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryCheques(ctx, s.db, chequeSelect+` WHERE distribution_id = ? ORDER BY created_at ASC, id ASC`, distributionID)
}

func queryCheques(ctx context.Context, db execer, query string, args ...any) ([]ledger.Cheque, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cheques: %w", err)
	}
	defer rows.Close()

	var out []ledger.Cheque
	for rows.Next() {
		c, err := scanCheque(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCheque(row scanner) (ledger.Cheque, error) {
	var (
		c                         ledger.Cheque
		batchID, distID, itemID   sql.NullString
		gross, net, createdAt     string
		isAdvance, isConsolidated int
		voidedAt, voidedBy        sql.NullString
		voidReason                sql.NullString
	)
	err := row.Scan(&c.ID, &c.GrowerID, &batchID, &distID, &itemID, &gross, &net,
		&c.Status, &c.Method, &isAdvance, &isConsolidated, &createdAt,
		&voidedAt, &voidedBy, &voidReason)
	if err != nil {
		return c, err
	}

	c.BatchID = ledger.BatchID(batchID.String)
	c.DistributionID = ledger.DistributionID(distID.String)
	c.ItemID = ledger.ItemID(itemID.String)
	c.GrossAmount = mustMoney(gross)
	c.NetAmount = mustMoney(net)
	c.IsAdvance = isAdvance != 0
	c.IsConsolidated = isConsolidated != 0
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return c, err
	}
	if c.Voided, err = scanVoidInfo(voidedAt, voidedBy, voidReason); err != nil {
		return c, err
	}
	return c, nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (ledger.PaymentBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, id)
}

func getBatch(ctx context.Context, db execer, id ledger.BatchID) (ledger.PaymentBatch, error) {
	var (
		b         ledger.PaymentBatch
		total     string
		createdAt string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, status, total_amount, total_growers, created_at
		FROM payment_batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Status, &total, &b.TotalGrowers, &createdAt)
	if err == sql.ErrNoRows {
		return b, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, id)
	}
	if err != nil {
		return b, err
	}
	b.TotalAmount = mustMoney(total)
	if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return b, err
	}
	return b, nil
}

func (s *Store) PutBatch(ctx context.Context, b ledger.PaymentBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putBatch(ctx, s.db, b)
}

func putBatch(ctx context.Context, db execer, b ledger.PaymentBatch) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payment_batches (id, status, total_amount, total_growers, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_amount = excluded.total_amount,
			total_growers = excluded.total_growers`,
		b.ID, b.Status, b.TotalAmount.Value.String(), b.TotalGrowers,
		b.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put batch: %w", err)
	}
	return nil
}

// =============================================================================
// DISTRIBUTION ITEMS
// =============================================================================

func (s *Store) PutDistributionItem(ctx context.Context, item ledger.DistributionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putDistributionItem(ctx, s.db, item)
}

func putDistributionItem(ctx context.Context, db execer, item ledger.DistributionItem) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO distribution_items (id, distribution_id, grower_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET amount = excluded.amount`,
		item.ID, item.DistributionID, item.GrowerID,
		item.Amount.Value.String(), item.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put distribution item: %w", err)
	}
	return nil
}

func (s *Store) ListDistributionItems(ctx context.Context, distributionID ledger.DistributionID) ([]ledger.DistributionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDistributionItems(ctx, s.db, distributionID)
}

func listDistributionItems(ctx context.Context, db execer, distributionID ledger.DistributionID) ([]ledger.DistributionItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, distribution_id, grower_id, amount, created_at
		FROM distribution_items WHERE distribution_id = ?
		ORDER BY created_at ASC, id ASC`, distributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution items: %w", err)
	}
	defer rows.Close()

	var out []ledger.DistributionItem
	for rows.Next() {
		var (
			item              ledger.DistributionItem
			amount, createdAt string
		)
		if err := rows.Scan(&item.ID, &item.DistributionID, &item.GrowerID, &amount, &createdAt); err != nil {
			return nil, err
		}
		item.Amount = mustMoney(amount)
		if item.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATION REPORTS
// =============================================================================

func (s *Store) PutReconciliationReport(ctx context.Context, report ledger.ReconciliationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliation_reports
		(id, distribution_id, expected_amount, actual_amount,
		 expected_count, actual_count, missing_count, duplicate_count, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(distribution_id) DO UPDATE SET
			id = excluded.id,
			expected_amount = excluded.expected_amount,
			actual_amount = excluded.actual_amount,
			expected_count = excluded.expected_count,
			actual_count = excluded.actual_count,
			missing_count = excluded.missing_count,
			duplicate_count = excluded.duplicate_count,
			generated_at = excluded.generated_at`,
		report.ID, report.DistributionID,
		report.ExpectedAmount.Value.String(), report.ActualAmount.Value.String(),
		report.ExpectedCount, report.ActualCount, report.MissingCount, report.DuplicateCount,
		report.GeneratedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put report: %w", err)
	}

	// A re-run replaces the previous run's open exceptions; resolved ones
	// are history and stay.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM payment_exceptions WHERE distribution_id = ? AND status = ?`,
		report.DistributionID, ledger.ExceptionOpen); err != nil {
		return fmt.Errorf("failed to clear open exceptions: %w", err)
	}

	for _, ex := range report.Exceptions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_exceptions
			(id, distribution_id, item_id, type, severity, status,
			 expected_amount, actual_amount, message, resolution, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ex.ID, ex.DistributionID, ex.ItemID, ex.Type, ex.Severity, ex.Status,
			ex.Expected.Value.String(), ex.Actual.Value.String(),
			ex.Message, ex.Resolution, ex.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to put exception: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetReconciliationReport(ctx context.Context, distributionID ledger.DistributionID) (ledger.ReconciliationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                ledger.ReconciliationReport
		expected, actual string
		generatedAt      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, distribution_id, expected_amount, actual_amount,
		       expected_count, actual_count, missing_count, duplicate_count, generated_at
		FROM reconciliation_reports WHERE distribution_id = ?`, distributionID,
	).Scan(&r.ID, &r.DistributionID, &expected, &actual,
		&r.ExpectedCount, &r.ActualCount, &r.MissingCount, &r.DuplicateCount, &generatedAt)
	if err == sql.ErrNoRows {
		return r, fmt.Errorf("no report for distribution %s", distributionID)
	}
	if err != nil {
		return r, err
	}
	r.ExpectedAmount = mustMoney(expected)
	r.ActualAmount = mustMoney(actual)
	if r.GeneratedAt, err = parseTime("generated_at", generatedAt); err != nil {
		return r, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, distribution_id, item_id, type, severity, status,
		       expected_amount, actual_amount, message, resolution, created_at
		FROM payment_exceptions WHERE distribution_id = ?
		ORDER BY created_at ASC, id ASC`, distributionID)
	if err != nil {
		return r, fmt.Errorf("failed to query exceptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ex                   ledger.PaymentException
			itemID               sql.NullString
			exExpected, exActual string
			message, resolution  sql.NullString
			createdAt            string
		)
		if err := rows.Scan(&ex.ID, &ex.DistributionID, &itemID, &ex.Type, &ex.Severity, &ex.Status,
			&exExpected, &exActual, &message, &resolution, &createdAt); err != nil {
			return r, err
		}
		ex.ItemID = ledger.ItemID(itemID.String)
		ex.Expected = mustMoney(exExpected)
		ex.Actual = mustMoney(exActual)
		ex.Message = message.String
		ex.Resolution = resolution.String
		if ex.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return r, err
		}
		r.Exceptions = append(r.Exceptions, ex)
	}
	return r, rows.Err()
}

// =============================================================================
// IDEMPOTENCY MARKERS
// =============================================================================

func (s *Store) MarkApplied(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markApplied(ctx, s.db, key)
}

func markApplied(ctx context.Context, db execer, key string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_commits (idempotency_key, applied_at) VALUES (?, ?)`,
		key, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) WasApplied(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wasApplied(ctx, s.db, key)
}

func wasApplied(ctx context.Context, db execer, key string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_commits WHERE idempotency_key = ?`, key,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every call through the open *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAdvance(ctx context.Context, id ledger.AdvanceID) (ledger.Advance, error) {
	return getAdvance(ctx, ts.tx, id)
}

func (ts *txStore) PutAdvance(ctx context.Context, a ledger.Advance) error {
	return putAdvance(ctx, ts.tx, a)
}

func (ts *txStore) ListAdvancesByGrower(ctx context.Context, growerID ledger.GrowerID) ([]ledger.Advance, error) {
	return listAdvancesByGrower(ctx, ts.tx, growerID)
}

func (ts *txStore) ListAdvances(ctx context.Context) ([]ledger.Advance, error) {
	return queryAdvances(ctx, ts.tx, advanceSelect+` ORDER BY issue_date ASC, id ASC`)
}

func (ts *txStore) GetDeduction(ctx context.Context, id ledger.DeductionID) (ledger.Deduction, error) {
	return getDeduction(ctx, ts.tx, id)
}

func (ts *txStore) PutDeduction(ctx context.Context, d ledger.Deduction) error {
	return putDeduction(ctx, ts.tx, d)
}

func (ts *txStore) ListDeductionsByAdvance(ctx context.Context, advanceID ledger.AdvanceID) ([]ledger.Deduction, error) {
	return queryDeductions(ctx, ts.tx, deductionSelect+` WHERE advance_id = ? ORDER BY created_at ASC, id ASC`, advanceID)
}

func (ts *txStore) ListDeductionsByCheque(ctx context.Context, chequeID ledger.ChequeID) ([]ledger.Deduction, error) {
	return queryDeductions(ctx, ts.tx, deductionSelect+` WHERE cheque_id = ? ORDER BY created_at ASC, id ASC`, chequeID)
}

func (ts *txStore) ListDeductions(ctx context.Context) ([]ledger.Deduction, error) {
	return queryDeductions(ctx, ts.tx, deductionSelect+` ORDER BY created_at ASC, id ASC`)
}

func (ts *txStore) GetCheque(ctx context.Context, id ledger.ChequeID) (ledger.Cheque, error) {
	return getCheque(ctx, ts.tx, id)
}

func (ts *txStore) PutCheque(ctx context.Context, c ledger.Cheque) error {
	return putCheque(ctx, ts.tx, c)
}

func (ts *txStore) ListChequesByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.Cheque, error) {
	return queryCheques(ctx, ts.tx, chequeSelect+` WHERE batch_id = ? ORDER BY created_at ASC, id ASC`, batchID)
}

func (ts *txStore) ListChequesByDistribution(ctx context.Context, distributionID ledger.DistributionID) ([]ledger.Cheque, error) {
	return queryCheques(ctx, ts.tx, chequeSelect+` WHERE distribution_id = ? ORDER BY created_at ASC, id ASC`, distributionID)
}

func (ts *txStore) GetBatch(ctx context.Context, id ledger.BatchID) (ledger.PaymentBatch, error) {
	return getBatch(ctx, ts.tx, id)
}

func (ts *txStore) PutBatch(ctx context.Context, b ledger.PaymentBatch) error {
	return putBatch(ctx, ts.tx, b)
}

func (ts *txStore) PutDistributionItem(ctx context.Context, item ledger.DistributionItem) error {
	return putDistributionItem(ctx, ts.tx, item)
}

func (ts *txStore) ListDistributionItems(ctx context.Context, distributionID ledger.DistributionID) ([]ledger.DistributionItem, error) {
	return listDistributionItems(ctx, ts.tx, distributionID)
}

func (ts *txStore) PutReconciliationReport(ctx context.Context, report ledger.ReconciliationReport) error {
	// The Reconciler writes reports through the top-level store; the
	// mutating commit/void paths never touch them.
	return fmt.Errorf("reconciliation reports are written outside WithTx")
}

func (ts *txStore) GetReconciliationReport(ctx context.Context, distributionID ledger.DistributionID) (ledger.ReconciliationReport, error) {
	return ledger.ReconciliationReport{}, fmt.Errorf("reconciliation reports are read outside WithTx")
}

func (ts *txStore) MarkApplied(ctx context.Context, key string) error {
	return markApplied(ctx, ts.tx, key)
}

func (ts *txStore) WasApplied(ctx context.Context, key string) (bool, error) {
	return wasApplied(ctx, ts.tx, key)
}

// =============================================================================
// HELPERS
// =============================================================================

func mustMoney(s string) ledger.Money {
	m, err := ledger.MoneyFromString(s)
	if err != nil {
		return ledger.ZeroMoney()
	}
	return m
}

// parseTime decodes an RFC3339 column value. A row holding a malformed
// timestamp is corrupt and must fail the scan, not decay to the zero time.
func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed %s timestamp %q: %w", column, value, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func voidColumns(v *ledger.VoidInfo) (at, by, reason sql.NullString) {
	if v == nil {
		return
	}
	at = sql.NullString{String: v.At.UTC().Format(time.RFC3339), Valid: true}
	by = sql.NullString{String: v.By, Valid: true}
	reason = sql.NullString{String: v.Reason, Valid: true}
	return
}

func scanVoidInfo(at, by, reason sql.NullString) (*ledger.VoidInfo, error) {
	if !at.Valid {
		return nil, nil
	}
	t, err := parseTime("voided_at", at.String)
	if err != nil {
		return nil, err
	}
	return &ledger.VoidInfo{At: t, By: by.String, Reason: reason.String}, nil
}
