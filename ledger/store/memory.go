// Package store provides in-memory Store implementations (tests/dev).
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/payment-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every entity in a map plus an insertion-order slice per
// kind so List results are deterministic across runs.
type Memory struct {
	mu sync.RWMutex

	advances     map[ledger.AdvanceID]ledger.Advance
	advanceIDs   []ledger.AdvanceID
	deductions   map[ledger.DeductionID]ledger.Deduction
	deductionIDs []ledger.DeductionID
	cheques      map[ledger.ChequeID]ledger.Cheque
	chequeIDs    []ledger.ChequeID
	batches      map[ledger.BatchID]ledger.PaymentBatch
	items        map[ledger.ItemID]ledger.DistributionItem
	itemIDs      []ledger.ItemID
	reports      map[ledger.DistributionID]ledger.ReconciliationReport
	applied      map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		advances:   make(map[ledger.AdvanceID]ledger.Advance),
		deductions: make(map[ledger.DeductionID]ledger.Deduction),
		cheques:    make(map[ledger.ChequeID]ledger.Cheque),
		batches:    make(map[ledger.BatchID]ledger.PaymentBatch),
		items:      make(map[ledger.ItemID]ledger.DistributionItem),
		reports:    make(map[ledger.DistributionID]ledger.ReconciliationReport),
		applied:    make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Advances

func (m *Memory) GetAdvance(_ context.Context, id ledger.AdvanceID) (ledger.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.advances[id]
	if !ok {
		return ledger.Advance{}, fmt.Errorf("%w: %s", ledger.ErrAdvanceNotFound, id)
	}
	return a, nil
}

func (m *Memory) PutAdvance(_ context.Context, a ledger.Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.advances[a.ID]; !ok {
		m.advanceIDs = append(m.advanceIDs, a.ID)
	}
	m.advances[a.ID] = a
	return nil
}

func (m *Memory) ListAdvancesByGrower(_ context.Context, growerID ledger.GrowerID) ([]ledger.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Advance
	for _, id := range m.advanceIDs {
		if a := m.advances[id]; a.GrowerID == growerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ListAdvances(_ context.Context) ([]ledger.Advance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Advance, 0, len(m.advanceIDs))
	for _, id := range m.advanceIDs {
		out = append(out, m.advances[id])
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Deductions

func (m *Memory) GetDeduction(_ context.Context, id ledger.DeductionID) (ledger.Deduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deductions[id]
	if !ok {
		return ledger.Deduction{}, fmt.Errorf("%w: %s", ledger.ErrDeductionNotFound, id)
	}
	return d, nil
}

func (m *Memory) PutDeduction(_ context.Context, d ledger.Deduction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deductions[d.ID]; !ok {
		m.deductionIDs = append(m.deductionIDs, d.ID)
	}
	m.deductions[d.ID] = d
	return nil
}

func (m *Memory) ListDeductionsByAdvance(_ context.Context, advanceID ledger.AdvanceID) ([]ledger.Deduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Deduction
	for _, id := range m.deductionIDs {
		if d := m.deductions[id]; d.AdvanceID == advanceID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) ListDeductionsByCheque(_ context.Context, chequeID ledger.ChequeID) ([]ledger.Deduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Deduction
	for _, id := range m.deductionIDs {
		if d := m.deductions[id]; d.ChequeID == chequeID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) ListDeductions(_ context.Context) ([]ledger.Deduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Deduction, 0, len(m.deductionIDs))
	for _, id := range m.deductionIDs {
		out = append(out, m.deductions[id])
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Cheques

func (m *Memory) GetCheque(_ context.Context, id ledger.ChequeID) (ledger.Cheque, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cheques[id]
	if !ok {
		return ledger.Cheque{}, fmt.Errorf("%w: %s", ledger.ErrChequeNotFound, id)
	}
	return c, nil
}

func (m *Memory) PutCheque(_ context.Context, c ledger.Cheque) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cheques[c.ID]; !ok {
		m.chequeIDs = append(m.chequeIDs, c.ID)
	}
	m.cheques[c.ID] = c
	return nil
}

func (m *Memory) ListChequesByBatch(_ context.Context, batchID ledger.BatchID) ([]ledger.Cheque, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Cheque
	for _, id := range m.chequeIDs {
		if c := m.cheques[id]; c.BatchID == batchID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListChequesByDistribution(_ context.Context, distributionID ledger.DistributionID) ([]ledger.Cheque, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Cheque
	for _, id := range m.chequeIDs {
		if c := m.cheques[id]; c.DistributionID == distributionID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Batches

func (m *Memory) GetBatch(_ context.Context, id ledger.BatchID) (ledger.PaymentBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return ledger.PaymentBatch{}, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, id)
	}
	return b, nil
}

func (m *Memory) PutBatch(_ context.Context, b ledger.PaymentBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

// ---------------------------------------------------------------------------
// Distribution items and reports

func (m *Memory) PutDistributionItem(_ context.Context, item ledger.DistributionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		m.itemIDs = append(m.itemIDs, item.ID)
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) ListDistributionItems(_ context.Context, distributionID ledger.DistributionID) ([]ledger.DistributionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.DistributionItem
	for _, id := range m.itemIDs {
		if it := m.items[id]; it.DistributionID == distributionID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *Memory) PutReconciliationReport(_ context.Context, report ledger.ReconciliationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.DistributionID] = report
	return nil
}

func (m *Memory) GetReconciliationReport(_ context.Context, distributionID ledger.DistributionID) (ledger.ReconciliationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[distributionID]
	if !ok {
		return ledger.ReconciliationReport{}, fmt.Errorf("no report for distribution %s", distributionID)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Idempotency markers

func (m *Memory) MarkApplied(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied[key] = true
	return nil
}

func (m *Memory) WasApplied(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied[key], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
	txMu sync.Mutex
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a full snapshot, restored on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.txMu.Lock()
	defer tm.txMu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(tm.Memory); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	advances     map[ledger.AdvanceID]ledger.Advance
	advanceIDs   []ledger.AdvanceID
	deductions   map[ledger.DeductionID]ledger.Deduction
	deductionIDs []ledger.DeductionID
	cheques      map[ledger.ChequeID]ledger.Cheque
	chequeIDs    []ledger.ChequeID
	batches      map[ledger.BatchID]ledger.PaymentBatch
	items        map[ledger.ItemID]ledger.DistributionItem
	itemIDs      []ledger.ItemID
	reports      map[ledger.DistributionID]ledger.ReconciliationReport
	applied      map[string]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s := memorySnapshot{
		advances:     make(map[ledger.AdvanceID]ledger.Advance, len(tm.advances)),
		advanceIDs:   append([]ledger.AdvanceID{}, tm.advanceIDs...),
		deductions:   make(map[ledger.DeductionID]ledger.Deduction, len(tm.deductions)),
		deductionIDs: append([]ledger.DeductionID{}, tm.deductionIDs...),
		cheques:      make(map[ledger.ChequeID]ledger.Cheque, len(tm.cheques)),
		chequeIDs:    append([]ledger.ChequeID{}, tm.chequeIDs...),
		batches:      make(map[ledger.BatchID]ledger.PaymentBatch, len(tm.batches)),
		items:        make(map[ledger.ItemID]ledger.DistributionItem, len(tm.items)),
		itemIDs:      append([]ledger.ItemID{}, tm.itemIDs...),
		reports:      make(map[ledger.DistributionID]ledger.ReconciliationReport, len(tm.reports)),
		applied:      make(map[string]bool, len(tm.applied)),
	}
	for k, v := range tm.advances {
		s.advances[k] = v
	}
	for k, v := range tm.deductions {
		s.deductions[k] = v
	}
	for k, v := range tm.cheques {
		s.cheques[k] = v
	}
	for k, v := range tm.batches {
		s.batches[k] = v
	}
	for k, v := range tm.items {
		s.items[k] = v
	}
	for k, v := range tm.reports {
		s.reports[k] = v
	}
	for k, v := range tm.applied {
		s.applied[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.advances = s.advances
	tm.advanceIDs = s.advanceIDs
	tm.deductions = s.deductions
	tm.deductionIDs = s.deductionIDs
	tm.cheques = s.cheques
	tm.chequeIDs = s.chequeIDs
	tm.batches = s.batches
	tm.items = s.items
	tm.itemIDs = s.itemIDs
	tm.reports = s.reports
	tm.applied = s.applied
}
