package models

import "sync"

// State is the caller-owned aggregate the intake engine borrows and mutates in place.
// The ledger slices are guarded by LockLedger; everything else is single-writer per batch run.
type State struct {
	Receipts       []*Receipt
	Entities       []Entity
	Expenses       []BusinessExpense
	Deductions     []DeductionRecord
	IntakeBatches  []*IntakeBatch
	PaymentMethods []PaymentMethod
	Goals          []TaxGoal

	ledgerMu sync.Mutex
}

// LockLedger serializes writers of Expenses and Deductions.
func (s *State) LockLedger() func() {
	s.ledgerMu.Lock()
	return s.ledgerMu.Unlock
}

// FindBatch returns the batch with the given id, or nil.
func (s *State) FindBatch(batchID string) *IntakeBatch {
	for _, b := range s.IntakeBatches {
		if b.ID == batchID {
			return b
		}
	}
	return nil
}

// FindReceipt returns the receipt with the given id, or nil.
func (s *State) FindReceipt(receiptID string) *Receipt {
	for _, r := range s.Receipts {
		if r.ID == receiptID {
			return r
		}
	}
	return nil
}

// FindEntity returns the entity with the given id.
func (s *State) FindEntity(entityID string) (Entity, bool) {
	for _, e := range s.Entities {
		if e.ID == entityID {
			return e, true
		}
	}
	return Entity{}, false
}

// FindPaymentMethod returns the payment method with the given id.
func (s *State) FindPaymentMethod(id string) (PaymentMethod, bool) {
	for _, pm := range s.PaymentMethods {
		if pm.ID == id {
			return pm, true
		}
	}
	return PaymentMethod{}, false
}

// BatchReceipts returns the receipts attached to the batch in state order.
func (s *State) BatchReceipts(batch *IntakeBatch) []*Receipt {
	var out []*Receipt
	for _, r := range s.Receipts {
		if r.BatchID == batch.ID || batch.Contains(r.ID) {
			out = append(out, r)
		}
	}
	return out
}
