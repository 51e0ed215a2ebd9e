package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/models"
)

// LedgerStore persists ledger rows. Implementations must ignore rows whose source id
// already exists. Implemented by repositories.LedgerRepository.
type LedgerStore interface {
	SaveExpenses(ctx context.Context, expenses []models.BusinessExpense) (int64, error)
	SaveDeductions(ctx context.Context, deductions []models.DeductionRecord) (int64, error)
}

type LedgerService struct {
	store  LedgerStore
	audit  AuditRecorder
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewLedgerService returns a synchronizer. store and audit may be nil, in which case rows
// only live in the state.
func NewLedgerService(store LedgerStore, audit AuditRecorder, logger logrus.FieldLogger) *LedgerService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LedgerService{store: store, audit: audit, logger: logger, now: time.Now}
}

// SyncResult holds the rows added by one sync. Skipped counts items whose source id was
// already present.
type SyncResult struct {
	Expenses   []models.BusinessExpense `json:"expenses"`
	Deductions []models.DeductionRecord `json:"deductions"`
	Skipped    int                      `json:"skipped"`
}

// SyncReceiptsToLedger derives ledger rows from every allocated receipt and appends the ones
// not yet present, keyed by receiptId:itemId. Running it twice adds nothing the second time.
// The whole sync runs under the state's ledger lock. Rows reach the state only after the store
// accepted them, so a failed flush leaves the state untouched and the next sync resends them.
func (s *LedgerService) SyncReceiptsToLedger(ctx context.Context, state *models.State) (*SyncResult, error) {
	unlock := state.LockLedger()
	defer unlock()

	result, synced := s.deriveLocked(state)
	if err := s.flush(ctx, result); err != nil {
		return &SyncResult{Expenses: []models.BusinessExpense{}, Deductions: []models.DeductionRecord{}}, err
	}

	state.Expenses = append(state.Expenses, result.Expenses...)
	state.Deductions = append(state.Deductions, result.Deductions...)
	now := s.now()
	for _, receipt := range synced {
		if receipt.SyncedAt == nil {
			syncedAt := now
			receipt.SyncedAt = &syncedAt
		}
	}

	if len(result.Expenses) > 0 || len(result.Deductions) > 0 {
		s.logger.WithFields(logrus.Fields{
			"expenses":   len(result.Expenses),
			"deductions": len(result.Deductions),
			"skipped":    result.Skipped,
		}).Info("ledger synced")
		recordAudit(ctx, s.audit, s.logger, "", "", models.AuditActionLedgerSynced, map[string]interface{}{
			"expenses":   len(result.Expenses),
			"deductions": len(result.Deductions),
			"skipped":    result.Skipped,
		})
	}
	return result, nil
}

func (s *LedgerService) flush(ctx context.Context, result *SyncResult) error {
	if s.store == nil {
		return nil
	}
	if len(result.Expenses) > 0 {
		if _, err := s.store.SaveExpenses(ctx, result.Expenses); err != nil {
			return errors.Wrap(err, "failed to persist expenses")
		}
	}
	if len(result.Deductions) > 0 {
		if _, err := s.store.SaveDeductions(ctx, result.Deductions); err != nil {
			return errors.Wrap(err, "failed to persist deductions")
		}
	}
	return nil
}

// deriveLocked builds the rows missing from the state without touching it, and returns the
// allocated receipts they came from.
func (s *LedgerService) deriveLocked(state *models.State) (*SyncResult, []*models.Receipt) {
	existing := make(map[string]bool, len(state.Expenses)+len(state.Deductions))
	for _, e := range state.Expenses {
		existing[e.SourceID] = true
	}
	for _, d := range state.Deductions {
		existing[d.SourceID] = true
	}

	result := &SyncResult{Expenses: []models.BusinessExpense{}, Deductions: []models.DeductionRecord{}}
	var synced []*models.Receipt
	now := s.now()
	for _, receipt := range state.Receipts {
		if receipt.Status != models.ReceiptAllocated {
			continue
		}
		taxYear := receipt.Date.Year()
		if batch := state.FindBatch(receipt.BatchID); batch != nil && batch.TaxYear != 0 {
			taxYear = batch.TaxYear
		}

		for _, item := range receipt.Items {
			if !item.IsResolved() {
				continue
			}
			sourceID := models.LedgerSourceID(receipt.ID, item.ID)
			category := item.EffectiveCategory()

			if item.AllocatedEntityID == models.PersonalEntityID {
				if !models.IsDeductibleCategory(category) {
					continue
				}
				if existing[sourceID] {
					result.Skipped++
					continue
				}
				result.Deductions = append(result.Deductions, models.DeductionRecord{
					ID:          uuid.New().String(),
					SourceID:    sourceID,
					ReceiptID:   receipt.ID,
					Payee:       receipt.MerchantName,
					Description: item.Description,
					Category:    category,
					Amount:      item.Amount,
					Date:        receipt.Date,
					TaxYear:     taxYear,
					CreatedAt:   now,
				})
			} else {
				if existing[sourceID] {
					result.Skipped++
					continue
				}
				result.Expenses = append(result.Expenses, models.BusinessExpense{
					ID:          uuid.New().String(),
					SourceID:    sourceID,
					EntityID:    item.AllocatedEntityID,
					ReceiptID:   receipt.ID,
					Vendor:      receipt.MerchantName,
					Description: item.Description,
					Category:    category,
					Amount:      item.Amount,
					Date:        receipt.Date,
					TaxYear:     taxYear,
					CreatedAt:   now,
				})
			}
			existing[sourceID] = true
		}
		synced = append(synced, receipt)
	}
	return result, synced
}
