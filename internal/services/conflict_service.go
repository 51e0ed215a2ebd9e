package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/allocation"
	"receipt-intake/internal/matching"
	"receipt-intake/internal/models"
)

// RoutedConfidence is recorded on items assigned through the batch default entity.
const RoutedConfidence = 0.75

type ConflictService struct {
	engine *allocation.Engine
	audit  AuditRecorder
	logger logrus.FieldLogger
}

func NewConflictService(engine *allocation.Engine, audit AuditRecorder, logger logrus.FieldLogger) *ConflictService {
	if engine == nil {
		engine = allocation.NewEngine(nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConflictService{engine: engine, audit: audit, logger: logger}
}

// AutoRouteBatch checks every processed receipt of the batch after allocation. It reports
// total mismatches (forcing review), duplicates and unallocated items, assigns unresolved
// items to the batch default entity when one is configured, and promotes receipts that
// became clean. Receipts not yet processed are skipped.
func (s *ConflictService) AutoRouteBatch(ctx context.Context, state *models.State, batchID string) ([]models.Conflict, error) {
	batch := state.FindBatch(batchID)
	if batch == nil {
		return nil, errors.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	logger := s.logger.WithField("batch_id", batch.ID)

	routeTo := ""
	if batch.DefaultEntityID != "" {
		if validTarget(state, batch.DefaultEntityID) {
			routeTo = batch.DefaultEntityID
		} else {
			logger.WithField("entity_id", batch.DefaultEntityID).Warn("batch default entity is unknown or inactive, not routing")
		}
	}

	conflicts := []models.Conflict{}
	routed := 0
	for _, receipt := range state.BatchReceipts(batch) {
		if receipt.Status.IsPending() {
			continue
		}

		sum := receipt.ItemSum()
		mismatch := !matching.WithinTolerance(sum, receipt.TotalAmount)
		if mismatch {
			conflicts = append(conflicts, models.Conflict{
				ID:        uuid.New().String(),
				Type:      models.ConflictTotalMismatch,
				Severity:  models.SeverityError,
				BatchID:   batch.ID,
				ReceiptID: receipt.ID,
				Expected:  receipt.TotalAmount,
				Actual:    sum,
				Message: fmt.Sprintf("items sum to %s but receipt total is %s",
					sum.StringFixed(2), receipt.TotalAmount.StringFixed(2)),
			})
			if err := receipt.Transition(models.ReceiptNeedsReview); err != nil {
				return nil, err
			}
		}

		if receipt.IsDuplicate() {
			conflicts = append(conflicts, models.Conflict{
				ID:        uuid.New().String(),
				Type:      models.ConflictDuplicateReceipt,
				Severity:  models.SeverityWarning,
				BatchID:   batch.ID,
				ReceiptID: receipt.ID,
				Message:   fmt.Sprintf("possible duplicate of receipt %s", receipt.DuplicateOf),
			})
		}

		for _, item := range receipt.Items {
			if item.IsResolved() {
				continue
			}
			if routeTo != "" && item.Status.CanTransition(models.ItemAllocated) {
				if err := item.Transition(models.ItemAllocated); err != nil {
					return nil, err
				}
				item.AllocatedEntityID = routeTo
				item.ConfidenceScore = RoutedConfidence
				item.AllocationSource = allocation.SourceBatchDefault
				routed++
				continue
			}
			conflicts = append(conflicts, models.Conflict{
				ID:        uuid.New().String(),
				Type:      models.ConflictUnallocatedItem,
				Severity:  models.SeverityWarning,
				BatchID:   batch.ID,
				ReceiptID: receipt.ID,
				ItemID:    item.ID,
				Actual:    item.Amount,
				Message:   fmt.Sprintf("item %q has no entity", item.Description),
			})
		}

		if !mismatch && receipt.Status != models.ReceiptAllocated && readyForAllocation(receipt) {
			if err := receipt.Transition(models.ReceiptAllocated); err != nil {
				return nil, err
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"conflicts": len(conflicts),
		"routed":    routed,
	}).Info("auto-routed batch")
	return conflicts, nil
}

// ResolveConflict applies a caller decision to a receipt under review. keep_duplicate clears
// the dedup flag and allocates the receipt's items; recalculate_total rewrites the header
// total to the item sum. Either promotes the receipt only when it is then fully resolved.
func (s *ConflictService) ResolveConflict(ctx context.Context, state *models.State, receiptID string, action models.ResolveAction) error {
	if !action.Valid() {
		return errors.Wrapf(ErrUnknownAction, "%q", action)
	}
	receipt := state.FindReceipt(receiptID)
	if receipt == nil {
		return errors.Wrapf(ErrReceiptNotFound, "receipt %s", receiptID)
	}
	if receipt.Status.IsPending() {
		return errors.Wrapf(models.ErrInvalidTransition, "receipt %s has not been processed", receiptID)
	}

	details := map[string]interface{}{"action": action}
	switch action {
	case models.ActionKeepDuplicate:
		details["duplicate_of"] = receipt.DuplicateOf
		receipt.DuplicateOf = ""
		for _, item := range receipt.Items {
			if item.IsResolved() {
				continue
			}
			if _, err := allocateItem(s.engine, item, receipt, state.Entities); err != nil {
				return err
			}
		}
	case models.ActionRecalculateTotal:
		details["old_total"] = receipt.TotalAmount.StringFixed(2)
		receipt.TotalAmount = receipt.ItemSum()
		details["new_total"] = receipt.TotalAmount.StringFixed(2)
	case models.ActionIgnore:
	}

	if action != models.ActionIgnore {
		if err := s.promoteOrReview(receipt); err != nil {
			return err
		}
	}
	details["status"] = receipt.Status

	s.logger.WithFields(logrus.Fields{
		"receipt_id": receipt.ID,
		"action":     action,
		"status":     receipt.Status,
	}).Info("conflict resolved")
	recordAudit(ctx, s.audit, s.logger, receipt.BatchID, receipt.ID, models.AuditActionResolved, details)
	return nil
}

// OverrideItem records a manual allocation for one item. The receipt is promoted once every
// item is resolved.
func (s *ConflictService) OverrideItem(ctx context.Context, state *models.State, receiptID, itemID, entityID string) error {
	receipt := state.FindReceipt(receiptID)
	if receipt == nil {
		return errors.Wrapf(ErrReceiptNotFound, "receipt %s", receiptID)
	}
	item := receipt.FindItem(itemID)
	if item == nil {
		return errors.Wrapf(ErrItemNotFound, "item %s on receipt %s", itemID, receiptID)
	}
	if !validTarget(state, entityID) {
		return errors.Wrapf(ErrEntityNotFound, "entity %s", entityID)
	}
	if receipt.SyncedAt != nil {
		return errors.Wrapf(models.ErrInvalidTransition, "receipt %s is already in the ledger", receiptID)
	}

	previous := item.AllocatedEntityID
	if err := item.Transition(models.ItemManual); err != nil {
		return err
	}
	item.AllocatedEntityID = entityID
	item.ConfidenceScore = allocation.ManualConfidence
	item.AllocationSource = allocation.SourceManual

	if !receipt.Status.IsPending() {
		if err := s.promoteOrReview(receipt); err != nil {
			return err
		}
	}

	recordAudit(ctx, s.audit, s.logger, receipt.BatchID, receipt.ID, models.AuditActionOverride, map[string]interface{}{
		"item_id":         item.ID,
		"entity_id":       entityID,
		"previous_entity": previous,
	})
	return nil
}

func (s *ConflictService) promoteOrReview(receipt *models.Receipt) error {
	if readyForAllocation(receipt) {
		return receipt.Transition(models.ReceiptAllocated)
	}
	return receipt.Transition(models.ReceiptNeedsReview)
}
