package services

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"receipt-intake/internal/allocation"
	"receipt-intake/internal/matching"
	"receipt-intake/internal/models"
)

// AuditRecorder persists intake decisions. Implemented by repositories.AuditRepository.
type AuditRecorder interface {
	CreateAuditEntry(ctx context.Context, audit *models.IntakeAudit) error
}

func recordAudit(ctx context.Context, rec AuditRecorder, logger logrus.FieldLogger, batchID, receiptID, action string, details map[string]interface{}) {
	if rec == nil {
		return
	}
	payload, _ := json.Marshal(details)
	audit := &models.IntakeAudit{
		BatchID:   batchID,
		ReceiptID: receiptID,
		Action:    action,
		Details:   payload,
		UserID:    "system",
	}
	if err := rec.CreateAuditEntry(ctx, audit); err != nil {
		logger.WithFields(logrus.Fields{
			"batch_id":   batchID,
			"receipt_id": receiptID,
			"action":     action,
		}).WithError(err).Warn("failed to record audit entry")
	}
}

// allocateItem runs the heuristic engine for one unresolved item. It returns false when the
// item was left for review.
func allocateItem(engine *allocation.Engine, item *models.ReceiptItem, receipt *models.Receipt, entities []models.Entity) (bool, error) {
	alloc := engine.AllocateItem(item, receipt, entities)
	if alloc == nil || alloc.Confidence < allocation.MinAutoConfidence {
		if err := item.Transition(models.ItemNeedsReview); err != nil {
			return false, err
		}
		item.AllocatedEntityID = ""
		item.ConfidenceScore = 0
		item.AllocationSource = ""
		return false, nil
	}
	if err := item.Transition(models.ItemAllocated); err != nil {
		return false, err
	}
	item.AllocatedEntityID = alloc.EntityID
	item.ConfidenceScore = alloc.Confidence
	item.AllocationSource = alloc.Source
	return true, nil
}

// readyForAllocation is the gate every path to ReceiptAllocated goes through.
func readyForAllocation(r *models.Receipt) bool {
	return !r.IsDuplicate() && r.AllItemsResolved() && matching.WithinTolerance(r.ItemSum(), r.TotalAmount)
}

func unresolvedItemIDs(r *models.Receipt) []string {
	var ids []string
	for _, item := range r.Items {
		if !item.IsResolved() {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// validTarget reports whether items may be allocated to entityID.
func validTarget(state *models.State, entityID string) bool {
	if entityID == models.PersonalEntityID {
		return true
	}
	e, ok := state.FindEntity(entityID)
	return ok && e.Active
}
