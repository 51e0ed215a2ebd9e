package models

import (
	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ReceiptStatus tracks a receipt through intake
type ReceiptStatus string

const (
	ReceiptScanned     ReceiptStatus = "scanned"
	ReceiptProcessing  ReceiptStatus = "processing"
	ReceiptAllocated   ReceiptStatus = "allocated"
	ReceiptNeedsReview ReceiptStatus = "needs_review"
)

// allocated -> needs_review happens when a later total check finds a mismatch.
var receiptTransitions = map[ReceiptStatus][]ReceiptStatus{
	ReceiptScanned:     {ReceiptProcessing},
	ReceiptProcessing:  {ReceiptAllocated, ReceiptNeedsReview},
	ReceiptNeedsReview: {ReceiptAllocated, ReceiptProcessing},
	ReceiptAllocated:   {ReceiptNeedsReview},
}

// IsPending reports whether a batch run should pick the receipt up.
func (s ReceiptStatus) IsPending() bool {
	return s == ReceiptScanned || s == ReceiptProcessing || s == ""
}

// CanTransition reports whether s -> to is allowed. Staying put is always allowed.
func (s ReceiptStatus) CanTransition(to ReceiptStatus) bool {
	if s == to {
		return true
	}
	if s == "" {
		s = ReceiptScanned
	}
	for _, next := range receiptTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the receipt to the given status or returns ErrInvalidTransition.
func (r *Receipt) Transition(to ReceiptStatus) error {
	if !r.Status.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "receipt %s: %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}

// ItemStatus tracks allocation of a single line item
type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemAllocated   ItemStatus = "allocated"
	ItemNeedsReview ItemStatus = "needs_review"
	ItemManual      ItemStatus = "manual"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:     {ItemAllocated, ItemNeedsReview, ItemManual},
	ItemNeedsReview: {ItemAllocated, ItemManual},
	ItemAllocated:   {ItemManual},
	ItemManual:      {ItemManual},
}

// CanTransition reports whether s -> to is allowed.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	if s == to {
		return true
	}
	if s == "" {
		s = ItemPending
	}
	for _, next := range itemTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the item to the given status or returns ErrInvalidTransition.
func (i *ReceiptItem) Transition(to ItemStatus) error {
	if !i.Status.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "item %s: %s -> %s", i.ID, i.Status, to)
	}
	i.Status = to
	return nil
}

// BatchStatus tracks an intake batch run
type BatchStatus string

const (
	BatchUploading  BatchStatus = "uploading"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchUploading:  {BatchProcessing},
	BatchProcessing: {BatchCompleted},
}

// CanTransition reports whether s -> to is allowed. Completed is terminal.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	if s == to {
		return s != BatchCompleted
	}
	for _, next := range batchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the batch to the given status or returns ErrInvalidTransition.
func (b *IntakeBatch) Transition(to BatchStatus) error {
	if !b.Status.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "batch %s: %s -> %s", b.ID, b.Status, to)
	}
	b.Status = to
	return nil
}
