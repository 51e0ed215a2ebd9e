package services

import (
	"github.com/pkg/errors"
)

var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrItemNotFound    = errors.New("receipt item not found")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrUnknownAction   = errors.New("unknown resolve action")
	ErrBatchCompleted  = errors.New("batch already completed")
	ErrBatchInProgress = errors.New("batch is already being processed")
	ErrReceiptExists   = errors.New("receipt already exists")
)

// ErrorKind classifies why a receipt did not end up allocated.
type ErrorKind string

const (
	KindDuplicate        ErrorKind = "duplicate"
	KindAmbiguous        ErrorKind = "ambiguous"
	KindProcessingFailed ErrorKind = "processing_failed"
	KindAIUnavailable    ErrorKind = "ai_unavailable"
	KindTotalMismatch    ErrorKind = "total_mismatch"
)

// ItemOutcome is the per-receipt result of a batch run. Kind is empty when the receipt
// was allocated.
type ItemOutcome struct {
	ReceiptID string    `json:"receipt_id"`
	Status    string    `json:"status"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	ItemIDs   []string  `json:"unresolved_item_ids,omitempty"`
}

// counted reports whether the kind is a batch error in the first pass. Ambiguous and
// mismatched receipts still count as processed until the final statuses are known.
func (k ErrorKind) counted() bool {
	return k == KindDuplicate || k == KindProcessingFailed
}

// OK reports whether the receipt came out of the run without an error kind.
func (o ItemOutcome) OK() bool {
	return o.Kind == ""
}
