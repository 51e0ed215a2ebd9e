package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PersonalEntityID is the allocation target for items that belong to no business entity.
const PersonalEntityID = "personal"

// EntityType classifies the legal structure behind an Entity
type EntityType string

const (
	EntityPersonal    EntityType = "personal"
	EntitySoleProp    EntityType = "sole_prop"
	EntityLLC         EntityType = "llc"
	EntitySCorp       EntityType = "s_corp"
	EntityCCorp       EntityType = "c_corp"
	EntityPartnership EntityType = "partnership"
	EntityNonProfit   EntityType = "non_profit"
)

// Entity is a legal/business structure that owns income and expenses.
// It is read-only to the intake engine.
type Entity struct {
	ID     string     `json:"id" yaml:"id" validate:"required"`
	Name   string     `json:"name" yaml:"name" validate:"required"`
	Type   EntityType `json:"type" yaml:"type"`
	Active bool       `json:"active" yaml:"active"`
}

// IsBusiness reports whether the entity can receive business allocations.
func (e Entity) IsBusiness() bool {
	return e.Type != EntityPersonal && e.ID != PersonalEntityID
}

// ReceiptItem is a single line of a scanned receipt
type ReceiptItem struct {
	ID                string          `json:"id" yaml:"id"`
	Description       string          `json:"description" yaml:"description"`
	Amount            decimal.Decimal `json:"amount" yaml:"amount"`
	Category          string          `json:"category,omitempty" yaml:"category"`
	IsBusiness        *bool           `json:"is_business,omitempty" yaml:"is_business"`
	AllocatedEntityID string          `json:"allocated_entity_id,omitempty" yaml:"allocated_entity_id"`
	InferredCategory  string          `json:"inferred_category,omitempty" yaml:"inferred_category"`
	ConfidenceScore   float64         `json:"confidence_score" yaml:"confidence_score"`
	Status            ItemStatus      `json:"status" yaml:"status"`
	AllocationSource  string          `json:"allocation_source,omitempty" yaml:"allocation_source"`
}

// IsResolved reports whether the item has a usable allocation.
func (i *ReceiptItem) IsResolved() bool {
	return i.AllocatedEntityID != "" && (i.Status == ItemAllocated || i.Status == ItemManual)
}

// EffectiveCategory prefers the user-supplied category over the inferred one.
func (i *ReceiptItem) EffectiveCategory() string {
	if i.Category != "" {
		return i.Category
	}
	return i.InferredCategory
}

// Receipt represents a scanned receipt or document produced by upstream OCR
type Receipt struct {
	ID              string          `json:"id" yaml:"id" validate:"required"`
	MerchantName    string          `json:"merchant_name" yaml:"merchant_name"`
	Date            time.Time       `json:"date" yaml:"date"`
	TotalAmount     decimal.Decimal `json:"total_amount" yaml:"total_amount"`
	Items           []*ReceiptItem  `json:"items" yaml:"items"`
	Status          ReceiptStatus   `json:"status" yaml:"status"`
	BatchID         string          `json:"batch_id,omitempty" yaml:"batch_id"`
	PaymentMethodID string          `json:"payment_method_id,omitempty" yaml:"payment_method_id"`
	Recurring       bool            `json:"recurring" yaml:"recurring"`
	DuplicateOf     string          `json:"duplicate_of,omitempty" yaml:"duplicate_of"`
	SyncedAt        *time.Time      `json:"synced_at,omitempty" yaml:"synced_at"`
}

// Clone returns a deep copy that shares nothing mutable with r.
func (r *Receipt) Clone() *Receipt {
	c := *r
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		c.SyncedAt = &t
	}
	c.Items = make([]*ReceiptItem, len(r.Items))
	for i, item := range r.Items {
		it := *item
		if item.IsBusiness != nil {
			b := *item.IsBusiness
			it.IsBusiness = &b
		}
		c.Items[i] = &it
	}
	return &c
}

// ItemSum adds up every line item amount.
func (r *Receipt) ItemSum() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range r.Items {
		sum = sum.Add(item.Amount)
	}
	return sum
}

// FindItem returns the item with the given id, or nil.
func (r *Receipt) FindItem(itemID string) *ReceiptItem {
	for _, item := range r.Items {
		if item.ID == itemID {
			return item
		}
	}
	return nil
}

// AllItemsResolved is true when every item carries a confident or manual allocation.
// A receipt without items is vacuously resolved; the total check catches it.
func (r *Receipt) AllItemsResolved() bool {
	for _, item := range r.Items {
		if !item.IsResolved() {
			return false
		}
	}
	return true
}

// IsDuplicate reports whether dedup flagged this receipt.
func (r *Receipt) IsDuplicate() bool {
	return r.DuplicateOf != ""
}

// IntakeBatch groups receipts uploaded together
type IntakeBatch struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Status          BatchStatus `json:"status"`
	TotalCount      int         `json:"total_count"`
	SuccessCount    int         `json:"success_count"`
	ErrorCount      int         `json:"error_count"`
	ReceiptIDs      []string    `json:"receipt_ids"`
	DocumentIDs     []string    `json:"document_ids"`
	Progress        int         `json:"progress"`
	DefaultEntityID string      `json:"default_entity_id,omitempty"`
	TaxYear         int         `json:"tax_year"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// SetProgress only moves progress forward within a run.
func (b *IntakeBatch) SetProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > b.Progress {
		b.Progress = percent
	}
}

// Contains reports whether the receipt (or document) id is attached to the batch.
func (b *IntakeBatch) Contains(id string) bool {
	for _, rid := range b.ReceiptIDs {
		if rid == id {
			return true
		}
	}
	for _, did := range b.DocumentIDs {
		if did == id {
			return true
		}
	}
	return false
}

// BusinessExpense is a ledger row for a business-allocated receipt item
type BusinessExpense struct {
	ID          string          `json:"id" db:"id"`
	SourceID    string          `json:"source_id" db:"source_id"`
	EntityID    string          `json:"entity_id" db:"entity_id"`
	ReceiptID   string          `json:"receipt_id" db:"receipt_id"`
	Vendor      string          `json:"vendor" db:"vendor"`
	Description string          `json:"description" db:"description"`
	Category    string          `json:"category" db:"category"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Date        time.Time       `json:"date" db:"expense_date"`
	TaxYear     int             `json:"tax_year" db:"tax_year"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// DeductionRecord is a ledger row for a personal item that qualifies as an itemized deduction
type DeductionRecord struct {
	ID          string          `json:"id" db:"id"`
	SourceID    string          `json:"source_id" db:"source_id"`
	ReceiptID   string          `json:"receipt_id" db:"receipt_id"`
	Payee       string          `json:"payee" db:"payee"`
	Description string          `json:"description" db:"description"`
	Category    string          `json:"category" db:"category"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Date        time.Time       `json:"date" db:"deduction_date"`
	TaxYear     int             `json:"tax_year" db:"tax_year"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Personal categories that qualify as itemized deductions.
var deductibleCategories = map[string]bool{
	"medical": true,
	"charity": true,
}

// IsDeductibleCategory reports whether a personal item in this category becomes a deduction.
func IsDeductibleCategory(category string) bool {
	return deductibleCategories[strings.ToLower(strings.TrimSpace(category))]
}

// LedgerSourceID is the idempotency key for ledger rows derived from a receipt item.
func LedgerSourceID(receiptID, itemID string) string {
	return fmt.Sprintf("%s:%s", receiptID, itemID)
}

// PaymentMethod is a card or account receipts are paid with
type PaymentMethod struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	EntityID string `json:"entity_id" yaml:"entity_id"`
}

// IsPersonal reports whether the method belongs to the personal scope.
func (p PaymentMethod) IsPersonal() bool {
	return p.EntityID == "" || p.EntityID == PersonalEntityID
}

// GoalType constants
const (
	GoalReduceTaxableIncome = "reduce_taxable_income"
	GoalMaximizeDeductions  = "maximize_deductions"
	GoalBusinessInvestment  = "business_investment"
)

// TaxGoal is a tax-reduction target the user tracks for a year
type TaxGoal struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Type         string          `json:"type" yaml:"type"`
	TargetAmount decimal.Decimal `json:"target_amount" yaml:"target_amount"`
	TaxYear      int             `json:"tax_year" yaml:"tax_year"`
	EntityID     string          `json:"entity_id,omitempty" yaml:"entity_id"`
	Active       bool            `json:"active" yaml:"active"`
}

// ConflictType constants
const (
	ConflictTotalMismatch    = "total_mismatch"
	ConflictDuplicateReceipt = "duplicate_receipt"
	ConflictUnallocatedItem  = "unallocated_item"
)

// Severity constants
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Conflict is a blocker found after allocation that needs resolution
type Conflict struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	BatchID   string          `json:"batch_id"`
	ReceiptID string          `json:"receipt_id"`
	ItemID    string          `json:"item_id,omitempty"`
	Expected  decimal.Decimal `json:"expected,omitempty"`
	Actual    decimal.Decimal `json:"actual,omitempty"`
	Message   string          `json:"message"`
}

// ResolveAction is what the caller wants done about a conflicted receipt
type ResolveAction string

const (
	ActionKeepDuplicate    ResolveAction = "keep_duplicate"
	ActionRecalculateTotal ResolveAction = "recalculate_total"
	ActionIgnore           ResolveAction = "ignore"
)

// Valid reports whether the action is one of the known resolve actions.
func (a ResolveAction) Valid() bool {
	switch a {
	case ActionKeepDuplicate, ActionRecalculateTotal, ActionIgnore:
		return true
	}
	return false
}

// IntakeAudit represents an audit trail entry for intake decisions
type IntakeAudit struct {
	ID        int64     `db:"id" json:"id"`
	BatchID   string    `db:"batch_id" json:"batch_id"`
	ReceiptID string    `db:"receipt_id" json:"receipt_id"`
	Action    string    `db:"action" json:"action"`
	Details   []byte    `db:"details" json:"details"`
	UserID    string    `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"-"`
}

// AuditAction constants
const (
	AuditActionBatchCompleted = "batch_completed"
	AuditActionResolved       = "resolved"
	AuditActionOverride       = "override"
	AuditActionLedgerSynced   = "ledger_synced"
)
