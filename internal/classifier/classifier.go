package classifier

import (
	"context"

	"receipt-intake/internal/models"
)

// ConfidenceLevel is the coarse confidence reported by the external classifier.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// Valid reports whether the level is one of the known values.
func (c ConfidenceLevel) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// Actionable reports whether the intake engine may apply a result with this confidence.
func (c ConfidenceLevel) Actionable() bool {
	return c == ConfidenceMedium || c == ConfidenceHigh
}

// Score maps the level onto the 0-1 item confidence scale.
func (c ConfidenceLevel) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return 0.90
	case ConfidenceMedium:
		return 0.70
	}
	return 0.30
}

// LineItemAllocation is a per-item suggestion inside a Classification.
type LineItemAllocation struct {
	ItemID   string `json:"item_id"`
	EntityID string `json:"entity_id"`
	Category string `json:"category,omitempty"`
}

// Classification is what the external classifier returns for one receipt.
type Classification struct {
	Confidence          ConfidenceLevel      `json:"confidence"`
	IsBusiness          bool                 `json:"is_business"`
	Category            string               `json:"category"`
	SuggestedEntityID   string               `json:"suggested_entity_id"`
	LineItemAllocations []LineItemAllocation `json:"line_item_allocations"`
	Reasoning           string               `json:"reasoning"`
}

// Classifier is the AI fallback boundary. Implementations may be slow or fail; callers
// bound every call with a timeout.
type Classifier interface {
	Classify(ctx context.Context, receipt *models.Receipt, entities []models.Entity) (*Classification, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, receipt *models.Receipt, entities []models.Entity) (*Classification, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, receipt *models.Receipt, entities []models.Entity) (*Classification, error) {
	return f(ctx, receipt, entities)
}
