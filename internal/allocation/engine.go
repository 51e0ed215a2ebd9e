package allocation

import (
	"strings"

	"receipt-intake/internal/matching"
	"receipt-intake/internal/models"
)

const (
	// Allocation confidence per decision step
	ManualConfidence    = 1.00
	MerchantConfidence  = 0.95
	NameMatchConfidence = 0.95
	KeywordConfidence   = 0.90
	CategoryConfidence  = 0.80

	// Applied when the only active business entity receives the item.
	SingleEntityFactor = 0.95

	// Items allocated below this are left for review.
	MinAutoConfidence = 0.60
)

// Allocation sources, recorded on the item for review screens.
const (
	SourceManual       = "manual"
	SourceCategory     = "category"
	SourceMerchant     = "merchant"
	SourceKeyword      = "keyword"
	SourceAI           = "ai"
	SourceBatchDefault = "batch_default"
)

var entitySuffixes = map[string]bool{
	"llc": true, "pllc": true, "inc": true, "corp": true, "co": true,
	"ltd": true, "lp": true, "llp": true, "company": true,
}

// Allocation is the engine's decision for one item
type Allocation struct {
	EntityID   string
	Confidence float64
	Source     string
}

// Engine is the rule-based per-item classifier. It never picks among several
// business entities without a name signal; ambiguity yields a nil Allocation.
type Engine struct {
	rules compiled
}

// NewEngine compiles the rule book. A nil rule book selects the defaults.
func NewEngine(rb *RuleBook) *Engine {
	if rb == nil {
		rb = DefaultRuleBook()
	}
	return &Engine{rules: compile(rb)}
}

// AllocateItem decides which entity should own the item, or returns nil when the item is
// ambiguous and needs review.
func (e *Engine) AllocateItem(item *models.ReceiptItem, receipt *models.Receipt, entities []models.Entity) *Allocation {
	if item.IsBusiness != nil && !*item.IsBusiness {
		return &Allocation{EntityID: models.PersonalEntityID, Confidence: ManualConfidence, Source: SourceManual}
	}

	var (
		decided    bool
		isBusiness bool
		confidence float64
		source     string
	)

	if item.IsBusiness != nil && *item.IsBusiness {
		decided, isBusiness, confidence, source = true, true, ManualConfidence, SourceManual
	} else {
		if cat := strings.ToLower(strings.TrimSpace(item.Category)); cat != "" {
			if e.rules.businessCategories[cat] {
				decided, isBusiness, confidence, source = true, true, CategoryConfidence, SourceCategory
			} else if e.rules.personalCategories[cat] {
				decided, isBusiness, confidence, source = true, false, CategoryConfidence, SourceCategory
			}
		}

		if rule, ok := e.matchMerchant(receipt.MerchantName); ok {
			decided, isBusiness, confidence, source = true, rule.isBusiness, MerchantConfidence, SourceMerchant
		}

		if !decided {
			if biz, ok := e.scanKeywords(item.Description); ok {
				decided, isBusiness, confidence, source = true, biz, KeywordConfidence, SourceKeyword
			}
		}
	}

	if !decided {
		return nil
	}
	if !isBusiness {
		return &Allocation{EntityID: models.PersonalEntityID, Confidence: confidence, Source: source}
	}
	return selectEntity(item, entities, confidence, source)
}

func (e *Engine) matchMerchant(name string) (merchantRule, bool) {
	normalized := matching.NormalizeMerchant(name)
	if normalized == "" {
		return merchantRule{}, false
	}
	for _, rule := range e.rules.merchants {
		if strings.Contains(normalized, rule.key) {
			return rule, true
		}
	}
	return merchantRule{}, false
}

// scanKeywords looks for whole-word personal or business signals. When both appear the
// description is ambiguous and nothing is decided.
func (e *Engine) scanKeywords(desc string) (isBusiness bool, ok bool) {
	text := wordText(desc)
	if text == "" {
		return false, false
	}
	personal := containsAny(text, e.rules.personalKeywords)
	business := containsAny(text, e.rules.businessKeywords)
	switch {
	case personal && !business:
		return false, true
	case business && !personal:
		return true, true
	}
	return false, false
}

func selectEntity(item *models.ReceiptItem, entities []models.Entity, confidence float64, source string) *Allocation {
	var candidates []models.Entity
	for _, ent := range entities {
		if ent.Active && ent.IsBusiness() {
			candidates = append(candidates, ent)
		}
	}

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return &Allocation{
			EntityID:   candidates[0].ID,
			Confidence: confidence * SingleEntityFactor,
			Source:     source,
		}
	}

	desc := matching.NormalizeMerchant(item.Description)
	var matched []models.Entity
	for _, ent := range candidates {
		key := entityNameKey(ent.Name)
		if key != "" && strings.Contains(desc, key) {
			matched = append(matched, ent)
		}
	}
	if len(matched) != 1 {
		return nil
	}
	return &Allocation{EntityID: matched[0].ID, Confidence: NameMatchConfidence, Source: source}
}

// entityNameKey drops legal suffixes so "Acme Consulting LLC" matches "acme consulting retainer".
func entityNameKey(name string) string {
	var kept []string
	for _, f := range strings.Fields(wordText(name)) {
		if !entitySuffixes[f] {
			kept = append(kept, f)
		}
	}
	return matching.NormalizeMerchant(strings.Join(kept, ""))
}

// wordText lowercases s and replaces anything that is not a letter or digit with a space.
func wordText(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

func containsAny(text string, phrases []string) bool {
	padded := " " + text + " "
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(padded, " "+wordText(p)+" ") {
			return true
		}
	}
	return false
}
