package allocation

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"receipt-intake/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var (
	oneBiz = []models.Entity{
		{ID: models.PersonalEntityID, Name: "Personal", Type: models.EntityPersonal, Active: true},
		{ID: "biz-1", Name: "Acme Consulting LLC", Type: models.EntityLLC, Active: true},
	}
	twoBiz = append(append([]models.Entity{}, oneBiz...),
		models.Entity{ID: "biz-2", Name: "Northwind Studio Inc", Type: models.EntitySCorp, Active: true})
)

func TestAllocateItem(t *testing.T) {
	engine := NewEngine(nil)

	cases := []struct {
		name       string
		item       models.ReceiptItem
		merchant   string
		entities   []models.Entity
		entityID   string
		confidence float64
		source     string
	}{
		{
			name:       "manualPersonalOverride",
			item:       models.ReceiptItem{Description: "client dinner", IsBusiness: boolPtr(false), Category: "software"},
			merchant:   "AWS",
			entities:   twoBiz,
			entityID:   models.PersonalEntityID,
			confidence: ManualConfidence,
			source:     SourceManual,
		},
		{
			name:       "businessCategorySingleEntity",
			item:       models.ReceiptItem{Description: "widgets", Category: "Office Supplies"},
			merchant:   "Corner Store",
			entities:   oneBiz,
			entityID:   "biz-1",
			confidence: CategoryConfidence * SingleEntityFactor,
			source:     SourceCategory,
		},
		{
			name:       "personalCategory",
			item:       models.ReceiptItem{Description: "bandages", Category: "medical"},
			merchant:   "Corner Store",
			entities:   twoBiz,
			entityID:   models.PersonalEntityID,
			confidence: CategoryConfidence,
			source:     SourceCategory,
		},
		{
			name:       "merchantOverridesCategory",
			item:       models.ReceiptItem{Description: "compute", Category: "groceries"},
			merchant:   "AWS",
			entities:   oneBiz,
			entityID:   "biz-1",
			confidence: MerchantConfidence * SingleEntityFactor,
			source:     SourceMerchant,
		},
		{
			name:       "personalMerchant",
			item:       models.ReceiptItem{Description: "monthly plan"},
			merchant:   "NETFLIX.COM",
			entities:   twoBiz,
			entityID:   models.PersonalEntityID,
			confidence: MerchantConfidence,
			source:     SourceMerchant,
		},
		{
			name:       "personalKeyword",
			item:       models.ReceiptItem{Description: "Birthday cake"},
			merchant:   "Local Bakery",
			entities:   twoBiz,
			entityID:   models.PersonalEntityID,
			confidence: KeywordConfidence,
			source:     SourceKeyword,
		},
		{
			name:       "nameMatchAmongSeveral",
			item:       models.ReceiptItem{Description: "Northwind Studio printer paper"},
			merchant:   "Corner Store",
			entities:   twoBiz,
			entityID:   "biz-2",
			confidence: NameMatchConfidence,
			source:     SourceKeyword,
		},
		{
			name:       "explicitBusinessFlag",
			item:       models.ReceiptItem{Description: "thing", IsBusiness: boolPtr(true)},
			merchant:   "Corner Store",
			entities:   oneBiz,
			entityID:   "biz-1",
			confidence: ManualConfidence * SingleEntityFactor,
			source:     SourceManual,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := tc.item
			receipt := &models.Receipt{ID: "r1", MerchantName: tc.merchant}
			got := engine.AllocateItem(&item, receipt, tc.entities)
			if got == nil {
				t.Fatalf("expected allocation to %s, got nil", tc.entityID)
			}
			if got.EntityID != tc.entityID {
				t.Fatalf("expected entity %s, got %s", tc.entityID, got.EntityID)
			}
			if !approx(got.Confidence, tc.confidence) {
				t.Fatalf("expected confidence %.4f, got %.4f", tc.confidence, got.Confidence)
			}
			if got.Source != tc.source {
				t.Fatalf("expected source %s, got %s", tc.source, got.Source)
			}
		})
	}
}

func TestAmbiguityNeverAutoResolves(t *testing.T) {
	engine := NewEngine(nil)
	receipt := &models.Receipt{ID: "r1", MerchantName: "AWS"}

	t.Run("twoEntitiesNoNameSignal", func(t *testing.T) {
		item := &models.ReceiptItem{Description: "EC2 compute", IsBusiness: boolPtr(true)}
		if got := engine.AllocateItem(item, receipt, twoBiz); got != nil {
			t.Fatalf("expected nil for ambiguous entity choice, got %+v", got)
		}
	})

	t.Run("nameMatchesBoth", func(t *testing.T) {
		item := &models.ReceiptItem{Description: "Acme Consulting and Northwind Studio shared hosting"}
		if got := engine.AllocateItem(item, receipt, twoBiz); got != nil {
			t.Fatalf("expected nil when several entity names match, got %+v", got)
		}
	})

	t.Run("inactiveEntitiesIgnored", func(t *testing.T) {
		entities := append([]models.Entity{}, twoBiz...)
		entities[2].Active = false
		item := &models.ReceiptItem{Description: "EC2 compute"}
		got := engine.AllocateItem(item, receipt, entities)
		if got == nil || got.EntityID != "biz-1" {
			t.Fatalf("expected the single active entity, got %+v", got)
		}
	})

	t.Run("noBusinessEntity", func(t *testing.T) {
		item := &models.ReceiptItem{Description: "EC2 compute"}
		if got := engine.AllocateItem(item, receipt, oneBiz[:1]); got != nil {
			t.Fatalf("expected nil without business entities, got %+v", got)
		}
	})

	t.Run("noSignalAtAll", func(t *testing.T) {
		item := &models.ReceiptItem{Description: "misc"}
		r := &models.Receipt{ID: "r2", MerchantName: "Unknown Vendor"}
		if got := engine.AllocateItem(item, r, oneBiz); got != nil {
			t.Fatalf("expected nil without any signal, got %+v", got)
		}
	})

	t.Run("conflictingKeywords", func(t *testing.T) {
		item := &models.ReceiptItem{Description: "family office chair"}
		r := &models.Receipt{ID: "r2", MerchantName: "Unknown Vendor"}
		if got := engine.AllocateItem(item, r, oneBiz); got != nil {
			t.Fatalf("expected nil for mixed keywords, got %+v", got)
		}
	})
}

func TestKeywordsMatchWholeWords(t *testing.T) {
	engine := NewEngine(nil)
	item := &models.ReceiptItem{Description: "Toyota service"}
	r := &models.Receipt{ID: "r1", MerchantName: "Dealer"}
	if got := engine.AllocateItem(item, r, oneBiz); got != nil {
		t.Fatalf("'toy' must not match inside 'toyota', got %+v", got)
	}
}

func TestLoadRuleBook(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	data := `business_categories: [Hosting]
personal_categories: [Pets]
merchants:
  "Zoom Video": business
business_keywords: [retainer]
personal_keywords: [gift]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	rb, err := LoadRuleBook(path)
	if err != nil {
		t.Fatalf("LoadRuleBook: %v", err)
	}
	engine := NewEngine(rb)
	item := &models.ReceiptItem{Description: "webinar"}
	got := engine.AllocateItem(item, &models.Receipt{MerchantName: "ZOOM VIDEO COMMUNICATIONS"}, oneBiz)
	if got == nil || got.EntityID != "biz-1" || got.Source != SourceMerchant {
		t.Fatalf("expected merchant rule from file, got %+v", got)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("merchants:\n  foo: maybe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRuleBook(bad); err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}

func TestCategoryModel(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var history []*models.Receipt
	for i := 0; i < 5; i++ {
		history = append(history,
			&models.Receipt{ID: "m", MerchantName: "City Pharmacy", Date: day, Items: []*models.ReceiptItem{
				{ID: "1", Description: "prescription refill", Category: "Medical", Amount: decimal.NewFromInt(20)},
			}},
			&models.Receipt{ID: "s", MerchantName: "Paper Co", Date: day, Items: []*models.ReceiptItem{
				{ID: "1", Description: "printer toner cartridge", Category: "Office Supplies", Amount: decimal.NewFromInt(60)},
			}},
		)
	}
	model := TrainCategoryModel(history, 0)
	if model == nil {
		t.Fatalf("expected a trained model")
	}

	r := &models.Receipt{ID: "new", MerchantName: "City Pharmacy", Items: []*models.ReceiptItem{
		{ID: "1", Description: "prescription"},
		{ID: "2", Description: "already", Category: "Travel"},
	}}
	if n := model.InferCategories(r); n != 1 {
		t.Fatalf("expected one inferred item, got %d", n)
	}
	if r.Items[0].InferredCategory != "Medical" {
		t.Fatalf("expected Medical, got %q", r.Items[0].InferredCategory)
	}
	if r.Items[1].InferredCategory != "" {
		t.Fatalf("categorised items must be left alone")
	}

	if TrainCategoryModel(history[:1], 0) != nil {
		t.Fatalf("a single class must not produce a model")
	}
}
