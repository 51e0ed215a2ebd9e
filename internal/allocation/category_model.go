package allocation

import (
	"sort"
	"strings"

	"github.com/jbrukh/bayesian"

	"receipt-intake/internal/models"
)

// DefaultInferenceThreshold is the minimum posterior probability for an inferred category.
const DefaultInferenceThreshold = 0.80

// CategoryModel is a naive-bayes model over item descriptions and merchant names, trained on
// items whose category the user supplied. It only fills InferredCategory; it never allocates.
type CategoryModel struct {
	cl        *bayesian.Classifier
	classes   []bayesian.Class
	threshold float64
}

// TrainCategoryModel learns from every categorised item in the given receipts. It returns nil
// when fewer than two distinct categories are known, since a single class cannot discriminate.
func TrainCategoryModel(receipts []*models.Receipt, threshold float64) *CategoryModel {
	if threshold <= 0 {
		threshold = DefaultInferenceThreshold
	}

	type sample struct {
		terms []string
		class bayesian.Class
	}
	var samples []sample
	seen := make(map[bayesian.Class]bool)
	for _, r := range receipts {
		for _, item := range r.Items {
			if item.Category == "" {
				continue
			}
			class := bayesian.Class(item.Category)
			seen[class] = true
			samples = append(samples, sample{terms: termsFor(item, r), class: class})
		}
	}
	if len(seen) < 2 {
		return nil
	}

	classes := make([]bayesian.Class, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	cl := bayesian.NewClassifier(classes...)
	for _, s := range samples {
		cl.Learn(s.terms, s.class)
	}
	return &CategoryModel{cl: cl, classes: classes, threshold: threshold}
}

// Infer returns the most likely category for the item when the model is confident enough.
func (m *CategoryModel) Infer(item *models.ReceiptItem, receipt *models.Receipt) (string, float64, bool) {
	if m == nil {
		return "", 0, false
	}
	terms := termsFor(item, receipt)
	if len(terms) == 0 {
		return "", 0, false
	}
	scores, inx, strict := m.cl.ProbScores(terms)
	if !strict || inx < 0 || inx >= len(scores) {
		return "", 0, false
	}
	if scores[inx] < m.threshold {
		return "", scores[inx], false
	}
	return string(m.classes[inx]), scores[inx], true
}

// InferCategories fills InferredCategory on uncategorised items of the receipt and returns how
// many items were updated.
func (m *CategoryModel) InferCategories(receipt *models.Receipt) int {
	if m == nil {
		return 0
	}
	var n int
	for _, item := range receipt.Items {
		if item.Category != "" || item.InferredCategory != "" {
			continue
		}
		if cat, _, ok := m.Infer(item, receipt); ok {
			item.InferredCategory = cat
			n++
		}
	}
	return n
}

func termsFor(item *models.ReceiptItem, receipt *models.Receipt) []string {
	text := item.Description
	if receipt != nil {
		text += " " + receipt.MerchantName
	}
	return strings.Fields(wordText(text))
}
