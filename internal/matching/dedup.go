package matching

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"receipt-intake/internal/models"
)

const (
	// Two receipts are the same purchase only when amounts differ by less than this.
	AmountTolerance = "0.01"

	dateLayout = "2006-01-02"
)

var (
	amountTolerance = decimal.RequireFromString(AmountTolerance)
	folder          = cases.Fold()
)

// NormalizeMerchant case-folds a merchant name and strips everything but letters and digits,
// so "Zoom Video, Inc." becomes "zoomvideoinc".
func NormalizeMerchant(name string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, folder.String(name))
}

// WithinTolerance reports whether two amounts differ by less than one cent.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(amountTolerance)
}

// Matches reports whether a and b look like the same purchase: normalized merchant names are
// mutual substrings, the calendar dates are equal and the totals are within tolerance.
// The relation is symmetric.
func Matches(a, b *models.Receipt) bool {
	if a == nil || b == nil || a.ID == b.ID {
		return false
	}
	am := NormalizeMerchant(a.MerchantName)
	bm := NormalizeMerchant(b.MerchantName)
	if am == "" || bm == "" {
		return false
	}
	if !strings.Contains(am, bm) && !strings.Contains(bm, am) {
		return false
	}
	if a.Date.IsZero() || b.Date.IsZero() {
		return false
	}
	if a.Date.Format(dateLayout) != b.Date.Format(dateLayout) {
		return false
	}
	return WithinTolerance(a.TotalAmount, b.TotalAmount)
}

// FindDuplicate returns the first receipt in history that matches the candidate, or nil.
func FindDuplicate(candidate *models.Receipt, history []*models.Receipt) *models.Receipt {
	for _, prior := range history {
		if Matches(candidate, prior) {
			return prior
		}
	}
	return nil
}

// IsDuplicate reports whether the candidate matches anything in history.
func IsDuplicate(candidate *models.Receipt, history []*models.Receipt) bool {
	return FindDuplicate(candidate, history) != nil
}
