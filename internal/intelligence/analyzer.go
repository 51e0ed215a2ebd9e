package intelligence

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"receipt-intake/internal/matching"
	"receipt-intake/internal/models"
)

// Signal types
const (
	SignalSpendVelocity   = "spend_velocity"
	SignalReviewBacklog   = "review_backlog"
	SignalUnsyncedReceipt = "unsynced_receipts"
)

// Commingling directions
const (
	BusinessOnPersonal = "business_on_personal"
	PersonalOnBusiness = "personal_on_business"
	CrossEntity        = "cross_entity"
)

const (
	velocityWindowDays = 30
	velocityFactor     = "1.5"
)

// SubscriptionOverlap is a merchant billed to two or more entities.
type SubscriptionOverlap struct {
	Merchant    string          `json:"merchant"`
	EntityIDs   []string        `json:"entity_ids"`
	ReceiptIDs  []string        `json:"receipt_ids"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Recurring   bool            `json:"recurring"`
	Message     string          `json:"message"`
}

// ComminglingRisk is a receipt paid from an account that does not belong to the entity the
// items were allocated to.
type ComminglingRisk struct {
	ReceiptID       string          `json:"receipt_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	EntityID        string          `json:"entity_id"`
	Direction       string          `json:"direction"`
	Severity        string          `json:"severity"`
	Amount          decimal.Decimal `json:"amount"`
	Message         string          `json:"message"`
}

// GoalAlignment is the progress of allocated receipts toward an active tax goal.
type GoalAlignment struct {
	GoalID       string          `json:"goal_id"`
	GoalName     string          `json:"goal_name"`
	GoalType     string          `json:"goal_type"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	Contributed  decimal.Decimal `json:"contributed"`
	Percent      float64         `json:"percent"`
	OnTrack      bool            `json:"on_track"`
}

type TaxSignal struct {
	Type     string          `json:"type"`
	Severity string          `json:"severity"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
	Message  string          `json:"message"`
}

type Report struct {
	Subscriptions    []SubscriptionOverlap `json:"subscriptions"`
	ComminglingRisks []ComminglingRisk     `json:"commingling_risks"`
	GoalAlignments   []GoalAlignment       `json:"goal_alignments"`
	TaxSignals       []TaxSignal           `json:"tax_signals"`
	GeneratedAt      time.Time             `json:"generated_at"`
}

// Analyzer derives cross-receipt insights. It never mutates the state.
type Analyzer struct {
	now func() time.Time
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{now: time.Now}
}

// Analyze runs every insight over the allocated receipts of the state.
func (a *Analyzer) Analyze(state *models.State) *Report {
	now := a.now()
	var allocated []*models.Receipt
	for _, r := range state.Receipts {
		if r.Status == models.ReceiptAllocated {
			allocated = append(allocated, r)
		}
	}
	return &Report{
		Subscriptions:    subscriptionOverlaps(allocated),
		ComminglingRisks: comminglingRisks(state, allocated),
		GoalAlignments:   goalAlignments(state, allocated, now),
		TaxSignals:       taxSignals(state, allocated, now),
		GeneratedAt:      now,
	}
}

// subscriptionOverlaps reports merchants paid by different entities on different receipts.
// A single receipt split across entities is not an overlap.
func subscriptionOverlaps(receipts []*models.Receipt) []SubscriptionOverlap {
	type group struct {
		name      string
		entities  map[string]bool
		allocated int
		receipts  []string
		total     decimal.Decimal
		recurring bool
	}
	groups := make(map[string]*group)
	var order []string
	for _, r := range receipts {
		key := matching.NormalizeMerchant(r.MerchantName)
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &group{name: r.MerchantName, entities: make(map[string]bool)}
			groups[key] = g
			order = append(order, key)
		}
		seen := false
		for _, item := range r.Items {
			if item.AllocatedEntityID != "" {
				g.entities[item.AllocatedEntityID] = true
				seen = true
			}
		}
		if seen {
			g.allocated++
		}
		g.receipts = append(g.receipts, r.ID)
		g.total = g.total.Add(r.TotalAmount)
		g.recurring = g.recurring || r.Recurring
	}

	out := []SubscriptionOverlap{}
	for _, key := range order {
		g := groups[key]
		// with two allocated receipts and two entities in the union, some pair of receipts
		// disagrees on the entity
		if g.allocated < 2 || len(g.entities) < 2 {
			continue
		}
		ids := make([]string, 0, len(g.entities))
		for id := range g.entities {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, SubscriptionOverlap{
			Merchant:    g.name,
			EntityIDs:   ids,
			ReceiptIDs:  g.receipts,
			TotalAmount: g.total,
			Recurring:   g.recurring,
			Message:     fmt.Sprintf("%s is paid by %d entities (%v); consider consolidating", g.name, len(ids), ids),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Merchant < out[j].Merchant })
	return out
}

func comminglingRisks(state *models.State, receipts []*models.Receipt) []ComminglingRisk {
	out := []ComminglingRisk{}
	for _, r := range receipts {
		if r.PaymentMethodID == "" {
			continue
		}
		pm, ok := state.FindPaymentMethod(r.PaymentMethodID)
		if !ok {
			continue
		}

		amounts := make(map[string]decimal.Decimal)
		var entityIDs []string
		for _, item := range r.Items {
			if item.AllocatedEntityID == "" {
				continue
			}
			if _, seen := amounts[item.AllocatedEntityID]; !seen {
				entityIDs = append(entityIDs, item.AllocatedEntityID)
			}
			amounts[item.AllocatedEntityID] = amounts[item.AllocatedEntityID].Add(item.Amount)
		}

		for _, entityID := range entityIDs {
			risk := ComminglingRisk{
				ReceiptID:       r.ID,
				PaymentMethodID: pm.ID,
				EntityID:        entityID,
				Amount:          amounts[entityID],
			}
			isPersonalItem := entityID == models.PersonalEntityID
			switch {
			case pm.IsPersonal() && !isPersonalItem:
				risk.Direction = BusinessOnPersonal
				risk.Severity = models.SeverityWarning
				risk.Message = fmt.Sprintf("business expense for %s paid with personal account %s", entityID, pm.Name)
			case !pm.IsPersonal() && isPersonalItem:
				risk.Direction = PersonalOnBusiness
				risk.Severity = models.SeverityError
				risk.Message = fmt.Sprintf("personal expense paid with business account %s", pm.Name)
			case !pm.IsPersonal() && entityID != pm.EntityID:
				risk.Direction = CrossEntity
				risk.Severity = models.SeverityWarning
				risk.Message = fmt.Sprintf("expense for %s paid with %s, which belongs to %s", entityID, pm.Name, pm.EntityID)
			default:
				continue
			}
			out = append(out, risk)
		}
	}
	return out
}

// contribution splits the allocated items of a year into business spend (per entity) and
// deductible personal spend.
type contribution struct {
	business   map[string]decimal.Decimal
	deductible decimal.Decimal
}

func (c contribution) businessTotal(entityID string) decimal.Decimal {
	if entityID != "" {
		return c.business[entityID]
	}
	sum := decimal.Zero
	for _, v := range c.business {
		sum = sum.Add(v)
	}
	return sum
}

func yearContribution(receipts []*models.Receipt, year int) contribution {
	c := contribution{business: make(map[string]decimal.Decimal)}
	for _, r := range receipts {
		if r.Date.Year() != year {
			continue
		}
		for _, item := range r.Items {
			switch {
			case item.AllocatedEntityID == "":
			case item.AllocatedEntityID == models.PersonalEntityID:
				if models.IsDeductibleCategory(item.EffectiveCategory()) {
					c.deductible = c.deductible.Add(item.Amount)
				}
			default:
				c.business[item.AllocatedEntityID] = c.business[item.AllocatedEntityID].Add(item.Amount)
			}
		}
	}
	return c
}

func goalAlignments(state *models.State, receipts []*models.Receipt, now time.Time) []GoalAlignment {
	out := []GoalAlignment{}
	year := now.Year()
	c := yearContribution(receipts, year)
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(start).Hours() / start.AddDate(1, 0, 0).Sub(start).Hours() * 100

	for _, goal := range state.Goals {
		if !goal.Active || goal.TaxYear != year {
			continue
		}
		var contributed decimal.Decimal
		switch goal.Type {
		case models.GoalMaximizeDeductions:
			contributed = c.deductible
		case models.GoalBusinessInvestment:
			contributed = c.businessTotal(goal.EntityID)
		default:
			contributed = c.businessTotal(goal.EntityID).Add(c.deductible)
		}
		percent := 0.0
		if goal.TargetAmount.IsPositive() {
			percent, _ = contributed.Div(goal.TargetAmount).Mul(decimal.NewFromInt(100)).Round(1).Float64()
		}
		out = append(out, GoalAlignment{
			GoalID:       goal.ID,
			GoalName:     goal.Name,
			GoalType:     goal.Type,
			TargetAmount: goal.TargetAmount,
			Contributed:  contributed,
			Percent:      percent,
			OnTrack:      percent >= elapsed,
		})
	}
	return out
}

func taxSignals(state *models.State, allocated []*models.Receipt, now time.Time) []TaxSignal {
	out := []TaxSignal{}

	// business spend over the last window against the year-to-date monthly average
	windowStart := now.AddDate(0, 0, -velocityWindowDays)
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
	recent, ytd := decimal.Zero, decimal.Zero
	for _, r := range allocated {
		if r.Date.Before(yearStart) || r.Date.After(now) {
			continue
		}
		for _, item := range r.Items {
			if item.AllocatedEntityID == "" || item.AllocatedEntityID == models.PersonalEntityID {
				continue
			}
			ytd = ytd.Add(item.Amount)
			if !r.Date.Before(windowStart) {
				recent = recent.Add(item.Amount)
			}
		}
	}
	months := now.Sub(yearStart).Hours() / 24 / velocityWindowDays
	if months >= 2 && ytd.IsPositive() {
		average := ytd.Div(decimal.NewFromFloat(months))
		if recent.GreaterThan(average.Mul(decimal.RequireFromString(velocityFactor))) {
			out = append(out, TaxSignal{
				Type:     SignalSpendVelocity,
				Severity: models.SeverityInfo,
				Amount:   recent,
				Message: fmt.Sprintf("business spend in the last %d days (%s) is above the monthly average of %s",
					velocityWindowDays, recent.StringFixed(2), average.StringFixed(2)),
			})
		}
	}

	backlog, backlogAmount := 0, decimal.Zero
	for _, r := range state.Receipts {
		if r.Status == models.ReceiptNeedsReview {
			backlog++
			backlogAmount = backlogAmount.Add(r.TotalAmount)
		}
	}
	if backlog > 0 {
		out = append(out, TaxSignal{
			Type:     SignalReviewBacklog,
			Severity: models.SeverityWarning,
			Amount:   backlogAmount,
			Count:    backlog,
			Message:  fmt.Sprintf("%d receipt(s) totalling %s are waiting for review", backlog, backlogAmount.StringFixed(2)),
		})
	}

	unsynced, unsyncedAmount := 0, decimal.Zero
	for _, r := range allocated {
		if r.SyncedAt == nil {
			unsynced++
			unsyncedAmount = unsyncedAmount.Add(r.TotalAmount)
		}
	}
	if unsynced > 0 {
		out = append(out, TaxSignal{
			Type:     SignalUnsyncedReceipt,
			Severity: models.SeverityInfo,
			Amount:   unsyncedAmount,
			Count:    unsynced,
			Message:  fmt.Sprintf("%d allocated receipt(s) are not in the ledger yet", unsynced),
		})
	}
	return out
}
