package ledger

import "github.com/shopspring/decimal"

// Plan is a purchasable license tier. The catalog is static per process;
// keys are minted against a plan and grant its credit allowance.
type Plan struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Credits  int             `json:"credits"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

// DefaultPlans is the built-in plan catalog
var DefaultPlans = []Plan{
	{
		ID:       "starter",
		Name:     "Starter",
		Credits:  100,
		PriceUSD: decimal.NewFromFloat(9.99),
	},
	{
		ID:       "creator",
		Name:     "Creator",
		Credits:  500,
		PriceUSD: decimal.NewFromFloat(39.99),
	},
	{
		ID:       "studio",
		Name:     "Studio",
		Credits:  2000,
		PriceUSD: decimal.NewFromFloat(129.99),
	},
}

// FindPlan returns the plan with the given id from the catalog
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, plan := range plans {
		if plan.ID == id {
			return plan, true
		}
	}
	return Plan{}, false
}
