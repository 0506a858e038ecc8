package model

// Tier describes a subscription plan: the tokens granted on purchase and the
// bonus credited every month while the plan is active.
type Tier struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PriceStars   int64  `json:"price_stars"`
	Tokens       int64  `json:"tokens"`
	MonthlyBonus int64  `json:"monthly_bonus"`
}

var Tiers = map[string]Tier{
	"basic":    {ID: "basic", Name: "Basic", PriceStars: 5, Tokens: 50, MonthlyBonus: 10},
	"standard": {ID: "standard", Name: "Standard", PriceStars: 10, Tokens: 150, MonthlyBonus: 30},
	"premium":  {ID: "premium", Name: "Premium", PriceStars: 25, Tokens: 500, MonthlyBonus: 100},
}
