package models

// Bundle is a purchasable extra-pack tier.
type Bundle struct {
	Quantity int32   `json:"quantity"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Popular  bool    `json:"popular,omitempty"`
}

var bundles = []Bundle{
	{Quantity: 10, Price: 2.99, Currency: "USD"},
	{Quantity: 30, Price: 6.99, Currency: "USD", Popular: true},
	{Quantity: 75, Price: 14.99, Currency: "USD"},
}

// Bundles returns the fixed, ordered catalog of purchasable tiers.
func Bundles() []Bundle {
	out := make([]Bundle, len(bundles))
	copy(out, bundles)
	return out
}
