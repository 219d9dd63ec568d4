package domain

// DefaultOperator selects any operator the provider has numbers for.
const DefaultOperator = "any"

// Country is a provider catalog country.
type Country struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ISO    string `json:"iso"`
	Prefix string `json:"prefix"`
}

// Product is a purchasable service in a country, keyed by product key (e.g. "telegram").
type Product struct {
	Key      string  `json:"key"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Count    int     `json:"count"`
}

// ProviderBalance is a point-in-time account snapshot; it is never cached.
type ProviderBalance struct {
	ProviderID     string  `json:"provider_id"`
	Balance        float64 `json:"balance"`
	Currency       string  `json:"currency"`
	Rating         float64 `json:"rating,omitempty"`
	DefaultCountry string  `json:"default_country,omitempty"`
}
