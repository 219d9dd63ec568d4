package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// Gateway is the single entry point to one SMS-number provider. Implementations
// normalise provider responses into domain types and never retry.
type Gateway interface {
	Name() string
	ListCountries(ctx context.Context) ([]domain.Country, error)
	ListProducts(ctx context.Context, country, operator string) (map[string]domain.Product, error)
	PurchaseNumber(ctx context.Context, country, operator, product string) (*domain.PhoneNumber, error)
	CheckNumber(ctx context.Context, id string) (*domain.PhoneNumber, error)
	FinishNumber(ctx context.Context, id string) (*domain.PhoneNumber, error)
	CancelNumber(ctx context.Context, id string) (*domain.PhoneNumber, error)
	GetBalance(ctx context.Context) (*domain.ProviderBalance, error)
}

// Registry holds the configured gateways keyed by name.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

// NewRegistry builds a registry. defaultName must match one of gateways.
func NewRegistry(defaultName string, gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways)), defaultName: defaultName}
	for _, g := range gateways {
		if _, dup := r.gateways[g.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", g.Name())
		}
		r.gateways[g.Name()] = g
	}
	if _, ok := r.gateways[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultName)
	}
	return r, nil
}

// Get returns the named gateway, or the default one for an empty name.
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.defaultName
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, domain.ErrNotFound)
	}
	return g, nil
}

func (r *Registry) Default() string {
	return r.defaultName
}

// Names returns the configured provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
