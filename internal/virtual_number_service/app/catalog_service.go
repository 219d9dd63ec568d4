package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/provider"
)

// Cache is the JSON cache used for catalog reads.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// ProviderInfo describes one configured provider.
type ProviderInfo struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// CatalogService serves countries and products, cached for a short TTL to cover one
// selection flow. Balances are always read from the provider.
type CatalogService struct {
	registry *provider.Registry
	cache    Cache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCatalogService creates the service. A nil cache or a non-positive ttl disables caching.
func NewCatalogService(registry *provider.Registry, cache Cache, ttl time.Duration, logger *slog.Logger) *CatalogService {
	return &CatalogService{registry: registry, cache: cache, ttl: ttl, logger: logger.With("component", "catalog")}
}

func (s *CatalogService) Providers() []ProviderInfo {
	names := s.registry.Names()
	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderInfo{Name: name, Default: name == s.registry.Default()})
	}
	return out
}

func (s *CatalogService) Countries(ctx context.Context, providerName string) ([]domain.Country, error) {
	gateway, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("countries:%s", gateway.Name())

	var countries []domain.Country
	if s.cached(ctx, key, &countries) {
		return countries, nil
	}
	countries, err = gateway.ListCountries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	s.store(ctx, key, countries)
	return countries, nil
}

func (s *CatalogService) Products(ctx context.Context, providerName, country, operator string) (map[string]domain.Product, error) {
	gateway, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	key := productsKey(gateway.Name(), country, operator)
	if operator == "" {
		operator = domain.DefaultOperator
	}

	var products map[string]domain.Product
	if s.cached(ctx, key, &products) {
		return products, nil
	}
	products, err = gateway.ListProducts(ctx, country, operator)
	if err != nil {
		return nil, fmt.Errorf("list products for %s: %w", country, err)
	}
	s.store(ctx, key, products)
	return products, nil
}

// InvalidateProducts drops the cached product list for a selection, so the next read
// shows the provider's current availability.
func (s *CatalogService) InvalidateProducts(ctx context.Context, providerName, country, operator string) {
	if s.cache == nil {
		return
	}
	gateway, err := s.registry.Get(providerName)
	if err != nil {
		return
	}
	key := productsKey(gateway.Name(), country, operator)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "Catalog cache invalidation failed", "key", key, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "Catalog products invalidated", "key", key)
}

func (s *CatalogService) Balance(ctx context.Context, providerName string) (*domain.ProviderBalance, error) {
	gateway, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	balance, err := gateway.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *CatalogService) cached(ctx context.Context, key string, dest any) bool {
	if s.cache == nil || s.ttl <= 0 {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.WarnContext(ctx, "Catalog cache read failed", "key", key, "error", err)
		return false
	}
	return hit
}

func (s *CatalogService) store(ctx context.Context, key string, value any) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "Catalog cache write failed", "key", key, "error", err)
	}
}

func productsKey(providerName, country, operator string) string {
	if operator == "" {
		operator = domain.DefaultOperator
	}
	return fmt.Sprintf("products:%s:%s:%s", providerName, country, operator)
}
