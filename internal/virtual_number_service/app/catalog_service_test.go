package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/provider"
)

// jsonCache mimics the redis cache: values are stored as JSON.
type jsonCache struct {
	mu      sync.Mutex
	values  map[string][]byte
	ttls    map[string]time.Duration
	failGet bool
}

func newJSONCache() *jsonCache {
	return &jsonCache{values: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *jsonCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return false, errors.New("redis: connection refused")
	}
	data, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *jsonCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = data
	c.ttls[key] = ttl
	return nil
}

func (c *jsonCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func setupCatalog(t *testing.T, cache Cache) (*CatalogService, *MockGateway) {
	t.Helper()
	gateway := new(MockGateway)
	registry, err := provider.NewRegistry("test", gateway, provider.NewMockProvider(discardLogger(), 0))
	require.NoError(t, err)
	return NewCatalogService(registry, cache, time.Minute, discardLogger()), gateway
}

func TestCatalogService_CountriesAreCached(t *testing.T) {
	cache := newJSONCache()
	svc, gateway := setupCatalog(t, cache)
	countries := []domain.Country{{ID: "russia", Name: "Russia", ISO: "ru", Prefix: "+7"}}
	gateway.On("ListCountries", mock.Anything).Return(countries, nil).Once()

	for i := 0; i < 3; i++ {
		got, err := svc.Countries(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, countries, got)
	}
	gateway.AssertExpectations(t)
	assert.Equal(t, time.Minute, cache.ttls["countries:test"])
}

func TestCatalogService_ProductsDefaultOperator(t *testing.T) {
	svc, gateway := setupCatalog(t, newJSONCache())
	products := map[string]domain.Product{"telegram": {Key: "telegram", Category: "activation", Price: 21, Count: 3}}
	gateway.On("ListProducts", mock.Anything, "russia", "any").Return(products, nil).Once()

	got, err := svc.Products(context.Background(), "test", "russia", "")
	require.NoError(t, err)
	assert.Equal(t, products, got)

	got, err = svc.Products(context.Background(), "test", "russia", "any")
	require.NoError(t, err)
	assert.Equal(t, products, got)
	gateway.AssertExpectations(t)
}

func TestCatalogService_CacheFailureFallsThrough(t *testing.T) {
	cache := newJSONCache()
	cache.failGet = true
	svc, gateway := setupCatalog(t, cache)
	gateway.On("ListCountries", mock.Anything).Return([]domain.Country{{ID: "usa"}}, nil).Twice()

	for i := 0; i < 2; i++ {
		got, err := svc.Countries(context.Background(), "test")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
	gateway.AssertExpectations(t)
}

func TestCatalogService_BalanceIsNeverCached(t *testing.T) {
	svc, gateway := setupCatalog(t, newJSONCache())
	gateway.On("GetBalance", mock.Anything).Return(&domain.ProviderBalance{ProviderID: "test", Balance: 10}, nil).Once()
	gateway.On("GetBalance", mock.Anything).Return(&domain.ProviderBalance{ProviderID: "test", Balance: 7}, nil).Once()

	first, err := svc.Balance(context.Background(), "test")
	require.NoError(t, err)
	second, err := svc.Balance(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 10.0, first.Balance)
	assert.Equal(t, 7.0, second.Balance)
}

func TestCatalogService_ErrorsAreNotCached(t *testing.T) {
	svc, gateway := setupCatalog(t, newJSONCache())
	gateway.On("ListCountries", mock.Anything).Return(nil, unreachableErr()).Once()
	gateway.On("ListCountries", mock.Anything).Return([]domain.Country{{ID: "russia"}}, nil).Once()

	_, err := svc.Countries(context.Background(), "test")
	assert.ErrorIs(t, err, domain.ErrProviderUnreachable)
	got, err := svc.Countries(context.Background(), "test")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCatalogService_Providers(t *testing.T) {
	svc, _ := setupCatalog(t, nil)
	assert.Equal(t, []ProviderInfo{{Name: "mock"}, {Name: "test", Default: true}}, svc.Providers())

	_, err := svc.Countries(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCatalogService_InvalidateProducts(t *testing.T) {
	cache := newJSONCache()
	svc, gateway := setupCatalog(t, cache)
	stale := map[string]domain.Product{"telegram": {Key: "telegram", Price: 21, Count: 1}}
	fresh := map[string]domain.Product{"telegram": {Key: "telegram", Price: 21, Count: 0}}
	gateway.On("ListProducts", mock.Anything, "russia", "any").Return(stale, nil).Once()
	gateway.On("ListProducts", mock.Anything, "russia", "any").Return(fresh, nil).Once()
	ctx := context.Background()

	got, err := svc.Products(ctx, "", "russia", "any")
	require.NoError(t, err)
	assert.Equal(t, stale, got)
	got, err = svc.Products(ctx, "", "russia", "any")
	require.NoError(t, err)
	assert.Equal(t, stale, got, "served from cache")

	svc.InvalidateProducts(ctx, "", "russia", "")
	assert.NotContains(t, cache.values, "products:test:russia:any")

	got, err = svc.Products(ctx, "", "russia", "any")
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	gateway.AssertExpectations(t)

	svc.InvalidateProducts(ctx, "unknown", "russia", "any")
}
