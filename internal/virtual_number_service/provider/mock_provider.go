package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// MockProviderName is the registry key of the in-memory provider.
const MockProviderName = "mock"

// MockProvider is an in-memory Gateway for local runs and tests. It enforces the
// same state machine a real provider does.
type MockProvider struct {
	mu          sync.Mutex
	logger      *slog.Logger
	balance     float64
	countries   []domain.Country
	products    map[string]map[string]domain.Product // country -> product key -> product
	orders      map[string]*domain.PhoneNumber
	ttl         time.Duration
	autoDeliver time.Duration
	unreachable bool
	seq         int
	now         func() time.Time
}

// MockOption customises a MockProvider.
type MockOption func(*MockProvider)

// WithMockClock replaces time.Now.
func WithMockClock(now func() time.Time) MockOption {
	return func(p *MockProvider) { p.now = now }
}

// WithMockTTL sets the lifetime of purchased numbers.
func WithMockTTL(ttl time.Duration) MockOption {
	return func(p *MockProvider) { p.ttl = ttl }
}

// WithAutoDeliver makes pending orders receive a random code once they are older than after.
func WithAutoDeliver(after time.Duration) MockOption {
	return func(p *MockProvider) { p.autoDeliver = after }
}

// NewMockProvider creates a provider seeded with a small catalog.
func NewMockProvider(logger *slog.Logger, balance float64, opts ...MockOption) *MockProvider {
	p := &MockProvider{
		logger:  logger.With("provider", MockProviderName),
		balance: balance,
		countries: []domain.Country{
			{ID: "russia", Name: "Russia", ISO: "ru", Prefix: "+7"},
			{ID: "usa", Name: "USA", ISO: "us", Prefix: "+1"},
		},
		products: map[string]map[string]domain.Product{
			"russia": {
				"telegram": {Key: "telegram", Category: "activation", Price: 21, Count: 100},
				"whatsapp": {Key: "whatsapp", Category: "activation", Price: 35, Count: 50},
			},
			"usa": {
				"telegram": {Key: "telegram", Category: "activation", Price: 40, Count: 10},
			},
		},
		orders: make(map[string]*domain.PhoneNumber),
		ttl:    DefaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *MockProvider) Name() string {
	return MockProviderName
}

// SetUnreachable makes every call fail with ErrProviderUnreachable until reset.
func (p *MockProvider) SetUnreachable(unreachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable = unreachable
}

// SetProduct adds or replaces a catalog product.
func (p *MockProvider) SetProduct(country string, product domain.Product) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.products[country] == nil {
		p.products[country] = make(map[string]domain.Product)
	}
	p.products[country][product.Key] = product
}

// DeliverSMS simulates an inbound message for a pending or received order.
func (p *MockProvider) DeliverSMS(id, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if order.Status != domain.StatusPending && order.Status != domain.StatusReceived {
		return domain.ErrInvalidStateTransition
	}
	order.Status = domain.StatusReceived
	order.SMSCode = code
	order.SMSText = fmt.Sprintf("Your code: %s", code)
	order.UpdatedAt = p.now().UTC()
	return nil
}

func (p *MockProvider) ListCountries(ctx context.Context) ([]domain.Country, error) {
	defer p.observe(opListCountries)()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(opListCountries); err != nil {
		return nil, err
	}
	out := make([]domain.Country, len(p.countries))
	copy(out, p.countries)
	return out, nil
}

func (p *MockProvider) ListProducts(ctx context.Context, country, operator string) (map[string]domain.Product, error) {
	defer p.observe(opListProducts)()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(opListProducts); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Product, len(p.products[country]))
	for k, v := range p.products[country] {
		out[k] = v
	}
	return out, nil
}

func (p *MockProvider) PurchaseNumber(ctx context.Context, country, operator, product string) (*domain.PhoneNumber, error) {
	defer p.observe(opPurchase)()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(opPurchase); err != nil {
		return nil, err
	}

	prod, ok := p.products[country][product]
	if !ok || prod.Count <= 0 {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: opPurchase, Kind: domain.ErrProductUnavailable, Detail: "no free phones"}
	}
	if p.balance < prod.Price {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: opPurchase, StatusCode: 402, Kind: domain.ErrInsufficientBalance}
	}
	p.balance -= prod.Price
	prod.Count--
	p.products[country][product] = prod

	now := p.now().UTC()
	p.seq++
	order := &domain.PhoneNumber{
		ID:         uuid.NewString(),
		ProviderID: p.Name(),
		Country:    country,
		Operator:   operatorOrDefault(operator),
		Service:    product,
		Number:     p.fakeNumber(country),
		Status:     domain.StatusPending,
		Price:      prod.Price,
		ExpiresAt:  now.Add(p.ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.orders[order.ID] = order
	p.logger.InfoContext(ctx, "MockProvider: number purchased", "session_id", order.ID, "number", order.Number)

	out := *order
	return &out, nil
}

func (p *MockProvider) CheckNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	defer p.observe(opCheck)()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(opCheck); err != nil {
		return nil, err
	}
	order, ok := p.orders[id]
	if !ok {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: opCheck, Kind: domain.ErrNotFound}
	}

	now := p.now().UTC()
	if order.Status == domain.StatusPending && p.autoDeliver > 0 && now.Sub(order.CreatedAt) >= p.autoDeliver {
		order.Status = domain.StatusReceived
		order.SMSCode = fmt.Sprintf("%06d", rand.Intn(1000000))
		order.SMSText = "Your code: " + order.SMSCode
		order.UpdatedAt = now
	}
	out := *order
	return &out, nil
}

func (p *MockProvider) FinishNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	defer p.observe(opFinish)()
	return p.transition(opFinish, id, domain.StatusFinished)
}

func (p *MockProvider) CancelNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	defer p.observe(opCancel)()
	return p.transition(opCancel, id, domain.StatusCancelled)
}

func (p *MockProvider) GetBalance(ctx context.Context) (*domain.ProviderBalance, error) {
	defer p.observe(opBalance)()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(opBalance); err != nil {
		return nil, err
	}
	return &domain.ProviderBalance{ProviderID: p.Name(), Balance: p.balance, Currency: "RUB", Rating: 100}, nil
}

func (p *MockProvider) transition(op, id string, next domain.Status) (*domain.PhoneNumber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(op); err != nil {
		return nil, err
	}
	order, ok := p.orders[id]
	if !ok {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: op, Kind: domain.ErrNotFound}
	}
	if err := order.TransitionTo(next, p.now().UTC()); err != nil {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: op, StatusCode: 409, Kind: err,
			Detail: fmt.Sprintf("order is %s", order.Status)}
	}
	if next == domain.StatusCancelled && order.SMSCode == "" {
		p.balance += order.Price
	}
	out := *order
	return &out, nil
}

// fail must be called with p.mu held.
func (p *MockProvider) fail(op string) error {
	if p.unreachable {
		return &domain.ProviderError{Provider: p.Name(), Op: op, Kind: domain.ErrProviderUnreachable, Detail: "simulated outage"}
	}
	return nil
}

func (p *MockProvider) observe(op string) func() {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.Name(), op))
	return func() { timer.ObserveDuration() }
}

func (p *MockProvider) fakeNumber(country string) string {
	prefix := "+7900"
	for _, c := range p.countries {
		if c.ID == country && c.Prefix == "+1" {
			prefix = "+1202555"
		}
	}
	width := 12 - len(prefix)
	return fmt.Sprintf("%s%0*d", prefix, width, p.seq)
}

// Orders returns a snapshot of every order, sorted by creation time. Used by tests.
func (p *MockProvider) Orders() []domain.PhoneNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.PhoneNumber, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
