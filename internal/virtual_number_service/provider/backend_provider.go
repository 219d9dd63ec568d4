package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// BackendProviderName is the registry key of the primary-backend dialect.
const BackendProviderName = "backend"

var backendStatuses = map[string]domain.Status{
	"PENDING":   domain.StatusPending,
	"WAITING":   domain.StatusPending,
	"RECEIVED":  domain.StatusReceived,
	"FINISHED":  domain.StatusFinished,
	"COMPLETED": domain.StatusFinished,
	"CANCELLED": domain.StatusCancelled,
	"CANCELED":  domain.StatusCancelled,
	"BANNED":    domain.StatusCancelled,
	"EXPIRED":   domain.StatusExpired,
	"TIMEOUT":   domain.StatusExpired,
}

// BackendCountry is one entry of GET /countries.
type BackendCountry struct {
	ID     flexString `json:"id"`
	Name   string     `json:"name"`
	ISO    string     `json:"iso"`
	Prefix string     `json:"prefix"`
}

// BackendProduct is a value of GET /products/{country}/{operator}.
type BackendProduct struct {
	Category string    `json:"category"`
	Price    flexFloat `json:"price"`
	Count    int       `json:"count"`
}

// BackendNumber is returned by buy, check, finish and cancel.
type BackendNumber struct {
	ID        flexString `json:"id"`
	Phone     string     `json:"phone"`
	Country   string     `json:"country"`
	Operator  string     `json:"operator"`
	Product   string     `json:"product"`
	Price     flexFloat  `json:"price"`
	Status    string     `json:"status"`
	SMS       []string   `json:"sms"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// BackendProfile is returned by GET /profile.
type BackendProfile struct {
	Balance        flexFloat `json:"balance"`
	Rating         flexFloat `json:"rating"`
	Currency       string    `json:"currency"`
	DefaultCountry string    `json:"default_country"`
}

// BackendProvider talks to the platform's primary backend, which proxies the
// upstream provider behind a simplified JSON contract.
type BackendProvider struct {
	client *apiClient
	logger *slog.Logger
	now    func() time.Time
}

// NewBackendProvider creates the primary-backend gateway.
func NewBackendProvider(logger *slog.Logger, opts HTTPOptions) *BackendProvider {
	logger = logger.With("provider", BackendProviderName)
	return &BackendProvider{
		client: newAPIClient(BackendProviderName, logger, opts),
		logger: logger,
		now:    time.Now,
	}
}

func (p *BackendProvider) Name() string {
	return BackendProviderName
}

func (p *BackendProvider) ListCountries(ctx context.Context) ([]domain.Country, error) {
	var raw []BackendCountry
	if err := p.client.getJSON(ctx, opListCountries, "/countries", &raw); err != nil {
		return nil, err
	}
	countries := make([]domain.Country, 0, len(raw))
	for _, c := range raw {
		countries = append(countries, domain.Country{ID: string(c.ID), Name: c.Name, ISO: c.ISO, Prefix: c.Prefix})
	}
	return countries, nil
}

func (p *BackendProvider) ListProducts(ctx context.Context, country, operator string) (map[string]domain.Product, error) {
	var raw map[string]BackendProduct
	if err := p.client.getJSON(ctx, opListProducts, "/products"+pathJoin(country, operatorOrDefault(operator)), &raw); err != nil {
		return nil, err
	}
	products := make(map[string]domain.Product, len(raw))
	for key, prod := range raw {
		products[key] = domain.Product{Key: key, Category: prod.Category, Price: float64(prod.Price), Count: prod.Count}
	}
	return products, nil
}

func (p *BackendProvider) PurchaseNumber(ctx context.Context, country, operator, product string) (*domain.PhoneNumber, error) {
	operator = operatorOrDefault(operator)
	var raw BackendNumber
	if err := p.client.getJSON(ctx, opPurchase, "/buy/activation"+pathJoin(country, operator, product), &raw); err != nil {
		return nil, err
	}
	number, err := p.toPhoneNumber(opPurchase, raw)
	if err != nil {
		return nil, err
	}
	if number.Country == "" {
		number.Country = country
	}
	if number.Operator == "" {
		number.Operator = operator
	}
	if number.Service == "" {
		number.Service = product
	}
	number.Status = domain.StatusPending
	number.SMSCode, number.SMSText = "", ""

	p.logger.InfoContext(ctx, "Purchased number", "session_id", number.ID, "country", number.Country, "product", number.Service, "price", number.Price)
	return number, nil
}

func (p *BackendProvider) CheckNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	return p.numberCall(ctx, opCheck, "/check"+pathJoin(id), "")
}

func (p *BackendProvider) FinishNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	return p.numberCall(ctx, opFinish, "/finish"+pathJoin(id), domain.StatusFinished)
}

func (p *BackendProvider) CancelNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	return p.numberCall(ctx, opCancel, "/cancel"+pathJoin(id), domain.StatusCancelled)
}

func (p *BackendProvider) GetBalance(ctx context.Context) (*domain.ProviderBalance, error) {
	var profile BackendProfile
	if err := p.client.getJSON(ctx, opBalance, "/profile", &profile); err != nil {
		return nil, err
	}
	currency := profile.Currency
	if currency == "" {
		currency = "RUB"
	}
	return &domain.ProviderBalance{
		ProviderID:     p.Name(),
		Balance:        float64(profile.Balance),
		Currency:       currency,
		Rating:         float64(profile.Rating),
		DefaultCountry: profile.DefaultCountry,
	}, nil
}

// numberCall fetches a number and, when want is set, requires the provider to report it.
func (p *BackendProvider) numberCall(ctx context.Context, op, path string, want domain.Status) (*domain.PhoneNumber, error) {
	var raw BackendNumber
	if err := p.client.getJSON(ctx, op, path, &raw); err != nil {
		return nil, err
	}
	number, err := p.toPhoneNumber(op, raw)
	if err != nil {
		return nil, err
	}
	if want != "" && number.Status != want {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: op, Kind: domain.ErrInvalidStateTransition,
			Detail: fmt.Sprintf("provider reports %s", number.Status)}
	}
	return number, nil
}

func (p *BackendProvider) toPhoneNumber(op string, raw BackendNumber) (*domain.PhoneNumber, error) {
	status, ok := normalizeStatus(backendStatuses, raw.Status)
	if !ok || raw.ID == "" {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: op, Kind: domain.ErrProviderUnreachable,
			Detail: fmt.Sprintf("unexpected number payload (id=%q status=%q)", raw.ID, raw.Status)}
	}

	now := p.now().UTC()
	created := raw.CreatedAt.UTC()
	if raw.CreatedAt.IsZero() {
		created = now
	}
	code := firstNonEmpty(raw.SMS...)
	return &domain.PhoneNumber{
		ID:         string(raw.ID),
		ProviderID: p.Name(),
		Country:    raw.Country,
		Operator:   raw.Operator,
		Service:    raw.Product,
		Number:     normalizePhone(raw.Phone),
		Status:     status,
		SMSCode:    code,
		SMSText:    code,
		Price:      float64(raw.Price),
		ExpiresAt:  expiresOrDefault(raw.ExpiresAt, raw.CreatedAt, now),
		CreatedAt:  created,
		UpdatedAt:  now,
	}, nil
}
