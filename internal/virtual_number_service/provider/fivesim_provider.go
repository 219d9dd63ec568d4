package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// FiveSimProviderName is the registry key of the direct provider dialect.
const FiveSimProviderName = "5sim"

var fiveSimStatuses = map[string]domain.Status{
	"PENDING":  domain.StatusPending,
	"RECEIVED": domain.StatusReceived,
	"FINISHED": domain.StatusFinished,
	"CANCELED": domain.StatusCancelled,
	"TIMEOUT":  domain.StatusExpired,
	"BANNED":   domain.StatusCancelled,
}

// FiveSimCountry is a value of the name-keyed /v1/guest/countries map.
type FiveSimCountry struct {
	ISO    map[string]int `json:"iso"`
	Prefix map[string]int `json:"prefix"`
	TextEn string         `json:"text_en"`
}

// FiveSimProduct is a value of the /v1/guest/products map.
type FiveSimProduct struct {
	Category string  `json:"Category"`
	Qty      int     `json:"Qty"`
	Price    float64 `json:"Price"`
}

// FiveSimSMS is one inbound message attached to an order.
type FiveSimSMS struct {
	CreatedAt time.Time `json:"created_at"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Code      string    `json:"code"`
}

// FiveSimOrder is returned by buy, check, finish and cancel.
type FiveSimOrder struct {
	ID        flexString   `json:"id"`
	Phone     string       `json:"phone"`
	Operator  string       `json:"operator"`
	Product   string       `json:"product"`
	Price     flexFloat    `json:"price"`
	Status    string       `json:"status"`
	Expires   time.Time    `json:"expires"`
	SMS       []FiveSimSMS `json:"sms"`
	CreatedAt time.Time    `json:"created_at"`
	Country   string       `json:"country"`
}

// FiveSimProfile is returned by /v1/user/profile.
type FiveSimProfile struct {
	ID             flexString `json:"id"`
	Email          string     `json:"email"`
	Balance        flexFloat  `json:"balance"`
	Rating         flexFloat  `json:"rating"`
	DefaultCountry struct {
		Name string `json:"name"`
		ISO  string `json:"iso"`
	} `json:"default_country"`
}

// FiveSimProvider talks to the direct SMS-number provider API.
type FiveSimProvider struct {
	client   *apiClient
	logger   *slog.Logger
	currency string
	now      func() time.Time
}

// NewFiveSimProvider creates the direct provider gateway.
func NewFiveSimProvider(logger *slog.Logger, opts HTTPOptions) *FiveSimProvider {
	logger = logger.With("provider", FiveSimProviderName)
	return &FiveSimProvider{
		client:   newAPIClient(FiveSimProviderName, logger, opts),
		logger:   logger,
		currency: "RUB",
		now:      time.Now,
	}
}

func (p *FiveSimProvider) Name() string {
	return FiveSimProviderName
}

func (p *FiveSimProvider) ListCountries(ctx context.Context) ([]domain.Country, error) {
	var raw map[string]FiveSimCountry
	if err := p.client.getJSON(ctx, opListCountries, "/v1/guest/countries", &raw); err != nil {
		return nil, err
	}

	countries := make([]domain.Country, 0, len(raw))
	for key, c := range raw {
		name := c.TextEn
		if name == "" {
			name = key
		}
		countries = append(countries, domain.Country{
			ID:     key,
			Name:   name,
			ISO:    firstKey(c.ISO),
			Prefix: firstKey(c.Prefix),
		})
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].Name < countries[j].Name })
	return countries, nil
}

func (p *FiveSimProvider) ListProducts(ctx context.Context, country, operator string) (map[string]domain.Product, error) {
	var raw map[string]FiveSimProduct
	path := "/v1/guest/products" + pathJoin(country, operatorOrDefault(operator))
	if err := p.client.getJSON(ctx, opListProducts, path, &raw); err != nil {
		return nil, err
	}

	products := make(map[string]domain.Product, len(raw))
	for key, prod := range raw {
		products[key] = domain.Product{Key: key, Category: prod.Category, Price: prod.Price, Count: prod.Qty}
	}
	return products, nil
}

func (p *FiveSimProvider) PurchaseNumber(ctx context.Context, country, operator, product string) (*domain.PhoneNumber, error) {
	operator = operatorOrDefault(operator)
	var order FiveSimOrder
	path := "/v1/user/buy/activation" + pathJoin(country, operator, product)
	if err := p.client.getJSON(ctx, opPurchase, path, &order); err != nil {
		return nil, err
	}

	number, err := p.toPhoneNumber(opPurchase, order)
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

func (p *FiveSimProvider) CheckNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	return p.orderCall(ctx, opCheck, "/v1/user/check"+pathJoin(id))
}

func (p *FiveSimProvider) FinishNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	number, err := p.orderCall(ctx, opFinish, "/v1/user/finish"+pathJoin(id))
	if err != nil {
		return nil, err
	}
	if number.Status != domain.StatusFinished {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: opFinish, Kind: domain.ErrInvalidStateTransition,
			Detail: fmt.Sprintf("provider reports %s", number.Status)}
	}
	return number, nil
}

func (p *FiveSimProvider) CancelNumber(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	number, err := p.orderCall(ctx, opCancel, "/v1/user/cancel"+pathJoin(id))
	if err != nil {
		return nil, err
	}
	if number.Status != domain.StatusCancelled {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: opCancel, Kind: domain.ErrInvalidStateTransition,
			Detail: fmt.Sprintf("provider reports %s", number.Status)}
	}
	return number, nil
}

func (p *FiveSimProvider) GetBalance(ctx context.Context) (*domain.ProviderBalance, error) {
	var profile FiveSimProfile
	if err := p.client.getJSON(ctx, opBalance, "/v1/user/profile", &profile); err != nil {
		return nil, err
	}
	return &domain.ProviderBalance{
		ProviderID:     p.Name(),
		Balance:        float64(profile.Balance),
		Currency:       p.currency,
		Rating:         float64(profile.Rating),
		DefaultCountry: profile.DefaultCountry.Name,
	}, nil
}

func (p *FiveSimProvider) orderCall(ctx context.Context, op, path string) (*domain.PhoneNumber, error) {
	var order FiveSimOrder
	if err := p.client.getJSON(ctx, op, path, &order); err != nil {
		return nil, err
	}
	return p.toPhoneNumber(op, order)
}

func (p *FiveSimProvider) toPhoneNumber(op string, order FiveSimOrder) (*domain.PhoneNumber, error) {
	status, ok := normalizeStatus(fiveSimStatuses, order.Status)
	if !ok || order.ID == "" {
		return nil, &domain.ProviderError{Provider: p.Name(), Op: op, Kind: domain.ErrProviderUnreachable,
			Detail: fmt.Sprintf("unexpected order payload (id=%q status=%q)", order.ID, order.Status)}
	}

	var code, text string
	for _, sms := range order.SMS {
		if c := firstNonEmpty(sms.Code, sms.Text); c != "" {
			code, text = c, strings.TrimSpace(sms.Text)
			break
		}
	}

	now := p.now().UTC()
	created := order.CreatedAt.UTC()
	if order.CreatedAt.IsZero() {
		created = now
	}
	return &domain.PhoneNumber{
		ID:         string(order.ID),
		ProviderID: p.Name(),
		Country:    order.Country,
		Operator:   order.Operator,
		Service:    order.Product,
		Number:     normalizePhone(order.Phone),
		Status:     status,
		SMSCode:    code,
		SMSText:    text,
		Price:      float64(order.Price),
		ExpiresAt:  expiresOrDefault(order.Expires, order.CreatedAt, now),
		CreatedAt:  created,
		UpdatedAt:  now,
	}, nil
}

// firstKey returns the lexically smallest key, giving a stable pick from 5sim's set-like maps.
func firstKey(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}
