package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/app"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/provider"
)

// --- Mocks ---

// recordingCatalog records product invalidations on top of the real catalog.
type recordingCatalog struct {
	*app.CatalogService
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCatalog) InvalidateProducts(ctx context.Context, providerName, country, operator string) {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, providerName+"/"+country+"/"+operator)
	c.mu.Unlock()
	c.CatalogService.InvalidateProducts(ctx, providerName, country, operator)
}

// --- Test Setup ---

type handlerTestComponents struct {
	server   *httptest.Server
	provider *provider.MockProvider
	manager  *app.SessionManager
	catalog  *recordingCatalog
}

func setupHandler(t *testing.T, balance float64) handlerTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mockProvider := provider.NewMockProvider(logger, balance)
	registry, err := provider.NewRegistry(provider.MockProviderName, mockProvider)
	require.NoError(t, err)

	feed := app.NewNotificationFeed(20)
	manager := app.NewSessionManager(registry, nil, feed, logger, app.TrackerConfig{PollInterval: time.Hour})
	t.Cleanup(manager.Shutdown)
	catalog := &recordingCatalog{CatalogService: app.NewCatalogService(registry, nil, 0, logger)}

	handler := NewNumberHandler(manager, catalog, feed, validator.New(), logger)
	server := httptest.NewServer(NewRouter(handler, 5*time.Second))
	t.Cleanup(server.Close)
	return handlerTestComponents{server: server, provider: mockProvider, manager: manager, catalog: catalog}
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeNumber(t *testing.T, data []byte) NumberDTO {
	t.Helper()
	var dto NumberDTO
	require.NoError(t, json.Unmarshal(data, &dto))
	return dto
}

func decodeError(t *testing.T, data []byte) string {
	t.Helper()
	var dto ErrorResponseDTO
	require.NoError(t, json.Unmarshal(data, &dto))
	return dto.Error
}

// --- Tests ---

func TestNumberHandler_PurchaseReceiveFinish(t *testing.T) {
	c := setupHandler(t, 100)

	resp, data := doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers", `{"country":"russia","product":"telegram"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	number := decodeNumber(t, data)
	assert.Equal(t, "pending", number.Status)
	assert.Equal(t, provider.MockProviderName, number.Provider)
	assert.Nil(t, number.SMSCode)
	assert.Equal(t, []string{"check", "cancel"}, number.Actions)
	assert.Positive(t, number.SecondsLeft)

	resp, data = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/numbers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListNumbersResponseDTO
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Numbers, 1)
	assert.Equal(t, number.ID, list.Numbers[0].ID)

	require.NoError(t, c.provider.DeliverSMS(number.ID, "424242"))
	resp, data = doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers/"+number.ID+"/check", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	number = decodeNumber(t, data)
	assert.Equal(t, "received", number.Status)
	require.NotNil(t, number.SMSCode)
	assert.Equal(t, "424242", *number.SMSCode)
	assert.Equal(t, []string{"finish", "cancel"}, number.Actions)

	resp, data = doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers/"+number.ID+"/finish", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	number = decodeNumber(t, data)
	assert.Equal(t, "finished", number.Status)
	assert.Empty(t, number.Actions)
	assert.Zero(t, number.SecondsLeft)

	resp, data = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/notifications?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var feed NotificationsResponseDTO
	require.NoError(t, json.Unmarshal(data, &feed))
	require.Len(t, feed.Notifications, 1)
	assert.Equal(t, domain.EventStatusChanged, feed.Notifications[0].Type)
}

func TestNumberHandler_PurchaseErrors(t *testing.T) {
	testCases := []struct {
		name       string
		balance    float64
		body       string
		setup      func(c handlerTestComponents)
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed body",
			balance:    100,
			body:       `{"country":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "missing product",
			balance:    100,
			body:       `{"country":"russia"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "insufficient balance",
			balance:    10,
			body:       `{"country":"usa","product":"telegram"}`,
			wantStatus: http.StatusPaymentRequired,
			wantError:  "not enough balance on the provider account",
		},
		{
			name:       "product unavailable",
			balance:    100,
			body:       `{"country":"usa","product":"whatsapp"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "no numbers are available for this selection",
		},
		{
			name:       "unknown provider",
			balance:    100,
			body:       `{"provider":"nope","country":"russia","product":"telegram"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "provider unreachable",
			balance:    100,
			body:       `{"country":"russia","product":"telegram"}`,
			setup:      func(c handlerTestComponents) { c.provider.SetUnreachable(true) },
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "the provider is unreachable, try again later",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := setupHandler(t, tc.balance)
			if tc.setup != nil {
				tc.setup(c)
			}
			resp, data := doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers", tc.body)
			assert.Equal(t, tc.wantStatus, resp.StatusCode, string(data))
			if tc.wantError != "" {
				assert.Equal(t, tc.wantError, decodeError(t, data))
			}
			assert.Empty(t, c.manager.List(), "a failed purchase creates no session")
			if tc.wantStatus == http.StatusUnprocessableEntity {
				assert.Equal(t, []string{"/usa/"}, c.catalog.invalidated, "stale availability is dropped")
			} else {
				assert.Empty(t, c.catalog.invalidated)
			}
		})
	}
}

func TestNumberHandler_ActionsOnTerminalSession(t *testing.T) {
	c := setupHandler(t, 100)

	_, data := doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers", `{"country":"russia","product":"telegram"}`)
	number := decodeNumber(t, data)

	resp, data := doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers/"+number.ID+"/finish", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "finish needs a received code")
	assert.Equal(t, "the action is not allowed in the current state", decodeError(t, data))

	resp, data = doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers/"+number.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "cancelled", decodeNumber(t, data).Status)

	// Without a repository a released session is gone.
	resp, _ = doRequest(t, http.MethodPost, c.server.URL+"/api/v1/numbers/"+number.ID+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/providers/mock/balance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance domain.ProviderBalance
	require.NoError(t, json.Unmarshal(data, &balance))
	assert.InDelta(t, 100, balance.Balance, 0.001, "an unused number is refunded")
}

func TestNumberHandler_UnknownNumber(t *testing.T) {
	c := setupHandler(t, 100)

	for _, path := range []string{"/api/v1/numbers/missing", "/api/v1/numbers/missing/check"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "/check") {
			method = http.MethodPost
		}
		resp, data := doRequest(t, method, c.server.URL+path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "number not found", decodeError(t, data))
	}
}

func TestNumberHandler_Catalog(t *testing.T) {
	c := setupHandler(t, 100)

	resp, data := doRequest(t, http.MethodGet, c.server.URL+"/api/v1/providers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var providers struct {
		Providers []app.ProviderInfo `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(data, &providers))
	assert.Equal(t, []app.ProviderInfo{{Name: provider.MockProviderName, Default: true}}, providers.Providers)

	resp, data = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/providers/mock/countries", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var countries struct {
		Countries []domain.Country `json:"countries"`
	}
	require.NoError(t, json.Unmarshal(data, &countries))
	assert.Len(t, countries.Countries, 2)

	resp, data = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/providers/mock/products/russia?operator=any", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var products struct {
		Products map[string]domain.Product `json:"products"`
	}
	require.NoError(t, json.Unmarshal(data, &products))
	assert.Contains(t, products.Products, "telegram")

	resp, data = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/providers/mock/balance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance domain.ProviderBalance
	require.NoError(t, json.Unmarshal(data, &balance))
	assert.InDelta(t, 100, balance.Balance, 0.001)

	resp, _ = doRequest(t, http.MethodGet, c.server.URL+"/api/v1/providers/nope/countries", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNumberHandler_HealthAndMetrics(t *testing.T) {
	c := setupHandler(t, 100)

	resp, _ := doRequest(t, http.MethodGet, c.server.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := doRequest(t, http.MethodGet, c.server.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "virtual_number_http_requests_total")
}

func TestStatusForError(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", domain.ErrInsufficientBalance), http.StatusPaymentRequired},
		{domain.ErrProductUnavailable, http.StatusUnprocessableEntity},
		{domain.ErrInvalidStateTransition, http.StatusConflict},
		{domain.ErrPollInFlight, http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrProviderUnreachable, http.StatusServiceUnavailable},
		{app.ErrManagerClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}
