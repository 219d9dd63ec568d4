package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

const (
	opListCountries = "list_countries"
	opListProducts  = "list_products"
	opPurchase      = "purchase"
	opCheck         = "check"
	opFinish        = "finish"
	opCancel        = "cancel"
	opBalance       = "balance"

	// maxErrorBodyLen caps how much of a failed response body ends up in errors and logs.
	maxErrorBodyLen = 200
)

// HTTPOptions configures the transport shared by the HTTP provider dialects.
type HTTPOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client  // defaults to a client with Timeout
	Timeout    time.Duration // default 10s
	RateLimit  rate.Limit    // requests per second; 0 disables throttling
	RateBurst  int
}

// apiClient performs authenticated GET requests against one provider and classifies
// failures into domain errors. It is safe for concurrent use by all trackers.
type apiClient struct {
	provider   string
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func newAPIClient(provider string, logger *slog.Logger, opts HTTPOptions) *apiClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &apiClient{
		provider:   provider,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}
}

// getJSON issues GET baseURL+path and decodes a 2xx JSON body into out.
func (c *apiClient) getJSON(ctx context.Context, op, path string, out any) (err error) {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(c.provider, op))
	defer func() {
		timer.ObserveDuration()
		providerRequestsCounter.WithLabelValues(c.provider, op, outcomeLabel(err)).Inc()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.unreachable(op, 0, fmt.Sprintf("rate limiter: %v", err))
		}
	}

	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request for %s: %w", c.provider, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.DebugContext(ctx, "Sending HTTP request to provider", "operation", op, "url", url)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "Provider request failed", "operation", op, "error", err)
		return c.unreachable(op, 0, err.Error())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to read provider response body", "operation", op, "status_code", httpResp.StatusCode, "error", err)
		return c.unreachable(op, httpResp.StatusCode, "read body: "+err.Error())
	}
	c.logger.DebugContext(ctx, "Received HTTP response from provider", "operation", op, "status_code", httpResp.StatusCode, "body_len", len(body))

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		perr := c.classify(op, httpResp.StatusCode, body)
		c.logger.WarnContext(ctx, "Provider returned an error status", "operation", op, "status_code", httpResp.StatusCode, "error", perr)
		return perr
	}

	if err := json.Unmarshal(body, out); err != nil {
		// Some providers answer 200 with a plain-text error such as "no free phones".
		if kind := classifyText(op, body); kind != nil {
			return &domain.ProviderError{Provider: c.provider, Op: op, StatusCode: httpResp.StatusCode, Kind: kind, Detail: truncate(body)}
		}
		c.logger.WarnContext(ctx, "Failed to parse provider response", "operation", op, "error", err, "body", truncate(body))
		return c.unreachable(op, httpResp.StatusCode, "unexpected response: "+truncate(body))
	}
	return nil
}

func (c *apiClient) unreachable(op string, status int, detail string) error {
	return &domain.ProviderError{Provider: c.provider, Op: op, StatusCode: status, Kind: domain.ErrProviderUnreachable, Detail: detail}
}

// classify maps a non-2xx response to a domain error. Unrecognised 4xx answers are
// treated as unreachable so pollers retry them on the next tick.
func (c *apiClient) classify(op string, status int, body []byte) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ErrUnauthorized
	case status == http.StatusPaymentRequired:
		kind = domain.ErrInsufficientBalance
	case status == http.StatusConflict:
		kind = domain.ErrInvalidStateTransition
	case status == http.StatusNotFound && op == opPurchase:
		kind = domain.ErrProductUnavailable
	case status == http.StatusNotFound:
		kind = domain.ErrNotFound
	case status >= 500:
		kind = domain.ErrProviderUnreachable
	default:
		kind = classifyText(op, body)
		if kind == nil {
			kind = domain.ErrProviderUnreachable
		}
	}
	return &domain.ProviderError{Provider: c.provider, Op: op, StatusCode: status, Kind: kind, Detail: truncate(body)}
}

// classifyText recognises the plain-text error vocabulary providers use in bodies.
func classifyText(op string, body []byte) error {
	text := strings.ToLower(strings.TrimSpace(string(body)))
	switch {
	case text == "":
		return nil
	case strings.Contains(text, "not enough user balance"), strings.Contains(text, "insufficient balance"),
		strings.Contains(text, "no balance"):
		return domain.ErrInsufficientBalance
	case strings.Contains(text, "no free phones"), strings.Contains(text, "no product"),
		strings.Contains(text, "bad country"), strings.Contains(text, "bad operator"),
		strings.Contains(text, "not enough rating"), strings.Contains(text, "product unavailable"):
		return domain.ErrProductUnavailable
	case strings.Contains(text, "order not found"), strings.Contains(text, "record not found"):
		if op == opPurchase {
			return domain.ErrProductUnavailable
		}
		return domain.ErrNotFound
	case strings.Contains(text, "order has sms"), strings.Contains(text, "order expired"),
		strings.Contains(text, "order no sms"), strings.Contains(text, "hosting order"),
		strings.Contains(text, "invalid status"), strings.Contains(text, "already"):
		return domain.ErrInvalidStateTransition
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrProviderUnreachable):
		return "unreachable"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxErrorBodyLen {
		return s
	}
	cut := maxErrorBodyLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
