package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/app"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

const maxRequestBodySize = 1 << 16

// SessionService is the part of app.SessionManager the handler drives.
type SessionService interface {
	Purchase(ctx context.Context, req app.PurchaseRequest) (*domain.PhoneNumber, error)
	Get(ctx context.Context, id string) (*domain.PhoneNumber, error)
	List() []domain.PhoneNumber
	History(ctx context.Context, limit int) ([]*domain.PhoneNumber, error)
	Check(ctx context.Context, id string) (*domain.PhoneNumber, error)
	Finish(ctx context.Context, id string) (*domain.PhoneNumber, error)
	Cancel(ctx context.Context, id string) (*domain.PhoneNumber, error)
}

// CatalogReader is the part of app.CatalogService the handler reads from.
type CatalogReader interface {
	Providers() []app.ProviderInfo
	Countries(ctx context.Context, providerName string) ([]domain.Country, error)
	Products(ctx context.Context, providerName, country, operator string) (map[string]domain.Product, error)
	Balance(ctx context.Context, providerName string) (*domain.ProviderBalance, error)
	InvalidateProducts(ctx context.Context, providerName, country, operator string)
}

// NotificationReader serves the notification bell.
type NotificationReader interface {
	Recent(limit int) []domain.Event
}

// NumberHandler exposes catalog reads, purchases and session actions. It never
// mutates a session itself.
type NumberHandler struct {
	sessions      SessionService
	catalog       CatalogReader
	notifications NotificationReader
	validate      *validator.Validate
	logger        *slog.Logger
	now           func() time.Time
}

func NewNumberHandler(sessions SessionService, catalog CatalogReader, notifications NotificationReader,
	validate *validator.Validate, logger *slog.Logger) *NumberHandler {
	return &NumberHandler{
		sessions:      sessions,
		catalog:       catalog,
		notifications: notifications,
		validate:      validate,
		logger:        logger.With("handler", "numbers"),
		now:           time.Now,
	}
}

// RegisterRoutes mounts the handler on an /api/v1 router.
func (h *NumberHandler) RegisterRoutes(r chi.Router) {
	r.Route("/providers", func(r chi.Router) {
		r.Get("/", h.ListProviders)
		r.Get("/{provider}/countries", h.ListCountries)
		r.Get("/{provider}/products/{country}", h.ListProducts)
		r.Get("/{provider}/balance", h.GetBalance)
	})
	r.Route("/numbers", func(r chi.Router) {
		r.Post("/", h.PurchaseNumber)
		r.Get("/", h.ListNumbers)
		r.Get("/{id}", h.GetNumber)
		r.Post("/{id}/check", h.CheckNumber)
		r.Post("/{id}/finish", h.FinishNumber)
		r.Post("/{id}/cancel", h.CancelNumber)
	})
	r.Get("/notifications", h.ListNotifications)
}

func (h *NumberHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]any{"providers": h.catalog.Providers()})
}

func (h *NumberHandler) ListCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := h.catalog.Countries(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, r, "ListCountries", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"countries": countries})
}

func (h *NumberHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.Products(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "country"), r.URL.Query().Get("operator"))
	if err != nil {
		h.writeError(w, r, "ListProducts", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"products": products})
}

func (h *NumberHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.catalog.Balance(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, r, "GetBalance", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, balance)
}

func (h *NumberHandler) PurchaseNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqDTO PurchaseNumberRequestDTO
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode purchase request", "error", err)
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for purchase request", "error", err)
		h.jsonError(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	number, err := h.sessions.Purchase(ctx, app.PurchaseRequest{
		Provider: reqDTO.Provider,
		Country:  reqDTO.Country,
		Operator: reqDTO.Operator,
		Product:  reqDTO.Product,
	})
	if err != nil {
		if errors.Is(err, domain.ErrProductUnavailable) {
			h.catalog.InvalidateProducts(ctx, reqDTO.Provider, reqDTO.Country, reqDTO.Operator)
		}
		h.writeError(w, r, "PurchaseNumber", err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, toNumberDTO(*number, h.now()))
}

// ListNumbers returns live sessions, or persisted history with ?all=true&limit=N.
func (h *NumberHandler) ListNumbers(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := ListNumbersResponseDTO{Numbers: []NumberDTO{}}

	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		history, err := h.sessions.History(r.Context(), queryLimit(r, 50))
		if err != nil {
			h.writeError(w, r, "ListNumbers", err)
			return
		}
		for _, n := range history {
			resp.Numbers = append(resp.Numbers, toNumberDTO(*n, now))
		}
	} else {
		for _, n := range h.sessions.List() {
			resp.Numbers = append(resp.Numbers, toNumberDTO(n, now))
		}
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *NumberHandler) GetNumber(w http.ResponseWriter, r *http.Request) {
	number, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetNumber", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toNumberDTO(*number, h.now()))
}

func (h *NumberHandler) CheckNumber(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "CheckNumber", h.sessions.Check)
}

func (h *NumberHandler) FinishNumber(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "FinishNumber", h.sessions.Finish)
}

func (h *NumberHandler) CancelNumber(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "CancelNumber", h.sessions.Cancel)
}

func (h *NumberHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	events := h.notifications.Recent(queryLimit(r, 20))
	if events == nil {
		events = []domain.Event{}
	}
	h.writeJSON(w, r, http.StatusOK, NotificationsResponseDTO{Notifications: events})
}

func (h *NumberHandler) action(w http.ResponseWriter, r *http.Request, operation string,
	fn func(context.Context, string) (*domain.PhoneNumber, error)) {
	number, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, operation, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toNumberDTO(*number, h.now()))
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrProductUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrPollInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrProviderUnreachable), errors.Is(err, app.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *NumberHandler) writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := statusForError(err)
	logger := h.logger.With("operation", operation, "request_id", chimiddleware.GetReqID(r.Context()), "status_code", status)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed", "error", err)
	} else {
		logger.WarnContext(r.Context(), "Request rejected", "error", err)
	}
	h.jsonError(w, app.UserMessage(err), status)
}

func (h *NumberHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to write response", "error", err)
	}
}

func (h *NumberHandler) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponseDTO{Error: message})
}

func queryLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}
