package http

import (
	"time"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// --- Request DTOs ---

// PurchaseNumberRequestDTO selects the number to buy. Provider and operator are optional.
type PurchaseNumberRequestDTO struct {
	Provider string `json:"provider,omitempty" validate:"omitempty,max=32"`
	Country  string `json:"country" validate:"required,max=64"`
	Operator string `json:"operator,omitempty" validate:"omitempty,max=64"`
	Product  string `json:"product" validate:"required,max=64"`
}

// --- Response DTOs ---

// NumberDTO is a session as shown to the dashboard, with the actions it currently accepts.
type NumberDTO struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Country     string    `json:"country"`
	Operator    string    `json:"operator"`
	Product     string    `json:"product"`
	Number      string    `json:"number"`
	Status      string    `json:"status"`
	SMSCode     *string   `json:"sms_code"`
	SMSText     string    `json:"sms_text,omitempty"`
	Price       float64   `json:"price"`
	ExpiresAt   time.Time `json:"expires_at"`
	SecondsLeft int64     `json:"seconds_left"`
	Actions     []string  `json:"actions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ListNumbersResponseDTO struct {
	Numbers []NumberDTO `json:"numbers"`
}

type NotificationsResponseDTO struct {
	Notifications []domain.Event `json:"notifications"`
}

type ErrorResponseDTO struct {
	Error string `json:"error"`
}

func toNumberDTO(n domain.PhoneNumber, now time.Time) NumberDTO {
	dto := NumberDTO{
		ID:        n.ID,
		Provider:  n.ProviderID,
		Country:   n.Country,
		Operator:  n.Operator,
		Product:   n.Service,
		Number:    n.Number,
		Status:    n.Status.String(),
		SMSText:   n.SMSText,
		Price:     n.Price,
		ExpiresAt: n.ExpiresAt,
		Actions:   allowedActions(n.Status),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if n.HasCode() {
		code := n.SMSCode
		dto.SMSCode = &code
	}
	if !n.Status.IsTerminal() && n.ExpiresAt.After(now) {
		dto.SecondsLeft = int64(n.ExpiresAt.Sub(now) / time.Second)
	}
	return dto
}

func allowedActions(status domain.Status) []string {
	switch status {
	case domain.StatusPending:
		return []string{"check", "cancel"}
	case domain.StatusReceived:
		return []string{"finish", "cancel"}
	default:
		return []string{}
	}
}
