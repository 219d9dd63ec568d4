package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// Notifier receives session events. Implementations must not block the caller for long
// and handle their own delivery errors.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event)
}

// Publisher is the subset of the NATS client used to fan events out to other services.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationFeed keeps the most recent events in a bounded ring buffer.
type NotificationFeed struct {
	mu     sync.RWMutex
	events []domain.Event
	next   int
	full   bool
}

func NewNotificationFeed(size int) *NotificationFeed {
	if size < 1 {
		size = 1
	}
	return &NotificationFeed{events: make([]domain.Event, size)}
}

func (f *NotificationFeed) Notify(_ context.Context, event domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[f.next] = event
	f.next = (f.next + 1) % len(f.events)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns up to limit events, newest first. A non-positive limit returns all of them.
func (f *NotificationFeed) Recent(limit int) []domain.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	count := f.next
	if f.full {
		count = len(f.events)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]domain.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.events)) % len(f.events)
		out = append(out, f.events[idx])
	}
	return out
}

// NATSNotifier publishes every event as JSON on "<prefix>.<type>".
type NATSNotifier struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

func NewNATSNotifier(publisher Publisher, subjectPrefix string, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{publisher: publisher, prefix: subjectPrefix, logger: logger.With("component", "nats_notifier")}
}

func (n *NATSNotifier) Notify(ctx context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to marshal event", "event_id", event.ID, "error", err)
		return
	}
	subject := n.prefix + "." + string(event.Type)
	if err := n.publisher.Publish(ctx, subject, data); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish event", "subject", subject, "session_id", event.SessionID, "error", err)
	}
}

// MultiNotifier fans an event out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event domain.Event) {
	notificationsCounter.WithLabelValues(string(event.Type)).Inc()
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

func newEvent(eventType domain.EventType, number domain.PhoneNumber, now time.Time) domain.Event {
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: number.ID,
		Status:    number.Status,
		Number:    number,
		CreatedAt: now.UTC(),
	}
	label := number.Number
	if label == "" {
		label = number.ID
	}
	switch eventType {
	case domain.EventPurchased:
		event.Message = fmt.Sprintf("Number %s purchased for %s (%s)", label, number.Service, number.Country)
	case domain.EventCodeReceived:
		event.Message = fmt.Sprintf("Code %s received for %s", number.SMSCode, label)
	case domain.EventStatusChanged:
		event.Message = fmt.Sprintf("Number %s is now %s", label, number.Status)
	case domain.EventPollFailing:
		event.Message = fmt.Sprintf("Status checks for %s keep failing", label)
	}
	return event
}

// newFailureEvent describes a failed user action. number may be zero for purchases.
func newFailureEvent(action string, number domain.PhoneNumber, err error, now time.Time) domain.Event {
	event := newEvent(domain.EventActionFailed, number, now)
	event.Message = fmt.Sprintf("Could not %s: %s", action, UserMessage(err))
	event.Detail = err.Error()
	return event
}

// UserMessage renders err as one human-readable line.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "not enough balance on the provider account"
	case errors.Is(err, domain.ErrProductUnavailable):
		return "no numbers are available for this selection"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "the action is not allowed in the current state"
	case errors.Is(err, domain.ErrUnauthorized):
		return "the provider rejected our credentials"
	case errors.Is(err, domain.ErrProviderUnreachable):
		return "the provider is unreachable, try again later"
	case errors.Is(err, domain.ErrNotFound):
		return "number not found"
	case errors.Is(err, domain.ErrPollInFlight):
		return "a status check is already running"
	case errors.Is(err, ErrManagerClosed):
		return "the service is shutting down"
	default:
		return "unexpected error"
	}
}
