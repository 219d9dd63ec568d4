package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// InboundSMS is a code pushed by a provider webhook relay, published on
// "<subject>.<provider>".
type InboundSMS struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
	Text    string `json:"text"`
}

// Subscriber is the subset of the NATS client used by InboundSMSConsumer.
type Subscriber interface {
	Subscribe(subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// InboundSMSConsumer applies pushed SMS codes to live sessions so they do not have
// to wait for the next poll tick.
type InboundSMSConsumer struct {
	subscriber Subscriber
	manager    *SessionManager
	subject    string
	queueGroup string
	logger     *slog.Logger
}

func NewInboundSMSConsumer(subscriber Subscriber, manager *SessionManager, subject, queueGroup string, logger *slog.Logger) *InboundSMSConsumer {
	return &InboundSMSConsumer{
		subscriber: subscriber,
		manager:    manager,
		subject:    subject,
		queueGroup: queueGroup,
		logger:     logger.With("component", "inbound_sms_consumer"),
	}
}

// Run subscribes to "<subject>.*" and blocks until ctx is done.
func (c *InboundSMSConsumer) Run(ctx context.Context) error {
	pattern := c.subject + ".*"
	sub, err := c.subscriber.Subscribe(pattern, c.queueGroup, func(msg *nats.Msg) {
		c.HandleMessage(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	c.logger.InfoContext(ctx, "Inbound SMS subscription started", "subject", pattern, "queue_group", c.queueGroup)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		c.logger.Warn("Failed to unsubscribe inbound SMS subscription", "error", err)
	}
	c.logger.Info("Inbound SMS subscription ended", "subject", pattern)
	return nil
}

// HandleMessage decodes one pushed SMS and applies it to the matching session.
func (c *InboundSMSConsumer) HandleMessage(ctx context.Context, subject string, data []byte) {
	providerName := strings.TrimPrefix(subject, c.subject+".")
	if providerName == "" || providerName == subject || strings.Contains(providerName, ".") {
		c.logger.ErrorContext(ctx, "Invalid inbound SMS subject", "subject", subject)
		inboundSMSCounter.WithLabelValues("error").Inc()
		return
	}

	var sms InboundSMS
	if err := json.Unmarshal(data, &sms); err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode inbound SMS", "subject", subject, "error", err)
		inboundSMSCounter.WithLabelValues("error").Inc()
		return
	}
	if sms.OrderID == "" || strings.TrimSpace(sms.Code) == "" {
		c.logger.WarnContext(ctx, "Inbound SMS without order id or code", "subject", subject)
		inboundSMSCounter.WithLabelValues("error").Inc()
		return
	}

	applied, err := c.manager.ApplyInbound(ctx, providerName, sms)
	switch {
	case err != nil:
		c.logger.WarnContext(ctx, "Inbound SMS not applied", "session_id", sms.OrderID, "provider_name", providerName, "error", err)
		inboundSMSCounter.WithLabelValues("error").Inc()
	case applied:
		c.logger.InfoContext(ctx, "Inbound SMS applied", "session_id", sms.OrderID, "provider_name", providerName)
		inboundSMSCounter.WithLabelValues("applied").Inc()
	default:
		inboundSMSCounter.WithLabelValues("ignored").Inc()
	}
}

// ApplyInbound merges a pushed code into a live session of providerName.
// It reports false when the session already had that code.
func (m *SessionManager) ApplyInbound(ctx context.Context, providerName string, sms InboundSMS) (bool, error) {
	tracker, ok := m.tracker(sms.OrderID)
	if !ok {
		return false, fmt.Errorf("session %s: %w", sms.OrderID, domain.ErrNotFound)
	}
	snapshot := tracker.Snapshot()
	if snapshot.ProviderID != providerName {
		return false, fmt.Errorf("session %s belongs to %s: %w", sms.OrderID, snapshot.ProviderID, domain.ErrNotFound)
	}
	return tracker.ApplyObserved(ctx, domain.PhoneNumber{
		ID:      sms.OrderID,
		Status:  domain.StatusPending,
		SMSCode: strings.TrimSpace(sms.Code),
		SMSText: sms.Text,
	})
}
