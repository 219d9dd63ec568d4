package messagebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrClientClosed is returned when publishing on a closed client.
var ErrClientClosed = errors.New("nats client is closed")

// NATSClient wraps a NATS connection with logging and context-aware publish.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSClient connects to natsURL, e.g. "nats://localhost:4222".
func NewNATSClient(natsURL, appName string, logger *slog.Logger) (*NATSClient, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSClient{conn: nc, logger: logger}, nil
}

// Publish sends data on subject. It honours ctx cancellation before touching the connection.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil || c.conn.IsClosed() {
		return ErrClientClosed
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	c.logger.DebugContext(ctx, "Published NATS message", "subject", subject, "data_len", len(data))
	return nil
}

// Subscribe registers handler for subject within queueGroup (empty for a plain subscription).
func (c *NATSClient) Subscribe(subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrClientClosed
	}
	if queueGroup == "" {
		return c.conn.Subscribe(subject, handler)
	}
	return c.conn.QueueSubscribe(subject, queueGroup, handler)
}

// Close drains pending messages and closes the connection.
func (c *NATSClient) Close() {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.conn.Close()
	}
}
