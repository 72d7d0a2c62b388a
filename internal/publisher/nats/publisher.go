// Package nats publishes application results to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Config describes the NATS connection.
type Config struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Name    string `mapstructure:"name"`
}

// Publisher sends JSON payloads as NATS messages.
type Publisher struct {
	nc             *nats.Conn
	defaultSubject string
}

// Connect dials NATS and reconnects forever.
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "autoapply"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return NewWithConn(nc, cfg.Subject), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(nc *nats.Conn, defaultSubject string) *Publisher {
	return &Publisher{nc: nc, defaultSubject: defaultSubject}
}

// Publish marshals payload and publishes it. NATS core has no message IDs, so the
// returned ID is the subject and payload size.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if p.nc == nil {
		return "", errors.New("nats connection is not configured")
	}
	if subject == "" {
		subject = p.defaultSubject
	}
	if subject == "" {
		return "", errors.New("nats subject is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	if err := p.nc.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}
	return fmt.Sprintf("%s/%d", subject, len(data)), nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
