package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-servicebus/internal/rabbitmq"
	"github.com/glimte/mmate-servicebus/management"
)

// Transport opens management links on a RabbitMQ broker. Each entity's
// management node is the queue "<entity>/$management" on the default
// exchange; replies arrive on a server-named exclusive queue per link.
type Transport struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Transport{
		manager: manager,
		logger:  cfg.Logger,
	}, nil
}

// OpenLink opens a channel with a private reply queue for entityPath
func (t *Transport) OpenLink(_ context.Context, entityPath string) (management.Link, error) {
	link, err := newLink(t.manager, entityPath, t.logger)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Close closes the broker connection
func (t *Transport) Close() error {
	return t.manager.Close()
}
