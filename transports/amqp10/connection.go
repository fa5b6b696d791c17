package amqp10

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/glimte/mmate-servicebus/internal/connstr"
	"github.com/glimte/mmate-servicebus/management"
)

// Connection is an AMQP 1.0 connection to a Service Bus namespace from which
// per-entity management links are opened
type Connection struct {
	conn        *amqp.Conn
	logger      *slog.Logger
	endpoint    string
	mu          sync.Mutex
	closed      bool
	dialTimeout time.Duration
}

// ConnectionOption configures the connection
type ConnectionOption func(*connectionConfig)

type connectionConfig struct {
	logger      *slog.Logger
	tlsConfig   *tls.Config
	containerID string
	dialTimeout time.Duration
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *connectionConfig) {
		c.logger = logger
	}
}

// WithTLSConfig overrides the TLS configuration used for amqps endpoints
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) {
		c.tlsConfig = cfg
	}
}

// WithContainerID sets the AMQP container ID announced in the open frame
func WithContainerID(id string) ConnectionOption {
	return func(c *connectionConfig) {
		c.containerID = id
	}
}

// WithDialTimeout bounds connection setup and link attach
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.dialTimeout = timeout
	}
}

// Dial connects to the namespace described by props, authenticating
// with SASL PLAIN using the shared access key
func Dial(ctx context.Context, props *connstr.Properties, options ...ConnectionOption) (*Connection, error) {
	cfg := &connectionConfig{
		logger:      slog.Default(),
		dialTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	opts := &amqp.ConnOptions{
		ContainerID: cfg.containerID,
		TLSConfig:   cfg.tlsConfig,
	}
	switch {
	case props.SharedAccessKeyName != "":
		opts.SASLType = amqp.SASLTypePlain(props.SharedAccessKeyName, props.SharedAccessKey)
	default:
		opts.SASLType = amqp.SASLTypeAnonymous()
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	endpoint := props.AMQPEndpoint()
	conn, err := amqp.Dial(dialCtx, endpoint, opts)
	if err != nil {
		return nil, &management.LinkError{
			Op:        "dial",
			Entity:    props.Host(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cfg.logger.Info("connected to Service Bus", "endpoint", props.Host())

	return &Connection{
		conn:        conn,
		logger:      cfg.logger,
		endpoint:    props.Host(),
		dialTimeout: cfg.dialTimeout,
	}, nil
}

// OpenLink attaches a management link for entityPath
func (c *Connection) OpenLink(ctx context.Context, entityPath string) (management.Link, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("open link for %s: %w", entityPath, management.ErrClientClosed)
	}

	attachCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	link, err := newLink(attachCtx, c.conn, entityPath, c.logger)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Close closes the connection and every link opened on it
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing Service Bus connection", "endpoint", c.endpoint)
	return c.conn.Close()
}
