// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-servicebus/internal/connstr"
	"github.com/glimte/mmate-servicebus/internal/reliability"
	"github.com/glimte/mmate-servicebus/management"
	"github.com/glimte/mmate-servicebus/operations"
	"github.com/glimte/mmate-servicebus/transports/amqp10"
	rabbitmqTransport "github.com/glimte/mmate-servicebus/transports/rabbitmq"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrClosed is returned by a Client after Close
var ErrClosed = errors.New("servicebus: client closed")

const (
	defaultCacheSize    = 64
	defaultCloseTimeout = 5 * time.Second
)

// linkOpener is a transport that can attach management links
type linkOpener interface {
	OpenLink(ctx context.Context, entityPath string) (management.Link, error)
	Close() error
}

// Client provides the main entry point: one connection, and a management
// client per entity opened on demand
type Client struct {
	opener     linkOpener
	logger     *slog.Logger
	clientOpts []management.ClientOption

	mu      sync.Mutex
	clients *lru.Cache[string, *entry]
	closing []*entry
	closed  bool
}

// entry is a cached management client and the number of callers using it.
// An evicted entry is closed once its last user releases it.
type entry struct {
	entity  string
	client  *management.Client
	refs    int
	evicted bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger       *slog.Logger
	retryPolicy  reliability.RetryPolicy
	replyTimeout time.Duration
	cacheSize    int
}

// WithLogger sets the logger for the client and its transport
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRetryPolicy sets the retry policy of every management client
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(c *clientConfig) {
		c.retryPolicy = policy
	}
}

// WithReplyTimeout sets how long one attempt waits for its reply
func WithReplyTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.replyTimeout = timeout
	}
}

// WithCacheSize bounds how many entity management links stay open
func WithCacheSize(size int) ClientOption {
	return func(c *clientConfig) {
		c.cacheSize = size
	}
}

// NewClient connects using connectionString. Broker URLs (amqp:// or
// amqps://) select the RabbitMQ transport; anything else is parsed as a
// Service Bus connection string and dialed over AMQP 1.0.
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	var (
		opener linkOpener
		err    error
	)
	if isBrokerURL(connectionString) {
		opener, err = rabbitmqTransport.NewTransport(ctx, connectionString,
			rabbitmqTransport.WithLogger(cfg.logger))
	} else {
		var props *connstr.Properties
		props, err = connstr.Parse(connectionString)
		if err != nil {
			return nil, fmt.Errorf("invalid connection string: %w", err)
		}
		opener, err = amqp10.Dial(ctx, props, amqp10.WithLogger(cfg.logger))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(opener, cfg)
	if err != nil {
		opener.Close()
		return nil, err
	}
	return client, nil
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:    slog.Default(),
		cacheSize: defaultCacheSize,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func newClient(opener linkOpener, cfg *clientConfig) (*Client, error) {
	c := &Client{
		opener: opener,
		logger: cfg.logger,
		clientOpts: []management.ClientOption{
			management.WithLogger(cfg.logger),
		},
	}
	if cfg.retryPolicy != nil {
		c.clientOpts = append(c.clientOpts, management.WithRetryPolicy(cfg.retryPolicy))
	}
	if cfg.replyTimeout != 0 {
		c.clientOpts = append(c.clientOpts, management.WithReplyTimeout(cfg.replyTimeout))
	}

	cache, err := lru.NewWithEvict[string, *entry](cfg.cacheSize, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("invalid cache size %d: %w", cfg.cacheSize, err)
	}
	c.clients = cache
	return c, nil
}

func isBrokerURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "amqp://") || strings.HasPrefix(s, "amqps://")
}

// Management returns the management client for entityPath, opening a link
// the first time and again after the previous link failed. The client stays
// open until release is called, even if the cache evicts it meanwhile.
func (c *Client) Management(ctx context.Context, entityPath string) (mc *management.Client, release func(), err error) {
	e, err := c.acquire(ctx, entityPath)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return e.client, func() { once.Do(func() { c.release(e) }) }, nil
}

func (c *Client) acquire(ctx context.Context, entityPath string) (*entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e := c.cachedLocked(entityPath); e != nil {
		e.refs++
		c.mu.Unlock()
		return e, nil
	}
	stale := c.takeClosingLocked()
	c.mu.Unlock()
	c.closeEntries(stale)

	link, err := c.opener.OpenLink(ctx, entityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open management link for %s: %w", entityPath, err)
	}
	mc, err := management.NewClient(link, c.clientOpts...)
	if err != nil {
		link.Close(ctx)
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closeClient(entityPath, mc)
		return nil, ErrClosed
	}
	if e := c.cachedLocked(entityPath); e != nil {
		// Another caller attached first
		e.refs++
		c.mu.Unlock()
		c.closeClient(entityPath, mc)
		return e, nil
	}
	e := &entry{entity: entityPath, client: mc, refs: 1}
	c.clients.Add(entityPath, e)
	evicted := c.takeClosingLocked()
	c.mu.Unlock()

	c.closeEntries(evicted)
	return e, nil
}

// cachedLocked returns the usable cached entry for entityPath, dropping a
// failed one; callers hold mu
func (c *Client) cachedLocked(entityPath string) *entry {
	e, ok := c.clients.Get(entityPath)
	if !ok {
		return nil
	}
	if err := e.client.Err(); err != nil {
		c.logger.Warn("replacing failed management link",
			"entity", entityPath,
			"error", err)
		c.clients.Remove(entityPath)
		return nil
	}
	return e
}

func (c *Client) release(e *entry) {
	c.mu.Lock()
	e.refs--
	idle := e.evicted && e.refs == 0
	c.mu.Unlock()

	if idle {
		c.closeClient(e.entity, e.client)
	}
}

// onEvict runs inside cache operations, which are only made under mu
func (c *Client) onEvict(_ string, e *entry) {
	e.evicted = true
	if e.refs == 0 {
		c.closing = append(c.closing, e)
	}
}

// takeClosingLocked hands over the evicted entries nobody uses; callers hold mu
func (c *Client) takeClosingLocked() []*entry {
	out := c.closing
	c.closing = nil
	return out
}

func (c *Client) closeEntries(entries []*entry) {
	for _, e := range entries {
		c.closeClient(e.entity, e.client)
	}
}

func (c *Client) closeClient(entityPath string, mc *management.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()

	if err := mc.Close(ctx); err != nil {
		c.logger.Warn("failed to close management link",
			"entity", entityPath,
			"error", err)
	}
}

// PeekMessages returns up to count messages from entityPath starting at
// fromSequenceNumber without locking them
func (c *Client) PeekMessages(ctx context.Context, entityPath string, fromSequenceNumber int64, count int32) (*operations.PeekMessageResponse, error) {
	return invoke(ctx, c, entityPath, operations.NewPeekMessageRequest(fromSequenceNumber, count, nil))
}

// PeekSessionMessages peeks messages of one session
func (c *Client) PeekSessionMessages(ctx context.Context, entityPath, sessionID string, fromSequenceNumber int64, count int32) (*operations.PeekMessageResponse, error) {
	return invoke(ctx, c, entityPath, operations.NewPeekSessionMessageRequest(fromSequenceNumber, count, sessionID, nil))
}

// GetSessionState returns the state stored with sessionID, or nil
func (c *Client) GetSessionState(ctx context.Context, entityPath, sessionID string) ([]byte, error) {
	return invoke(ctx, c, entityPath, operations.NewGetSessionStateRequest(sessionID, nil))
}

// SetSessionState replaces the state stored with sessionID; nil clears it
func (c *Client) SetSessionState(ctx context.Context, entityPath, sessionID string, state []byte) error {
	_, err := invoke(ctx, c, entityPath, operations.NewSetSessionStateRequest(sessionID, state, nil))
	return err
}

// RenewSessionLock extends the lock on sessionID and returns the new expiry
func (c *Client) RenewSessionLock(ctx context.Context, entityPath, sessionID string) (time.Time, error) {
	return invoke(ctx, c, entityPath, operations.NewRenewSessionLockRequest(sessionID, nil))
}

// RenewLocks extends the locks identified by lockTokens
func (c *Client) RenewLocks(ctx context.Context, entityPath string, lockTokens []uuid.UUID) ([]time.Time, error) {
	return invoke(ctx, c, entityPath, operations.NewRenewLockRequest(lockTokens, nil))
}

func invoke[R any](ctx context.Context, c *Client, entityPath string, op management.Operation[R]) (R, error) {
	e, err := c.acquire(ctx, entityPath)
	if err != nil {
		var zero R
		return zero, err
	}
	defer c.release(e)
	return management.Invoke(ctx, e.client, op)
}

// Close closes every idle management link and then the connection, which
// also ends requests still in flight
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.clients.Purge()
	idle := c.takeClosingLocked()
	c.mu.Unlock()

	c.closeEntries(idle)
	return c.opener.Close()
}
