package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-servicebus/internal/reliability"
	"github.com/google/uuid"
)

// Link is a bidirectional channel to one management node. Send delivers a
// request to the node; Receive returns replies addressed to ReplyAddress.
type Link interface {
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (*Message, error)
	Address() string
	ReplyAddress() string
	Close(ctx context.Context) error
}

// Client sends management requests over a Link and correlates the replies
type Client struct {
	link         Link
	logger       *slog.Logger
	retryPolicy  reliability.RetryPolicy
	replyTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
	err     error

	cancel context.CancelFunc
	done   chan struct{}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger       *slog.Logger
	retryPolicy  reliability.RetryPolicy
	replyTimeout time.Duration
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRetryPolicy sets the policy applied to retryable failures
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(c *clientConfig) {
		c.retryPolicy = policy
	}
}

// WithReplyTimeout sets how long a single attempt waits for its reply
func WithReplyTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.replyTimeout = timeout
	}
}

// NewClient creates a client and starts reading replies from link
func NewClient(link Link, opts ...ClientOption) (*Client, error) {
	if link == nil {
		return nil, fmt.Errorf("link cannot be nil")
	}

	cfg := &clientConfig{
		logger:       slog.Default(),
		retryPolicy:  reliability.DefaultPolicy(),
		replyTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.replyTimeout <= 0 {
		return nil, fmt.Errorf("reply timeout must be positive, got %v", cfg.replyTimeout)
	}
	if cfg.retryPolicy == nil {
		cfg.retryPolicy = reliability.NoRetry{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		link:         link,
		logger:       cfg.logger.With("address", link.Address()),
		retryPolicy:  cfg.retryPolicy,
		replyTimeout: cfg.replyTimeout,
		pending:      make(map[string]chan *Message),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go c.receiveLoop(ctx)

	return c, nil
}

// Address returns the management node address
func (c *Client) Address() string {
	return c.link.Address()
}

// Err returns the error that stopped the client, or nil while it is usable
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Do sends req and waits for a successful reply. Retryable failures are
// retried with the same request value according to the retry policy.
func (c *Client) Do(ctx context.Context, req Request) (*Reply, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	var reply *Reply
	err := reliability.Retry(ctx, c.retryPolicy, req.OperationName(), func() error {
		r, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		if err := r.Err(); err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		c.logger.Debug("management request failed",
			"operation", req.OperationName(),
			"error", err)
		return nil, err
	}
	return reply, nil
}

// Invoke sends op and decodes its typed response
func Invoke[R any](ctx context.Context, c *Client, op Operation[R]) (R, error) {
	var zero R
	if op == nil {
		return zero, ErrNilRequest
	}
	reply, err := c.Do(ctx, op)
	if err != nil {
		return zero, err
	}
	return op.DecodeResponse(reply)
}

// roundTrip performs one send and waits for the correlated reply
func (c *Client) roundTrip(ctx context.Context, req Request) (*Reply, error) {
	msg := &Message{
		MessageID:             uuid.New().String(),
		ReplyTo:               c.link.ReplyAddress(),
		ApplicationProperties: envelopeProperties(req),
		Value:                 req.EncodeBody(),
	}

	replyChan := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed || c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, c.linkError("send", detached(err))
	}
	c.pending[msg.MessageID] = replyChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.MessageID)
		c.mu.Unlock()
	}()

	c.logger.Debug("sending management request",
		"operation", req.OperationName(),
		"messageId", msg.MessageID)

	if err := c.link.Send(ctx, msg); err != nil {
		return nil, c.linkError("send", err)
	}

	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()

	select {
	case replyMsg := <-replyChan:
		return NewReply(req.OperationName(), replyMsg)
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", ErrReplyTimeout, req.OperationName(), c.replyTimeout)
	case <-c.done:
		return nil, c.linkError("receive", detached(c.Err()))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// receiveLoop dispatches replies to waiting callers by correlation ID
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)

	for {
		msg, err := c.link.Receive(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.err == nil {
				if closed {
					c.err = ErrClientClosed
				} else {
					c.err = err
				}
			}
			c.mu.Unlock()

			if !closed {
				c.logger.Error("management receive loop stopped", "error", err)
			}
			return
		}

		c.mu.Lock()
		replyChan, exists := c.pending[msg.CorrelationID]
		c.mu.Unlock()

		if !exists {
			c.logger.Debug("dropping uncorrelated management reply",
				"correlationId", msg.CorrelationID)
			continue
		}

		select {
		case replyChan <- msg:
		default:
			// Duplicate reply for the same request
		}
	}
}

// Close stops the receive loop and closes the link.
// Requests still waiting fail with ErrClientClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.link.Close(ctx)

	select {
	case <-c.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (c *Client) linkError(op string, err error) error {
	if err == nil {
		err = ErrClientClosed
	}
	return &LinkError{
		Op:        op,
		Entity:    c.link.Address(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// detached marks err as a terminal link failure
func detached(err error) error {
	if err == nil || errors.Is(err, ErrClientClosed) {
		return ErrClientClosed
	}
	return fmt.Errorf("%w: %w", ErrLinkDetached, err)
}
