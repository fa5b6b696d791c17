package management

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-servicebus/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink answers requests through a responder function
type fakeLink struct {
	mu      sync.Mutex
	sent    []*Message
	replies chan *Message
	respond func(msg *Message) *Message
	sendErr error
	closed  bool
}

func newFakeLink(respond func(msg *Message) *Message) *fakeLink {
	return &fakeLink{
		replies: make(chan *Message, 16),
		respond: respond,
	}
}

func (l *fakeLink) Send(ctx context.Context, msg *Message) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()

	if l.sendErr != nil {
		return l.sendErr
	}
	if l.respond != nil {
		if reply := l.respond(msg); reply != nil {
			l.replies <- reply
		}
	}
	return nil
}

func (l *fakeLink) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-l.replies:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Address() string      { return "orders/$management" }
func (l *fakeLink) ReplyAddress() string { return "orders-reply" }

func (l *fakeLink) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) lastSent() *Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[len(l.sent)-1]
}

func statusReply(req *Message, code int32, value any) *Message {
	return &Message{
		CorrelationID: req.MessageID,
		ApplicationProperties: map[string]any{
			"statusCode":        code,
			"statusDescription": "status",
		},
		Value: value,
	}
}

// echoRequest returns the "name" entry of the reply body
type echoRequest struct {
	body    *Body
	timeout *uint32
}

func newEchoRequest() *echoRequest {
	return &echoRequest{body: NewBody().Set("name", "orders")}
}

func (r *echoRequest) OperationName() string { return "test:echo" }
func (r *echoRequest) EncodeBody() *Body     { return r.body }
func (r *echoRequest) EncodeApplicationProperties() *ApplicationProperties {
	return NewApplicationProperties(r.timeout, nil)
}

func (r *echoRequest) DecodeResponse(reply *Reply) (string, error) {
	m, err := reply.BodyMap()
	if err != nil {
		return "", err
	}
	name, _ := AsString(m["name"])
	return name, nil
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("NewClient rejects nil link", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("NewClient rejects non-positive reply timeout", func(t *testing.T) {
		_, err := NewClient(newFakeLink(nil), WithReplyTimeout(0))
		assert.Error(t, err)
	})

	t.Run("Invoke sends envelope and decodes reply", func(t *testing.T) {
		link := newFakeLink(func(msg *Message) *Message {
			return statusReply(msg, StatusOK, map[string]any{"name": "orders"})
		})
		client, err := NewClient(link)
		require.NoError(t, err)
		defer client.Close(ctx)

		req := newEchoRequest()
		timeout := uint32(5000)
		req.timeout = &timeout

		name, err := Invoke[string](ctx, client, req)
		require.NoError(t, err)
		assert.Equal(t, "orders", name)

		sent := link.lastSent()
		assert.NotEmpty(t, sent.MessageID)
		assert.Equal(t, "orders-reply", sent.ReplyTo)
		assert.Equal(t, "test:echo", sent.ApplicationProperties[PropertyOperation])
		assert.Equal(t, uint32(5000), sent.ApplicationProperties[PropertyServerTimeout])
		assert.NotContains(t, sent.ApplicationProperties, PropertyAssociatedLinkName)
		assert.Same(t, req.body, sent.Value)
	})

	t.Run("each attempt uses a fresh message ID", func(t *testing.T) {
		link := newFakeLink(func(msg *Message) *Message {
			return statusReply(msg, StatusOK, map[string]any{})
		})
		client, err := NewClient(link)
		require.NoError(t, err)
		defer client.Close(ctx)

		_, err = client.Do(ctx, newEchoRequest())
		require.NoError(t, err)
		first := link.lastSent().MessageID
		_, err = client.Do(ctx, newEchoRequest())
		require.NoError(t, err)
		assert.NotEqual(t, first, link.lastSent().MessageID)
	})

	t.Run("failure status becomes StatusError without retry", func(t *testing.T) {
		link := newFakeLink(func(msg *Message) *Message {
			reply := statusReply(msg, StatusNotFound, nil)
			reply.ApplicationProperties["errorCondition"] = "amqp:not-found"
			return reply
		})
		client, err := NewClient(link, WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))
		require.NoError(t, err)
		defer client.Close(ctx)

		_, err = client.Do(ctx, newEchoRequest())
		require.Error(t, err)

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, StatusNotFound, statusErr.StatusCode)
		assert.Equal(t, "amqp:not-found", statusErr.Condition)
		assert.Equal(t, "test:echo", statusErr.Operation)
		assert.True(t, IsStatus(err, StatusNotFound))
		assert.Equal(t, 1, link.sentCount())
	})

	t.Run("busy broker is retried with the same request", func(t *testing.T) {
		var calls int
		link := newFakeLink(func(msg *Message) *Message {
			calls++
			if calls == 1 {
				return statusReply(msg, StatusServiceUnavailable, nil)
			}
			return statusReply(msg, StatusOK, map[string]any{"name": "orders"})
		})
		client, err := NewClient(link, WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))
		require.NoError(t, err)
		defer client.Close(ctx)

		req := newEchoRequest()
		name, err := Invoke[string](ctx, client, req)
		require.NoError(t, err)
		assert.Equal(t, "orders", name)
		assert.Equal(t, 2, link.sentCount())
		assert.Same(t, req.body, link.lastSent().Value)
	})

	t.Run("no content is successful", func(t *testing.T) {
		link := newFakeLink(func(msg *Message) *Message {
			return statusReply(msg, StatusNoContent, nil)
		})
		client, err := NewClient(link)
		require.NoError(t, err)
		defer client.Close(ctx)

		reply, err := client.Do(ctx, newEchoRequest())
		require.NoError(t, err)
		assert.Equal(t, StatusNoContent, reply.StatusCode)
	})

	t.Run("reply timeout", func(t *testing.T) {
		client, err := NewClient(newFakeLink(nil),
			WithReplyTimeout(20*time.Millisecond),
			WithRetryPolicy(reliability.NoRetry{}))
		require.NoError(t, err)
		defer client.Close(ctx)

		_, err = client.Do(ctx, newEchoRequest())
		assert.ErrorIs(t, err, ErrReplyTimeout)
	})

	t.Run("send failure is a LinkError", func(t *testing.T) {
		link := newFakeLink(nil)
		link.sendErr = errors.New("connection reset")
		client, err := NewClient(link, WithRetryPolicy(reliability.NoRetry{}))
		require.NoError(t, err)
		defer client.Close(ctx)

		_, err = client.Do(ctx, newEchoRequest())
		var linkErr *LinkError
		require.ErrorAs(t, err, &linkErr)
		assert.Equal(t, "send", linkErr.Op)
		assert.Equal(t, "orders/$management", linkErr.Entity)
		assert.True(t, linkErr.IsRetryable())
	})

	t.Run("uncorrelated replies are dropped", func(t *testing.T) {
		link := newFakeLink(nil)
		link.respond = func(msg *Message) *Message {
			link.replies <- &Message{CorrelationID: "someone-else", ApplicationProperties: map[string]any{"statusCode": int32(200)}}
			return statusReply(msg, StatusOK, map[string]any{"name": "mine"})
		}
		client, err := NewClient(link)
		require.NoError(t, err)
		defer client.Close(ctx)

		name, err := Invoke[string](ctx, client, newEchoRequest())
		require.NoError(t, err)
		assert.Equal(t, "mine", name)
	})

	t.Run("Close fails waiting requests", func(t *testing.T) {
		link := newFakeLink(nil)
		client, err := NewClient(link, WithRetryPolicy(reliability.NoRetry{}))
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Do(ctx, newEchoRequest())
			errCh <- err
		}()

		require.Eventually(t, func() bool { return link.sentCount() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, client.Close(ctx))

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClientClosed)
		case <-time.After(time.Second):
			t.Fatal("request did not fail after Close")
		}

		assert.True(t, link.closed)
		assert.ErrorIs(t, client.Err(), ErrClientClosed)

		_, err = client.Do(ctx, newEchoRequest())
		assert.ErrorIs(t, err, ErrClientClosed)
		assert.NoError(t, client.Close(ctx))
	})

	t.Run("context cancellation", func(t *testing.T) {
		client, err := NewClient(newFakeLink(nil), WithRetryPolicy(reliability.NoRetry{}))
		require.NoError(t, err)
		defer client.Close(ctx)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err = client.Do(cctx, newEchoRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("nil request", func(t *testing.T) {
		client, err := NewClient(newFakeLink(nil))
		require.NoError(t, err)
		defer client.Close(ctx)

		_, err = client.Do(ctx, nil)
		assert.ErrorIs(t, err, ErrNilRequest)
	})
}

func TestNewReply(t *testing.T) {
	t.Run("reads Service Bus status keys", func(t *testing.T) {
		reply, err := NewReply("op", &Message{
			ApplicationProperties: map[string]any{
				"statusCode":        int32(200),
				"statusDescription": "OK",
			},
			Value: "v",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, reply.StatusCode)
		assert.Equal(t, "OK", reply.StatusDescription)
		assert.Equal(t, "v", reply.Value)
		assert.True(t, reply.Successful())
		assert.NoError(t, reply.Err())
	})

	t.Run("reads hyphenated status keys and JSON numbers", func(t *testing.T) {
		reply, err := NewReply("op", &Message{
			ApplicationProperties: map[string]any{
				"status-code":        float64(503),
				"status-description": "busy",
				"error-condition":    ConditionServerBusy,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusServiceUnavailable, reply.StatusCode)

		var statusErr *StatusError
		require.ErrorAs(t, reply.Err(), &statusErr)
		assert.True(t, statusErr.IsRetryable())
		assert.Contains(t, statusErr.Error(), ConditionServerBusy)
	})

	t.Run("missing status code", func(t *testing.T) {
		_, err := NewReply("op", &Message{ApplicationProperties: map[string]any{}})
		assert.ErrorIs(t, err, ErrMissingStatus)
	})

	t.Run("non-numeric status code", func(t *testing.T) {
		_, err := NewReply("op", &Message{ApplicationProperties: map[string]any{"statusCode": "ok"}})
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.False(t, decodeErr.IsRetryable())
	})

	t.Run("out-of-range status code", func(t *testing.T) {
		for _, code := range []any{int64(1) << 32, int64(4294967496), uint32(4294967295), int64(-1) << 40} {
			_, err := NewReply("op", &Message{ApplicationProperties: map[string]any{"statusCode": code}})
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr, "code %v", code)
			assert.Equal(t, "statusCode", decodeErr.Field)
		}
	})

	t.Run("BodyMap rejects non-map values", func(t *testing.T) {
		reply := &Reply{Operation: "op", Value: "text"}
		_, err := reply.BodyMap()
		assert.ErrorIs(t, err, ErrUnexpectedBody)
	})
}

func TestLinkErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"plain transport error", errors.New("connection reset"), true},
		{"client closed", ErrClientClosed, false},
		{"link detached", fmt.Errorf("%w: %w", ErrLinkDetached, errors.New("gone")), false},
		{"wrapped non-retryable", reliability.RetryableError{Err: errors.New("gave up"), Retryable: false}, false},
		{"wrapped retryable", reliability.RetryableError{Err: errors.New("busy"), Retryable: true}, true},
		{"no cause", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &LinkError{Op: "send", Entity: "orders/$management", Err: tt.err}
			assert.Equal(t, tt.retryable, err.IsRetryable())
		})
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		code      int32
		condition string
		retryable bool
	}{
		{StatusBadRequest, "", false},
		{StatusNotFound, "", false},
		{StatusGone, "", false},
		{StatusRequestTimeout, "", true},
		{StatusInternalServerError, "", true},
		{StatusServiceUnavailable, "", true},
		{StatusConflict, ConditionTimeout, true},
		{403, ConditionResourceLimitExceeded, true},
	}

	for _, tt := range tests {
		err := &StatusError{Operation: "op", StatusCode: tt.code, Condition: tt.condition}
		assert.Equal(t, tt.retryable, err.IsRetryable(), "status %d condition %q", tt.code, tt.condition)
	}
}
