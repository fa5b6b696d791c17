package rabbitmq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-servicebus/internal/rabbitmq"
	"github.com/glimte/mmate-servicebus/management"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Link is a management.Link over one AMQP 0-9-1 channel
type Link struct {
	channel      *amqp.Channel
	deliveries   <-chan amqp.Delivery
	address      string
	replyAddress string
	logger       *slog.Logger
}

var _ management.Link = (*Link)(nil)

// ManagementQueue returns the queue that serves entityPath's management operations
func ManagementQueue(entityPath string) string {
	return entityPath + "/$management"
}

func newLink(manager *rabbitmq.ConnectionManager, entityPath string, logger *slog.Logger) (*Link, error) {
	address := ManagementQueue(entityPath)

	channel, err := manager.Channel()
	if err != nil {
		return nil, &management.LinkError{Op: "open channel", Entity: address, Err: err, Timestamp: time.Now()}
	}

	queue, err := channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		return nil, &management.LinkError{
			Op:     "declare reply queue",
			Entity: address,
			Err:    &rabbitmq.ChannelError{Op: "queue declare", Err: err, Timestamp: time.Now()},
		}
	}

	deliveries, err := channel.Consume(
		queue.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		return nil, &management.LinkError{
			Op:     "consume reply queue",
			Entity: address,
			Err:    &rabbitmq.ChannelError{Op: "consume", Queue: queue.Name, Err: err, Timestamp: time.Now()},
		}
	}

	logger.Debug("management link opened",
		"address", address,
		"replyQueue", queue.Name)

	return &Link{
		channel:      channel,
		deliveries:   deliveries,
		address:      address,
		replyAddress: queue.Name,
		logger:       logger,
	}, nil
}

// Address implements management.Link
func (l *Link) Address() string {
	return l.address
}

// ReplyAddress implements management.Link
func (l *Link) ReplyAddress() string {
	return l.replyAddress
}

// Send publishes msg to the management queue on the default exchange
func (l *Link) Send(ctx context.Context, msg *management.Message) error {
	publishing, err := toPublishing(msg)
	if err != nil {
		return err
	}
	err = l.channel.PublishWithContext(ctx,
		"",        // default exchange
		l.address, // routing key
		true,      // mandatory
		false,     // immediate
		publishing,
	)
	if err != nil {
		return &rabbitmq.ChannelError{Op: "publish", Queue: l.address, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Receive returns the next reply from the private queue
func (l *Link) Receive(ctx context.Context) (*management.Message, error) {
	select {
	case delivery, ok := <-l.deliveries:
		if !ok {
			return nil, rabbitmq.ErrChannelClosed
		}
		return fromDelivery(delivery)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the channel, which deletes the reply queue
func (l *Link) Close(ctx context.Context) error {
	if l.channel.IsClosed() {
		return nil
	}
	return l.channel.Close()
}

func toPublishing(msg *management.Message) (amqp.Publishing, error) {
	var body []byte
	if msg.Value != nil {
		encoded, err := json.Marshal(msg.Value)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("encode management body: %w", err)
		}
		body = encoded
	}

	headers := make(amqp.Table, len(msg.ApplicationProperties))
	for k, v := range msg.ApplicationProperties {
		headers[k] = headerValue(v)
	}

	return amqp.Publishing{
		ContentType:   contentTypeJSON,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Headers:       headers,
		Body:          body,
	}, nil
}

func fromDelivery(d amqp.Delivery) (*management.Message, error) {
	msg := &management.Message{
		MessageID:             d.MessageId,
		CorrelationID:         d.CorrelationId,
		ReplyTo:               d.ReplyTo,
		ApplicationProperties: make(map[string]any, len(d.Headers)),
	}
	for k, v := range d.Headers {
		msg.ApplicationProperties[k] = v
	}

	if len(bytes.TrimSpace(d.Body)) == 0 {
		return msg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(d.Body))
	dec.UseNumber()
	if err := dec.Decode(&msg.Value); err != nil {
		return nil, &management.DecodeError{Operation: "reply", Err: err}
	}
	return msg, nil
}

// headerValue maps application property values onto AMQP 0-9-1 table types
func headerValue(v any) any {
	switch val := v.(type) {
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case uint:
		return int64(val)
	case uuid.UUID:
		return val.String()
	}
	return v
}
