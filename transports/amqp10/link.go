package amqp10

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Azure/go-amqp"
	"github.com/glimte/mmate-servicebus/management"
	"github.com/google/uuid"
)

// managementSuffix is appended to an entity path to address its management node
const managementSuffix = "/$management"

// Link is a management.Link over an AMQP 1.0 session: a sender to the
// entity's management node and a receiver whose target is a private
// reply address
type Link struct {
	session      *amqp.Session
	sender       *amqp.Sender
	receiver     *amqp.Receiver
	address      string
	replyAddress string
	logger       *slog.Logger
}

var _ management.Link = (*Link)(nil)

// ManagementAddress returns the management node address for entityPath
func ManagementAddress(entityPath string) string {
	return entityPath + managementSuffix
}

// newLink attaches the sender and receiver pair on a fresh session
func newLink(ctx context.Context, conn *amqp.Conn, entityPath string, logger *slog.Logger) (*Link, error) {
	address := ManagementAddress(entityPath)
	replyAddress := fmt.Sprintf("%s-reply-%s", entityPath, uuid.New().String()[:8])

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, &management.LinkError{Op: "begin session", Entity: address, Err: err}
	}

	sender, err := session.NewSender(ctx, address, nil)
	if err != nil {
		_ = session.Close(ctx)
		return nil, &management.LinkError{Op: "attach sender", Entity: address, Err: err}
	}

	receiver, err := session.NewReceiver(ctx, address, &amqp.ReceiverOptions{
		TargetAddress: replyAddress,
	})
	if err != nil {
		_ = sender.Close(ctx)
		_ = session.Close(ctx)
		return nil, &management.LinkError{Op: "attach receiver", Entity: address, Err: err}
	}

	logger.Debug("management link attached",
		"address", address,
		"replyAddress", replyAddress)

	return &Link{
		session:      session,
		sender:       sender,
		receiver:     receiver,
		address:      address,
		replyAddress: replyAddress,
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

// Send implements management.Link
func (l *Link) Send(ctx context.Context, msg *management.Message) error {
	return l.sender.Send(ctx, toAMQPMessage(msg), nil)
}

// Receive implements management.Link. Replies are accepted before they are
// handed back.
func (l *Link) Receive(ctx context.Context) (*management.Message, error) {
	msg, err := l.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := l.receiver.AcceptMessage(ctx, msg); err != nil {
		l.logger.Warn("failed to settle management reply", "error", err)
	}
	return fromAMQPMessage(msg), nil
}

// Close detaches both links and ends the session
func (l *Link) Close(ctx context.Context) error {
	return errors.Join(
		l.receiver.Close(ctx),
		l.sender.Close(ctx),
		l.session.Close(ctx),
	)
}

func toAMQPMessage(msg *management.Message) *amqp.Message {
	replyTo := msg.ReplyTo
	out := &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: msg.MessageID,
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: make(map[string]any, len(msg.ApplicationProperties)),
		Value:                 encodeValue(msg.Value),
	}
	if msg.CorrelationID != "" {
		out.Properties.CorrelationID = msg.CorrelationID
	}
	for k, v := range msg.ApplicationProperties {
		out.ApplicationProperties[k] = encodeValue(v)
	}
	return out
}

func fromAMQPMessage(msg *amqp.Message) *management.Message {
	out := &management.Message{
		ApplicationProperties: msg.ApplicationProperties,
		Value:                 msg.Value,
	}
	if out.ApplicationProperties == nil {
		out.ApplicationProperties = map[string]any{}
	}
	if p := msg.Properties; p != nil {
		out.MessageID = identifier(p.MessageID)
		out.CorrelationID = identifier(p.CorrelationID)
		if p.ReplyTo != nil {
			out.ReplyTo = *p.ReplyTo
		}
	}
	return out
}

// identifier renders message-id and correlation-id values, which AMQP
// allows to be strings, UUIDs, binary or ulong
func identifier(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case amqp.UUID:
		return uuid.UUID(id).String()
	case []byte:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}

// encodeValue maps body values onto types the AMQP encoder understands.
// go-amqp encodes maps from Go maps only, so a Body's entry order does not
// survive onto the wire; the broker looks values up by key.
func encodeValue(v any) any {
	switch val := v.(type) {
	case *management.Body:
		if val == nil {
			return nil
		}
		m := make(map[string]any, val.Len())
		for _, e := range val.Entries() {
			m[e.Key] = encodeValue(e.Value)
		}
		return m
	case uuid.UUID:
		return amqp.UUID(val)
	case []uuid.UUID:
		out := make([]amqp.UUID, len(val))
		for i, id := range val {
			out[i] = amqp.UUID(id)
		}
		return out
	}
	return v
}
