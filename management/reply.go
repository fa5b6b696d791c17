package management

import (
	"fmt"
	"math"
)

// Message is the transport-neutral envelope of one management exchange
type Message struct {
	MessageID             string
	CorrelationID         string
	ReplyTo               string
	ApplicationProperties map[string]any

	// Value is the *Body on requests and the decoded AMQP value on replies
	Value any
}

// Reply is a management reply with its status pulled out of the
// application properties
type Reply struct {
	Operation         string
	StatusCode        int32
	StatusDescription string
	ErrorCondition    string
	Properties        map[string]any
	Value             any
}

// Successful reports whether the status code is 200, 202 or 204
func (r *Reply) Successful() bool {
	switch r.StatusCode {
	case StatusOK, StatusAccepted, StatusNoContent:
		return true
	}
	return false
}

// Err returns a StatusError for unsuccessful replies
func (r *Reply) Err() error {
	if r.Successful() {
		return nil
	}
	return &StatusError{
		Operation:   r.Operation,
		StatusCode:  r.StatusCode,
		Description: r.StatusDescription,
		Condition:   r.ErrorCondition,
	}
}

// BodyMap returns the reply value as a string-keyed map
func (r *Reply) BodyMap() (map[string]any, error) {
	m, ok := AsMap(r.Value)
	if !ok {
		return nil, &DecodeError{
			Operation: r.Operation,
			Err:       fmt.Errorf("%w: got %T, want map", ErrUnexpectedBody, r.Value),
		}
	}
	return m, nil
}

// Service Bus and the generic AMQP management draft spell the status keys differently
var (
	statusCodeKeys        = []string{"statusCode", "status-code"}
	statusDescriptionKeys = []string{"statusDescription", "status-description"}
	errorConditionKeys    = []string{"errorCondition", "error-condition"}
)

// NewReply extracts status information from a reply envelope
func NewReply(operation string, msg *Message) (*Reply, error) {
	reply := &Reply{
		Operation:  operation,
		Properties: msg.ApplicationProperties,
		Value:      msg.Value,
	}

	code, found := lookup(msg.ApplicationProperties, statusCodeKeys)
	if !found {
		return nil, &DecodeError{Operation: operation, Field: statusCodeKeys[0], Err: ErrMissingStatus}
	}
	n, ok := AsInt64(code)
	if !ok {
		return nil, &DecodeError{
			Operation: operation,
			Field:     statusCodeKeys[0],
			Err:       fmt.Errorf("unexpected type %T", code),
		}
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, &DecodeError{
			Operation: operation,
			Field:     statusCodeKeys[0],
			Err:       fmt.Errorf("status code %d out of range", n),
		}
	}
	reply.StatusCode = int32(n)

	if v, ok := lookup(msg.ApplicationProperties, statusDescriptionKeys); ok {
		reply.StatusDescription, _ = AsString(v)
	}
	if v, ok := lookup(msg.ApplicationProperties, errorConditionKeys); ok {
		reply.ErrorCondition, _ = AsString(v)
	}
	return reply, nil
}

func lookup(props map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := props[k]; ok {
			return v, true
		}
	}
	return nil, false
}
