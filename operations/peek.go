package operations

import (
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/glimte/mmate-servicebus/management"
)

// Message annotation carrying the broker-assigned sequence number
const annotationSequenceNumber = "x-opt-sequence-number"

// PeekSessionMessageRequest reads messages of one session without locking
// or removing them. Arguments are passed to the broker unvalidated.
type PeekSessionMessageRequest struct {
	request
}

var _ management.Operation[*PeekMessageResponse] = (*PeekSessionMessageRequest)(nil)

// NewPeekSessionMessageRequest builds a peek starting at fromSequenceNumber
// for at most messageCount messages of session sessionID
func NewPeekSessionMessageRequest(fromSequenceNumber int64, messageCount int32, sessionID string, associatedLinkName *string) *PeekSessionMessageRequest {
	body := management.NewBody().
		Set(keyFromSequenceNumber, fromSequenceNumber).
		Set(keyMessageCount, messageCount).
		Set(keySessionID, sessionID)

	return &PeekSessionMessageRequest{request: newRequest(body, associatedLinkName)}
}

// OperationName implements management.Request
func (r *PeekSessionMessageRequest) OperationName() string {
	return OperationPeekMessage
}

// DecodeResponse implements management.Operation
func (r *PeekSessionMessageRequest) DecodeResponse(reply *management.Reply) (*PeekMessageResponse, error) {
	return decodePeekResponse(reply)
}

// Clone returns an independent copy, for callers that keep a request
// around while another goroutine adjusts its timeout
func (r *PeekSessionMessageRequest) Clone() *PeekSessionMessageRequest {
	return &PeekSessionMessageRequest{request: r.clone()}
}

// PeekMessageRequest reads messages of an entity without sessions
type PeekMessageRequest struct {
	request
}

var _ management.Operation[*PeekMessageResponse] = (*PeekMessageRequest)(nil)

// NewPeekMessageRequest builds a peek starting at fromSequenceNumber for at
// most messageCount messages
func NewPeekMessageRequest(fromSequenceNumber int64, messageCount int32, associatedLinkName *string) *PeekMessageRequest {
	body := management.NewBody().
		Set(keyFromSequenceNumber, fromSequenceNumber).
		Set(keyMessageCount, messageCount)

	return &PeekMessageRequest{request: newRequest(body, associatedLinkName)}
}

// OperationName implements management.Request
func (r *PeekMessageRequest) OperationName() string {
	return OperationPeekMessage
}

// DecodeResponse implements management.Operation
func (r *PeekMessageRequest) DecodeResponse(reply *management.Reply) (*PeekMessageResponse, error) {
	return decodePeekResponse(reply)
}

// PeekedMessage is one message returned by a peek
type PeekedMessage struct {
	SequenceNumber int64
	Raw            []byte
	Message        *amqp.Message
}

// PeekMessageResponse lists peeked messages in broker order
type PeekMessageResponse struct {
	Messages []PeekedMessage
}

// LastSequenceNumber returns the highest sequence number seen, or -1
func (r *PeekMessageResponse) LastSequenceNumber() int64 {
	last := int64(-1)
	for _, m := range r.Messages {
		if m.SequenceNumber > last {
			last = m.SequenceNumber
		}
	}
	return last
}

func decodePeekResponse(reply *management.Reply) (*PeekMessageResponse, error) {
	resp := &PeekMessageResponse{}
	if reply.StatusCode == management.StatusNoContent || reply.Value == nil {
		return resp, nil
	}

	body, err := reply.BodyMap()
	if err != nil {
		return nil, err
	}

	list, ok := management.AsList(body[keyMessages])
	if !ok {
		return nil, decodeError(OperationPeekMessage, keyMessages,
			fmt.Errorf("%w: got %T, want list", management.ErrUnexpectedBody, body[keyMessages]))
	}

	resp.Messages = make([]PeekedMessage, 0, len(list))
	for i, item := range list {
		entry, ok := management.AsMap(item)
		if !ok {
			return nil, decodeError(OperationPeekMessage, fmt.Sprintf("%s[%d]", keyMessages, i),
				fmt.Errorf("%w: got %T, want map", management.ErrUnexpectedBody, item))
		}
		raw, ok := management.AsBytes(entry[keyMessage])
		if !ok || raw == nil {
			return nil, decodeError(OperationPeekMessage, fmt.Sprintf("%s[%d].%s", keyMessages, i, keyMessage),
				fmt.Errorf("%w: got %T, want binary", management.ErrUnexpectedBody, entry[keyMessage]))
		}

		peeked, err := decodePeekedMessage(raw)
		if err != nil {
			return nil, decodeError(OperationPeekMessage, fmt.Sprintf("%s[%d]", keyMessages, i), err)
		}
		resp.Messages = append(resp.Messages, peeked)
	}

	return resp, nil
}

func decodePeekedMessage(raw []byte) (PeekedMessage, error) {
	msg := &amqp.Message{}
	if err := msg.UnmarshalBinary(raw); err != nil {
		return PeekedMessage{}, err
	}

	peeked := PeekedMessage{SequenceNumber: -1, Raw: raw, Message: msg}
	for k, v := range msg.Annotations {
		if key, ok := management.AsString(k); ok && key == annotationSequenceNumber {
			if n, ok := management.AsInt64(v); ok {
				peeked.SequenceNumber = n
			}
		}
	}
	return peeked, nil
}
