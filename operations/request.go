package operations

import (
	"github.com/glimte/mmate-servicebus/management"
)

// Operation identifiers registered by the Service Bus management node
const (
	OperationPeekMessage      = "com.microsoft:peek-message"
	OperationRenewLock        = "com.microsoft:renew-lock"
	OperationRenewSessionLock = "com.microsoft:renew-session-lock"
	OperationGetSessionState  = "com.microsoft:get-session-state"
	OperationSetSessionState  = "com.microsoft:set-session-state"
)

// Body keys
const (
	keyFromSequenceNumber = "from-sequence-number"
	keyMessageCount       = "message-count"
	keySessionID          = "session-id"
	keySessionState       = "session-state"
	keyLockTokens         = "lock-tokens"
	keyMessages           = "messages"
	keyMessage            = "message"
	keyExpiration         = "expiration"
	keyExpirations        = "expirations"
)

// request holds what every operation carries besides its name: the body,
// built once at construction, and the optional transport hints
type request struct {
	body               *management.Body
	serverTimeout      *uint32
	associatedLinkName *string
}

func newRequest(body *management.Body, associatedLinkName *string) request {
	r := request{body: body}
	if associatedLinkName != nil {
		name := *associatedLinkName
		r.associatedLinkName = &name
	}
	return r
}

// EncodeBody returns the stored body without copying it
func (r *request) EncodeBody() *management.Body {
	return r.body
}

// EncodeApplicationProperties returns the server timeout and associated
// link name when either is set, nil otherwise
func (r *request) EncodeApplicationProperties() *management.ApplicationProperties {
	return management.NewApplicationProperties(r.serverTimeout, r.associatedLinkName)
}

// SetServerTimeout overwrites the broker-side timeout in milliseconds.
// nil removes it.
func (r *request) SetServerTimeout(timeout *uint32) {
	if timeout == nil {
		r.serverTimeout = nil
		return
	}
	v := *timeout
	r.serverTimeout = &v
}

// AssociatedLinkName returns the receiver link name, if any
func (r *request) AssociatedLinkName() (string, bool) {
	if r.associatedLinkName == nil {
		return "", false
	}
	return *r.associatedLinkName, true
}

func (r *request) clone() request {
	c := request{body: r.body.Clone()}
	c.SetServerTimeout(r.serverTimeout)
	if r.associatedLinkName != nil {
		name := *r.associatedLinkName
		c.associatedLinkName = &name
	}
	return c
}

func decodeError(operation, field string, err error) error {
	return &management.DecodeError{Operation: operation, Field: field, Err: err}
}
