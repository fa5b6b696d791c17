package operations

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-servicebus/management"
)

// RenewSessionLockRequest extends the lock held on a session
type RenewSessionLockRequest struct {
	request
}

var _ management.Operation[time.Time] = (*RenewSessionLockRequest)(nil)

// NewRenewSessionLockRequest builds a lock renewal for sessionID
func NewRenewSessionLockRequest(sessionID string, associatedLinkName *string) *RenewSessionLockRequest {
	body := management.NewBody().Set(keySessionID, sessionID)
	return &RenewSessionLockRequest{request: newRequest(body, associatedLinkName)}
}

// OperationName implements management.Request
func (r *RenewSessionLockRequest) OperationName() string {
	return OperationRenewSessionLock
}

// DecodeResponse returns the new lock expiration
func (r *RenewSessionLockRequest) DecodeResponse(reply *management.Reply) (time.Time, error) {
	body, err := reply.BodyMap()
	if err != nil {
		return time.Time{}, err
	}
	expiration, ok := management.AsTime(body[keyExpiration])
	if !ok {
		return time.Time{}, decodeError(OperationRenewSessionLock, keyExpiration,
			fmt.Errorf("%w: got %T, want timestamp", management.ErrUnexpectedBody, body[keyExpiration]))
	}
	return expiration, nil
}

// GetSessionStateRequest reads the opaque state stored with a session
type GetSessionStateRequest struct {
	request
}

var _ management.Operation[[]byte] = (*GetSessionStateRequest)(nil)

// NewGetSessionStateRequest builds a state read for sessionID
func NewGetSessionStateRequest(sessionID string, associatedLinkName *string) *GetSessionStateRequest {
	body := management.NewBody().Set(keySessionID, sessionID)
	return &GetSessionStateRequest{request: newRequest(body, associatedLinkName)}
}

// OperationName implements management.Request
func (r *GetSessionStateRequest) OperationName() string {
	return OperationGetSessionState
}

// DecodeResponse returns the session state; nil means no state is set
func (r *GetSessionStateRequest) DecodeResponse(reply *management.Reply) ([]byte, error) {
	if reply.Value == nil {
		return nil, nil
	}
	body, err := reply.BodyMap()
	if err != nil {
		return nil, err
	}
	state, ok := management.AsBytes(body[keySessionState])
	if !ok {
		return nil, decodeError(OperationGetSessionState, keySessionState,
			fmt.Errorf("%w: got %T, want binary", management.ErrUnexpectedBody, body[keySessionState]))
	}
	return state, nil
}

// SetSessionStateRequest replaces the state stored with a session.
// A nil state clears it.
type SetSessionStateRequest struct {
	request
}

var _ management.Operation[struct{}] = (*SetSessionStateRequest)(nil)

// NewSetSessionStateRequest builds a state write for sessionID
func NewSetSessionStateRequest(sessionID string, state []byte, associatedLinkName *string) *SetSessionStateRequest {
	var value any
	if state != nil {
		value = state
	}
	body := management.NewBody().
		Set(keySessionID, sessionID).
		Set(keySessionState, value)
	return &SetSessionStateRequest{request: newRequest(body, associatedLinkName)}
}

// OperationName implements management.Request
func (r *SetSessionStateRequest) OperationName() string {
	return OperationSetSessionState
}

// DecodeResponse implements management.Operation; the reply carries no body
func (r *SetSessionStateRequest) DecodeResponse(reply *management.Reply) (struct{}, error) {
	return struct{}{}, nil
}
