package operations

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-servicebus/management"
	"github.com/google/uuid"
)

// RenewLockRequest extends the locks of messages received in peek-lock mode
type RenewLockRequest struct {
	request
	count int
}

var _ management.Operation[[]time.Time] = (*RenewLockRequest)(nil)

// NewRenewLockRequest builds a renewal for the given lock tokens
func NewRenewLockRequest(lockTokens []uuid.UUID, associatedLinkName *string) *RenewLockRequest {
	tokens := make([]uuid.UUID, len(lockTokens))
	copy(tokens, lockTokens)

	body := management.NewBody().Set(keyLockTokens, tokens)
	return &RenewLockRequest{
		request: newRequest(body, associatedLinkName),
		count:   len(tokens),
	}
}

// OperationName implements management.Request
func (r *RenewLockRequest) OperationName() string {
	return OperationRenewLock
}

// DecodeResponse returns the new expirations, one per lock token in request order
func (r *RenewLockRequest) DecodeResponse(reply *management.Reply) ([]time.Time, error) {
	body, err := reply.BodyMap()
	if err != nil {
		return nil, err
	}

	list, ok := management.AsList(body[keyExpirations])
	if !ok {
		return nil, decodeError(OperationRenewLock, keyExpirations,
			fmt.Errorf("%w: got %T, want list", management.ErrUnexpectedBody, body[keyExpirations]))
	}
	if len(list) != r.count {
		return nil, decodeError(OperationRenewLock, keyExpirations,
			fmt.Errorf("%w: %d expirations for %d lock tokens", management.ErrUnexpectedBody, len(list), r.count))
	}

	expirations := make([]time.Time, len(list))
	for i, v := range list {
		t, ok := management.AsTime(v)
		if !ok {
			return nil, decodeError(OperationRenewLock, fmt.Sprintf("%s[%d]", keyExpirations, i),
				fmt.Errorf("%w: got %T, want timestamp", management.ErrUnexpectedBody, v))
		}
		expirations[i] = t
	}
	return expirations, nil
}
