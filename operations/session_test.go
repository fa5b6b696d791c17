package operations

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/glimte/mmate-servicebus/management"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okReply(value any) *management.Reply {
	return &management.Reply{StatusCode: management.StatusOK, Value: value}
}

func TestRenewSessionLockRequest(t *testing.T) {
	req := NewRenewSessionLockRequest("session-A", ptr("receiver-1"))

	assert.Equal(t, OperationRenewSessionLock, req.OperationName())
	assert.Equal(t, []string{"session-id"}, req.EncodeBody().Keys())
	assert.Equal(t, "receiver-1", *req.EncodeApplicationProperties().AssociatedLinkName)

	t.Run("decodes expiration", func(t *testing.T) {
		expiration := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

		got, err := req.DecodeResponse(okReply(map[string]any{"expiration": expiration}))
		require.NoError(t, err)
		assert.True(t, expiration.Equal(got))
	})

	t.Run("missing expiration", func(t *testing.T) {
		_, err := req.DecodeResponse(okReply(map[string]any{}))
		assert.ErrorIs(t, err, management.ErrUnexpectedBody)
	})
}

func TestSessionState(t *testing.T) {
	t.Run("set carries session id and state in order", func(t *testing.T) {
		req := NewSetSessionStateRequest("session-A", []byte("step-2"), nil)

		assert.Equal(t, OperationSetSessionState, req.OperationName())
		assert.Equal(t, []management.Entry{
			{Key: "session-id", Value: "session-A"},
			{Key: "session-state", Value: []byte("step-2")},
		}, req.EncodeBody().Entries())

		_, err := req.DecodeResponse(okReply(nil))
		assert.NoError(t, err)
	})

	t.Run("set with nil state sends null", func(t *testing.T) {
		req := NewSetSessionStateRequest("session-A", nil, nil)

		state, ok := req.EncodeBody().Get("session-state")
		require.True(t, ok)
		assert.Nil(t, state)
	})

	t.Run("get decodes binary and base64 state", func(t *testing.T) {
		req := NewGetSessionStateRequest("session-A", nil)
		assert.Equal(t, OperationGetSessionState, req.OperationName())

		state, err := req.DecodeResponse(okReply(map[string]any{"session-state": []byte("raw")}))
		require.NoError(t, err)
		assert.Equal(t, []byte("raw"), state)

		state, err = req.DecodeResponse(okReply(map[string]any{
			"session-state": base64.StdEncoding.EncodeToString([]byte("json")),
		}))
		require.NoError(t, err)
		assert.Equal(t, []byte("json"), state)
	})

	t.Run("get returns nil when no state is stored", func(t *testing.T) {
		req := NewGetSessionStateRequest("session-A", nil)

		state, err := req.DecodeResponse(okReply(map[string]any{"session-state": nil}))
		require.NoError(t, err)
		assert.Nil(t, state)

		state, err = req.DecodeResponse(okReply(nil))
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}

func TestRenewLockRequest(t *testing.T) {
	tokens := []uuid.UUID{uuid.New(), uuid.New()}
	req := NewRenewLockRequest(tokens, nil)

	t.Run("copies lock tokens", func(t *testing.T) {
		tokens[0] = uuid.Nil
		body, _ := req.EncodeBody().Get("lock-tokens")
		assert.NotEqual(t, uuid.Nil, body.([]uuid.UUID)[0])
		assert.Equal(t, OperationRenewLock, req.OperationName())
	})

	t.Run("decodes one expiration per token", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)

		got, err := req.DecodeResponse(okReply(map[string]any{
			"expirations": []time.Time{now, now.Add(time.Minute)},
		}))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, now.Add(time.Minute).Equal(got[1]))
	})

	t.Run("count mismatch", func(t *testing.T) {
		_, err := req.DecodeResponse(okReply(map[string]any{
			"expirations": []any{time.Now()},
		}))
		assert.ErrorIs(t, err, management.ErrUnexpectedBody)
	})
}
