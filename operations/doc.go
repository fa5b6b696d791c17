// Package operations contains the Service Bus management requests: peeking
// messages, renewing message and session locks, and reading or writing
// session state.
//
// Each request builds its body once at construction. EncodeBody returns that
// body as stored, so repeated encodes yield the same bytes.
// PeekSessionMessageRequest.Clone returns an independent copy.
package operations
