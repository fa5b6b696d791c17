// Package management implements the request/response exchange with an AMQP
// management node.
//
// A request names its operation, carries an ordered Body and optional
// ApplicationProperties hints. Client sends it over a Link, correlates the
// reply by message ID and turns non-success status codes into StatusError.
//
// Typed operations implement Operation[R] and are run with Invoke:
//
//	client, err := management.NewClient(link)
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	state, err := management.Invoke(ctx, client, operations.NewGetSessionStateRequest("s-1", nil))
package management
