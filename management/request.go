package management

// Application property keys set on every management request envelope
const (
	PropertyOperation          = "operation"
	PropertyServerTimeout      = "com.microsoft:server-timeout"
	PropertyAssociatedLinkName = "associated-link-name"
)

// Request is a single management operation ready to be put on the wire.
// Implementations return their stored body from EncodeBody without copying it,
// so the same request can be sent again by a retrying caller.
type Request interface {
	// OperationName returns the broker-side operation identifier
	OperationName() string

	// EncodeBody returns the request body
	EncodeBody() *Body

	// EncodeApplicationProperties returns transport hints, or nil when there are none
	EncodeApplicationProperties() *ApplicationProperties
}

// Operation binds a request to the type of its decoded reply
type Operation[R any] interface {
	Request

	// DecodeResponse turns a successful reply into the typed response
	DecodeResponse(reply *Reply) (R, error)
}

// ApplicationProperties carries transport-level hints that are not
// part of the operation arguments
type ApplicationProperties struct {
	// ServerTimeout is the broker-side processing timeout in milliseconds
	ServerTimeout *uint32

	// AssociatedLinkName names the receiver link the operation relates to
	AssociatedLinkName *string
}

// NewApplicationProperties returns nil when both hints are absent
func NewApplicationProperties(serverTimeout *uint32, associatedLinkName *string) *ApplicationProperties {
	if serverTimeout == nil && associatedLinkName == nil {
		return nil
	}
	props := &ApplicationProperties{}
	if serverTimeout != nil {
		v := *serverTimeout
		props.ServerTimeout = &v
	}
	if associatedLinkName != nil {
		v := *associatedLinkName
		props.AssociatedLinkName = &v
	}
	return props
}

// Map renders the present hints using their wire keys
func (p *ApplicationProperties) Map() map[string]any {
	if p == nil {
		return nil
	}
	m := make(map[string]any, 2)
	if p.ServerTimeout != nil {
		m[PropertyServerTimeout] = *p.ServerTimeout
	}
	if p.AssociatedLinkName != nil {
		m[PropertyAssociatedLinkName] = *p.AssociatedLinkName
	}
	return m
}

// envelopeProperties builds the full application-properties section for req
func envelopeProperties(req Request) map[string]any {
	props := map[string]any{
		PropertyOperation: req.OperationName(),
	}
	for k, v := range req.EncodeApplicationProperties().Map() {
		props[k] = v
	}
	return props
}
