// Package connstr parses Service Bus connection strings.
package connstr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrEmpty           = errors.New("connstr: connection string is empty")
	ErrMissingEndpoint = errors.New("connstr: Endpoint is required")
	ErrMissingKey      = errors.New("connstr: SharedAccessKey is required with SharedAccessKeyName")
)

// Properties are the recognised keys of a connection string
type Properties struct {
	Endpoint               *url.URL
	SharedAccessKeyName    string
	SharedAccessKey        string
	EntityPath             string
	UseDevelopmentEmulator bool
}

// Parse reads "Key=Value;Key=Value" connection strings. Keys are case
// insensitive and unknown keys are ignored.
func Parse(s string) (*Properties, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}

	props := &Properties{}
	var endpoint string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("connstr: malformed segment %q", part)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			endpoint = strings.TrimSpace(value)
		case "sharedaccesskeyname":
			props.SharedAccessKeyName = value
		case "sharedaccesskey":
			props.SharedAccessKey = value
		case "entitypath":
			props.EntityPath = value
		case "usedevelopmentemulator":
			props.UseDevelopmentEmulator = strings.EqualFold(strings.TrimSpace(value), "true")
		}
	}

	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connstr: invalid Endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("connstr: Endpoint %q has no host", endpoint)
	}
	props.Endpoint = u

	if props.SharedAccessKeyName != "" && props.SharedAccessKey == "" {
		return nil, ErrMissingKey
	}

	return props, nil
}

// Host returns the namespace host name, including any explicit port
func (p *Properties) Host() string {
	return p.Endpoint.Host
}

// AMQPEndpoint returns the address to dial: amqps on 5671 for namespaces,
// plain amqp for the local development emulator
func (p *Properties) AMQPEndpoint() string {
	if p.UseDevelopmentEmulator {
		return "amqp://" + p.Endpoint.Host
	}
	return "amqps://" + p.Endpoint.Host
}

// String renders the properties with the key masked
func (p *Properties) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint=%s", p.Endpoint)
	if p.SharedAccessKeyName != "" {
		fmt.Fprintf(&b, ";SharedAccessKeyName=%s;SharedAccessKey=***", p.SharedAccessKeyName)
	}
	if p.EntityPath != "" {
		fmt.Fprintf(&b, ";EntityPath=%s", p.EntityPath)
	}
	return b.String()
}
