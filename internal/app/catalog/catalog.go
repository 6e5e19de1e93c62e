// Package catalog resolves an endpoint URL for a (service name, region)
// pair out of the service-catalog document returned alongside an identity
// token. It is the one place in the control plane that peeks inside a
// raw JSON document rather than decoding into a typed struct, since the
// catalog's shape is owned by the identity service, not us.
package catalog

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// NoEndpointError is returned when a (service, type, region) filter
// matches nothing in the catalog.
type NoEndpointError struct {
	ServiceName string
	ServiceType string
	Region      string
}

func (e *NoEndpointError) Error() string {
	return fmt.Sprintf("catalog: no endpoint for service=%q type=%q region=%q", e.ServiceName, e.ServiceType, e.Region)
}

// Endpoint is a single resolved catalog entry.
type Endpoint struct {
	Region      string
	PublicURL   string
	ServiceType string
}

// Catalog wraps a parsed service-catalog document. Construct with Parse.
type Catalog struct {
	raw gjson.Result
}

// Parse parses a raw service-catalog JSON document, as returned in an
// identity token response's "access.serviceCatalog" field.
func Parse(document []byte) Catalog {
	return Catalog{raw: gjson.ParseBytes(document)}
}

// Resolve returns every endpoint matching serviceName, serviceType (empty
// matches any type), and region, in catalog order. Ties are broken by
// input order; callers that want exactly one typically take the first.
func (c Catalog) Resolve(serviceName, serviceType, region string) ([]Endpoint, error) {
	var matches []Endpoint

	for _, svc := range c.raw.Array() {
		if svc.Get("name").String() != serviceName {
			continue
		}
		for _, ep := range svc.Get("endpoints").Array() {
			if serviceType != "" && ep.Get("type").String() != serviceType {
				continue
			}
			if ep.Get("region").String() != region {
				continue
			}
			matches = append(matches, Endpoint{
				Region:      ep.Get("region").String(),
				PublicURL:   ep.Get("publicURL").String(),
				ServiceType: ep.Get("type").String(),
			})
		}
	}

	if len(matches) == 0 {
		return nil, &NoEndpointError{ServiceName: serviceName, ServiceType: serviceType, Region: region}
	}
	return matches, nil
}

// ResolveOne is a convenience wrapper over Resolve that returns the first
// matching endpoint's URL.
func (c Catalog) ResolveOne(serviceName, serviceType, region string) (string, error) {
	matches, err := c.Resolve(serviceName, serviceType, region)
	if err != nil {
		return "", err
	}
	return matches[0].PublicURL, nil
}
