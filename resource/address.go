package resource

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

var ErrInvalidURI = errors.New("invalid resource uri")

// Address is a resolved, option-bearing transport endpoint. Addresses are
// immutable; callers must not modify the maps reachable through Options.
type Address struct {
	uri       string
	resource  string
	scheme    string
	opts      Options
	transport *Address
}

// NewAddress builds an Address for the external uri. resource may differ from
// uri for nested transport layers; an empty resource means uri.
func NewAddress(uri, resource string, opts Options, transport *Address) (*Address, error) {
	if resource == "" {
		resource = uri
	}
	scheme, err := schemeOf(resource)
	if err != nil {
		return nil, err
	}
	return &Address{
		uri:       uri,
		resource:  resource,
		scheme:    scheme,
		opts:      opts,
		transport: transport,
	}, nil
}

// URI returns the external URI.
func (a *Address) URI() string { return a.uri }

// Resource returns the URI this layer actually addresses.
func (a *Address) Resource() string { return a.resource }

// Scheme returns the lower-cased scheme of Resource.
func (a *Address) Scheme() string { return a.scheme }

// Options returns the option bag.
func (a *Address) Options() Options { return a.opts }

// Transport returns the nested transport-layer address, or nil.
func (a *Address) Transport() *Address { return a.transport }

// ConnectRequiresInit reports whether this layer's connector needs
// ConnectInit before first use.
func (a *Address) ConnectRequiresInit() bool { return a.opts.ConnectRequiresInit }

// Equal compares URI and options structurally.
func (a *Address) Equal(b *Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.uri == b.uri && reflect.DeepEqual(a.opts, b.opts)
}

// Key returns a canonical string usable as a map key. Addresses that are
// Equal return the same key.
func (a *Address) Key() string {
	return a.uri + "#" + a.opts.fingerprint()
}

func (a *Address) String() string {
	if a.transport == nil {
		return a.uri
	}
	return fmt.Sprintf("%s (transport %s)", a.uri, a.transport)
}

func schemeOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURI, raw, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, raw)
	}
	return strings.ToLower(u.Scheme), nil
}

// Scheme returns the lower-cased scheme of uri.
func Scheme(uri string) (string, error) {
	return schemeOf(uri)
}

// WithScheme returns uri with its scheme replaced.
func WithScheme(uri, scheme string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
	}
	u.Scheme = scheme
	return u.String(), nil
}
