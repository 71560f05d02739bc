package resource

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Layer identifies a protocol layer that service-injected options target.
type Layer int

const (
	LayerHTTP Layer = iota + 1
	LayerHandshake
	LayerHTTPXE
	LayerHTTPXEOverHTTP
)

// Layers lists every layer, in the order options are injected.
var Layers = []Layer{LayerHTTP, LayerHandshake, LayerHTTPXE, LayerHTTPXEOverHTTP}

func (l Layer) String() string {
	switch l {
	case LayerHTTP:
		return "http[http/1.1]"
	case LayerHandshake:
		return "http[x-kaazing-handshake]"
	case LayerHTTPXE:
		return "http[httpxe/1.1]"
	case LayerHTTPXEOverHTTP:
		return "http[httpxe/1.1].http[http/1.1]"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// CrossSiteConstraint describes what a cross-origin peer may do.
type CrossSiteConstraint struct {
	AllowOrigin  string `json:"allowOrigin"`
	AllowMethods string `json:"allowMethods,omitempty"`
	AllowHeaders string `json:"allowHeaders,omitempty"`
	MaximumAge   int    `json:"maximumAge,omitempty"`
}

// Constraints maps an allowed origin to its constraint.
type Constraints map[string]CrossSiteConstraint

// Realm carries authentication metadata a service exposes to its HTTP layers.
// The decision logic lives elsewhere; this is only the data that travels with
// an address.
type Realm struct {
	Name                     string   `json:"name"`
	Description              string   `json:"description,omitempty"`
	ChallengeScheme          string   `json:"challengeScheme,omitempty"`
	AuthorizationMode        string   `json:"authorizationMode,omitempty"`
	RequiredRoles            []string `json:"requiredRoles,omitempty"`
	HeaderNames              []string `json:"headerNames,omitempty"`
	ParameterNames           []string `json:"parameterNames,omitempty"`
	CookieNames              []string `json:"cookieNames,omitempty"`
	AuthenticationConnect    string   `json:"authenticationConnect,omitempty"`
	AuthenticationIdentifier string   `json:"authenticationIdentifier,omitempty"`
	EncryptionKeyAlias       string   `json:"encryptionKeyAlias,omitempty"`
	ServiceDomain            string   `json:"serviceDomain,omitempty"`

	// LoginContextFactory is opaque to this package.
	LoginContextFactory any `json:"-"`
}

// LayerOptions are the service-injected options for one protocol layer.
type LayerOptions struct {
	OriginSecurity        Constraints              `json:"originSecurity,omitempty"`
	GatewayOriginSecurity []map[string]Constraints `json:"gatewayOriginSecurity,omitempty"`
	BalanceOrigins        []string                 `json:"balanceOrigins,omitempty"`
	TempDirectory         string                   `json:"tempDirectory,omitempty"`
	Realm                 *Realm                   `json:"realm,omitempty"`
}

// Options is the typed option bag attached to an Address.
type Options struct {
	// NextProtocol is nil when no next protocol has been negotiated. Services
	// force it to nil when building accept and connect addresses.
	NextProtocol *string `json:"nextProtocol,omitempty"`

	// ConnectRequiresInit signals that the connector for this layer needs an
	// explicit ConnectInit before first use.
	ConnectRequiresInit bool `json:"connectRequiresInit,omitempty"`

	// Values are plain transport settings such as "tcp.bind".
	Values map[string]string `json:"values,omitempty"`

	Layers map[Layer]LayerOptions `json:"layers,omitempty"`
}

// Clone returns a copy whose maps can be modified without affecting o.
func (o Options) Clone() Options {
	c := o
	if o.NextProtocol != nil {
		np := *o.NextProtocol
		c.NextProtocol = &np
	}
	c.Values = maps.Clone(o.Values)
	if o.Layers != nil {
		c.Layers = make(map[Layer]LayerOptions, len(o.Layers))
		for l, lo := range o.Layers {
			lo.BalanceOrigins = slices.Clone(lo.BalanceOrigins)
			c.Layers[l] = lo
		}
	}
	return c
}

// Layer returns the options for l, or the zero value.
func (o Options) Layer(l Layer) LayerOptions {
	return o.Layers[l]
}

// UpdateLayer applies fn to the options of layer l, creating them if needed.
func (o *Options) UpdateLayer(l Layer, fn func(lo *LayerOptions)) {
	if o.Layers == nil {
		o.Layers = make(map[Layer]LayerOptions)
	}
	lo := o.Layers[l]
	fn(&lo)
	o.Layers[l] = lo
}

// Value returns the transport setting for key.
func (o Options) Value(key string) (string, bool) {
	v, ok := o.Values[key]
	return v, ok
}

// fingerprint is a canonical encoding of o. encoding/json sorts map keys, so
// equal option bags produce equal fingerprints.
func (o Options) fingerprint() string {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf("%v", o)
	}
	return string(b)
}
