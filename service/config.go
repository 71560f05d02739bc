package service

import (
	"github.com/ggoodman/gatewaycore/resource"
)

// Service types with special option handling.
const (
	TypeBalancer  = "balancer"
	TypeDirectory = "directory"
)

// ApplicationSchemePrefix marks HTTP challenge schemes handled by client
// application code rather than the browser.
const ApplicationSchemePrefix = "Application "

// Legacy service properties copied into realm options.
const (
	PropAuthenticationConnect    = "authentication.connect"
	PropAuthenticationIdentifier = "authentication.identifier"
	PropEncryptionKeyAlias       = "encryption.key.alias"
	PropServiceDomain            = "service.domain"
)

// Realm is the authentication metadata of a service. A realm with an empty
// ChallengeScheme has no authentication context and injects nothing.
type Realm struct {
	Name              string
	Description       string
	ChallengeScheme   string
	AuthorizationMode string
	HeaderNames       []string
	ParameterNames    []string
	CookieNames       []string

	// LoginContextFactory is passed through to the HTTP layers untouched.
	LoginContextFactory any
}

// Config describes one service.
type Config struct {
	Type string
	Name string

	// Accepts are the canonical accept URIs; only binds of these URIs are
	// published as balance targets.
	Accepts []string
	// Balances are the balance URIs this service serves.
	Balances []string
	// Connects are the URIs the service connects to.
	Connects []string

	// AcceptConstraints are the cross-site constraints per accept URI.
	AcceptConstraints map[string]resource.Constraints
	// GatewayOriginSecurity is the gateway-wide list of constraints by URI.
	GatewayOriginSecurity []map[string]resource.Constraints

	Realm         *Realm
	RequiredRoles []string
	Properties    map[string]string
	TempDir       string

	// AcceptOptions and ConnectOptions are the option defaults every accept
	// and connect address starts from.
	AcceptOptions  resource.Options
	ConnectOptions resource.Options
}
