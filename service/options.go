package service

import (
	"net/url"
	"slices"
	"strings"

	"github.com/ggoodman/gatewaycore/resource"
)

const emulatedSuffix = "/;e"

// addressOptions builds the options for an accept or connect address:
// defaults, then service-injected options, then a forced nil next protocol.
func (m *Manager) addressOptions(uri string, defaults resource.Options) resource.Options {
	opts := defaults.Clone()
	m.injectServiceOptions(uri, &opts)
	opts.NextProtocol = nil
	return opts
}

func (m *Manager) injectServiceOptions(uri string, opts *resource.Options) {
	cfg := m.cfg

	constraints := cfg.AcceptConstraints[uri]
	if constraints == nil && cfg.Type == TypeBalancer {
		constraints = m.balancerConstraints(uri)
	}
	if constraints != nil {
		for _, l := range resource.Layers {
			opts.UpdateLayer(l, func(lo *resource.LayerOptions) { lo.OriginSecurity = constraints })
		}
	}

	for _, l := range resource.Layers {
		opts.UpdateLayer(l, func(lo *resource.LayerOptions) { lo.GatewayOriginSecurity = cfg.GatewayOriginSecurity })
	}

	if origins := balanceOrigins(cfg.Balances); origins != nil {
		for _, l := range resource.Layers {
			opts.UpdateLayer(l, func(lo *resource.LayerOptions) { lo.BalanceOrigins = slices.Clone(origins) })
		}
	}

	opts.UpdateLayer(resource.LayerHTTP, func(lo *resource.LayerOptions) { lo.TempDirectory = cfg.TempDir })

	m.injectRealm(opts)
}

// balancerConstraints finds the constraints a balancer service should apply
// to uri: the emulated suffix is ignored and the ws form of the URI is tried,
// then the wss form when uri's scheme is secure.
func (m *Manager) balancerConstraints(uri string) resource.Constraints {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	if strings.HasSuffix(u.Path, emulatedSuffix) {
		u.Path = strings.TrimSuffix(u.Path, emulatedSuffix)
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""
	}
	scheme := strings.ToLower(u.Scheme)

	u.Scheme = "ws"
	if c := m.cfg.AcceptConstraints[u.String()]; c != nil {
		return c
	}
	if m.transports != nil && m.transports.IsSecure(scheme) {
		u.Scheme = "wss"
		return m.cfg.AcceptConstraints[u.String()]
	}
	return nil
}

// balanceOrigins translates WebSocket balance URIs to the HTTP origins
// browsers present. Other schemes pass through; unparsable URIs are skipped.
func balanceOrigins(balances []string) []string {
	if len(balances) == 0 {
		return nil
	}
	out := make([]string, 0, len(balances))
	for _, b := range balances {
		u, err := url.Parse(b)
		if err != nil {
			continue
		}
		switch strings.ToLower(u.Scheme) {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		out = append(out, u.String())
	}
	return out
}

func (m *Manager) injectRealm(opts *resource.Options) {
	realm := m.cfg.Realm
	if realm == nil || realm.ChallengeScheme == "" {
		return
	}
	application := strings.HasPrefix(realm.ChallengeScheme, ApplicationSchemePrefix)
	// Directory services always use the native challenge scheme.
	forceNative := m.cfg.Type == TypeDirectory

	if application && !forceNative {
		opts.UpdateLayer(resource.LayerHTTP, func(lo *resource.LayerOptions) {
			lo.Realm = &resource.Realm{ChallengeScheme: realm.ChallengeScheme}
		})
		for _, l := range []resource.Layer{resource.LayerHTTPXE, resource.LayerHandshake} {
			opts.UpdateLayer(l, func(lo *resource.LayerOptions) { lo.Realm = m.realmOptions() })
		}
		return
	}
	opts.UpdateLayer(resource.LayerHTTP, func(lo *resource.LayerOptions) { lo.Realm = m.realmOptions() })
}

func (m *Manager) realmOptions() *resource.Realm {
	realm := m.cfg.Realm
	props := m.cfg.Properties
	return &resource.Realm{
		Name:                     realm.Name,
		Description:              realm.Description,
		ChallengeScheme:          realm.ChallengeScheme,
		AuthorizationMode:        realm.AuthorizationMode,
		RequiredRoles:            slices.Clone(m.cfg.RequiredRoles),
		HeaderNames:              slices.Clone(realm.HeaderNames),
		ParameterNames:           slices.Clone(realm.ParameterNames),
		CookieNames:              slices.Clone(realm.CookieNames),
		AuthenticationConnect:    props[PropAuthenticationConnect],
		AuthenticationIdentifier: props[PropAuthenticationIdentifier],
		EncryptionKeyAlias:       props[PropEncryptionKeyAlias],
		ServiceDomain:            props[PropServiceDomain],
		LoginContextFactory:      realm.LoginContextFactory,
	}
}
