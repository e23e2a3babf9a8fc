// Package federation implements the external identity-federation core for the
// Torchstack platform: enterprise login via an external Identity Provider using
// either OpenID Connect (authorization code + PKCE) or SAML 2.0 SP-initiated SSO.
//
// # Components
//
// AuthStateStore: ephemeral, process-wide store of in-flight login attempts
// (PKCE verifier, nonce, CSRF state) with TTL expiry and capacity eviction.
//
// ProviderConfigResolver: introspection over the statically configured OIDC
// providers (Okta, Azure AD, Google) and their endpoint/credential descriptors.
//
// OIDCService: the full authorization-code-with-PKCE round trip: authorization
// URL construction, code exchange, JWKS retrieval and caching, ID-token
// validation, identity and group extraction.
//
// SAMLService: SP-initiated SAML 2.0: SP metadata, IdP registration,
// AuthnRequest creation, Response/assertion validation, attribute extraction,
// and Single Logout.
//
// # Usage Example
//
// Start an OIDC login and complete it on the callback:
//
//	svc := federation.NewOIDCService(cfg, resolver, states, logger, metrics)
//
//	redirect, err := svc.StartLogin(federation.ProviderOkta,
//		"https://app.example.com/auth/oidc/callback", nil)
//	// send the browser to redirect.URL ...
//
//	user, err := svc.CompleteLogin(ctx, federation.CallbackParams{
//		Code:  r.URL.Query().Get("code"),
//		State: r.URL.Query().Get("state"),
//	})
//
// The service owns all correlation state between the two requests; callers hold
// only the opaque state value round-tripped through the IdP.
//
// # Error Taxonomy
//
// ConfigurationError: provider unknown, unconfigured, or missing SP/IdP
// material. ValidationError: malformed caller input or CSRF state mismatch.
// AuthenticationError: anything that fails after reaching the IdP. All three
// are returned, never swallowed; there is no partial success.
//
// # Related Packages
//
//   - pkg/observability: structured logging passed into the services
package federation
