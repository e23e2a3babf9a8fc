package federation

import "time"

// ProviderKey identifies a supported OIDC identity provider.
type ProviderKey string

const (
	ProviderOkta   ProviderKey = "okta"
	ProviderAzure  ProviderKey = "azure"
	ProviderGoogle ProviderKey = "google"
)

// knownProviders is the fixed resolution order used wherever providers are
// listed.
var knownProviders = []ProviderKey{ProviderOkta, ProviderAzure, ProviderGoogle}

// ProviderConfig is the immutable endpoint/credential descriptor for one OIDC
// provider. Loaded once at startup; resolver hands out copies.
type ProviderConfig struct {
	Key          ProviderKey `json:"key"`
	ClientID     string      `json:"client_id"`
	ClientSecret string      `json:"-"` // never expose the secret
	Issuer       string      `json:"issuer"`

	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSEndpoint          string `json:"jwks_endpoint"`

	// HostedDomain restricts Google Workspace logins to one domain (the `hd`
	// authorization parameter). Ignored by other providers.
	HostedDomain string `json:"hosted_domain,omitempty"`
}

// Configured reports whether the provider carries enough material to run a
// login: client credentials plus the issuer the endpoints derive from.
func (c *ProviderConfig) Configured() bool {
	return c != nil && c.ClientID != "" && c.ClientSecret != "" && c.Issuer != ""
}

// AuthState correlates one login attempt across the initiation and callback
// requests. A state value maps to at most one AuthState; Consume removes it.
type AuthState struct {
	State         string      `json:"state"`
	Provider      ProviderKey `json:"provider"`
	CodeVerifier  string      `json:"code_verifier"`
	CodeChallenge string      `json:"code_challenge"`
	Nonce         string      `json:"nonce"`
	RedirectURI   string      `json:"redirect_uri"`
	LoginHint     string      `json:"login_hint,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// OIDCTokens is the token-endpoint response. Transient: validated and
// discarded, never persisted by this package.
type OIDCTokens struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// OIDCUserInfo is the verified identity produced by a successful OIDC login.
// Ownership passes to the caller (the session issuer).
type OIDCUserInfo struct {
	Subject           string         `json:"sub"`
	Email             string         `json:"email,omitempty"`
	EmailVerified     bool           `json:"email_verified,omitempty"`
	Name              string         `json:"name,omitempty"`
	GivenName         string         `json:"given_name,omitempty"`
	FamilyName        string         `json:"family_name,omitempty"`
	PreferredUsername string         `json:"preferred_username,omitempty"`
	Groups            []string       `json:"groups,omitempty"`
	RawClaims         map[string]any `json:"raw_claims,omitempty"`
}

// SAMLIdPConfig describes one registered SAML identity provider. One config
// per provider name; the last registration wins.
type SAMLIdPConfig struct {
	Name         string `json:"name"`
	EntityID     string `json:"entity_id"`
	SSOURL       string `json:"sso_url"`
	SLOURL       string `json:"slo_url,omitempty"`
	Certificate  string `json:"certificate"` // PEM encoded signing certificate
	NameIDFormat string `json:"name_id_format,omitempty"`
}

// SAMLAuthRequest correlates an AuthnRequest to its eventual Response via
// RequestID (the Response's InResponseTo).
type SAMLAuthRequest struct {
	RequestID   string `json:"request_id"`
	RedirectURL string `json:"redirect_url"`
	RelayState  string `json:"relay_state,omitempty"`
}

// SAMLUserInfo is the verified identity produced by a successful SAML login.
// SessionIndex and SessionNotOnOrAfter are required for later Single Logout.
type SAMLUserInfo struct {
	NameID              string              `json:"name_id"`
	Email               string              `json:"email,omitempty"`
	FirstName           string              `json:"first_name,omitempty"`
	LastName            string              `json:"last_name,omitempty"`
	DisplayName         string              `json:"display_name,omitempty"`
	Groups              []string            `json:"groups,omitempty"`
	SessionIndex        string              `json:"session_index,omitempty"`
	SessionNotOnOrAfter *time.Time          `json:"session_not_on_or_after,omitempty"`
	Attributes          map[string][]string `json:"attributes,omitempty"`
}

// SessionIssuer converts a verified identity into an application session.
// Implemented outside this package; invoked by the embedding HTTP layer only
// after a successful OIDCUserInfo/SAMLUserInfo is produced.
type SessionIssuer interface {
	CreateSession(email string) (string, error)
}
