package federation

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/torchstack/federation/pkg/observability"
)

const (
	defaultNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	samlStatusSuccess   = "urn:oasis:names:tc:SAML:2.0:status:Success"
)

// samlAttributeCandidates maps each logical identity field to the vendor
// attribute names seen in the wild, in priority order; first match wins. Okta
// sends short names, Azure AD the schemas.xmlsoap.org URIs, older IdPs the
// LDAP OIDs.
var samlAttributeCandidates = map[string][]string{
	"email": {
		"email", "mail", "emailAddress",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"urn:oid:0.9.2342.19200300.100.1.3",
	},
	"first_name": {
		"firstName", "givenName", "given_name",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
		"urn:oid:2.5.4.42",
	},
	"last_name": {
		"lastName", "sn", "surname",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
		"urn:oid:2.5.4.4",
	},
	"display_name": {
		"displayName", "cn", "name",
		"http://schemas.microsoft.com/identity/claims/displayname",
		"urn:oid:2.16.840.1.113730.3.1.241",
	},
	"groups": {
		"groups", "memberOf", "roles",
		"http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
	},
}

// idpMetadataURLTemplates are well-known IdP metadata URL shapes, surfaced to
// speed up onboarding. Informational only; never fetched or validated here.
var idpMetadataURLTemplates = map[string]string{
	"okta":   "https://{yourOktaDomain}/app/{appId}/sso/saml/metadata",
	"azure":  "https://login.microsoftonline.com/{tenantId}/federationmetadata/2007-06/federationmetadata.xml?appid={appId}",
	"google": "https://accounts.google.com/o/saml2/idp?idpid={idpId}",
}

// SAMLService runs SP-initiated SAML 2.0 web browser SSO with one
// service-provider identity shared across any number of registered IdPs.
// Protocol clients are built lazily per IdP and cached until that IdP's
// registration changes.
type SAMLService struct {
	entityID     string
	acsURL       string
	sloURL       string
	metadataURL  string
	nameIDFormat string
	clockSkew    time.Duration

	keyStore dsig.X509KeyStore // nil when the SP has no signing key
	spCert   *x509.Certificate // nil when the SP has no signing key

	mu      sync.RWMutex
	idps    map[string]*SAMLIdPConfig
	clients map[string]*saml2.SAMLServiceProvider

	log     *observability.Logger
	metrics *Metrics
	now     func() time.Time // test hook
}

// NewSAMLService derives the SP endpoint URLs from the configured base URL and
// loads the SP signing material when configured. A missing entity ID is not an
// error here: the service constructs but IsConfigured reports false and every
// operation fails with a ConfigurationError.
func NewSAMLService(cfg *Config, log *observability.Logger, metrics *Metrics) (*SAMLService, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	s := &SAMLService{
		entityID:     cfg.SAML.EntityID,
		acsURL:       base + "/auth/saml/acs",
		sloURL:       base + "/auth/saml/slo",
		metadataURL:  base + "/auth/saml/metadata",
		nameIDFormat: cfg.SAML.NameIDFormat,
		clockSkew:    cfg.ClockSkew(),
		idps:         make(map[string]*SAMLIdPConfig),
		clients:      make(map[string]*saml2.SAMLServiceProvider),
		log:          log,
		metrics:      metrics,
		now:          time.Now,
	}
	if s.nameIDFormat == "" {
		s.nameIDFormat = defaultNameIDFormat
	}

	if cfg.SAML.CertificateFile != "" && cfg.SAML.PrivateKeyFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.SAML.CertificateFile, cfg.SAML.PrivateKeyFile)
		if err != nil {
			return nil, &ConfigurationError{Provider: "saml", Reason: fmt.Sprintf("failed to load SP signing material: %v", err)}
		}
		leaf, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, &ConfigurationError{Provider: "saml", Reason: fmt.Sprintf("failed to parse SP certificate: %v", err)}
		}
		keyStore := dsig.TLSCertKeyStore(pair)
		s.keyStore = &keyStore
		s.spCert = leaf
	}

	return s, nil
}

// IsConfigured reports whether the SP identity is set up. Without it no SAML
// operation can run.
func (s *SAMLService) IsConfigured() bool {
	return s.entityID != ""
}

func (s *SAMLService) requireConfigured() error {
	if !s.IsConfigured() {
		return &ConfigurationError{Provider: "saml", Reason: "SAML service provider entity ID is not configured"}
	}
	return nil
}

// SPMetadata renders the SP metadata XML handed to IdP administrators. The
// descriptor advertises signed AuthnRequests and required assertion signing
// whenever the SP carries a signing key.
func (s *SAMLService) SPMetadata() ([]byte, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}

	signed := s.keyStore != nil

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", "urn:oasis:names:tc:SAML:2.0:metadata")
	entity.CreateAttr("entityID", s.entityID)

	descriptor := entity.CreateElement("md:SPSSODescriptor")
	descriptor.CreateAttr("protocolSupportEnumeration", "urn:oasis:names:tc:SAML:2.0:protocol")
	descriptor.CreateAttr("AuthnRequestsSigned", fmt.Sprintf("%t", signed))
	descriptor.CreateAttr("WantAssertionsSigned", "true")

	if s.spCert != nil {
		keyDescriptor := descriptor.CreateElement("md:KeyDescriptor")
		keyDescriptor.CreateAttr("use", "signing")
		keyInfo := keyDescriptor.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
		certEl := keyInfo.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate")
		certEl.SetText(base64.StdEncoding.EncodeToString(s.spCert.Raw))
	}

	if s.sloURL != "" {
		slo := descriptor.CreateElement("md:SingleLogoutService")
		slo.CreateAttr("Binding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
		slo.CreateAttr("Location", s.sloURL)
	}

	descriptor.CreateElement("md:NameIDFormat").SetText(s.nameIDFormat)

	acs := descriptor.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
	acs.CreateAttr("Location", s.acsURL)
	acs.CreateAttr("index", "1")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	return doc.WriteToBytes()
}

// RegisterIdP stores (or replaces) the descriptor for one identity provider.
// Replacing a registration invalidates the cached protocol client so a config
// change never silently reuses stale settings.
func (s *SAMLService) RegisterIdP(cfg SAMLIdPConfig) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if cfg.Name == "" {
		return &ValidationError{Field: "name", Reason: "provider name is required"}
	}
	if cfg.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "IdP entity ID is required"}
	}
	if cfg.SSOURL == "" {
		return &ValidationError{Field: "sso_url", Reason: "IdP SSO URL is required"}
	}
	if _, err := parseSigningCert(cfg.Certificate); err != nil {
		return &ValidationError{Field: "certificate", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idps[cfg.Name] = &cfg
	delete(s.clients, cfg.Name)

	if s.log != nil {
		s.log.WithField("provider", cfg.Name).
			WithField("idp_entity_id", cfg.EntityID).
			Info("SAML identity provider registered")
	}
	return nil
}

// RegisteredIdPs lists the names of the currently registered IdPs.
func (s *SAMLService) RegisteredIdPs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.idps))
	for name := range s.idps {
		names = append(names, name)
	}
	return names
}

func parseSigningCert(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certificate does not parse: %v", err)
	}
	return cert, nil
}

// client returns the cached protocol client for the provider, building it on
// first use after registration.
func (s *SAMLService) client(provider string) (*saml2.SAMLServiceProvider, error) {
	s.mu.RLock()
	if sp, ok := s.clients[provider]; ok {
		s.mu.RUnlock()
		return sp, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.clients[provider]; ok {
		return sp, nil
	}
	idp, ok := s.idps[provider]
	if !ok {
		return nil, &ConfigurationError{Provider: provider, Reason: "identity provider is not registered"}
	}

	cert, err := parseSigningCert(idp.Certificate)
	if err != nil {
		return nil, &ConfigurationError{Provider: provider, Reason: err.Error()}
	}

	nameIDFormat := idp.NameIDFormat
	if nameIDFormat == "" {
		nameIDFormat = s.nameIDFormat
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      idp.SSOURL,
		IdentityProviderSLOURL:      idp.SLOURL,
		IdentityProviderIssuer:      idp.EntityID,
		ServiceProviderIssuer:       s.entityID,
		ServiceProviderSLOURL:       s.sloURL,
		AssertionConsumerServiceURL: s.acsURL,
		AudienceURI:                 s.entityID,
		SignAuthnRequests:           s.keyStore != nil,
		IDPCertificateStore: &dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{cert},
		},
		SPKeyStore:   s.keyStore,
		NameIdFormat: nameIDFormat,
	}

	s.clients[provider] = sp
	return sp, nil
}

// AuthnRequestOptions carries the optional parameters of CreateAuthnRequest.
type AuthnRequestOptions struct {
	RelayState   string
	ForceAuthn   bool
	NameIDFormat string
}

// CreateAuthnRequest builds (and signs, when the SP carries a key) a SAML
// AuthnRequest and returns the HTTP-Redirect URL to the IdP's SSO endpoint.
// The returned request ID must be matched against the Response's InResponseTo.
func (s *SAMLService) CreateAuthnRequest(provider string, opts *AuthnRequestOptions) (*SAMLAuthRequest, error) {
	sp, err := s.client(provider)
	if err != nil {
		return nil, err
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return nil, &AuthenticationError{Provider: provider, Reason: "failed to build AuthnRequest", Err: err}
	}
	root := doc.Root()

	relayState := ""
	if opts != nil {
		relayState = opts.RelayState
		if opts.ForceAuthn {
			root.CreateAttr("ForceAuthn", "true")
		}
		if opts.NameIDFormat != "" {
			// etree path queries are namespace-sensitive; match on the local
			// tag instead.
			for _, child := range root.ChildElements() {
				if child.Tag == "NameIDPolicy" {
					child.CreateAttr("Format", opts.NameIDFormat)
				}
			}
		}
	}
	if relayState == "" {
		relayState = uuid.NewString()
	}

	requestID := root.SelectAttrValue("ID", "")
	redirectURL, err := sp.BuildAuthURLFromDocument(relayState, doc)
	if err != nil {
		return nil, &AuthenticationError{Provider: provider, Reason: "failed to build redirect URL", Err: err}
	}

	s.metrics.loginStarted("saml", provider)
	return &SAMLAuthRequest{
		RequestID:   requestID,
		RedirectURL: redirectURL,
		RelayState:  relayState,
	}, nil
}

// ProcessResponse validates a base64-encoded SAML Response posted to the ACS
// endpoint: assertion signature, audience, validity window (with the
// configured clock-skew tolerance), and InResponseTo against the supplied
// request ID when one is given. Returns the verified identity or an
// AuthenticationError.
func (s *SAMLService) ProcessResponse(provider, encodedResponse string, requestID ...string) (*SAMLUserInfo, error) {
	sp, err := s.client(provider)
	if err != nil {
		return nil, err
	}

	info, err := sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		// gosaml2 reports an audience mismatch as a hard validation error,
		// not a warning; surface it under the same rejection reason.
		if strings.Contains(strings.ToLower(err.Error()), "audience") {
			s.metrics.loginFailed("saml", "audience")
			return nil, &AuthenticationError{Provider: provider, Reason: "assertion audience does not include this service provider", Err: err}
		}
		s.metrics.loginFailed("saml", "assertion_validation")
		return nil, &AuthenticationError{Provider: provider, Reason: "assertion validation failed", Err: err}
	}

	if info.WarningInfo != nil {
		if info.WarningInfo.NotInAudience {
			s.metrics.loginFailed("saml", "audience")
			return nil, &AuthenticationError{Provider: provider, Reason: "assertion audience does not include this service provider"}
		}
		if info.WarningInfo.InvalidTime && !s.withinSkewedWindow(info) {
			s.metrics.loginFailed("saml", "validity_window")
			return nil, &AuthenticationError{Provider: provider, Reason: "assertion is outside its validity window"}
		}
	}

	if len(requestID) > 0 && requestID[0] != "" {
		inResponseTo, err := responseInResponseTo(encodedResponse)
		if err != nil {
			s.metrics.loginFailed("saml", "malformed_response")
			return nil, &AuthenticationError{Provider: provider, Reason: "failed to parse Response envelope", Err: err}
		}
		if inResponseTo != requestID[0] {
			s.metrics.loginFailed("saml", "in_response_to")
			return nil, &AuthenticationError{
				Provider: provider,
				Reason:   fmt.Sprintf("InResponseTo %q does not match request ID %q", inResponseTo, requestID[0]),
			}
		}
	}

	if info.NameID == "" {
		s.metrics.loginFailed("saml", "missing_name_id")
		return nil, &AuthenticationError{Provider: provider, Reason: "assertion is missing a NameID"}
	}

	user := extractSAMLUserInfo(info)
	s.metrics.loginCompleted("saml", provider)
	if s.log != nil {
		s.log.WithField("provider", provider).
			WithField("name_id", user.NameID).
			Info("SAML login completed")
	}
	return user, nil
}

// withinSkewedWindow re-checks the assertion Conditions against the clock-skew
// tolerance. The toolkit validates timestamps with zero tolerance and only
// flags violations; a violation inside the tolerance is accepted here.
func (s *SAMLService) withinSkewedWindow(info *saml2.AssertionInfo) bool {
	now := s.now()
	for _, assertion := range info.Assertions {
		if assertion.Conditions == nil {
			continue
		}
		if nb := assertion.Conditions.NotBefore; nb != "" {
			t, err := time.Parse(time.RFC3339, nb)
			if err != nil || now.Add(s.clockSkew).Before(t) {
				return false
			}
		}
		if noa := assertion.Conditions.NotOnOrAfter; noa != "" {
			t, err := time.Parse(time.RFC3339, noa)
			if err != nil || !now.Add(-s.clockSkew).Before(t) {
				return false
			}
		}
	}
	return true
}

// responseInResponseTo pulls the InResponseTo attribute off the Response
// envelope. The signature has already been verified at this point; this is a
// plain structural read.
func responseInResponseTo(encodedResponse string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		return "", fmt.Errorf("response is not valid base64: %w", err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return "", fmt.Errorf("response is not valid XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("response has no root element")
	}
	return root.SelectAttrValue("InResponseTo", ""), nil
}

// extractSAMLUserInfo maps the raw attribute statement onto SAMLUserInfo via
// the candidate tables, first match wins, and carries the session fields
// needed for Single Logout.
func extractSAMLUserInfo(info *saml2.AssertionInfo) *SAMLUserInfo {
	attributes := make(map[string][]string, len(info.Values))
	for name, attr := range info.Values {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		attributes[name] = values
	}

	firstAttr := func(field string) string {
		for _, candidate := range samlAttributeCandidates[field] {
			if values, ok := attributes[candidate]; ok && len(values) > 0 {
				return values[0]
			}
		}
		return ""
	}

	var groups []string
	for _, candidate := range samlAttributeCandidates["groups"] {
		if values, ok := attributes[candidate]; ok && len(values) > 0 {
			groups = values
			break
		}
	}

	return &SAMLUserInfo{
		NameID:              info.NameID,
		Email:               firstAttr("email"),
		FirstName:           firstAttr("first_name"),
		LastName:            firstAttr("last_name"),
		DisplayName:         firstAttr("display_name"),
		Groups:              groups,
		SessionIndex:        info.SessionIndex,
		SessionNotOnOrAfter: info.SessionNotOnOrAfter,
		Attributes:          attributes,
	}
}

// CreateLogoutRequest builds a LogoutRequest redirect URL for Single Logout.
// When the IdP has no SLO endpoint, or the SP carries no signing key (logout
// requests are always signed), the call is a graceful no-op returning an empty
// URL: local session teardown must never be blocked on SLO.
func (s *SAMLService) CreateLogoutRequest(provider, nameID, sessionIndex, relayState string) (string, error) {
	sp, err := s.client(provider)
	if err != nil {
		return "", err
	}
	if sp.IdentityProviderSLOURL == "" || s.keyStore == nil {
		return "", nil
	}

	doc, err := sp.BuildLogoutRequestDocument(nameID, sessionIndex)
	if err != nil {
		return "", &AuthenticationError{Provider: provider, Reason: "failed to build LogoutRequest", Err: err}
	}
	logoutURL, err := sp.BuildLogoutURLRedirect(relayState, doc)
	if err != nil {
		return "", &AuthenticationError{Provider: provider, Reason: "failed to build logout redirect URL", Err: err}
	}
	return logoutURL, nil
}

// ProcessLogoutResponse consumes the IdP's LogoutResponse. False without an
// error means SLO is not configured for that IdP; validation failures return
// an AuthenticationError.
func (s *SAMLService) ProcessLogoutResponse(provider, encodedResponse string) (bool, error) {
	sp, err := s.client(provider)
	if err != nil {
		return false, err
	}
	if sp.IdentityProviderSLOURL == "" {
		return false, nil
	}

	response, err := sp.ValidateEncodedLogoutResponsePOST(encodedResponse)
	if err != nil {
		return false, &AuthenticationError{Provider: provider, Reason: "logout response validation failed", Err: err}
	}
	if response.Status == nil || response.Status.StatusCode == nil || response.Status.StatusCode.Value != samlStatusSuccess {
		return false, &AuthenticationError{Provider: provider, Reason: "logout response status is not success"}
	}
	return true, nil
}

// IdPMetadataURL returns the well-known metadata URL template for the named
// vendor, or empty when no template is known. Informational only.
func (s *SAMLService) IdPMetadataURL(provider string) string {
	return idpMetadataURLTemplates[strings.ToLower(provider)]
}
