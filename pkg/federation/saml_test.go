package federation

import (
	"compress/flate"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	samltypes "github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSPEntityID  = "https://sp.example.com/metadata"
	testACSURL      = "https://sp.example.com/auth/saml/acs"
	testIdPEntityID = "https://idp.example.com/saml"
	testIdPSSOURL   = "https://idp.example.com/sso"
)

func newTestSAMLService(t *testing.T) *SAMLService {
	t.Helper()
	cfg := &Config{
		BaseURL: "https://sp.example.com",
		SAML:    SPSettings{EntityID: testSPEntityID},
	}
	cfg.ApplyDefaults()
	svc, err := NewSAMLService(cfg, nil, nil)
	require.NoError(t, err)
	return svc
}

// newSignedTestSAMLService builds a service whose SP carries a signing key,
// generated on the fly and loaded from temp PEM files.
func newSignedTestSAMLService(t *testing.T) *SAMLService {
	t.Helper()

	ks := dsig.RandomKeyStoreForTest()
	key, certDER, err := ks.GetKeyPair()
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "sp.crt")
	keyFile := filepath.Join(dir, "sp.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	cfg := &Config{
		BaseURL: "https://sp.example.com",
		SAML: SPSettings{
			EntityID:        testSPEntityID,
			CertificateFile: certFile,
			PrivateKeyFile:  keyFile,
		},
	}
	cfg.ApplyDefaults()
	svc, err := NewSAMLService(cfg, nil, nil)
	require.NoError(t, err)
	return svc
}

// newIdPKeyStore generates a throwaway IdP signing identity and its PEM
// certificate.
func newIdPKeyStore(t *testing.T) (dsig.X509KeyStore, string) {
	t.Helper()
	ks := dsig.RandomKeyStoreForTest()
	_, certDER, err := ks.GetKeyPair()
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return ks, string(certPEM)
}

func registerTestIdP(t *testing.T, svc *SAMLService, certPEM string) {
	t.Helper()
	require.NoError(t, svc.RegisterIdP(SAMLIdPConfig{
		Name:        "okta",
		EntityID:    testIdPEntityID,
		SSOURL:      testIdPSSOURL,
		Certificate: certPEM,
	}))
}

func TestSAMLService_Unconfigured(t *testing.T) {
	cfg := &Config{BaseURL: "https://sp.example.com"}
	cfg.ApplyDefaults()
	svc, err := NewSAMLService(cfg, nil, nil)
	require.NoError(t, err)

	assert.False(t, svc.IsConfigured())

	var cfgErr *ConfigurationError
	_, err = svc.SPMetadata()
	require.ErrorAs(t, err, &cfgErr)

	err = svc.RegisterIdP(SAMLIdPConfig{Name: "okta", EntityID: "x", SSOURL: "y"})
	require.ErrorAs(t, err, &cfgErr)
}

func TestSPMetadata(t *testing.T) {
	svc := newTestSAMLService(t)

	metadata, err := svc.SPMetadata()
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(metadata))
	root := doc.Root()
	require.NotNil(t, root)

	assert.Equal(t, "EntityDescriptor", root.Tag)
	assert.Equal(t, testSPEntityID, root.SelectAttrValue("entityID", ""))

	var descriptor *etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag == "SPSSODescriptor" {
			descriptor = child
		}
	}
	require.NotNil(t, descriptor)
	assert.Equal(t, "true", descriptor.SelectAttrValue("WantAssertionsSigned", ""))
	// no SP key configured, so requests are not signed
	assert.Equal(t, "false", descriptor.SelectAttrValue("AuthnRequestsSigned", ""))

	var acsLocation, nameIDFormat string
	for _, child := range descriptor.ChildElements() {
		switch child.Tag {
		case "AssertionConsumerService":
			acsLocation = child.SelectAttrValue("Location", "")
			assert.Equal(t, "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST", child.SelectAttrValue("Binding", ""))
		case "NameIDFormat":
			nameIDFormat = child.Text()
		}
	}
	assert.Equal(t, testACSURL, acsLocation)
	assert.Equal(t, defaultNameIDFormat, nameIDFormat)
}

func TestRegisterIdP_Validation(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)

	tests := []struct {
		name  string
		cfg   SAMLIdPConfig
		field string
	}{
		{"missing name", SAMLIdPConfig{EntityID: "e", SSOURL: "s", Certificate: certPEM}, "name"},
		{"missing entity id", SAMLIdPConfig{Name: "okta", SSOURL: "s", Certificate: certPEM}, "entity_id"},
		{"missing sso url", SAMLIdPConfig{Name: "okta", EntityID: "e", Certificate: certPEM}, "sso_url"},
		{"bad certificate", SAMLIdPConfig{Name: "okta", EntityID: "e", SSOURL: "s", Certificate: "garbage"}, "certificate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.RegisterIdP(tt.cfg)
			var valErr *ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tt.field, valErr.Field)
		})
	}
}

func TestRegisterIdP_InvalidatesCachedClient(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	request, err := svc.CreateAuthnRequest("okta", nil)
	require.NoError(t, err)
	assert.Contains(t, request.RedirectURL, testIdPSSOURL)

	// re-registration with a new SSO URL must not reuse the cached client
	require.NoError(t, svc.RegisterIdP(SAMLIdPConfig{
		Name:        "okta",
		EntityID:    testIdPEntityID,
		SSOURL:      "https://idp.example.com/sso-v2",
		Certificate: certPEM,
	}))

	request, err = svc.CreateAuthnRequest("okta", nil)
	require.NoError(t, err)
	assert.Contains(t, request.RedirectURL, "sso-v2")
}

func TestRegisteredIdPs(t *testing.T) {
	svc := newTestSAMLService(t)
	assert.Empty(t, svc.RegisteredIdPs())

	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)
	assert.Equal(t, []string{"okta"}, svc.RegisteredIdPs())
}

// decodeAuthnRequest undoes the HTTP-Redirect binding encoding
// (base64 over raw deflate).
func decodeAuthnRequest(t *testing.T, redirectURL string) *etree.Element {
	t.Helper()
	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	encoded := u.Query().Get("SAMLRequest")
	require.NotEmpty(t, encoded)

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	raw, err := io.ReadAll(flate.NewReader(strings.NewReader(string(compressed))))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	return doc.Root()
}

func TestCreateAuthnRequest(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	request, err := svc.CreateAuthnRequest("okta", &AuthnRequestOptions{
		RelayState: "return-to-dashboard",
		ForceAuthn: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, request.RequestID)
	assert.Equal(t, "return-to-dashboard", request.RelayState)

	u, err := url.Parse(request.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "return-to-dashboard", u.Query().Get("RelayState"))

	root := decodeAuthnRequest(t, request.RedirectURL)
	assert.Equal(t, "AuthnRequest", root.Tag)
	assert.Equal(t, request.RequestID, root.SelectAttrValue("ID", ""))
	assert.Equal(t, testIdPSSOURL, root.SelectAttrValue("Destination", ""))
	assert.Equal(t, "true", root.SelectAttrValue("ForceAuthn", ""))
}

func TestCreateAuthnRequest_NameIDFormatOverride(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	persistent := "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	request, err := svc.CreateAuthnRequest("okta", &AuthnRequestOptions{NameIDFormat: persistent})
	require.NoError(t, err)

	root := decodeAuthnRequest(t, request.RedirectURL)
	var found bool
	for _, child := range root.ChildElements() {
		if child.Tag == "NameIDPolicy" {
			found = true
			assert.Equal(t, persistent, child.SelectAttrValue("Format", ""))
		}
	}
	assert.True(t, found)
}

func TestCreateAuthnRequest_DefaultRelayState(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	request, err := svc.CreateAuthnRequest("okta", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, request.RelayState)
}

func TestCreateAuthnRequest_Unregistered(t *testing.T) {
	svc := newTestSAMLService(t)

	_, err := svc.CreateAuthnRequest("okta", nil)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "not registered")
}

type samlResponseSpec struct {
	inResponseTo string
	audience     string
	nameID       string
	unsigned     bool
}

// buildSignedResponse assembles a Response whose assertion is signed with the
// given IdP key store, mirroring what a real IdP posts to the ACS endpoint.
func buildSignedResponse(t *testing.T, ks dsig.X509KeyStore, spec samlResponseSpec) string {
	t.Helper()

	now := time.Now().UTC()
	instant := now.Format("2006-01-02T15:04:05Z")
	notBefore := now.Add(-5 * time.Minute).Format("2006-01-02T15:04:05Z")
	notOnOrAfter := now.Add(5 * time.Minute).Format("2006-01-02T15:04:05Z")
	sessionEnd := now.Add(8 * time.Hour).Format("2006-01-02T15:04:05Z")

	if spec.audience == "" {
		spec.audience = testSPEntityID
	}

	doc := etree.NewDocument()
	response := doc.CreateElement("samlp:Response")
	response.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	response.CreateAttr("ID", "_response-1")
	response.CreateAttr("Version", "2.0")
	response.CreateAttr("IssueInstant", instant)
	response.CreateAttr("Destination", testACSURL)
	if spec.inResponseTo != "" {
		response.CreateAttr("InResponseTo", spec.inResponseTo)
	}

	respIssuer := response.CreateElement("saml:Issuer")
	respIssuer.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	respIssuer.SetText(testIdPEntityID)

	statusCode := response.CreateElement("samlp:Status").CreateElement("samlp:StatusCode")
	statusCode.CreateAttr("Value", samlStatusSuccess)

	assertion := response.CreateElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	assertion.CreateAttr("ID", "_assertion-1")
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", instant)
	assertion.CreateElement("saml:Issuer").SetText(testIdPEntityID)

	subject := assertion.CreateElement("saml:Subject")
	if spec.nameID != "" {
		nameID := subject.CreateElement("saml:NameID")
		nameID.CreateAttr("Format", defaultNameIDFormat)
		nameID.SetText(spec.nameID)
	}
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", "urn:oasis:names:tc:SAML:2.0:cm:bearer")
	confirmationData := confirmation.CreateElement("saml:SubjectConfirmationData")
	confirmationData.CreateAttr("NotOnOrAfter", notOnOrAfter)
	confirmationData.CreateAttr("Recipient", testACSURL)
	if spec.inResponseTo != "" {
		confirmationData.CreateAttr("InResponseTo", spec.inResponseTo)
	}

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", notBefore)
	conditions.CreateAttr("NotOnOrAfter", notOnOrAfter)
	audience := conditions.CreateElement("saml:AudienceRestriction").CreateElement("saml:Audience")
	audience.SetText(spec.audience)

	authnStatement := assertion.CreateElement("saml:AuthnStatement")
	authnStatement.CreateAttr("AuthnInstant", instant)
	authnStatement.CreateAttr("SessionIndex", "sess-1")
	authnStatement.CreateAttr("SessionNotOnOrAfter", sessionEnd)
	authnStatement.CreateElement("saml:AuthnContext").
		CreateElement("saml:AuthnContextClassRef").
		SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport")

	attrStatement := assertion.CreateElement("saml:AttributeStatement")
	addAttr := func(name string, values ...string) {
		attr := attrStatement.CreateElement("saml:Attribute")
		attr.CreateAttr("Name", name)
		for _, v := range values {
			attr.CreateElement("saml:AttributeValue").SetText(v)
		}
	}
	addAttr("email", "user@example.com")
	addAttr("givenName", "Pat")
	addAttr("sn", "Example")
	addAttr("displayName", "Pat Example")
	addAttr("groups", "admins", "engineers")

	raw, err := doc.WriteToBytes()
	require.NoError(t, err)

	if !spec.unsigned {
		// Sign the assertion inside a freshly parsed copy of the document so
		// the canonical form covered by the digest is exactly what a consumer
		// sees when it re-parses the posted response.
		parsed := etree.NewDocument()
		require.NoError(t, parsed.ReadFromBytes(raw))
		assertionEl := parsed.Root().FindElement("./Assertion")
		require.NotNil(t, assertionEl)

		signCtx := dsig.NewDefaultSigningContext(ks)
		// The default c14n11 canonicalizer includes ancestor namespace
		// declarations (xmlns:samlp) in SignedInfo's canonical form at
		// validation time but not at construction time, so the signature
		// never verifies for an assertion nested under samlp:Response.
		// Exclusive c14n keeps construction and validation consistent.
		signCtx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
		signature, err := signCtx.ConstructSignature(assertionEl, true)
		require.NoError(t, err)
		assertionEl.AddChild(signature)

		raw, err = parsed.WriteToBytes()
		require.NoError(t, err)
	}

	return base64.StdEncoding.EncodeToString(raw)
}

func TestProcessResponse_Success(t *testing.T) {
	svc := newTestSAMLService(t)
	ks, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	encoded := buildSignedResponse(t, ks, samlResponseSpec{
		inResponseTo: "_request-1",
		nameID:       "user@example.com",
	})

	user, err := svc.ProcessResponse("okta", encoded, "_request-1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.NameID)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "Pat", user.FirstName)
	assert.Equal(t, "Example", user.LastName)
	assert.Equal(t, "Pat Example", user.DisplayName)
	assert.Equal(t, []string{"admins", "engineers"}, user.Groups)
	assert.Equal(t, "sess-1", user.SessionIndex)
	require.NotNil(t, user.SessionNotOnOrAfter)
	assert.True(t, user.SessionNotOnOrAfter.After(time.Now()))
	assert.Equal(t, []string{"user@example.com"}, user.Attributes["email"])
}

func TestProcessResponse_InResponseToMismatch(t *testing.T) {
	svc := newTestSAMLService(t)
	ks, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	encoded := buildSignedResponse(t, ks, samlResponseSpec{
		inResponseTo: "_request-1",
		nameID:       "user@example.com",
	})

	_, err := svc.ProcessResponse("okta", encoded, "_a-different-request")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "InResponseTo")
}

func TestProcessResponse_TamperedAssertion(t *testing.T) {
	svc := newTestSAMLService(t)
	ks, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	encoded := buildSignedResponse(t, ks, samlResponseSpec{
		inResponseTo: "_request-1",
		nameID:       "user@example.com",
	})

	// flip the asserted email after signing
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "user@example.com", "evil@example.com", 1)
	encoded = base64.StdEncoding.EncodeToString([]byte(tampered))

	_, err = svc.ProcessResponse("okta", encoded, "_request-1")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestProcessResponse_UnsignedAssertion(t *testing.T) {
	svc := newTestSAMLService(t)
	ks, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	encoded := buildSignedResponse(t, ks, samlResponseSpec{
		inResponseTo: "_request-1",
		nameID:       "user@example.com",
		unsigned:     true,
	})

	_, err := svc.ProcessResponse("okta", encoded)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestProcessResponse_WrongAudience(t *testing.T) {
	svc := newTestSAMLService(t)
	ks, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	encoded := buildSignedResponse(t, ks, samlResponseSpec{
		inResponseTo: "_request-1",
		nameID:       "user@example.com",
		audience:     "https://some-other-sp.example.com",
	})

	_, err := svc.ProcessResponse("okta", encoded)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "audience")
}

func TestProcessResponse_MissingNameID(t *testing.T) {
	svc := newTestSAMLService(t)
	ks, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	encoded := buildSignedResponse(t, ks, samlResponseSpec{
		inResponseTo: "_request-1",
	})

	_, err := svc.ProcessResponse("okta", encoded)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestProcessResponse_Garbage(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	_, err := svc.ProcessResponse("okta", "not base64 at all!!")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)

	_, err = svc.ProcessResponse("okta", base64.StdEncoding.EncodeToString([]byte("<not-saml/>")))
	require.ErrorAs(t, err, &authErr)
}

func TestProcessResponse_Unregistered(t *testing.T) {
	svc := newTestSAMLService(t)
	_, err := svc.ProcessResponse("okta", "irrelevant")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCreateLogoutRequest_NoSLO(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	// graceful no-op: session teardown proceeds without IdP logout
	logoutURL, err := svc.CreateLogoutRequest("okta", "user@example.com", "sess-1", "")
	require.NoError(t, err)
	assert.Empty(t, logoutURL)
}

func TestCreateLogoutRequest_WithSLO(t *testing.T) {
	svc := newSignedTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	require.NoError(t, svc.RegisterIdP(SAMLIdPConfig{
		Name:        "okta",
		EntityID:    testIdPEntityID,
		SSOURL:      testIdPSSOURL,
		SLOURL:      "https://idp.example.com/slo",
		Certificate: certPEM,
	}))

	logoutURL, err := svc.CreateLogoutRequest("okta", "user@example.com", "sess-1", "after-logout")
	require.NoError(t, err)

	u, err := url.Parse(logoutURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/slo", u.Path)
	assert.NotEmpty(t, u.Query().Get("SAMLRequest"))
	assert.Equal(t, "after-logout", u.Query().Get("RelayState"))
}

func TestCreateLogoutRequest_NoSPSigningKey(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	require.NoError(t, svc.RegisterIdP(SAMLIdPConfig{
		Name:        "okta",
		EntityID:    testIdPEntityID,
		SSOURL:      testIdPSSOURL,
		SLOURL:      "https://idp.example.com/slo",
		Certificate: certPEM,
	}))

	// logout requests are signed, so a keyless SP degrades to local-only
	// logout even when the IdP advertises an SLO endpoint
	logoutURL, err := svc.CreateLogoutRequest("okta", "user@example.com", "sess-1", "")
	require.NoError(t, err)
	assert.Empty(t, logoutURL)
}

func TestProcessLogoutResponse_NoSLO(t *testing.T) {
	svc := newTestSAMLService(t)
	_, certPEM := newIdPKeyStore(t)
	registerTestIdP(t, svc, certPEM)

	ok, err := svc.ProcessLogoutResponse("okta", "irrelevant")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdPMetadataURL(t *testing.T) {
	svc := newTestSAMLService(t)

	tests := []struct {
		provider string
		contains string
	}{
		{"okta", "sso/saml/metadata"},
		{"azure", "federationmetadata"},
		{"google", "accounts.google.com"},
		{"Okta", "sso/saml/metadata"}, // case insensitive
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			assert.Contains(t, svc.IdPMetadataURL(tt.provider), tt.contains)
		})
	}
	assert.Empty(t, svc.IdPMetadataURL("pingfederate"))
}

func TestExtractSAMLUserInfo_AttributeCandidates(t *testing.T) {
	// Azure-style URI claim names resolve through the candidate tables
	info := &saml2.AssertionInfo{
		NameID:       "user-1",
		SessionIndex: "sess-9",
		Values: saml2.Values{
			"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress": samltypes.Attribute{
				Name:   "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
				Values: []samltypes.AttributeValue{{Value: "user@example.com"}},
			},
			"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname": samltypes.Attribute{
				Name:   "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
				Values: []samltypes.AttributeValue{{Value: "Pat"}},
			},
			"http://schemas.microsoft.com/ws/2008/06/identity/claims/groups": samltypes.Attribute{
				Name:   "http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
				Values: []samltypes.AttributeValue{{Value: "g1"}, {Value: "g2"}},
			},
		},
	}

	user := extractSAMLUserInfo(info)
	assert.Equal(t, "user-1", user.NameID)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "Pat", user.FirstName)
	assert.Equal(t, []string{"g1", "g2"}, user.Groups)
	assert.Equal(t, "sess-9", user.SessionIndex)
}

func TestWithinSkewedWindow(t *testing.T) {
	svc := newTestSAMLService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	window := func(notBefore, notOnOrAfter time.Time) *saml2.AssertionInfo {
		return &saml2.AssertionInfo{
			Assertions: []samltypes.Assertion{{
				Conditions: &samltypes.Conditions{
					NotBefore:    notBefore.Format(time.RFC3339),
					NotOnOrAfter: notOnOrAfter.Format(time.RFC3339),
				},
			}},
		}
	}

	// 30s early with a 60s tolerance: accepted
	assert.True(t, svc.withinSkewedWindow(window(now.Add(30*time.Second), now.Add(time.Hour))))
	// 30s past expiry with a 60s tolerance: accepted
	assert.True(t, svc.withinSkewedWindow(window(now.Add(-time.Hour), now.Add(-30*time.Second))))
	// two minutes early: outside tolerance
	assert.False(t, svc.withinSkewedWindow(window(now.Add(2*time.Minute), now.Add(time.Hour))))
	// two minutes past expiry: outside tolerance
	assert.False(t, svc.withinSkewedWindow(window(now.Add(-time.Hour), now.Add(-2*time.Minute))))
}
