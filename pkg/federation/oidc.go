package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/torchstack/federation/pkg/observability"
)

const (
	tokenExchangeTimeout = 30 * time.Second
	userInfoFetchTimeout = 10 * time.Second

	// 48 random bytes base64url-encode to 64 characters, inside the RFC 7636
	// 43..128 bound.
	codeVerifierBytes = 48

	stateTokenBytes = 32
)

// groupClaimCandidates is the ordered list of claim names historically used
// for group membership; first list found wins. Providers disagree on the
// naming, hence the heuristic.
var groupClaimCandidates = []string{"groups", "roles", "group", "memberOf"}

// OIDCService runs the OAuth2 authorization-code-with-PKCE flow for the
// configured providers and enforces every required OIDC security check.
// Construct once at startup and share; all methods are safe for concurrent
// use.
type OIDCService struct {
	resolver *ProviderConfigResolver
	states   *AuthStateStore
	jwks     *jwksCache
	scopes   []string

	exchangeClient *http.Client
	userInfoClient *http.Client

	log     *observability.Logger
	metrics *Metrics
	now     func() time.Time // test hook
}

// NewOIDCService wires the service against the resolver and the shared
// AuthStateStore. metrics may be nil.
func NewOIDCService(cfg *Config, resolver *ProviderConfigResolver, states *AuthStateStore, log *observability.Logger, metrics *Metrics) *OIDCService {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &OIDCService{
		resolver: resolver,
		states:   states,
		jwks:     newJWKSCache(log, metrics),
		scopes:   scopes,
		exchangeClient: &http.Client{
			Timeout:   tokenExchangeTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userInfoClient: &http.Client{
			Timeout:   userInfoFetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// ConfiguredProviders lists the providers this service can run logins for.
func (s *OIDCService) ConfiguredProviders() []ProviderKey {
	return s.resolver.ConfiguredProviders()
}

// IsProviderConfigured reports whether the named provider can run logins.
func (s *OIDCService) IsProviderConfigured(key ProviderKey) bool {
	return s.resolver.IsConfigured(key)
}

// GeneratePKCEPair produces a fresh PKCE code verifier and its S256 challenge
// (base64url(SHA256(verifier)), no padding). Each call is independent.
func GeneratePKCEPair() (verifier, challenge string, err error) {
	verifier, err = randomToken(codeVerifierBytes)
	if err != nil {
		return "", "", err
	}
	return verifier, oauth2.S256ChallengeFromVerifier(verifier), nil
}

// GenerateState produces a 32-byte cryptographically random URL-safe token.
func GenerateState() (string, error) {
	return randomToken(stateTokenBytes)
}

// GenerateNonce produces a 32-byte cryptographically random URL-safe token.
func GenerateNonce() (string, error) {
	return randomToken(stateTokenBytes)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthorizationOptions carries the optional parameters of
// BuildAuthorizationURL.
type AuthorizationOptions struct {
	Scopes    []string
	LoginHint string
}

// BuildAuthorizationURL composes the provider's authorization endpoint URL
// with response_type=code, code_challenge_method=S256, the given
// state/nonce/challenge and the provider's extension parameters.
func (s *OIDCService) BuildAuthorizationURL(provider ProviderKey, redirectURI, state, nonce, codeChallenge string, opts *AuthorizationOptions) (string, error) {
	cfg, err := s.resolver.Resolve(provider)
	if err != nil {
		return "", err
	}

	scopes := s.scopes
	var loginHint string
	if opts != nil {
		if len(opts.Scopes) > 0 {
			scopes = opts.Scopes
		}
		loginHint = opts.LoginHint
	}

	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if loginHint != "" {
		params = append(params, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	if ext, ok := providerExtensions[provider]; ok {
		for key, values := range ext.authorizationParams(cfg) {
			params = append(params, oauth2.SetAuthURLParam(key, values[0]))
		}
	}

	return oc.AuthCodeURL(state, params...), nil
}

// ExchangeCodeForTokens posts the authorization code and PKCE verifier to the
// provider's token endpoint. Failures are not retried: the authorization code
// is single-use and a blind retry can consume it.
func (s *OIDCService) ExchangeCodeForTokens(ctx context.Context, provider ProviderKey, code, redirectURI, codeVerifier string) (*OIDCTokens, error) {
	cfg, err := s.resolver.Resolve(provider)
	if err != nil {
		return nil, err
	}

	oc := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.exchangeClient)
	token, err := oc.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, &AuthenticationError{
				Provider:         string(provider),
				Reason:           "token exchange rejected",
				ErrorCode:        retrieveErr.ErrorCode,
				ErrorDescription: retrieveErr.ErrorDescription,
				Err:              err,
			}
		}
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "token exchange failed",
			Err:      err,
		}
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "token response is missing id_token",
		}
	}

	tokens := &OIDCTokens{
		AccessToken:  token.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	switch v := token.Extra("expires_in").(type) {
	case float64:
		tokens.ExpiresIn = int64(v)
	case json.Number:
		tokens.ExpiresIn, _ = v.Int64()
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens, nil
}

// ValidateIDToken is the security-critical step of the flow. In order, it
// verifies: the token signature against the provider's cached JWKS, the exact
// issuer, the audience (the configured client_id unless overridden), the
// presence of exp/iat plus non-expiry, a non-empty sub, and finally that the
// token's nonce equals the nonce issued at login initiation. A nonce mismatch
// is treated as a possible replay attack and is a hard failure.
func (s *OIDCService) ValidateIDToken(ctx context.Context, provider ProviderKey, rawIDToken, nonce string, clientID ...string) (*OIDCUserInfo, error) {
	cfg, err := s.resolver.Resolve(provider)
	if err != nil {
		return nil, err
	}

	keySet, err := s.jwks.get(ctx, provider, cfg.JWKSEndpoint)
	if err != nil {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "failed to fetch signing keys",
			Err:      err,
		}
	}

	token, err := jwt.Parse([]byte(rawIDToken),
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "id_token signature verification failed",
			Err:      err,
		}
	}

	if token.Issuer() != cfg.Issuer {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   fmt.Sprintf("unexpected issuer %q", token.Issuer()),
		}
	}

	expectedClientID := cfg.ClientID
	if len(clientID) > 0 && clientID[0] != "" {
		expectedClientID = clientID[0]
	}
	if !slices.Contains(token.Audience(), expectedClientID) {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "audience does not match client_id",
		}
	}

	if _, ok := token.Get(jwt.ExpirationKey); !ok {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "id_token is missing exp claim"}
	}
	if _, ok := token.Get(jwt.IssuedAtKey); !ok {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "id_token is missing iat claim"}
	}
	if s.now().After(token.Expiration()) {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "id_token is expired"}
	}

	if token.Subject() == "" {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "id_token is missing sub claim"}
	}

	tokenNonce, _ := token.Get("nonce")
	if nonceStr, _ := tokenNonce.(string); nonceStr != nonce {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "nonce mismatch: possible replay attack",
		}
	}

	claims, err := token.AsMap(ctx)
	if err != nil {
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   "failed to extract id_token claims",
			Err:      err,
		}
	}
	return userInfoFromClaims(token.Subject(), claims), nil
}

// ClearJWKSCache drops cached key sets so the next validation refetches them.
// With no arguments, every provider's cache is dropped. Intended for operator
// recovery after an IdP signing-key rotation.
func (s *OIDCService) ClearJWKSCache(providers ...ProviderKey) {
	s.jwks.clear(providers...)
}

// GetUserInfo fetches the provider's userinfo endpoint with the access token.
// Supplementary: the verified identity comes from the ID token.
func (s *OIDCService) GetUserInfo(ctx context.Context, provider ProviderKey, accessToken string) (*OIDCUserInfo, error) {
	cfg, err := s.resolver.Resolve(provider)
	if err != nil {
		return nil, err
	}
	if cfg.UserInfoEndpoint == "" {
		return nil, &ConfigurationError{Provider: string(provider), Reason: "no userinfo endpoint configured"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoEndpoint, nil)
	if err != nil {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "failed to build userinfo request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.userInfoClient.Do(req)
	if err != nil {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "userinfo request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &AuthenticationError{
			Provider: string(provider),
			Reason:   fmt.Sprintf("userinfo request returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, &AuthenticationError{Provider: string(provider), Reason: "failed to decode userinfo response", Err: err}
	}
	sub, _ := claims["sub"].(string)
	return userInfoFromClaims(sub, claims), nil
}

// Authenticate is the callback-side orchestration: CSRF state check, token
// exchange, ID-token validation, strictly in that order with short-circuit on
// failure.
func (s *OIDCService) Authenticate(ctx context.Context, provider ProviderKey, code, redirectURI, codeVerifier, state, expectedState, nonce string) (*OIDCUserInfo, error) {
	if state == "" || state != expectedState {
		s.metrics.loginFailed("oidc", "state_mismatch")
		return nil, &ValidationError{Field: "state", Reason: "state does not match the value issued at login"}
	}

	tokens, err := s.ExchangeCodeForTokens(ctx, provider, code, redirectURI, codeVerifier)
	if err != nil {
		s.metrics.loginFailed("oidc", "token_exchange")
		return nil, err
	}

	user, err := s.ValidateIDToken(ctx, provider, tokens.IDToken, nonce)
	if err != nil {
		s.metrics.loginFailed("oidc", "id_token_validation")
		return nil, err
	}

	s.metrics.loginCompleted("oidc", string(provider))
	if s.log != nil {
		s.log.WithField("provider", string(provider)).
			WithField("sub", user.Subject).
			Info("OIDC login completed")
	}
	return user, nil
}

// LoginRedirect is what StartLogin hands the HTTP layer: the URL to send the
// browser to and the opaque state correlating the eventual callback.
type LoginRedirect struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// LoginOptions carries the optional parameters of StartLogin.
type LoginOptions struct {
	Scopes    []string
	LoginHint string
}

// StartLogin generates the PKCE pair, state and nonce for a fresh login
// attempt, stores the correlating AuthState, and returns the authorization
// redirect. The caller stores nothing.
func (s *OIDCService) StartLogin(provider ProviderKey, redirectURI string, opts *LoginOptions) (*LoginRedirect, error) {
	verifier, challenge, err := GeneratePKCEPair()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	authOpts := &AuthorizationOptions{}
	var loginHint string
	if opts != nil {
		authOpts.Scopes = opts.Scopes
		authOpts.LoginHint = opts.LoginHint
		loginHint = opts.LoginHint
	}
	authURL, err := s.BuildAuthorizationURL(provider, redirectURI, state, nonce, challenge, authOpts)
	if err != nil {
		return nil, err
	}

	s.states.Store(state, &AuthState{
		State:         state,
		Provider:      provider,
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		Nonce:         nonce,
		RedirectURI:   redirectURI,
		LoginHint:     loginHint,
		CreatedAt:     s.now(),
	})
	s.metrics.loginStarted("oidc", string(provider))

	return &LoginRedirect{URL: authURL, State: state}, nil
}

// CallbackParams is the IdP's redirect back to us, as received by the
// excluded HTTP layer.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CompleteLogin consumes the AuthState for the callback's state value and
// runs Authenticate against it. The state is consumed whatever the outcome;
// a replayed callback finds nothing.
func (s *OIDCService) CompleteLogin(ctx context.Context, params CallbackParams) (*OIDCUserInfo, error) {
	auth := s.states.Consume(params.State)
	if auth == nil {
		s.metrics.loginFailed("oidc", "unknown_state")
		return nil, &ValidationError{Field: "state", Reason: "unknown or expired login attempt"}
	}

	if params.Error != "" {
		s.metrics.loginFailed("oidc", "idp_error")
		return nil, &AuthenticationError{
			Provider:         string(auth.Provider),
			Reason:           "identity provider returned an error",
			ErrorCode:        params.Error,
			ErrorDescription: params.ErrorDescription,
		}
	}
	if params.Code == "" {
		s.metrics.loginFailed("oidc", "missing_code")
		return nil, &ValidationError{Field: "code", Reason: "missing authorization code"}
	}

	return s.Authenticate(ctx, auth.Provider, params.Code, auth.RedirectURI, auth.CodeVerifier, params.State, auth.State, auth.Nonce)
}

// StateAlive reports whether a state value is still pending, without
// consuming it. Debugging aid only.
func (s *OIDCService) StateAlive(state string) bool {
	return s.states.Get(state) != nil
}

// userInfoFromClaims maps raw ID-token or userinfo claims onto OIDCUserInfo.
func userInfoFromClaims(subject string, claims map[string]any) *OIDCUserInfo {
	info := &OIDCUserInfo{
		Subject:   subject,
		Groups:    extractGroups(claims),
		RawClaims: claims,
	}
	info.Email, _ = claims["email"].(string)
	info.EmailVerified, _ = claims["email_verified"].(bool)
	info.Name, _ = claims["name"].(string)
	info.GivenName, _ = claims["given_name"].(string)
	info.FamilyName, _ = claims["family_name"].(string)
	info.PreferredUsername, _ = claims["preferred_username"].(string)
	return info
}

// extractGroups resolves group membership over the candidate claim names,
// first match wins. A lone string value is wrapped in a singleton list; nil
// means no group claim at all.
func extractGroups(claims map[string]any) []string {
	for _, name := range groupClaimCandidates {
		value, ok := claims[name]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case []string:
			return v
		case []any:
			groups := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					groups = append(groups, s)
				}
			}
			return groups
		case string:
			return []string{v}
		}
	}
	return nil
}
