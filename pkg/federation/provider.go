package federation

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/torchstack/federation/pkg/observability"
)

// ProviderConfigResolver exposes which OIDC providers are configured and hands
// out immutable per-provider descriptors. Constructed once at startup from the
// static configuration; endpoint URLs missing from the config are filled in
// via OIDC discovery at construction time.
type ProviderConfigResolver struct {
	providers map[ProviderKey]*ProviderConfig
	log       *observability.Logger
}

// NewProviderConfigResolver builds the resolver from cfg. Discovery failures
// are logged and leave the affected provider without endpoints; Resolve
// reports that as a configuration error when the provider is used.
func NewProviderConfigResolver(ctx context.Context, cfg *Config, log *observability.Logger) *ProviderConfigResolver {
	r := &ProviderConfigResolver{
		providers: make(map[ProviderKey]*ProviderConfig),
		log:       log,
	}

	for _, key := range knownProviders {
		settings, ok := cfg.Providers[key]
		if !ok {
			continue
		}
		pc := &ProviderConfig{
			Key:                   key,
			ClientID:              settings.ClientID,
			ClientSecret:          settings.ClientSecret,
			Issuer:                settings.Issuer,
			AuthorizationEndpoint: settings.AuthorizationEndpoint,
			TokenEndpoint:         settings.TokenEndpoint,
			UserInfoEndpoint:      settings.UserInfoEndpoint,
			JWKSEndpoint:          settings.JWKSEndpoint,
			HostedDomain:          settings.HostedDomain,
		}
		if pc.Configured() && pc.AuthorizationEndpoint == "" {
			if err := discoverEndpoints(ctx, pc); err != nil && log != nil {
				log.WithError(err).WithField("provider", string(key)).
					Warn("OIDC endpoint discovery failed; provider unusable until restart")
			}
		}
		r.providers[key] = pc
	}
	return r
}

// ConfiguredProviders lists the providers with complete credentials, in the
// fixed okta/azure/google order.
func (r *ProviderConfigResolver) ConfiguredProviders() []ProviderKey {
	var keys []ProviderKey
	for _, key := range knownProviders {
		if r.providers[key].Configured() {
			keys = append(keys, key)
		}
	}
	return keys
}

// IsConfigured reports whether the named provider has client_id,
// client_secret and issuer all set.
func (r *ProviderConfigResolver) IsConfigured(key ProviderKey) bool {
	return r.providers[key].Configured()
}

// Resolve returns a copy of the provider's descriptor, or a
// ConfigurationError if the provider is unknown, unconfigured, or its
// endpoints never resolved.
func (r *ProviderConfigResolver) Resolve(key ProviderKey) (*ProviderConfig, error) {
	pc, ok := r.providers[key]
	if !ok {
		return nil, &ConfigurationError{Provider: string(key), Reason: "unknown provider"}
	}
	if !pc.Configured() {
		return nil, &ConfigurationError{Provider: string(key), Reason: "provider is not configured"}
	}
	if pc.AuthorizationEndpoint == "" || pc.TokenEndpoint == "" || pc.JWKSEndpoint == "" {
		return nil, &ConfigurationError{Provider: string(key), Reason: "provider endpoints are not resolved"}
	}
	cp := *pc
	return &cp, nil
}

// discoverEndpoints fills missing endpoint URLs from the issuer's
// well-known OpenID configuration.
func discoverEndpoints(ctx context.Context, pc *ProviderConfig) error {
	provider, err := oidc.NewProvider(ctx, pc.Issuer)
	if err != nil {
		return fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	endpoint := provider.Endpoint()
	if pc.AuthorizationEndpoint == "" {
		pc.AuthorizationEndpoint = endpoint.AuthURL
	}
	if pc.TokenEndpoint == "" {
		pc.TokenEndpoint = endpoint.TokenURL
	}

	var extra struct {
		JWKSURI          string `json:"jwks_uri"`
		UserInfoEndpoint string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if pc.JWKSEndpoint == "" {
		pc.JWKSEndpoint = extra.JWKSURI
	}
	if pc.UserInfoEndpoint == "" {
		pc.UserInfoEndpoint = extra.UserInfoEndpoint
	}
	return nil
}

// providerExtension contributes provider-specific authorization parameters so
// that adding a provider does not touch the URL builder.
type providerExtension interface {
	authorizationParams(cfg *ProviderConfig) url.Values
}

var providerExtensions = map[ProviderKey]providerExtension{
	ProviderOkta:   oktaExtension{},
	ProviderAzure:  azureExtension{},
	ProviderGoogle: googleExtension{},
}

// oktaExtension adds nothing beyond the common parameter set.
type oktaExtension struct{}

func (oktaExtension) authorizationParams(*ProviderConfig) url.Values {
	return nil
}

type azureExtension struct{}

func (azureExtension) authorizationParams(*ProviderConfig) url.Values {
	return url.Values{"response_mode": {"query"}}
}

type googleExtension struct{}

func (googleExtension) authorizationParams(cfg *ProviderConfig) url.Values {
	params := url.Values{
		"access_type": {"offline"},
		"prompt":      {"select_account"},
	}
	if cfg.HostedDomain != "" {
		params.Set("hd", cfg.HostedDomain)
	}
	return params
}
