package federation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when the corresponding field is unset.
const (
	DefaultStateTTL  = 600 * time.Second
	DefaultMaxStates = 10000
	DefaultClockSkew = 60 * time.Second
)

// DefaultScopes is the OIDC scope set requested when the caller supplies none.
var DefaultScopes = []string{"openid", "profile", "email", "groups"}

// Config is the static SSO configuration source, read once at startup. There
// is no hot-reload; a config change requires a restart.
type Config struct {
	// BaseURL is the externally visible base URL of this deployment; the SAML
	// ACS/SLO/metadata URLs are derived from it.
	BaseURL string `yaml:"base_url"`

	Scopes          []string `yaml:"scopes"`
	StateTTLSeconds int      `yaml:"state_ttl_seconds"`
	MaxStates       int      `yaml:"max_states"`
	ClockSkewSecs   int      `yaml:"clock_skew_seconds"`

	Providers map[ProviderKey]ProviderSettings `yaml:"providers"`
	SAML      SPSettings                       `yaml:"saml"`
}

// ProviderSettings is the YAML shape of one OIDC provider entry. Endpoint URLs
// may be omitted when the issuer supports discovery; the resolver fills them
// in once at startup.
type ProviderSettings struct {
	ClientID              string `yaml:"client_id"`
	ClientSecret          string `yaml:"client_secret"`
	Issuer                string `yaml:"issuer"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	UserInfoEndpoint      string `yaml:"userinfo_endpoint"`
	JWKSEndpoint          string `yaml:"jwks_endpoint"`
	HostedDomain          string `yaml:"hosted_domain"`
}

// SPSettings configures the local SAML service provider identity shared across
// all registered IdPs.
type SPSettings struct {
	EntityID        string `yaml:"entity_id"`
	CertificateFile string `yaml:"certificate_file"`
	PrivateKeyFile  string `yaml:"private_key_file"`
	NameIDFormat    string `yaml:"name_id_format"`
}

// LoadConfig reads and parses a YAML config file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.StateTTLSeconds <= 0 {
		c.StateTTLSeconds = int(DefaultStateTTL / time.Second)
	}
	if c.MaxStates <= 0 {
		c.MaxStates = DefaultMaxStates
	}
	if c.ClockSkewSecs <= 0 {
		c.ClockSkewSecs = int(DefaultClockSkew / time.Second)
	}
}

// StateTTL returns the in-flight login TTL as a duration.
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSeconds) * time.Second
}

// ClockSkew returns the SAML clock-skew tolerance as a duration.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSecs) * time.Second
}
