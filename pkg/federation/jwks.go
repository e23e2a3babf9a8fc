package federation

import (
	"context"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/torchstack/federation/pkg/observability"
)

const (
	jwksFetchTimeout = 10 * time.Second

	// More providers than we will ever register; the cache never evicts in
	// practice and entries live until explicitly cleared.
	jwksCacheSize = 16
)

// jwksCache holds one fetched key set per provider, indefinitely. It is
// read-shared across all flows and mutated only on a fetch miss or an explicit
// clear. Known limitation: if the IdP rotates its signing keys, validation
// fails until ClearJWKSCache is called.
type jwksCache struct {
	sets    *lru.Cache[ProviderKey, jwk.Set]
	group   singleflight.Group
	client  *http.Client
	log     *observability.Logger
	metrics *Metrics
}

func newJWKSCache(log *observability.Logger, metrics *Metrics) *jwksCache {
	sets, _ := lru.New[ProviderKey, jwk.Set](jwksCacheSize)
	return &jwksCache{
		sets: sets,
		client: &http.Client{
			Timeout:   jwksFetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log:     log,
		metrics: metrics,
	}
}

// get returns the provider's key set, fetching it once on a cold miss.
// Concurrent cold misses for the same provider share a single fetch.
func (c *jwksCache) get(ctx context.Context, provider ProviderKey, jwksURL string) (jwk.Set, error) {
	if set, ok := c.sets.Get(provider); ok {
		return set, nil
	}

	v, err, _ := c.group.Do(string(provider), func() (any, error) {
		if set, ok := c.sets.Get(provider); ok {
			return set, nil
		}
		set, err := jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(c.client))
		if err != nil {
			return nil, err
		}
		c.metrics.jwksFetched(string(provider))
		if c.log != nil {
			c.log.WithField("provider", string(provider)).
				WithField("keys", set.Len()).
				Debug("fetched JWKS")
		}
		c.sets.Add(provider, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

// clear drops the cached key sets for the given providers, or all of them
// when none are named. Used for operator-triggered key rotation recovery.
func (c *jwksCache) clear(providers ...ProviderKey) {
	if len(providers) == 0 {
		c.sets.Purge()
		return
	}
	for _, p := range providers {
		c.sets.Remove(p)
	}
}
