package jwt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultKeySetCacheSize bounds the number of remote key sets held in memory.
const DefaultKeySetCacheSize = 256

// KeySet verifies a compact JWS against a provider's published keys.
type KeySet interface {
	VerifySignature(ctx context.Context, jwt string) ([]byte, error)
}

// KeySetCache is a process-wide LRU of remote key sets keyed by keyset URL.
// It is safe for concurrent use. Each entry caches its keys and refetches on an
// unknown kid. When two requests populate the same URL concurrently the last Add wins
// and the other instance is dropped after its in-flight verification.
type KeySetCache struct {
	cache  *lru.Cache[string, KeySet]
	client *http.Client
}

// NewKeySetCache builds the cache. A nil client gets a 10 second timeout.
func NewKeySetCache(size int, client *http.Client) (*KeySetCache, error) {
	if size <= 0 {
		size = DefaultKeySetCacheSize
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := lru.New[string, KeySet](size)
	if err != nil {
		return nil, fmt.Errorf("keyset cache: %w", err)
	}
	return &KeySetCache{cache: cache, client: client}, nil
}

// Get returns the key set for url, creating it on first use.
func (c *KeySetCache) Get(url string) KeySet {
	if ks, ok := c.cache.Get(url); ok {
		return ks
	}
	ks := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), c.client), url)
	c.cache.Add(url, ks)
	return ks
}

// Len reports the number of cached key sets.
func (c *KeySetCache) Len() int {
	return c.cache.Len()
}
