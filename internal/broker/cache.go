package broker

import (
	"sync"

	"github.com/duguai/tradeflow/internal/config"
)

// Factory builds a Client for resolved credentials. The production factory
// returns AlpacaClient; tests substitute the paper broker.
type Factory func(creds *config.Credentials) Client

// Cache resolves and memoizes one Client per subaccount alias.
// Initialization happens on first use and is never repeated.
type Cache struct {
	mu       sync.Mutex
	resolver *config.CredentialResolver
	factory  Factory
	clients  map[string]Client
}

// NewCache creates an empty per-alias client cache.
func NewCache(resolver *config.CredentialResolver, factory Factory) *Cache {
	if factory == nil {
		factory = func(creds *config.Credentials) Client { return NewAlpacaClient(creds) }
	}
	return &Cache{
		resolver: resolver,
		factory:  factory,
		clients:  make(map[string]Client),
	}
}

// For returns the client for an alias, constructing it on first use.
func (c *Cache) For(alias string) (Client, error) {
	if alias == "" {
		alias = "default"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[alias]; ok {
		return cl, nil
	}
	creds, err := c.resolver.Resolve(alias)
	if err != nil {
		return nil, err
	}
	cl := c.factory(creds)
	c.clients[alias] = cl
	return cl, nil
}

// Put pre-seeds a client for an alias (paper runs, tests).
func (c *Cache) Put(alias string, cl Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[alias] = cl
}
