package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ProviderAdapter sends one request to a model provider.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client routes completion requests to registered providers. The first
// registered provider is the default.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

// Register adds adapter under its canonical name, replacing an earlier
// adapter with the same name.
func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	key := normalizeProviderName(adapter.Name())
	c.providers[key] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = key
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

// ProviderNames lists registered providers in sorted order.
func (c *Client) ProviderNames() []string {
	if c == nil {
		return nil
	}
	var names []string
	for key := range c.providers {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Complete routes req to its provider through the middleware chain. Errors
// are returned as-is; retries happen only through RetryTransient.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	adapter, key, err := c.resolve(req.Provider)
	if err != nil {
		return Response{}, err
	}
	req.Provider = key
	return applyMiddleware(adapter.Complete, c.middleware)(ctx, req)
}

// resolve picks the adapter for name, falling back to the default provider.
func (c *Client) resolve(name string) (ProviderAdapter, string, error) {
	key := normalizeProviderName(name)
	if key == "" {
		key = c.defaultProvider
	}
	if key == "" {
		return nil, "", &ConfigurationError{Message: "request names no provider and none is registered"}
	}
	adapter, ok := c.providers[key]
	if !ok {
		return nil, "", &ConfigurationError{Message: fmt.Sprintf("provider %q is not registered (have %s)", key, strings.Join(c.ProviderNames(), ", "))}
	}
	return adapter, key, nil
}

// Use appends middleware. Middleware sees requests in registration order and
// responses in reverse order.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

var providerAliases = map[string]string{
	"openai-compatible": "openai",
	"openai_compatible": "openai",
	"openaicompat":      "openai",
	"local":             "openai",
	"ollama":            "openai",
}

func normalizeProviderName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := providerAliases[key]; ok {
		return alias
	}
	return key
}
