// Package client talks to a Quarterdeck gateway: one-shot requests routed to
// a chosen cluster, long-lived watch subscriptions over websockets, per-resource
// clients with multi-version fallback, and the session operations (port-forward,
// node drain) the gateway runs on the caller's behalf.
//
// All payloads are opaque JSON. The client never interprets resource schemas;
// it only routes, authenticates, and classifies failures.
package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// Client is the entry point for all gateway communication. It holds the only
// shared mutable state in the package: the currently selected cluster, the
// per-cluster token cache, and the session-expiry hook. Everything else is
// per-call or per-subscription.
type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu        sync.Mutex
	cluster   string
	tokens    map[string]string
	tokenSrc  oauth2.TokenSource
	onExpired func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The per-call timeout is
// still applied through the request context, so the given client should not
// carry its own Timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTokenSource installs a fallback credential source used for any cluster
// without an explicit token. The source is dropped on session expiry like the
// rest of the token cache.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokenSrc = ts }
}

// New creates a client for the gateway at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		tokens:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SelectCluster switches the cluster that ClusterRequest and the resource
// clients route to. Calls already in flight keep the cluster they started with.
func (c *Client) SelectCluster(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cluster = name
}

// Cluster returns the currently selected cluster name.
func (c *Client) Cluster() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cluster
}

// SetToken caches a bearer token for one cluster. It overrides the fallback
// token source for that cluster.
func (c *Client) SetToken(cluster, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[cluster] = token
}

// Token returns the cached bearer token for a cluster, falling back to the
// configured token source. Empty when neither yields a credential.
func (c *Client) Token(cluster string) string {
	c.mu.Lock()
	tok := c.tokens[cluster]
	src := c.tokenSrc
	c.mu.Unlock()

	if tok != "" {
		return tok
	}
	if src != nil {
		if t, err := src.Token(); err == nil {
			return t.AccessToken
		}
	}
	return ""
}

// OnSessionExpired registers the hook invoked when a call fails with an auth
// status and auto-logout is enabled. The hook runs after the client has
// cleared its cached credentials, once per failing call, on that call's
// goroutine.
func (c *Client) OnSessionExpired(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = fn
}

// expireSession clears all cached credentials and fires the expiry hook.
// The hook runs outside the lock so it may call back into the client.
func (c *Client) expireSession() {
	c.mu.Lock()
	c.tokens = make(map[string]string)
	c.tokenSrc = nil
	fn := c.onExpired
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// clusterPath prefixes path with the proxy route of the selected cluster.
func (c *Client) clusterPath(path string) string {
	cluster := c.Cluster()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "/clusters/" + cluster + path
}

// endpoint resolves path and query against the gateway base URL.
func (c *Client) endpoint(path string, q QueryParameters) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.encode()
	return &u
}
