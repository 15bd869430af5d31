// Package token acquires and caches OAuth2 client-credentials tokens for
// ZeroBus workspaces. Tokens refresh ahead of expiry and concurrent
// refreshes for one workspace collapse into a single network exchange.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"otbridge.evalgo.org/credentials"
)

// ErrAuthRejected marks a definitive credential rejection by the token
// endpoint; it is never retried.
var ErrAuthRejected = errors.New("auth rejected")

// tokenPath is the client-credentials endpoint relative to the workspace
// host.
const tokenPath = "/oidc/v1/token"

// refreshWindow triggers a refresh when less than this much lifetime
// remains.
const refreshWindow = 60 * time.Second

// cached is one workspace's token with its expiry.
type cached struct {
	token     *oauth2.Token
	expiresAt time.Time
}

// Provider caches one token per workspace host.
type Provider struct {
	mu     sync.Mutex
	tokens map[string]cached
	group  singleflight.Group

	client    *http.Client
	scheme    string
	now       func() time.Time
	refreshes map[string]int64
	onRefresh func(host string)
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client used for the token exchange,
// typically to install a proxy or test transport.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

// WithClock replaces the expiry clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithScheme overrides the https default on the token URL, for tests
// against plain-HTTP endpoints.
func WithScheme(scheme string) Option {
	return func(p *Provider) { p.scheme = scheme }
}

// WithRefreshHook installs a callback fired after every successful
// network refresh, keyed by workspace host. Used to mirror the refresh
// count into the metrics registry.
func WithRefreshHook(hook func(host string)) Option {
	return func(p *Provider) { p.onRefresh = hook }
}

// NewProvider creates an empty token cache.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		tokens:    make(map[string]cached),
		refreshes: make(map[string]int64),
		client:    http.DefaultClient,
		scheme:    "https",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns a bearer token for the workspace, refreshing when less
// than a minute of lifetime remains. The client secret is read from the
// handle only for the duration of the exchange.
func (p *Provider) Token(ctx context.Context, workspaceHost, clientID string, secret *credentials.Handle) (string, error) {
	host := normalizeHost(workspaceHost)

	p.mu.Lock()
	entry, ok := p.tokens[host]
	now := p.now()
	p.mu.Unlock()
	if ok && now.Before(entry.expiresAt.Add(-refreshWindow)) {
		return entry.token.AccessToken, nil
	}

	// Collapse concurrent refreshes for one workspace into one exchange.
	result, err, _ := p.group.Do(host, func() (interface{}, error) {
		p.mu.Lock()
		entry, ok := p.tokens[host]
		if ok && p.now().Before(entry.expiresAt.Add(-refreshWindow)) {
			p.mu.Unlock()
			return entry.token.AccessToken, nil
		}
		p.mu.Unlock()
		return p.refresh(ctx, host, clientID, secret)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached token for a workspace, forcing the next
// Token call to refresh. Used by the sink after a 401.
func (p *Provider) Invalidate(workspaceHost string) {
	host := normalizeHost(workspaceHost)
	p.mu.Lock()
	delete(p.tokens, host)
	p.mu.Unlock()
}

// Refreshes returns how many network refreshes have run for a workspace.
func (p *Provider) Refreshes(workspaceHost string) int64 {
	host := normalizeHost(workspaceHost)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes[host]
}

func (p *Provider) refresh(ctx context.Context, host, clientID string, secret *credentials.Handle) (string, error) {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret.String(),
		TokenURL:     p.scheme + "://" + host + tokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"scope": {"all-apis"},
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := cfg.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return "", fmt.Errorf("%w: %s", ErrAuthRejected, retrieveErr.Response.Status)
		}
		return "", fmt.Errorf("token endpoint unreachable: %w", err)
	}

	p.mu.Lock()
	p.tokens[host] = cached{token: tok, expiresAt: tok.Expiry}
	p.refreshes[host]++
	p.mu.Unlock()
	if p.onRefresh != nil {
		p.onRefresh(host)
	}
	return tok.AccessToken, nil
}

func normalizeHost(host string) string {
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}
