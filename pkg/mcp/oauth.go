package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// tokenCacheKey is the store key holding an exchanged token inside its
// per-user, per-server namespace.
const tokenCacheKey = "token"

// exchangeTimeout bounds the token-exchange round trip.
const exchangeTimeout = 15 * time.Second

// TokenExchanger trades the caller's bearer token for a server-scoped token
// via the server's token-exchange endpoint (RFC 8693 shape). Exchanged
// tokens are cached in the store under
// ["system_internal", <user>, "oauth", <server>] with a TTL so repeated
// agent builds inside the window skip the round trip.
type TokenExchanger struct {
	items    storage.StoreRepository
	settings *config.MCPSettings
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewTokenExchanger creates an exchanger backed by the given store.
func NewTokenExchanger(items storage.StoreRepository, settings *config.MCPSettings) *TokenExchanger {
	if settings == nil {
		settings = config.DefaultMCPSettings()
	}
	return &TokenExchanger{
		items:    items,
		settings: settings,
		client:   &http.Client{Timeout: exchangeTimeout},
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Exchange returns a server-scoped token for the caller, from cache when a
// fresh one exists. serverURL is the normalized MCP endpoint; the exchange
// endpoint is derived from it.
func (e *TokenExchanger) Exchange(ctx context.Context, owner, serverName, serverURL, subjectToken string) (string, error) {
	if subjectToken == "" {
		return "", fmt.Errorf("server %q requires auth but the request carries no bearer token", serverName)
	}

	namespace := []string{storage.NamespaceSystemInternal, owner, "oauth", serverName}

	if cached, err := e.items.Get(ctx, owner, namespace, tokenCacheKey); err == nil {
		if token, ok := cached.Value["access_token"].(string); ok && token != "" {
			return token, nil
		}
	}

	token, expiresIn, err := e.exchange(ctx, serverName, serverURL, subjectToken)
	if err != nil {
		return "", err
	}

	ttl := e.settings.OAuthCacheTTL
	if expiresIn > 0 && time.Duration(expiresIn)*time.Second < ttl {
		ttl = time.Duration(expiresIn) * time.Second
	}
	expiresAt := e.now().UTC().Add(ttl)

	err = e.items.Put(ctx, &models.StoreItem{
		Owner:     owner,
		Namespace: namespace,
		Key:       tokenCacheKey,
		Value:     map[string]any{"access_token": token},
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		// A dead cache costs an extra exchange next build, not the run.
		e.logger.Warn("Failed to cache exchanged MCP token",
			"server", serverName, "error", err)
	}

	return token, nil
}

// exchange performs the POST against the server's token endpoint.
func (e *TokenExchanger) exchange(ctx context.Context, serverName, serverURL, subjectToken string) (string, int64, error) {
	endpoint := tokenEndpoint(serverURL, e.settings.TokenExchangePath)

	form := url.Values{
		"grant_type":         {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"subject_token":      {subjectToken},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token exchange request for %q: %w", serverName, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+subjectToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange with %q failed: %w", serverName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read token exchange response from %q: %w", serverName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token exchange with %q returned status %d", serverName, resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("invalid token exchange response from %q: %w", serverName, err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("token exchange with %q returned no access token", serverName)
	}

	return parsed.AccessToken, parsed.ExpiresIn, nil
}

// tokenEndpoint derives the exchange endpoint from a normalized MCP URL:
// the /mcp suffix is replaced by the configured exchange path.
func tokenEndpoint(serverURL, exchangePath string) string {
	base := strings.TrimSuffix(serverURL, "/mcp")
	if exchangePath == "" {
		exchangePath = config.DefaultMCPSettings().TokenExchangePath
	}
	return base + exchangePath
}
