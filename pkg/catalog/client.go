package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/config"
)

// Entry is one catalog assistant definition, the same shape strand.yaml
// declares inline.
type Entry struct {
	AssistantID string         `json:"assistant_id,omitempty"`
	GraphID     string         `json:"graph_id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// catalogDocument is the remote endpoint's response body.
type catalogDocument struct {
	Assistants []Entry `json:"assistants"`
}

// Client fetches the remote assistant catalog. The endpoint host must
// pass the allowlist; the bearer token comes from the configured env var
// and may be empty for open catalogs.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
}

// NewClient validates the catalog URL against the domain allowlist and
// resolves the bearer token. Fails fast on a disallowed or malformed URL
// so a bad deployment never fetches from the wrong host.
func NewClient(cfg *config.CatalogConfig) (*Client, error) {
	if err := CheckHostAllowed(cfg.URL, cfg.AllowedDomains); err != nil {
		return nil, fmt.Errorf("catalog URL rejected: %w", err)
	}
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        cfg.URL,
		token:      token,
	}, nil
}

// Fetch downloads and decodes the catalog document.
func (c *Client) Fetch(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog from %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned HTTP %d for %s", resp.StatusCode, c.url)
	}

	var doc catalogDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	return doc.Assistants, nil
}

// CheckHostAllowed verifies that rawURL is https (or http for localhost)
// and that its host matches the allowlist. An empty allowlist admits any
// host. Entries match exactly, or as parent domains when prefixed with
// "*." ("*.example.com" admits "catalog.example.com" but not
// "example.com" itself).
func CheckHostAllowed(rawURL string, allowed []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host: %s", rawURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if host != "localhost" && host != "127.0.0.1" {
			return fmt.Errorf("http is only allowed for localhost, got %s", rawURL)
		}
	default:
		return fmt.Errorf("unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, entry := range allowed {
		if wild, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+wild) {
				return nil
			}
			continue
		}
		if host == entry {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in the allowed domains", host)
}
