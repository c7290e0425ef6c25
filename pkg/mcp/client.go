// Package mcp loads tools from MCP (Model Context Protocol) servers and
// executes tool calls against them. The Loader resolves an assistant's
// mcp_config into a Toolset at agent-build time; the Toolset routes the
// model's tool calls back to the right server session.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/version"
)

// TransportFactory builds a fresh transport for a server. Invoked on first
// connect and again on session recreation, so factories that embed an
// exchanged token pick up a fresh one after the cache expires.
type TransportFactory func(ctx context.Context) (mcpsdk.Transport, error)

// Client manages MCP SDK sessions for the servers of one toolset.
// Each Client instance is scoped to a single agent build and torn down with
// it. Thread-safe: sessions may be hit from parallel tool calls.
type Client struct {
	settings *config.MCPSettings

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession // server name → session
	clients       map[string]*mcpsdk.Client        // server name → client (for reconnection)
	factories     map[string]TransportFactory      // server name → transport factory
	failedServers map[string]string                // server name → error message

	// Tool cache, populated on first ListTools and invalidated only on
	// session recreation. Each Client lives for one agent build, so the
	// cache never goes stale between builds.
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Per-server mutex for session recreation to prevent thundering herd
	reinitMu sync.Map // server name → *sync.Mutex

	logger *slog.Logger
}

// NewClient creates an unconnected Client. Servers are attached with Connect.
func NewClient(settings *config.MCPSettings) *Client {
	if settings == nil {
		settings = config.DefaultMCPSettings()
	}
	return &Client{
		settings:      settings,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		clients:       make(map[string]*mcpsdk.Client),
		factories:     make(map[string]TransportFactory),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.Default(),
	}
}

// Connect establishes a session to a single server. Returns nil if already
// connected. Failures are also recorded in FailedServers so the loader can
// report them after skipping the server.
// Uses a per-server mutex to serialize connection attempts.
func (c *Client) Connect(ctx context.Context, serverName string, factory TransportFactory) error {
	muI, _ := c.reinitMu.LoadOrStore(serverName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	c.factories[serverName] = factory
	c.mu.Unlock()

	if err := c.connectLocked(ctx, serverName); err != nil {
		c.mu.Lock()
		c.failedServers[serverName] = err.Error()
		c.mu.Unlock()
		return err
	}
	return nil
}

// connectLocked performs the actual connection. Caller must hold the
// per-server reinitMu lock.
func (c *Client) connectLocked(ctx context.Context, serverName string) error {
	// Check if already connected (under per-server lock, no TOCTOU race)
	c.mu.RLock()
	_, exists := c.sessions[serverName]
	factory := c.factories[serverName]
	c.mu.RUnlock()
	if exists {
		return nil
	}
	if factory == nil {
		return fmt.Errorf("no transport factory for server %q", serverName)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
	defer cancel()

	transport, err := factory(connectCtx)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", serverName, err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so stdio child
		// processes are not leaked on handshake failure.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", serverName, err)
	}

	c.mu.Lock()
	c.sessions[serverName] = session
	c.clients[serverName] = client
	delete(c.failedServers, serverName)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverName)
	return nil
}

// ListTools returns tools from a specific server. Uses cache if available.
func (c *Client) ListTools(ctx context.Context, serverName string) ([]*mcpsdk.Tool, error) {
	// Check cache first.
	// Lock ordering: never acquire c.mu while holding toolCacheMu.
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[serverName]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	c.mu.RLock()
	session, exists := c.sessions[serverName]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverName)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverName, err)
	}

	// Cache a non-nil slice so cache hits never return nil to callers.
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache[serverName] = tools
	c.toolCacheMu.Unlock()

	return tools, nil
}

// CallTool executes a tool call on the specified server.
// Handles recovery (retry with session recreation) on transport failures.
// At most one retry is attempted after a jittered backoff; if the retry also
// fails the error is returned to the caller.
func (c *Client) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, serverName, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	c.logger.Info("MCP call failed, retrying",
		"server", serverName, "tool", toolName,
		"action", action, "error", err)

	// Jittered backoff
	backoff := c.settings.RetryBackoffMin
	if spread := c.settings.RetryBackoffMax - c.settings.RetryBackoffMin; spread > 0 {
		backoff += time.Duration(rand.Int64N(int64(spread)))
	}
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, serverName); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", serverName, err)
		}
	}

	result, err = c.callToolOnce(ctx, serverName, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %s tool %q: %w", serverName, toolName, err)
	}
	return result, nil
}

// callToolOnce performs a single CallTool attempt.
func (c *Client) callToolOnce(ctx context.Context, serverName string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverName]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverName)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// recreateSession tears down and recreates the session for a server. The
// transport factory runs again, so an expired exchanged token is refreshed.
// Uses the per-server mutex to prevent concurrent recreation; two racing
// goroutines cost one extra recreation, which is acceptable.
func (c *Client) recreateSession(ctx context.Context, serverName string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, exists := c.sessions[serverName]; exists {
		_ = session.Close()
		delete(c.sessions, serverName)
		delete(c.clients, serverName)
	}
	c.mu.Unlock()

	c.InvalidateToolCache(serverName)

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.connectLocked(reinitCtx, serverName)
}

// Close shuts down all sessions and transports gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}

	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.clients = make(map[string]*mcpsdk.Client)
	c.factories = make(map[string]TransportFactory)
	c.failedServers = make(map[string]string)

	// Lock ordering note: mu → toolCacheMu is safe here because no other
	// code path holds toolCacheMu while acquiring mu.
	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()

	return firstErr
}

// InvalidateToolCache removes the cached tool list for a server,
// forcing the next ListTools call to re-probe the server.
// Lock ordering: never acquire c.mu while holding toolCacheMu.
func (c *Client) InvalidateToolCache(serverName string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, serverName)
	c.toolCacheMu.Unlock()
}

// HasSession checks if a server has an active session.
func (c *Client) HasSession(serverName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.sessions[serverName]
	return exists
}

// FailedServers returns the map of servers that failed to connect.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		result[k] = v
	}
	return result
}
