// Package mcp connects configured MCP (Model Context Protocol) servers and
// bridges their remote tools into the tool registry under
// "mcp_<serverId>_<toolName>" names.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// ToolPrefix namespaces every bridged MCP tool in the registry.
const ToolPrefix = "mcp_"

// failureCooldown is how long a failed server is left alone before another
// connect attempt is allowed.
const failureCooldown = 300 * time.Second

const defaultTimeoutSec = 60

// State is the per-server connection state.
type State int

const (
	StateDisabled State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// serverState tracks one configured MCP server.
type serverState struct {
	id  string
	cfg *config.MCPServerConfig

	mu          sync.Mutex
	state       State
	client      *mcpclient.Client
	toolNames   []string
	lastFailure time.Time
	lastErr     string
}

// ServerStatus is the externally visible snapshot for the status command.
type ServerStatus struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	State     string `json:"state"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// Manager owns the MCP server connections. Loading is asynchronous and
// failures are never fatal: a server that cannot connect goes into a
// cooldown and the rest of the runtime keeps working.
type Manager struct {
	registry *tools.Registry

	mu      sync.RWMutex
	servers map[string]*serverState
	order   []string // connect order, for reverse-order close

	loaded atomic.Bool
	stale  atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*config.MCPServerConfig
}

func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	m := &Manager{
		registry: registry,
		servers:  make(map[string]*serverState),
	}
	m.setConfigs(configs)
	return m
}

func (m *Manager) setConfigs(configs map[string]*config.MCPServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = make(map[string]*serverState, len(configs))
	m.order = m.order[:0]
	for id, cfg := range configs {
		if cfg == nil {
			continue
		}
		ss := &serverState{id: id, cfg: cfg}
		if !cfg.IsEnabled() {
			ss.state = StateDisabled
		}
		m.servers[id] = ss
		m.order = append(m.order, id)
	}
}

// Loaded reports whether a registration pass has completed.
func (m *Manager) Loaded() bool { return m.loaded.Load() }

// MarkStale flags the manager for a reload before the next message. The
// config watcher calls this; the agent loop observes it.
func (m *Manager) MarkStale() { m.stale.Store(true) }

// Stale reports whether a reload is pending.
func (m *Manager) Stale() bool { return m.stale.Load() }

// RegisterToolsAsync connects every enabled, non-lazy server in the
// background and registers its tools. Lazy servers are skipped here; they
// connect on first use via ConnectLazy.
func (m *Manager) RegisterToolsAsync(ctx context.Context) {
	go func() {
		m.mu.RLock()
		ids := append([]string(nil), m.order...)
		m.mu.RUnlock()

		var wg sync.WaitGroup
		for _, id := range ids {
			ss := m.server(id)
			if ss == nil || !ss.cfg.IsEnabled() || ss.cfg.Lazy {
				continue
			}
			wg.Add(1)
			go func(ss *serverState) {
				defer wg.Done()
				if err := m.connect(ctx, ss); err != nil {
					slog.Warn("mcp.server.connect_failed", "server", ss.id, "error", err)
				}
			}(ss)
		}
		wg.Wait()
		m.loaded.Store(true)
		m.stale.Store(false)
	}()
}

// ConnectLazy connects a single server on demand, respecting the failure
// cooldown. Used by lazy adapters on their first invocation and by the
// agent loop's lazy registration step.
func (m *Manager) ConnectLazy(ctx context.Context, serverID string, timeout time.Duration) error {
	ss := m.server(serverID)
	if ss == nil {
		return fmt.Errorf("unknown mcp server %q", serverID)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.connect(cctx, ss)
}

// connect drives the per-server state machine. Reentrant and safe under
// concurrency: a second caller either waits on the lock and finds the
// server Ready, or observes the cooldown.
func (m *Manager) connect(ctx context.Context, ss *serverState) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	switch ss.state {
	case StateReady:
		return nil
	case StateDisabled:
		return fmt.Errorf("server %s is disabled", ss.id)
	case StateClosed:
		return fmt.Errorf("server %s is closed", ss.id)
	case StateFailed:
		if remaining := failureCooldown - time.Since(ss.lastFailure); remaining > 0 {
			return fmt.Errorf("server %s in cooldown for %s after: %s", ss.id, remaining.Round(time.Second), ss.lastErr)
		}
	}

	ss.state = StateConnecting
	client, toolList, err := m.dial(ctx, ss)
	if err != nil {
		ss.state = StateFailed
		ss.lastFailure = time.Now()
		ss.lastErr = err.Error()
		return err
	}

	ss.client = client
	ss.state = StateReady
	ss.lastErr = ""
	ss.toolNames = ss.toolNames[:0]
	seen := make(map[string]bool, len(toolList))
	for _, remote := range toolList {
		adapter := newAdapter(m, ss.id, remote)
		// Sanitization can collapse distinct remote names; first one wins.
		if seen[adapter.Name()] {
			slog.Warn("mcp.tool.name_collision", "server", ss.id, "tool", remote.Name)
			continue
		}
		seen[adapter.Name()] = true
		if err := m.registry.Register(adapter); err != nil {
			slog.Warn("mcp.tool.register_failed", "server", ss.id, "tool", remote.Name, "error", err)
			continue
		}
		ss.toolNames = append(ss.toolNames, adapter.Name())
	}
	slog.Info("mcp.server.connected", "server", ss.id, "transport", ss.cfg.Transport, "tools", len(ss.toolNames))
	return nil
}

// dial creates the client, runs the handshake and lists tools.
func (m *Manager) dial(ctx context.Context, ss *serverState) (*mcpclient.Client, []mcpgo.Tool, error) {
	client, err := createClient(ss.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http transports need an explicit Start; stdio
	// starts with the subprocess.
	if ss.cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "nanobot", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return client, listed.Tools, nil
}

func createClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio", "":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "http", "streamable_http", "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// Close shuts down all sessions in reverse order of configuration. Close
// errors caused by cross-task cancellation are expected during shutdown and
// logged at debug only.
func (m *Manager) Close() {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		ss := m.server(order[i])
		if ss == nil {
			continue
		}
		ss.mu.Lock()
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				if isCrossTaskCancel(err) {
					slog.Debug("mcp.server.close_cancelled", "server", ss.id, "error", err)
				} else {
					slog.Warn("mcp.server.close_failed", "server", ss.id, "error", err)
				}
			}
			ss.client = nil
		}
		for _, name := range ss.toolNames {
			m.registry.Unregister(name)
		}
		ss.toolNames = nil
		ss.state = StateClosed
		ss.mu.Unlock()
	}
	m.loaded.Store(false)
}

// isCrossTaskCancel matches close errors produced when a session's
// background task is torn down from a different context than created it.
func isCrossTaskCancel(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel scope") ||
		strings.Contains(msg, "different task") ||
		strings.Contains(msg, "context canceled")
}

// HealthCheck pings every ready server in parallel and returns a status
// snapshot per configured server.
func (m *Manager) HealthCheck(ctx context.Context, timeout time.Duration) []ServerStatus {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	statuses := make([]ServerStatus, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ss := m.server(id)
			ss.mu.Lock()
			st := ServerStatus{
				ID:        id,
				Transport: ss.cfg.Transport,
				State:     ss.state.String(),
				ToolCount: len(ss.toolNames),
				Error:     ss.lastErr,
			}
			client := ss.client
			ready := ss.state == StateReady
			ss.mu.Unlock()

			if ready && client != nil {
				pctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := client.Ping(pctx); err != nil &&
					!strings.Contains(strings.ToLower(err.Error()), "method not found") {
					st.State = "unreachable"
					st.Error = err.Error()
				}
			}
			statuses[i] = st
		}(i, id)
	}
	wg.Wait()
	return statuses
}

// UpdateConfigs stages a new server set and marks the manager stale. The
// agent loop applies it via Reload before processing the next message, so
// the swap never races an in-flight tool call.
func (m *Manager) UpdateConfigs(configs map[string]*config.MCPServerConfig) {
	m.pendingMu.Lock()
	m.pending = configs
	m.pendingMu.Unlock()
	m.stale.Store(true)
}

// Reload applies staged configs, or reconnects the current set when none
// are staged.
func (m *Manager) Reload(ctx context.Context) {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	if pending == nil {
		pending = make(map[string]*config.MCPServerConfig)
		m.mu.RLock()
		for id, ss := range m.servers {
			pending[id] = ss.cfg
		}
		m.mu.RUnlock()
	}
	m.ReloadConfig(ctx, pending)
}

// ReloadConfig tears down every connection, drops all mcp_ tools from the
// registry, applies the new configs and starts a fresh registration pass.
func (m *Manager) ReloadConfig(ctx context.Context, configs map[string]*config.MCPServerConfig) {
	m.Close()
	if n := m.registry.UnregisterByPrefix(ToolPrefix); n > 0 {
		slog.Debug("mcp.reload.tools_dropped", "count", n)
	}
	m.setConfigs(configs)
	slog.Info("mcp.reload", "servers", len(configs))
	m.RegisterToolsAsync(ctx)
}

func (m *Manager) server(id string) *serverState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[id]
}

// callTool forwards one invocation to a connected server, lazily connecting
// when needed.
func (m *Manager) callTool(ctx context.Context, serverID, toolName string, args map[string]interface{}) (string, bool, error) {
	ss := m.server(serverID)
	if ss == nil {
		return "", false, fmt.Errorf("unknown mcp server %q", serverID)
	}

	ss.mu.Lock()
	ready := ss.state == StateReady
	ss.mu.Unlock()
	if !ready {
		timeout := time.Duration(ss.cfg.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeoutSec * time.Second
		}
		if err := m.ConnectLazy(ctx, serverID, timeout); err != nil {
			return "", false, err
		}
	}

	ss.mu.Lock()
	client := ss.client
	ss.mu.Unlock()
	if client == nil {
		return "", false, fmt.Errorf("server %s has no live session", serverID)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	res, err := client.CallTool(ctx, req)
	if err != nil {
		ss.mu.Lock()
		ss.state = StateFailed
		ss.lastFailure = time.Now()
		ss.lastErr = err.Error()
		ss.mu.Unlock()
		return "", false, err
	}
	return flattenContent(res.Content), res.IsError, nil
}

// flattenContent joins the text parts of an MCP tool result. Non-text
// content is represented by a placeholder so the model knows it exists.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", v.MIMEType))
		default:
			parts = append(parts, "[non-text content]")
		}
	}
	return strings.Join(parts, "\n")
}
