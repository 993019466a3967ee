// Package mcp manages connections to external tool servers, tool and
// prompt discovery, per-user authenticated sessions, and routing of
// server-initiated traffic back to in-flight calls.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
)

// ErrUnknownTool is returned when a fully-qualified tool name does not
// resolve against the discovery index.
var ErrUnknownTool = errors.New("unknown tool")

// ErrServerUnavailable is returned when the target server has no live
// session and cannot be connected.
var ErrServerUnavailable = errors.New("tool server unavailable")

// toolRef locates one discovered tool.
type toolRef struct {
	server string
	tool   string
}

type userSessionKey struct {
	user   string
	server string
}

// Manager owns the tool server connection pool for the whole process.
// Shared (unauthenticated) servers get one session each; per-user
// servers get one session per (user, server) pair, created lazily from
// stored credentials. Thread-safe.
type Manager struct {
	registry  *config.ServerRegistry
	tokens    TokenStorage
	timeouts  config.TimeoutConfig
	reconnect config.ReconnectConfig

	mu           sync.RWMutex
	sessions     map[string]*mcpsdk.ClientSession
	userSessions map[userSessionKey]*mcpsdk.ClientSession
	failures     map[string]*FailureRecord

	// Discovery snapshot, rebuilt whenever a server (re)connects.
	discoveryMu sync.RWMutex
	tools       map[string][]*mcpsdk.Tool
	prompts     map[string][]*mcpsdk.Prompt
	index       map[string]toolRef // full name → location

	// Per-server mutex serializing connect attempts.
	initMu sync.Map // server → *sync.Mutex

	router      *callRouter
	projectRoot string
	clock       func() time.Time
	logger      *slog.Logger

	// newTransport builds the transport for a connect attempt. Tests
	// swap it for in-memory pairs.
	newTransport func(name string, cfg *config.ServerConfig, projectRoot string, auth *userAuth) (mcpsdk.Transport, error)
}

// NewManager creates a manager over the given registry. projectRoot
// anchors relative stdio working directories.
func NewManager(registry *config.ServerRegistry, tokens TokenStorage, timeouts config.TimeoutConfig, reconnect config.ReconnectConfig, projectRoot string) *Manager {
	return &Manager{
		registry:     registry,
		tokens:       tokens,
		timeouts:     timeouts.WithDefaults(),
		reconnect:    reconnect.WithDefaults(),
		sessions:     make(map[string]*mcpsdk.ClientSession),
		userSessions: make(map[userSessionKey]*mcpsdk.ClientSession),
		failures:     make(map[string]*FailureRecord),
		tools:        make(map[string][]*mcpsdk.Tool),
		prompts:      make(map[string][]*mcpsdk.Prompt),
		index:        make(map[string]toolRef),
		router:       newCallRouter(),
		projectRoot:  projectRoot,
		clock:        time.Now,
		logger:       slog.Default(),
		newTransport: createTransport,
	}
}

// Initialize connects to every registered server in parallel. Failures
// are recorded, not fatal: the service runs with whatever connected.
func (m *Manager) Initialize(ctx context.Context) {
	names := m.registry.Names()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.InitializeServer(ctx, name); err != nil {
				m.logger.Warn("tool server failed to initialize",
					"server", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// InitializeServer connects one server and runs discovery against it.
// Returns nil if already connected. Serialized per server so concurrent
// callers never race a duplicate connect.
func (m *Manager) InitializeServer(ctx context.Context, name string) error {
	muI, _ := m.initMu.LoadOrStore(name, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return m.initializeServerLocked(ctx, name)
}

// initializeServerLocked does the connect + discovery. Caller must hold
// the per-server init mutex.
func (m *Manager) initializeServerLocked(ctx context.Context, name string) error {
	m.mu.RLock()
	_, connected := m.sessions[name]
	m.mu.RUnlock()
	if connected {
		return nil
	}

	cfg, err := m.registry.Get(name)
	if err != nil {
		return err
	}

	// Shared servers connect with no credential. Per-user servers still
	// get a shared discovery session when the transport allows an
	// unauthenticated handshake; per-user call sessions are built lazily.
	session, err := m.connect(ctx, name, cfg, nil)
	if err != nil {
		m.recordFailure(name, err)
		return err
	}

	if err := m.discover(ctx, name, session); err != nil {
		_ = session.Close()
		m.recordFailure(name, err)
		return err
	}

	m.mu.Lock()
	m.sessions[name] = session
	delete(m.failures, name)
	m.mu.Unlock()

	m.logger.Info("tool server connected", "server", name)
	return nil
}

// connect builds the transport, creates the SDK client with notification
// handlers wired to the call router, and performs the handshake.
func (m *Manager) connect(ctx context.Context, name string, cfg *config.ServerConfig, auth *userAuth) (*mcpsdk.ClientSession, error) {
	transport, err := m.newTransport(name, cfg, m.projectRoot, auth)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, m.timeouts.Discovery)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "parley",
		Version: "1.0",
	}, m.clientOptions(name))

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if possible so stdio children don't leak.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("connecting to %q: %w", name, err)
	}
	return session, nil
}

// clientOptions wires server-initiated traffic into the call router.
// Progress is routed exactly by token (every call sets its progress
// token to its tool call id); logs and elicitations carry no id, so
// they reach the sole in-flight call on the server when unambiguous.
func (m *Manager) clientOptions(serverName string) *mcpsdk.ClientOptions {
	return &mcpsdk.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *mcpsdk.ProgressNotificationClientRequest) {
			token, _ := req.Params.ProgressToken.(string)
			sinks, ok := m.router.Lookup(serverName, token)
			if !ok || sinks.OnProgress == nil {
				return
			}
			sinks.OnProgress(req.Params.Progress, req.Params.Total, req.Params.Message)
		},
		LoggingMessageHandler: func(_ context.Context, req *mcpsdk.LoggingMessageRequest) {
			sinks, ok := m.router.LookupSole(serverName)
			if !ok {
				m.logger.Warn("server log dropped, no unambiguous in-flight call",
					"server", serverName, "in_flight", m.router.InFlight(serverName))
				return
			}
			if sinks.OnLog == nil {
				return
			}
			sinks.OnLog(string(req.Params.Level), loggingDataString(req.Params.Data))
		},
		ElicitationHandler: func(ctx context.Context, req *mcpsdk.ElicitRequest) (*mcpsdk.ElicitResult, error) {
			sinks, ok := m.router.LookupSole(serverName)
			if !ok {
				m.logger.Warn("elicitation cancelled, no unambiguous in-flight call",
					"server", serverName, "in_flight", m.router.InFlight(serverName))
				return &mcpsdk.ElicitResult{Action: "cancel"}, nil
			}
			if sinks.OnElicit == nil {
				return &mcpsdk.ElicitResult{Action: "cancel"}, nil
			}
			action, data, err := sinks.OnElicit(ctx, req.Params.Message, schemaToMap(req.Params.RequestedSchema))
			if err != nil {
				return &mcpsdk.ElicitResult{Action: "cancel"}, nil
			}
			switch action {
			case "accept":
				return &mcpsdk.ElicitResult{Action: "accept", Content: data}, nil
			case "reject":
				// MCP wire name for a user refusal.
				return &mcpsdk.ElicitResult{Action: "decline"}, nil
			default:
				return &mcpsdk.ElicitResult{Action: "cancel"}, nil
			}
		},
	}
}

func loggingDataString(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// schemaToMap converts the SDK's typed schema into the loose map the
// broker sends to the client.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// discover lists tools and prompts from a fresh session and folds them
// into the discovery snapshot.
func (m *Manager) discover(ctx context.Context, name string, session *mcpsdk.ClientSession) error {
	opCtx, cancel := context.WithTimeout(ctx, m.timeouts.Discovery)
	defer cancel()

	toolsRes, err := session.ListTools(opCtx, nil)
	if err != nil {
		return fmt.Errorf("listing tools from %q: %w", name, err)
	}
	tools := toolsRes.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}

	// Prompt listing is optional; servers without the capability just
	// contribute no prompts.
	var prompts []*mcpsdk.Prompt
	if promptsRes, err := session.ListPrompts(opCtx, nil); err == nil {
		prompts = promptsRes.Prompts
	}

	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	m.tools[name] = tools
	m.prompts[name] = prompts
	for full, ref := range m.index {
		if ref.server == name {
			delete(m.index, full)
		}
	}
	for _, t := range tools {
		m.index[FullToolName(name, t.Name)] = toolRef{server: name, tool: t.Name}
	}
	return nil
}

// FullToolName builds the model-facing name for a discovered tool.
func FullToolName(server, tool string) string {
	return server + "_" + tool
}

// ResolveTool maps a model-facing tool name back to (server, tool base
// name) via the discovery index. Never parses the name: underscores in
// server or tool names are ambiguous.
func (m *Manager) ResolveTool(fullName string) (server, tool string, err error) {
	m.discoveryMu.RLock()
	ref, ok := m.index[fullName]
	m.discoveryMu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTool, fullName)
	}
	return ref.server, ref.tool, nil
}

// ToolSchema returns the discovered schema for a tool, or nil when the
// tool is unknown.
func (m *Manager) ToolSchema(server, tool string) *mcpsdk.Tool {
	m.discoveryMu.RLock()
	defer m.discoveryMu.RUnlock()
	for _, t := range m.tools[server] {
		if t.Name == tool {
			return t
		}
	}
	return nil
}

// ToolDefinitions returns every discovered tool as a model-facing
// definition, sorted by full name for stable prompt construction.
func (m *Manager) ToolDefinitions() []agent.ToolDefinition {
	m.discoveryMu.RLock()
	defer m.discoveryMu.RUnlock()

	defs := make([]agent.ToolDefinition, 0, len(m.index))
	for server, tools := range m.tools {
		for _, t := range tools {
			schema := "{}"
			if t.InputSchema != nil {
				if b, err := json.Marshal(t.InputSchema); err == nil {
					schema = string(b)
				}
			}
			defs = append(defs, agent.ToolDefinition{
				Name:             FullToolName(server, t.Name),
				Description:      t.Description,
				ParametersSchema: schema,
			})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ToolsByServer returns a snapshot of the discovery state keyed by
// server name.
func (m *Manager) ToolsByServer() map[string][]*mcpsdk.Tool {
	m.discoveryMu.RLock()
	defer m.discoveryMu.RUnlock()
	out := make(map[string][]*mcpsdk.Tool, len(m.tools))
	for server, tools := range m.tools {
		out[server] = append([]*mcpsdk.Tool(nil), tools...)
	}
	return out
}

// Prompts returns the discovered prompts for a server.
func (m *Manager) Prompts(server string) []*mcpsdk.Prompt {
	m.discoveryMu.RLock()
	defer m.discoveryMu.RUnlock()
	return m.prompts[server]
}

// Instructions concatenates the configured usage instructions of every
// connected server, for inclusion in system prompts.
func (m *Manager) Instructions() string {
	m.mu.RLock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		cfg, err := m.registry.Get(name)
		if err != nil || cfg.Instructions == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("## %s\n%s", name, cfg.Instructions))
	}
	return sb.String()
}

// CallTool executes one tool call. Per-user servers resolve the
// caller's stored credential first; a missing or expired token returns
// *agent.AuthRequiredError without touching the server's shared
// connection state. Sinks, when non-nil, receive progress, log, and
// elicitation traffic for the duration of the call.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any, userEmail string, sinks *CallSinks) (*mcpsdk.CallToolResult, error) {
	cfg, err := m.registry.Get(server)
	if err != nil {
		return nil, err
	}

	session, err := m.sessionFor(ctx, server, cfg, userEmail)
	if err != nil {
		return nil, err
	}

	params := &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	}
	if sinks != nil {
		unregister := m.router.Register(server, sinks)
		defer unregister()
		// Progress notifications echo this token back, giving exact
		// per-call routing.
		params.Meta = mcpsdk.Meta{"progressToken": sinks.ToolCallID}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeouts.ToolCall)
	defer cancel()

	result, err := session.CallTool(callCtx, params)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil || callCtx.Err() != nil {
		return nil, fmt.Errorf("calling %s on %q: %w", tool, server, err)
	}

	// A transport-level failure on a shared session gets one reconnect +
	// retry. Per-user sessions are dropped so the next call rebuilds one.
	if cfg.AuthType.PerUser() {
		m.dropUserSession(userEmail, server)
		return nil, fmt.Errorf("calling %s on %q: %w", tool, server, err)
	}
	if rerr := m.recreateSession(ctx, server); rerr != nil {
		return nil, fmt.Errorf("calling %s on %q: %w", tool, server, err)
	}
	m.mu.RLock()
	session = m.sessions[server]
	m.mu.RUnlock()
	if session == nil {
		return nil, fmt.Errorf("calling %s on %q: %w", tool, server, err)
	}

	retryCtx, retryCancel := context.WithTimeout(ctx, m.timeouts.ToolCall)
	defer retryCancel()
	result, err = session.CallTool(retryCtx, params)
	if err != nil {
		return nil, fmt.Errorf("retry of %s on %q failed: %w", tool, server, err)
	}
	return result, nil
}

// sessionFor picks the shared session or a lazily created per-user one.
func (m *Manager) sessionFor(ctx context.Context, server string, cfg *config.ServerConfig, userEmail string) (*mcpsdk.ClientSession, error) {
	if !cfg.AuthType.PerUser() {
		m.mu.RLock()
		session, ok := m.sessions[server]
		m.mu.RUnlock()
		if ok {
			return session, nil
		}
		if err := m.InitializeServer(ctx, server); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrServerUnavailable, server, err)
		}
		m.mu.RLock()
		session = m.sessions[server]
		m.mu.RUnlock()
		if session == nil {
			return nil, fmt.Errorf("%w: %s", ErrServerUnavailable, server)
		}
		return session, nil
	}

	key := userSessionKey{user: userEmail, server: server}
	m.mu.RLock()
	session, ok := m.userSessions[key]
	m.mu.RUnlock()
	if ok {
		return session, nil
	}

	tok, err := m.tokens.GetValidToken(ctx, userEmail, server)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return nil, &agent.AuthRequiredError{
				ServerName:    server,
				AuthType:      string(cfg.AuthType),
				OAuthStartURL: cfg.OAuthStartURL,
			}
		}
		return nil, fmt.Errorf("resolving credential for %q: %w", server, err)
	}

	session, err = m.connect(ctx, server, cfg, &userAuth{
		authType: cfg.AuthType,
		token:    tok.Token,
		header:   cfg.APIKeyHeader,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.userSessions[key]; ok {
		m.mu.Unlock()
		_ = session.Close()
		return existing, nil
	}
	m.userSessions[key] = session
	m.mu.Unlock()
	return session, nil
}

// dropUserSession closes and forgets one per-user session.
func (m *Manager) dropUserSession(userEmail, server string) {
	key := userSessionKey{user: userEmail, server: server}
	m.mu.Lock()
	session, ok := m.userSessions[key]
	delete(m.userSessions, key)
	m.mu.Unlock()
	if ok {
		_ = session.Close()
	}
}

// InvalidateUserSessions closes every per-user session for a server,
// e.g. after credentials were revoked or the server config changed.
func (m *Manager) InvalidateUserSessions(server string) {
	m.mu.Lock()
	var closing []*mcpsdk.ClientSession
	for key, session := range m.userSessions {
		if key.server == server {
			closing = append(closing, session)
			delete(m.userSessions, key)
		}
	}
	m.mu.Unlock()
	for _, s := range closing {
		_ = s.Close()
	}
}

// recreateSession tears down and reconnects the shared session for one
// server.
func (m *Manager) recreateSession(ctx context.Context, server string) error {
	muI, _ := m.initMu.LoadOrStore(server, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	if session, ok := m.sessions[server]; ok {
		_ = session.Close()
		delete(m.sessions, server)
	}
	m.mu.Unlock()

	return m.initializeServerLocked(ctx, server)
}

// HasSession reports whether a server has a live shared session.
func (m *Manager) HasSession(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[server]
	return ok
}

// ApplyDiff reacts to a config reload: removed and changed servers are
// torn down (changed ones reconnect with the new config), added ones
// connect.
func (m *Manager) ApplyDiff(ctx context.Context, diff config.Diff) {
	for _, name := range diff.Removed {
		m.teardownServer(name)
		m.logger.Info("tool server removed", "server", name)
	}
	for _, name := range diff.Changed {
		m.teardownServer(name)
		if err := m.InitializeServer(ctx, name); err != nil {
			m.logger.Warn("tool server failed to reconnect after config change",
				"server", name, "error", err)
		}
	}
	for _, name := range diff.Added {
		if err := m.InitializeServer(ctx, name); err != nil {
			m.logger.Warn("added tool server failed to initialize",
				"server", name, "error", err)
		}
	}
}

// teardownServer closes all sessions for a server and clears its
// discovery entries and failure record.
func (m *Manager) teardownServer(name string) {
	m.mu.Lock()
	if session, ok := m.sessions[name]; ok {
		_ = session.Close()
		delete(m.sessions, name)
	}
	delete(m.failures, name)
	m.mu.Unlock()

	m.InvalidateUserSessions(name)

	m.discoveryMu.Lock()
	delete(m.tools, name)
	delete(m.prompts, name)
	for full, ref := range m.index {
		if ref.server == name {
			delete(m.index, full)
		}
	}
	m.discoveryMu.Unlock()
}

// Close shuts down every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session %q: %w", name, err)
		}
	}
	for _, session := range m.userSessions {
		_ = session.Close()
	}
	m.sessions = make(map[string]*mcpsdk.ClientSession)
	m.userSessions = make(map[userSessionKey]*mcpsdk.ClientSession)
	m.failures = make(map[string]*FailureRecord)
	return firstErr
}
