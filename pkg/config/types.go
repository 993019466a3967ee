package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerConfig defines one external tool server.
type ServerConfig struct {
	// Transport is the explicit transport selection. Optional; when empty
	// the transport is inferred from the endpoint fields (see ResolveTransport).
	Transport TransportType `yaml:"transport,omitempty"`

	// Type is a legacy transport field, consulted after endpoint inference.
	Type TransportType `yaml:"type,omitempty"`

	// Stdio endpoint.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	CWD     string            `yaml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// HTTP/SSE endpoint.
	URL       string `yaml:"url,omitempty"`
	VerifySSL *bool  `yaml:"verify_ssl,omitempty"`

	// Auth.
	AuthType     AuthType `yaml:"auth_type,omitempty"`
	APIKeyHeader string   `yaml:"api_key_header,omitempty"` // default X-API-Key
	OAuthStartURL string  `yaml:"oauth_start_url,omitempty"`

	// Access control labels. A user must belong to at least one listed
	// group to see this server; empty means unrestricted.
	Groups []string `yaml:"groups,omitempty"`

	// RequireApproval lists tool base names that always require user
	// approval for this server (admin-enforced).
	RequireApproval []string `yaml:"require_approval,omitempty"`

	ComplianceLevel string `yaml:"compliance_level,omitempty"`

	// Instructions for the LLM when using this server's tools.
	Instructions string `yaml:"instructions,omitempty"`
}

// DefaultAPIKeyHeader is used when APIKeyHeader is not configured.
const DefaultAPIKeyHeader = "X-API-Key"

// ResolveTransport determines the effective transport for a server record.
// Priority: explicit transport field > command ⇒ stdio > http(s) url ⇒ http
// (sse when the url ends with /sse) > legacy type field > stdio.
func (s *ServerConfig) ResolveTransport() (TransportType, error) {
	if s.Transport != "" {
		return s.Transport, nil
	}
	if s.Command != "" {
		return TransportTypeStdio, nil
	}
	if strings.HasPrefix(s.URL, "http://") || strings.HasPrefix(s.URL, "https://") {
		if strings.HasSuffix(strings.TrimRight(s.URL, "/"), "/sse") {
			return TransportTypeSSE, nil
		}
		return TransportTypeHTTP, nil
	}
	if s.Type != "" {
		return s.Type, nil
	}
	if s.Command == "" && s.URL == "" {
		return "", fmt.Errorf("%w: neither command nor url set", ErrInvalidTransport)
	}
	return TransportTypeStdio, nil
}

// RequiresApproval reports whether the named tool (base name, without the
// server prefix) is admin-enforced to require approval on this server.
func (s *ServerConfig) RequiresApproval(toolName string) bool {
	for _, t := range s.RequireApproval {
		if t == toolName {
			return true
		}
	}
	return false
}

// ModelConfig defines one LLM model endpoint.
type ModelConfig struct {
	Name         string            `yaml:"name"`
	Endpoint     string            `yaml:"endpoint"`
	KeySource    KeySource         `yaml:"key_source,omitempty"` // default system
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty"`
}

// ApprovalConfig is the tool-approval policy.
type ApprovalConfig struct {
	// GlobalForce makes every tool call require approval. Admin-level:
	// users cannot override it with auto-approve.
	GlobalForce bool `yaml:"global_force,omitempty"`

	// Tools maps fully-qualified tool names to a per-tool require flag.
	Tools map[string]bool `yaml:"tools,omitempty"`
}

// TimeoutConfig bounds the core's suspension points.
type TimeoutConfig struct {
	Discovery   time.Duration `yaml:"discovery,omitempty"`    // default 30s
	ToolCall    time.Duration `yaml:"tool_call,omitempty"`    // default 120s
	Approval    time.Duration `yaml:"approval,omitempty"`     // default 300s
	Elicitation time.Duration `yaml:"elicitation,omitempty"`  // default 300s
	UserInput   time.Duration `yaml:"user_input,omitempty"`   // default 60s
}

// Timeout defaults.
const (
	DefaultDiscoveryTimeout   = 30 * time.Second
	DefaultToolCallTimeout    = 120 * time.Second
	DefaultApprovalTimeout    = 300 * time.Second
	DefaultElicitationTimeout = 300 * time.Second
	DefaultUserInputTimeout   = 60 * time.Second
)

// WithDefaults returns a copy with zero fields replaced by defaults.
func (t TimeoutConfig) WithDefaults() TimeoutConfig {
	if t.Discovery <= 0 {
		t.Discovery = DefaultDiscoveryTimeout
	}
	if t.ToolCall <= 0 {
		t.ToolCall = DefaultToolCallTimeout
	}
	if t.Approval <= 0 {
		t.Approval = DefaultApprovalTimeout
	}
	if t.Elicitation <= 0 {
		t.Elicitation = DefaultElicitationTimeout
	}
	if t.UserInput <= 0 {
		t.UserInput = DefaultUserInputTimeout
	}
	return t
}

// ReconnectConfig controls the failed-server retry schedule.
type ReconnectConfig struct {
	Base        time.Duration `yaml:"base,omitempty"`         // default 60s
	Multiplier  float64       `yaml:"multiplier,omitempty"`   // default 2.0
	MaxInterval time.Duration `yaml:"max_interval,omitempty"` // default 300s

	// Background enables the opt-in reconnect loop.
	Background bool `yaml:"background,omitempty"`
}

// Reconnect defaults.
const (
	DefaultReconnectBase        = 60 * time.Second
	DefaultReconnectMultiplier  = 2.0
	DefaultReconnectMaxInterval = 300 * time.Second
)

// WithDefaults returns a copy with zero fields replaced by defaults.
func (r ReconnectConfig) WithDefaults() ReconnectConfig {
	if r.Base <= 0 {
		r.Base = DefaultReconnectBase
	}
	if r.Multiplier <= 0 {
		r.Multiplier = DefaultReconnectMultiplier
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = DefaultReconnectMaxInterval
	}
	return r
}

// Config is the root configuration document.
type Config struct {
	Models    map[string]*ModelConfig  `yaml:"models"`
	Servers   map[string]*ServerConfig `yaml:"tool_servers"`
	Approval  ApprovalConfig           `yaml:"tool_approval,omitempty"`
	Timeouts  TimeoutConfig            `yaml:"timeouts,omitempty"`
	Reconnect ReconnectConfig          `yaml:"reconnect,omitempty"`

	// DownloadSigningKey signs short-lived file download URLs.
	DownloadSigningKey string `yaml:"download_signing_key,omitempty"`

	// DownloadBaseURL prefixes signed download paths.
	DownloadBaseURL string `yaml:"download_base_url,omitempty"`
}
