package mcp

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/pkg/config"
)

// userAuth carries the per-user credential material resolved from token
// storage for servers with a per-user auth type. nil for shared servers.
type userAuth struct {
	authType config.AuthType
	token    string
	header   string // api_key header name
}

// createTransport builds an MCP SDK transport for a server record.
// projectRoot anchors relative stdio working directories.
func createTransport(name string, cfg *config.ServerConfig, projectRoot string, auth *userAuth) (mcpsdk.Transport, error) {
	transport, err := cfg.ResolveTransport()
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", name, err)
	}

	switch transport {
	case config.TransportTypeStdio:
		return createStdioTransport(name, cfg, projectRoot)
	case config.TransportTypeHTTP:
		return createHTTPTransport(name, cfg, auth)
	case config.TransportTypeSSE:
		return createSSETransport(name, cfg, auth)
	default:
		return nil, fmt.Errorf("server %q: unsupported transport type %q", name, transport)
	}
}

func createStdioTransport(name string, cfg *config.ServerConfig, projectRoot string) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("server %q: stdio transport requires command", name)
	}

	// Missing env references disable the server at initialization rather
	// than spawning a child with an empty secret.
	env, err := config.ExpandEnvMap(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", name, err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.CWD != "" {
		cwd := cfg.CWD
		if !filepath.IsAbs(cwd) {
			cwd = filepath.Join(projectRoot, cwd)
		}
		cmd.Dir = cwd
	}

	// Inherit parent environment + config overrides.
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = merged

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func createHTTPTransport(name string, cfg *config.ServerConfig, auth *userAuth) (*mcpsdk.StreamableClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("server %q: HTTP transport requires url", name)
	}
	return &mcpsdk.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: buildHTTPClient(cfg, auth),
	}, nil
}

func createSSETransport(name string, cfg *config.ServerConfig, auth *userAuth) (*mcpsdk.SSEClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("server %q: SSE transport requires url", name)
	}
	return &mcpsdk.SSEClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: buildHTTPClient(cfg, auth),
	}, nil
}

// buildHTTPClient creates an http.Client with TLS settings and the
// per-user credential applied as a round-tripper. Returns nil when the
// default client suffices, letting the SDK use its own.
func buildHTTPClient(cfg *config.ServerConfig, auth *userAuth) *http.Client {
	if auth == nil && cfg.VerifySSL == nil {
		return nil
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		httpTransport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,             //nolint:gosec // user-configured
			MinVersion:         tls.VersionTLS12, // prevent protocol downgrade even in relaxed mode
		}
	}

	client := &http.Client{Transport: httpTransport}

	if auth != nil {
		switch auth.authType {
		case config.AuthTypeAPIKey:
			header := auth.header
			if header == "" {
				header = config.DefaultAPIKeyHeader
			}
			client.Transport = &headerTransport{
				base:   client.Transport,
				header: header,
				value:  auth.token,
			}
		case config.AuthTypeBearer, config.AuthTypeJWT, config.AuthTypeOAuth:
			client.Transport = &headerTransport{
				base:   client.Transport,
				header: "Authorization",
				value:  "Bearer " + auth.token,
			}
		}
	}

	return client
}

// headerTransport wraps an http.RoundTripper to set one auth header.
type headerTransport struct {
	base   http.RoundTripper
	header string
	value  string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(t.header, t.value)
	return t.base.RoundTrip(req)
}
