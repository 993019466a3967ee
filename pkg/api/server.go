package api

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/parleyhq/parley/pkg/executor"
	"github.com/parleyhq/parley/pkg/mcp"
)

// FileStore is the session file backend consumed by the download
// endpoint. Blob storage itself lives outside this service.
type FileStore interface {
	Open(ctx context.Context, sessionID, filename string) (io.ReadCloser, string, error)
}

// Server is the HTTP surface: WebSocket chat, signed downloads, token
// status, and health.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	gateway *Gateway
	manager *mcp.Manager
	tokens  mcp.TokenStorage
	signer  *executor.URLSigner
	files   FileStore
}

// NewServer wires routes. files may be nil when downloads are disabled.
func NewServer(gateway *Gateway, manager *mcp.Manager, tokens mcp.TokenStorage, signer *executor.URLSigner, files FileStore) *Server {
	s := &Server{
		echo:    echo.New(),
		gateway: gateway,
		manager: manager,
		tokens:  tokens,
		signer:  signer,
		files:   files,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/ws/:session_id", s.gateway.Handle)
	s.echo.GET("/files/:filename", s.handleDownload)
	s.echo.GET("/auth/status", s.handleAuthStatus)
	s.echo.POST("/admin/reconnect", s.handleReconnect)
	s.echo.GET("/healthz", s.handleHealth)
}

// Start serves until the listener fails or is closed.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleDownload serves a session file addressed by a capability token.
// The token, not a cookie, is the authorization.
func (s *Server) handleDownload(c *echo.Context) error {
	if s.files == nil {
		return echo.NewHTTPError(http.StatusNotFound, "file downloads disabled")
	}
	sessionID, filename, err := s.signer.Verify(c.QueryParam("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid or expired download token")
	}
	if filename != c.Param("filename") {
		return echo.NewHTTPError(http.StatusForbidden, "token does not match requested file")
	}

	rc, mime, err := s.files.Open(c.Request().Context(), sessionID, filename)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	defer rc.Close()
	if mime == "" {
		mime = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, mime, rc)
}

// handleAuthStatus reports which per-user servers the caller holds a
// valid token for. Identity comes from the trusted proxy header.
func (s *Server) handleAuthStatus(c *echo.Context) error {
	userEmail := c.Request().Header.Get("X-Forwarded-Email")
	if userEmail == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity header")
	}
	servers, err := s.tokens.AuthStatus(c.Request().Context(), userEmail)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "auth status unavailable")
	}
	if servers == nil {
		servers = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"authenticated_servers": servers})
}

// handleReconnect forces an immediate sweep over failed servers,
// ignoring backoff.
func (s *Server) handleReconnect(c *echo.Context) error {
	report := s.manager.Reconnect(c.Request().Context(), true)
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleHealth(c *echo.Context) error {
	failed := s.manager.FailedServers()
	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusPartialContent
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	return c.JSON(status, map[string]any{
		"status":         "ok",
		"failed_servers": names,
	})
}
