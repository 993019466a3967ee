// Package executor runs individual tool calls end-to-end: argument
// preparation, approval, invocation through the connection manager, and
// result packaging. It also provides the order-preserving parallel
// dispatcher used by the agent loops.
package executor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidDownloadToken is returned when a download token fails
// verification.
var ErrInvalidDownloadToken = errors.New("invalid download token")

// DefaultDownloadTTL bounds how long a signed download URL stays valid.
// Tool servers fetch the file immediately, so the window is short.
const DefaultDownloadTTL = 15 * time.Minute

// URLSigner mints short-lived signed download URLs so tool servers can
// fetch session files without holding user credentials.
type URLSigner struct {
	key     []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewURLSigner creates a signer. baseURL is the externally reachable
// prefix, e.g. https://host/api.
func NewURLSigner(key, baseURL string) *URLSigner {
	return &URLSigner{
		key:     []byte(key),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     DefaultDownloadTTL,
		now:     time.Now,
	}
}

type downloadClaims struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	jwt.RegisteredClaims
}

// Sign returns a download URL for one session file.
func (s *URLSigner) Sign(sessionID, filename string) (string, error) {
	now := s.now()
	claims := downloadClaims{
		SessionID: sessionID,
		Filename:  filename,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing download url for %q: %w", filename, err)
	}
	return fmt.Sprintf("%s/files/%s?token=%s",
		s.baseURL, url.PathEscape(filename), url.QueryEscape(token)), nil
}

// Verify checks a download token and returns the session id and
// filename it grants access to.
func (s *URLSigner) Verify(token string) (sessionID, filename string, err error) {
	claims := &downloadClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", "", ErrInvalidDownloadToken
	}
	return claims.SessionID, claims.Filename, nil
}

// IsSignedDownloadURL reports whether a value looks like a URL this
// signer produced, for display sanitization.
func (s *URLSigner) IsSignedDownloadURL(value string) bool {
	return s.baseURL != "" && strings.HasPrefix(value, s.baseURL+"/files/")
}

// FilenameFromURL recovers the escaped filename segment of a signed
// download URL, falling back to the raw value.
func FilenameFromURL(value string) string {
	u, err := url.Parse(value)
	if err != nil {
		return value
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return value
	}
	name, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil {
		return segments[len(segments)-1]
	}
	return name
}
