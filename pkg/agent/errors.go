package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the user-facing error taxonomy.
type ErrorKind string

const (
	ErrorKindRateLimit      ErrorKind = "rate_limit"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindDomain         ErrorKind = "domain"
	ErrorKindUnexpected     ErrorKind = "unexpected"
)

// ClassifiedError pairs a safe user-facing message with the verbose
// underlying cause. The cause is logged, never shown.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string // safe for display
	Cause   error
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// UserMessage returns the display-safe message for an error, classifying
// it first when necessary.
func UserMessage(err error) (ErrorKind, string) {
	ce := Classify(err)
	return ce.Kind, ce.Message
}

// Classify maps an arbitrary error into the taxonomy. Provider errors
// are matched by text; context deadline errors become timeouts; anything
// unrecognized is Unexpected with a generic safe message.
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return &ClassifiedError{
			Kind:    ErrorKindAuthentication,
			Message: fmt.Sprintf("Authentication required for %s", authErr.ServerName),
			Cause:   err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{
			Kind:    ErrorKindTimeout,
			Message: "The request timed out. Please try again.",
			Cause:   err,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "quota"):
		return &ClassifiedError{
			Kind:    ErrorKindRateLimit,
			Message: "The model is receiving too many requests. Please retry shortly.",
			Cause:   err,
		}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &ClassifiedError{
			Kind:    ErrorKindTimeout,
			Message: "The request timed out. Please try again.",
			Cause:   err,
		}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "invalid credential"):
		return &ClassifiedError{
			Kind:    ErrorKindAuthentication,
			Message: "Authentication with the model provider failed.",
			Cause:   err,
		}
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "malformed"):
		return &ClassifiedError{
			Kind:    ErrorKindValidation,
			Message: "The request was malformed.",
			Cause:   err,
		}
	}

	return &ClassifiedError{
		Kind:    ErrorKindUnexpected,
		Message: "Something went wrong. Please try again.",
		Cause:   err,
	}
}

// AuthRequiredError signals that a per-user tool server has no valid
// token for the caller. It is a failure of the individual call only,
// never of the server connection.
type AuthRequiredError struct {
	ServerName    string
	AuthType      string
	OAuthStartURL string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for server %q (auth type %s)", e.ServerName, e.AuthType)
}

// ResultMetadata returns the metadata attached to the ToolResult built
// from this error so the UI can prompt the user.
func (e *AuthRequiredError) ResultMetadata() map[string]any {
	m := map[string]any{
		"auth_required": true,
		"server_name":   e.ServerName,
		"auth_type":     e.AuthType,
	}
	if e.OAuthStartURL != "" {
		m["oauth_start_url"] = e.OAuthStartURL
	}
	return m
}
