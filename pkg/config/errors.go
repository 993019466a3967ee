package config

import "errors"

// Sentinel errors for configuration lookups and validation.
var (
	// ErrServerNotFound indicates a tool server ID is not in the registry.
	ErrServerNotFound = errors.New("tool server not found")

	// ErrModelNotFound indicates an LLM model name is not configured.
	ErrModelNotFound = errors.New("LLM model not found")

	// ErrMissingEnvVar indicates a server config references an environment
	// variable that is not set. The server is disabled at initialization.
	ErrMissingEnvVar = errors.New("referenced environment variable is not set")

	// ErrInvalidTransport indicates the transport could not be resolved
	// from the server record.
	ErrInvalidTransport = errors.New("invalid transport configuration")
)
