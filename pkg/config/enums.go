package config

// TransportType identifies how a tool server is reached.
type TransportType string

const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
	TransportTypeSSE   TransportType = "sse"
)

// AuthType identifies the credential scheme a tool server expects.
// Servers with any auth type other than AuthTypeNone are per-user:
// calls require a valid stored token for the calling user.
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeOAuth  AuthType = "oauth"
)

// PerUser reports whether calls against this auth type require a
// user-scoped credential.
func (a AuthType) PerUser() bool {
	switch a {
	case AuthTypeAPIKey, AuthTypeBearer, AuthTypeJWT, AuthTypeOAuth:
		return true
	}
	return false
}

// KeySource identifies where an LLM model's API key comes from.
type KeySource string

const (
	KeySourceSystem KeySource = "system"
	KeySourceUser   KeySource = "user"
)

// LoopStrategy names an agent loop driver.
type LoopStrategy string

const (
	LoopStrategyAct      LoopStrategy = "act"
	LoopStrategyReact    LoopStrategy = "react"
	LoopStrategyThinkAct LoopStrategy = "think-act"
	LoopStrategyAgentic  LoopStrategy = "agentic"
)
