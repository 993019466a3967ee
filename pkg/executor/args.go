package executor

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
)

// ParseArguments parses the raw JSON argument text of a tool call.
// Model output is occasionally malformed, so a failed parse gets one
// bounded repair attempt (wrap in braces, close a dangling string)
// before falling back to an empty object. The second return reports
// whether the fallback was taken.
func ParseArguments(raw string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, false
	}

	if args := tryParse(trimmed); args != nil {
		return args, false
	}
	if args := tryParse(repairArguments(trimmed)); args != nil {
		return args, false
	}
	return map[string]any{}, true
}

func tryParse(text string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// repairArguments applies the two repairs that cover the common model
// failure modes: missing outer braces and an unterminated string value.
func repairArguments(text string) string {
	if !strings.HasPrefix(text, "{") {
		text = "{" + text
	}
	if countUnescapedQuotes(text)%2 == 1 {
		text += `"`
	}
	if !strings.HasSuffix(text, "}") {
		text += "}"
	}
	return text
}

func countUnescapedQuotes(text string) int {
	count := 0
	escaped := false
	for _, r := range text {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			count++
		}
	}
	return count
}

// ServerDigest describes one connected server for the _mcp_data
// injection.
type ServerDigest struct {
	ServerName  string       `json:"server_name"`
	Description string       `json:"description,omitempty"`
	Tools       []ToolDigest `json:"tools"`
}

// ToolDigest describes one tool inside a ServerDigest.
type ToolDigest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// injection holds the state needed to (re)apply context injection, kept
// so edited arguments can be re-processed identically.
type injection struct {
	schema     map[string]any // declared properties, nil when unreachable
	turn       *agent.TurnContext
	signer     *URLSigner
	digestFunc func() []ServerDigest
}

// apply performs the context injections on a parsed argument map,
// mutating it in place.
//
// Injections are security relevant: username ties the call to the
// authenticated user and must survive argument edits, which is why the
// executor re-runs apply after an edited approval.
func (inj *injection) apply(args map[string]any) {
	// Schema unavailable defaults to injecting: servers that want the
	// identity but publish no schema still get it.
	if inj.schema == nil || hasProperty(inj.schema, "username") {
		args["username"] = inj.turn.UserEmail
	}

	if inj.schema != nil && hasProperty(inj.schema, "_mcp_data") && inj.digestFunc != nil {
		args["_mcp_data"] = map[string]any{
			"available_servers": inj.digestFunc(),
		}
	}

	inj.rewriteFileRefs(args)
}

// rewriteFileRefs replaces filename arguments that match attached
// session files with signed download URLs, keeping the original values
// for audit.
func (inj *injection) rewriteFileRefs(args map[string]any) {
	if inj.signer == nil || inj.turn == nil {
		return
	}

	if name, ok := args["filename"].(string); ok {
		if inj.turn.FileByName(name) != nil {
			if signed, err := inj.signer.Sign(inj.turn.SessionID, name); err == nil {
				args["original_filename"] = name
				args["filename"] = signed
			}
		}
	}

	if names, ok := args["file_names"].([]any); ok {
		rewritten := make([]any, len(names))
		originals := make([]any, len(names))
		changed := false
		for i, v := range names {
			rewritten[i] = v
			originals[i] = v
			name, isStr := v.(string)
			if !isStr || inj.turn.FileByName(name) == nil {
				continue
			}
			signed, err := inj.signer.Sign(inj.turn.SessionID, name)
			if err != nil {
				continue
			}
			rewritten[i] = signed
			changed = true
		}
		if changed {
			args["original_file_names"] = originals
			args["file_names"] = rewritten
		}
	}
}

// filterToSchema drops argument keys the tool does not declare. With no
// reachable schema it keeps everything except the conservative extras
// that must never reach a server unfiltered.
func filterToSchema(args map[string]any, schema map[string]any) map[string]any {
	filtered := make(map[string]any, len(args))
	if schema == nil {
		for k, v := range args {
			if strings.HasPrefix(k, "original_") || k == "file_url" || k == "file_urls" {
				continue
			}
			filtered[k] = v
		}
		return filtered
	}
	for k, v := range args {
		if hasProperty(schema, k) {
			filtered[k] = v
		}
	}
	return filtered
}

func hasProperty(schema map[string]any, name string) bool {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = props[name]
	return ok
}

// sanitizeForDisplay builds the copy of the arguments shown in approval
// prompts and events: signed URLs revert to the filename they grant and
// path-like values reduce to basenames.
func sanitizeForDisplay(args map[string]any, signer *URLSigner) map[string]any {
	display := make(map[string]any, len(args))
	for k, v := range args {
		display[k] = sanitizeValue(k, v, signer)
	}
	return display
}

func sanitizeValue(key string, v any, signer *URLSigner) any {
	switch val := v.(type) {
	case string:
		if signer != nil && signer.IsSignedDownloadURL(val) {
			return FilenameFromURL(val)
		}
		if filenameLikeKey(key) && strings.Contains(val, "/") {
			return path.Base(val)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(key, item, signer)
		}
		return out
	default:
		return v
	}
}

func filenameLikeKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "filename") || strings.Contains(k, "file_name") ||
		strings.Contains(k, "filepath") || strings.Contains(k, "file_path")
}

// canonicalJSON renders a value with sorted keys so argument maps can
// be compared for the edited-approval check.
func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
