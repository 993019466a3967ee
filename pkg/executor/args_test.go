package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
)

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     map[string]any
		fellBack bool
	}{
		{name: "valid object", raw: `{"q":"weather"}`, want: map[string]any{"q": "weather"}},
		{name: "empty input", raw: "", want: map[string]any{}},
		{name: "whitespace", raw: "  \n ", want: map[string]any{}},
		{name: "json null", raw: "null", want: map[string]any{}},
		{name: "missing outer braces", raw: `"q":"weather"`, want: map[string]any{"q": "weather"}},
		{name: "dangling string", raw: `{"q":"weath`, want: map[string]any{"q": "weath"}},
		{name: "hopeless input", raw: `[1,2,`, want: map[string]any{}, fellBack: true},
		{name: "array is not an object", raw: `[1,2]`, want: map[string]any{}, fellBack: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fellBack := ParseArguments(tt.raw)
			assert.Equal(t, tt.fellBack, fellBack)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountUnescapedQuotes(t *testing.T) {
	assert.Equal(t, 2, countUnescapedQuotes(`"ab"`))
	assert.Equal(t, 2, countUnescapedQuotes(`"a\"b"`))
	assert.Equal(t, 1, countUnescapedQuotes(`"a\\`))
}

func testTurn() *agent.TurnContext {
	return &agent.TurnContext{
		SessionID: "sess-1",
		UserEmail: "alice@example.com",
		Files: []agent.FileRef{
			{Name: "report.csv", ID: "f1", Mime: "text/csv", Size: 128},
		},
	}
}

func schemaWith(props ...string) map[string]any {
	properties := map[string]any{}
	for _, p := range props {
		properties[p] = map[string]any{}
	}
	return map[string]any{"type": "object", "properties": properties}
}

func TestInjectionUsernameWithoutSchema(t *testing.T) {
	inj := &injection{turn: testTurn()}
	args := map[string]any{"q": "x"}
	inj.apply(args)
	assert.Equal(t, "alice@example.com", args["username"],
		"no reachable schema defaults to injecting the identity")
}

func TestInjectionUsernameFollowsSchema(t *testing.T) {
	inj := &injection{schema: schemaWith("q"), turn: testTurn()}
	args := map[string]any{"q": "x"}
	inj.apply(args)
	assert.NotContains(t, args, "username")

	inj = &injection{schema: schemaWith("q", "username"), turn: testTurn()}
	args = map[string]any{"q": "x"}
	inj.apply(args)
	assert.Equal(t, "alice@example.com", args["username"])
}

func TestInjectionServerDigest(t *testing.T) {
	digests := []ServerDigest{{ServerName: "github"}}
	inj := &injection{
		schema:     schemaWith("_mcp_data"),
		turn:       testTurn(),
		digestFunc: func() []ServerDigest { return digests },
	}
	args := map[string]any{}
	inj.apply(args)

	data, ok := args["_mcp_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, digests, data["available_servers"])
}

func TestInjectionRewritesFileRefs(t *testing.T) {
	signer := NewURLSigner("test-key", "https://parley.example.com/api")
	inj := &injection{turn: testTurn(), signer: signer}

	args := map[string]any{"filename": "report.csv"}
	inj.apply(args)

	signed, ok := args["filename"].(string)
	require.True(t, ok)
	assert.True(t, signer.IsSignedDownloadURL(signed))
	assert.Equal(t, "report.csv", args["original_filename"])

	// Unattached filenames are left alone.
	args = map[string]any{"filename": "unknown.csv"}
	inj.apply(args)
	assert.Equal(t, "unknown.csv", args["filename"])
	assert.NotContains(t, args, "original_filename")
}

func TestInjectionRewritesFileNameList(t *testing.T) {
	signer := NewURLSigner("test-key", "https://parley.example.com/api")
	inj := &injection{turn: testTurn(), signer: signer}

	args := map[string]any{"file_names": []any{"report.csv", "unknown.csv"}}
	inj.apply(args)

	names, ok := args["file_names"].([]any)
	require.True(t, ok)
	assert.True(t, signer.IsSignedDownloadURL(names[0].(string)))
	assert.Equal(t, "unknown.csv", names[1])
	assert.Equal(t, []any{"report.csv", "unknown.csv"}, args["original_file_names"])
}

func TestFilterToSchema(t *testing.T) {
	args := map[string]any{
		"q":                 "x",
		"undeclared":        true,
		"original_filename": "report.csv",
		"file_url":          "https://example.com",
	}

	filtered := filterToSchema(args, schemaWith("q"))
	assert.Equal(t, map[string]any{"q": "x"}, filtered)

	// No schema keeps everything but the conservative extras.
	filtered = filterToSchema(args, nil)
	assert.Equal(t, map[string]any{"q": "x", "undeclared": true}, filtered)
}

func TestSanitizeForDisplay(t *testing.T) {
	signer := NewURLSigner("test-key", "https://parley.example.com/api")
	signed, err := signer.Sign("sess-1", "report.csv")
	require.NoError(t, err)

	display := sanitizeForDisplay(map[string]any{
		"filename":   signed,
		"file_paths": []any{"/tmp/upload/data.csv"},
		"query":      "SELECT /count",
		"limit":      10,
	}, signer)

	assert.Equal(t, "report.csv", display["filename"], "signed URLs revert to the filename")
	assert.Equal(t, []any{"data.csv"}, display["file_paths"], "path-like file values reduce to basenames")
	assert.Equal(t, "SELECT /count", display["query"], "non-file keys keep slashes")
	assert.Equal(t, 10, display["limit"])
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := canonicalJSON(map[string]any{"b": 1, "a": 2})
	b := canonicalJSON(map[string]any{"a": 2, "b": 1})
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":2,"b":1}`, a)
}
