package mcp

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecord(t *testing.T, content string) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &record))
	return record
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func TestNormalizeNilResult(t *testing.T) {
	n := Normalize(nil)
	assert.Equal(t, `{"results":""}`, n.Content)
	assert.Empty(t, n.Artifacts)
}

func TestNormalizeStructuredContentWins(t *testing.T) {
	raw := &mcpsdk.CallToolResult{
		StructuredContent: map[string]any{"results": []any{"a", "b"}},
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"results":"ignored"}`}},
	}
	record := decodeRecord(t, Normalize(raw).Content)
	assert.Equal(t, []any{"a", "b"}, record["results"])
}

func TestNormalizeResultsKeyPreference(t *testing.T) {
	record := decodeRecord(t, Normalize(textResult(`{"results":"primary","result":"secondary"}`)).Content)
	assert.Equal(t, "primary", record["results"])

	record = decodeRecord(t, Normalize(textResult(`{"result":"secondary","other":1}`)).Content)
	assert.Equal(t, "secondary", record["results"])
}

func TestNormalizePlainTextFallsThrough(t *testing.T) {
	record := decodeRecord(t, Normalize(textResult("plain output, not JSON")).Content)
	assert.Equal(t, "plain output, not JSON", record["results"])
}

func TestNormalizeConcatenatesTextItems(t *testing.T) {
	raw := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: `{"results":`},
			&mcpsdk.TextContent{Text: `"split"}`},
		},
	}
	record := decodeRecord(t, Normalize(raw).Content)
	assert.Equal(t, "split", record["results"])
}

func TestNormalizeFallbackObjectExcludesLargeFields(t *testing.T) {
	record := decodeRecord(t, Normalize(textResult(
		`{"rows":[1,2],"returned_file_contents":"huge","artifacts":[],"meta_data":{"k":"v"}}`,
	)).Content)

	results, ok := record["results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, results, "rows")
	assert.NotContains(t, results, "returned_file_contents")
	assert.NotContains(t, results, "artifacts")
	assert.NotContains(t, results, "meta_data")
}

func TestNormalizeOversizedFallbackSummarized(t *testing.T) {
	big := strings.Repeat("x", maxFallbackBytes+100)
	record := decodeRecord(t, Normalize(textResult(`{"blob":"`+big+`","small":1}`)).Content)

	results, ok := record["results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"blob", "small"}, results["keys"])
	assert.NotNil(t, results["omitted_due_to_size"])
	assert.NotContains(t, Normalize(textResult(`{"blob":"`+big+`"}`)).Content, big,
		"oversized payload body must not survive into content")
}

func TestNormalizeMetadata(t *testing.T) {
	n := Normalize(textResult(`{"results":"ok","meta_data":{"elapsed_ms":42}}`))
	record := decodeRecord(t, n.Content)
	meta, ok := record["meta_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), meta["elapsed_ms"])
	assert.Equal(t, float64(42), n.MetaData["elapsed_ms"])

	// Alternate spellings are accepted.
	record = decodeRecord(t, Normalize(textResult(`{"results":"ok","metadata":{"k":"v"}}`)).Content)
	assert.NotNil(t, record["meta_data"])
}

func TestNormalizeOversizedMetadataDropped(t *testing.T) {
	big := strings.Repeat("y", maxMetadataBytes+100)
	n := Normalize(textResult(`{"results":"ok","meta_data":{"blob":"` + big + `"}}`))
	record := decodeRecord(t, n.Content)
	assert.Equal(t, true, record["meta_data_truncated"])
	assert.NotContains(t, record, "meta_data")
	assert.Nil(t, n.MetaData)
}

func TestNormalizeDeclaredArtifacts(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("chart bytes"))
	n := Normalize(textResult(`{"results":"ok","artifacts":[` +
		`{"name":"chart.png","b64":"` + b64 + `","mime":"image/png","viewer":"image"},` +
		`{"name":"broken.png","b64":"not-base64!!!"},` +
		`{"b64":"` + b64 + `"}]}`))

	require.Len(t, n.Artifacts, 1, "invalid base64 and missing names are skipped")
	assert.Equal(t, "chart.png", n.Artifacts[0].Name)
	assert.Equal(t, "image/png", n.Artifacts[0].Mime)
	assert.NotContains(t, n.Content, b64, "artifact bodies never appear in content")
}

func TestNormalizeImageContent(t *testing.T) {
	raw := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: `{"results":"ok"}`},
			&mcpsdk.ImageContent{Data: []byte{1, 2, 3}, MIMEType: "image/png"},
			&mcpsdk.ImageContent{Data: []byte{4, 5}, MIMEType: "image/tiff"},
			&mcpsdk.ImageContent{Data: []byte{6}, MIMEType: "image/svg+xml"},
		},
	}
	n := Normalize(raw)

	require.Len(t, n.Artifacts, 2, "non-allowlisted mime types are dropped")
	assert.Equal(t, "mcp_image_0.png", n.Artifacts[0].Name)
	assert.Equal(t, "mcp_image_1.svg", n.Artifacts[1].Name)
	assert.Equal(t, "image", n.Artifacts[0].Viewer)

	// First image opens the canvas when the server gave no display hint.
	require.NotNil(t, n.Display)
	assert.Equal(t, "mcp_image_0.png", n.Display.PrimaryFile)
	assert.True(t, n.Display.OpenCanvas)
}

func TestNormalizeAutoDisplayPicksFirstImage(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("rows"))
	raw := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: `{"results":"ok","artifacts":[` +
				`{"name":"table.csv","b64":"` + b64 + `","mime":"text/csv","viewer":"table"}]}`},
			&mcpsdk.ImageContent{Data: []byte{1}, MIMEType: "image/png"},
		},
	}
	n := Normalize(raw)
	require.Len(t, n.Artifacts, 2)
	assert.Equal(t, "table.csv", n.Artifacts[0].Name)
	require.NotNil(t, n.Display)
	assert.Equal(t, "mcp_image_0.png", n.Display.PrimaryFile,
		"the hint points at the first image, not the first artifact")

	// No image, no hint.
	noImage := Normalize(textResult(`{"results":"ok","artifacts":[` +
		`{"name":"table.csv","b64":"` + b64 + `","mime":"text/csv","viewer":"table"}]}`))
	require.Len(t, noImage.Artifacts, 1)
	assert.Nil(t, noImage.Display)
}

func TestNormalizeExplicitDisplayWins(t *testing.T) {
	raw := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: `{"results":"ok","display_config":{"primary_file":"report.svg","open_canvas":false}}`},
			&mcpsdk.ImageContent{Data: []byte{1}, MIMEType: "image/png"},
		},
	}
	n := Normalize(raw)
	require.NotNil(t, n.Display)
	assert.Equal(t, "report.svg", n.Display.PrimaryFile)
	assert.False(t, n.Display.OpenCanvas)
}

func TestNormalizeFileManifestPassthrough(t *testing.T) {
	record := decodeRecord(t, Normalize(textResult(
		`{"results":"ok","returned_file_names":["a.csv"],"returned_file_count":1}`,
	)).Content)
	assert.Equal(t, []any{"a.csv"}, record["returned_file_names"])
	assert.Equal(t, float64(1), record["returned_file_count"])
}

func TestNormalizeIsStableOnItsOwnOutput(t *testing.T) {
	first := Normalize(textResult(`{"results":{"answer":42}}`))
	second := Normalize(textResult(first.Content))
	record := decodeRecord(t, second.Content)
	assert.Equal(t, map[string]any{"answer": float64(42)}, record["results"])
}
