package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/pkg/agent"
)

// Normalizer size bounds. Oversized fallback payloads are summarized
// and oversized metadata is dropped so tool output can't blow up the
// conversation.
const (
	maxFallbackBytes = 8000
	maxMetadataBytes = 4000
)

// imageExtensions is the artifact allowlist keyed by mime subtype.
var imageExtensions = map[string]string{
	"png":     "png",
	"jpeg":    "jpeg",
	"gif":     "gif",
	"svg+xml": "svg",
	"webp":    "webp",
	"bmp":     "bmp",
}

// Normalized is the uniform shape of a tool server response: a
// JSON-serialized payload for the LLM plus side-channel outputs for the
// UI. Base64 artifact bodies never appear in Content.
type Normalized struct {
	Content   string
	Artifacts []agent.Artifact
	Display   *agent.DisplayConfig
	MetaData  map[string]any
}

// Normalize converts a raw tool server result into the uniform record.
// Structured content wins when it is an object; otherwise the text
// items of the content list are concatenated and re-parsed.
func Normalize(raw *mcpsdk.CallToolResult) *Normalized {
	n := &Normalized{}
	if raw == nil {
		n.Content = serializeRecord(map[string]any{"results": ""})
		return n
	}

	payload, text := extractPayload(raw)
	n.Artifacts = extractArtifacts(payload, raw.Content)
	n.Display = extractDisplay(payload)
	if n.Display == nil {
		if img := firstImageArtifact(n.Artifacts); img != nil {
			// First image opens the canvas unless the server said otherwise.
			n.Display = &agent.DisplayConfig{
				PrimaryFile: img.Name,
				OpenCanvas:  true,
			}
		}
	}

	record := map[string]any{}
	if payload != nil {
		record["results"] = extractResults(payload)

		meta, truncated := extractMetadata(payload)
		if truncated {
			record["meta_data_truncated"] = true
		} else if meta != nil {
			record["meta_data"] = meta
			n.MetaData = meta
		}
		if names, ok := payload["returned_file_names"]; ok {
			record["returned_file_names"] = names
		}
		if count, ok := payload["returned_file_count"]; ok {
			record["returned_file_count"] = count
		}
	} else {
		record["results"] = text
	}

	n.Content = serializeRecord(record)
	return n
}

// extractPayload returns the structured object when available, else the
// concatenated text (re-parsed as JSON when it parses to an object).
func extractPayload(raw *mcpsdk.CallToolResult) (map[string]any, string) {
	if obj := asObject(raw.StructuredContent); obj != nil {
		return obj, ""
	}

	var sb strings.Builder
	for _, item := range raw.Content {
		if tc, ok := item.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if obj := parseObject(text); obj != nil {
		return obj, ""
	}
	return nil, text
}

// extractResults applies the key preference results > result > whole
// object minus large fields, summarizing oversized fallbacks.
func extractResults(payload map[string]any) any {
	if v, ok := payload["results"]; ok {
		return v
	}
	if v, ok := payload["result"]; ok {
		return v
	}

	fallback := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "returned_file_contents", "artifacts", "meta_data", "meta-data", "metadata", "display_config", "display":
			continue
		}
		fallback[k] = v
	}

	serialized, err := json.Marshal(fallback)
	if err != nil || len(serialized) > maxFallbackBytes {
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return map[string]any{
			"keys":                keys,
			"omitted_due_to_size": len(serialized),
		}
	}
	return fallback
}

// extractMetadata reads meta_data under its accepted spellings. Returns
// truncated=true when the metadata was present but oversized.
func extractMetadata(payload map[string]any) (map[string]any, bool) {
	var raw any
	for _, key := range []string{"meta_data", "meta-data", "metadata"} {
		if v, ok := payload[key]; ok {
			raw = v
			break
		}
	}
	meta := asObject(raw)
	if meta == nil {
		return nil, false
	}
	serialized, err := json.Marshal(meta)
	if err != nil || len(serialized) > maxMetadataBytes {
		return nil, true
	}
	return meta, false
}

// extractArtifacts collects declared artifacts (requiring name and b64)
// and image content items whose mime is allowlisted.
func extractArtifacts(payload map[string]any, content []mcpsdk.Content) []agent.Artifact {
	var artifacts []agent.Artifact

	if payload != nil {
		if list, ok := payload["artifacts"].([]any); ok {
			for _, item := range list {
				entry := asObject(item)
				if entry == nil {
					continue
				}
				name, _ := entry["name"].(string)
				b64, _ := entry["b64"].(string)
				if name == "" || b64 == "" {
					continue
				}
				if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
					continue
				}
				mime, _ := entry["mime"].(string)
				viewer, _ := entry["viewer"].(string)
				desc, _ := entry["description"].(string)
				artifacts = append(artifacts, agent.Artifact{
					Name:        name,
					B64:         b64,
					Mime:        mime,
					Viewer:      viewer,
					Description: desc,
				})
			}
		}
	}

	imageIdx := 0
	for _, item := range content {
		ic, ok := item.(*mcpsdk.ImageContent)
		if !ok {
			continue
		}
		subtype := strings.TrimPrefix(strings.ToLower(ic.MIMEType), "image/")
		ext, allowed := imageExtensions[subtype]
		if !allowed || len(ic.Data) == 0 {
			continue
		}
		artifacts = append(artifacts, agent.Artifact{
			Name:   fmt.Sprintf("mcp_image_%d.%s", imageIdx, ext),
			B64:    base64.StdEncoding.EncodeToString(ic.Data),
			Mime:   ic.MIMEType,
			Viewer: "image",
		})
		imageIdx++
	}

	return artifacts
}

// firstImageArtifact returns the first artifact a canvas renders as an
// image. Declared artifacts carry arbitrary mimes; only image ones
// produce the automatic display hint.
func firstImageArtifact(artifacts []agent.Artifact) *agent.Artifact {
	for i := range artifacts {
		a := &artifacts[i]
		if a.Viewer == "image" || strings.HasPrefix(strings.ToLower(a.Mime), "image/") {
			return a
		}
	}
	return nil
}

// extractDisplay reads an explicit display hint from the payload.
func extractDisplay(payload map[string]any) *agent.DisplayConfig {
	if payload == nil {
		return nil
	}
	var raw any
	if v, ok := payload["display_config"]; ok {
		raw = v
	} else if v, ok := payload["display"]; ok {
		raw = v
	}
	obj := asObject(raw)
	if obj == nil {
		return nil
	}
	display := &agent.DisplayConfig{}
	display.PrimaryFile, _ = obj["primary_file"].(string)
	display.OpenCanvas, _ = obj["open_canvas"].(bool)
	if display.PrimaryFile == "" && !display.OpenCanvas {
		return nil
	}
	return display
}

// asObject coerces a value into map[string]any, going through JSON for
// typed structs.
func asObject(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return m
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return parseObject(string(b))
	}
}

// parseObject parses text as a JSON object, returning nil for anything
// else.
func parseObject(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return obj
}

func serializeRecord(record map[string]any) string {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Sprintf(`{"results":%q}`, fmt.Sprintf("%v", record["results"]))
	}
	return string(b)
}
