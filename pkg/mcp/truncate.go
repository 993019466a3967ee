package mcp

import "fmt"

// truncationSearchWindow bounds how far back TruncateResult looks for a
// newline before giving up and cutting mid-line.
const truncationSearchWindow = 500

// TruncateResult shortens oversized tool output for event payloads and
// logs. Cuts at the last line boundary inside the limit when one is
// near, and appends a marker naming the original size. Returns the
// input unchanged when it fits.
func TruncateResult(text string, maxBytes int) string {
	if len(text) <= maxBytes || maxBytes <= 0 {
		return text
	}

	cut := maxBytes
	for i := maxBytes; i > 0 && maxBytes-i < truncationSearchWindow; i-- {
		if text[i-1] == '\n' {
			cut = i
			break
		}
	}

	return text[:cut] + fmt.Sprintf("\n... [truncated, %d bytes total]", len(text))
}
