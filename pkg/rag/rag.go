// Package rag defines the retrieval contract consumed by the streaming
// adapter and the multi-source combination rules.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/parleyhq/parley/pkg/agent"
)

// Result is one retrieval source's answer.
type Result struct {
	Source  string
	Content string

	// Completion, when non-nil, is a pre-formed chat completion the
	// source produced itself. Only honored in single-source queries.
	Completion *agent.LLMResponse
}

// Service is the retrieval backend contract. Implementations own index
// selection and ranking; the core treats them as black boxes.
type Service interface {
	Query(ctx context.Context, source, query string) (*Result, error)
}

// QueryAll fans a query out to every source concurrently. Failing
// sources are logged and skipped; results come back in source order.
func QueryAll(ctx context.Context, svc Service, sources []string, query string) []*Result {
	results := make([]*Result, len(sources))
	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			res, err := svc.Query(ctx, source, query)
			if err != nil {
				slog.Warn("retrieval source failed, skipping",
					"source", source, "error", err)
				return
			}
			results[i] = res
		}(i, source)
	}
	wg.Wait()

	compact := results[:0]
	for _, r := range results {
		if r != nil {
			compact = append(compact, r)
		}
	}
	return compact
}

// Combine renders retrieved content as one system-message block. A
// single source returning a pre-formed completion short-circuits: the
// completion is returned and no context is built. Multi-source results
// always concatenate raw content, ignoring completions.
func Combine(results []*Result) (contextBlock string, completion *agent.LLMResponse) {
	if len(results) == 0 {
		return "", nil
	}
	if len(results) == 1 && results[0].Completion != nil {
		return "", results[0].Completion
	}

	var sb strings.Builder
	sb.WriteString("Relevant retrieved context:\n")
	for _, r := range results {
		if r.Content == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n--- source: %s ---\n%s\n", r.Source, r.Content))
	}
	return sb.String(), nil
}
