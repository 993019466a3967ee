package executor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArguments checks the prepared arguments against the tool's
// declared input schema. Advisory only: the server is the authority on
// its own schema, and many publish loose or broken ones, so a mismatch
// is logged rather than blocking the call.
func (e *Executor) validateArguments(server, tool string, args map[string]any) {
	t := e.backend.ToolSchema(server, tool)
	if t == nil || t.InputSchema == nil {
		return
	}
	if err := validateAgainstSchema(t.InputSchema, args); err != nil {
		e.logger.Warn("tool arguments do not satisfy declared schema",
			"server", server, "tool", tool, "error", err)
	}
}

func validateAgainstSchema(schema any, args map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("serializing schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}

	// Round-trip so typed values validate like wire JSON.
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("serializing arguments: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}
	return compiled.Validate(instance)
}
