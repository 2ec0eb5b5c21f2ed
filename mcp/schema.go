package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateInputSchema compiles a downstream tool's advertised argument
// schema to catch malformed JSON Schema before it ever reaches the index or
// a caller's LLM tool-call loop, rather than surfacing a confusing error
// only at execute time. Grounded on goadesign-goa-ai/registry/service.go's
// validatePayloadJSONAgainstSchema (decode-into-any, AddResource, Compile).
func validateInputSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	return nil
}
