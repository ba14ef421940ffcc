package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a tool's input schema. A nil or empty schema
// accepts any object and compiles to nil.
func compileSchema(toolName string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	// Config-decoded schemas carry YAML value types; normalize them
	// through JSON so the compiler sees standard JSON values.
	doc, err := normalizeJSON(schema)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", toolName, err)
	}

	loc := "https://quarry.local/tools/" + url.PathEscape(toolName) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("schema for %s: %w", toolName, err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", toolName, err)
	}
	return sch, nil
}

func validateInput(sch *jsonschema.Schema, input map[string]any) error {
	if sch == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	doc, err := normalizeJSON(input)
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}

func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
