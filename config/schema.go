package config

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "steps":           {"type": "integer", "minimum": 1, "maximum": 1000},
    "seed":            {"type": "integer"},
    "prompt":          {"type": "string"},
    "negative_prompt": {"type": "string"},
    "guidance":        {"type": "number", "minimum": 0},
    "extensions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name"],
        "properties": {
          "name":    {"type": "string", "minLength": 1},
          "options": {"type": "object"}
        }
      }
    }
  }
}`

// pipelineSchema is compiled on first use. The schema is a constant, so a compile
// failure is a programming error.
var pipelineSchema = sync.OnceValue(func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		panic("config: pipeline schema: " + err.Error())
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("pipeline.json", doc); err != nil {
		panic("config: pipeline schema: " + err.Error())
	}
	compiled, err := c.Compile("pipeline.json")
	if err != nil {
		panic("config: pipeline schema: " + err.Error())
	}
	return compiled
})

// SchemaJSON returns the JSON Schema pipeline files are validated against.
func SchemaJSON() string {
	return pipelineSchemaJSON
}
