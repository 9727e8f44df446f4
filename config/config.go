// Package config loads pipeline configuration files and builds extensions from them.
//
// # File Format
//
//	steps: 30
//	seed: 42
//	prompt: "a lighthouse at dusk"
//	guidance: 7.5
//	extensions:
//	  - name: steplog
//	    options:
//	      level: debug
//	  - name: weightpatch
//	    options:
//	      scale: 0.8
//	      keys: ["mid_block.attn.weight"]
//
// Files are validated against a JSON Schema before decoding, so structural mistakes are
// reported with the offending location. Extension options are free-form and decoded by
// the factory registered for the extension name, see [Registry].
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/rickchristie/dext"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid pipeline configuration")

// Pipeline is one generation described by a config file.
type Pipeline struct {
	Steps          int             `yaml:"steps"`
	Seed           int64           `yaml:"seed"`
	Prompt         string          `yaml:"prompt"`
	NegativePrompt string          `yaml:"negative_prompt"`
	Guidance       float64         `yaml:"guidance"`
	Extensions     []ExtensionSpec `yaml:"extensions"`
}

// ExtensionSpec names an extension and carries its options.
type ExtensionSpec struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// Inputs converts the pipeline into run inputs.
func (p *Pipeline) Inputs() dext.Inputs {
	return dext.Inputs{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Seed:           p.Seed,
		Steps:          p.Steps,
		Guidance:       p.Guidance,
	}
}

// Load reads and parses the pipeline file at path.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse validates and decodes a YAML pipeline document.
func Parse(data []byte) (*Pipeline, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidConfig, err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if p.Steps == 0 {
		p.Steps = DefaultSteps
	}
	return &p, nil
}

// DefaultSteps is used when a file does not set steps.
const DefaultSteps = 30

// validate checks a decoded YAML document against the pipeline schema.
// The document is round-tripped through JSON so the validator sees JSON types.
func validate(raw any) error {
	if raw == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}

	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := pipelineSchema().Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
