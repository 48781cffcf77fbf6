package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemav5 "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error

	compiledOnce sync.Once
	compiled     *schemav5.Schema
	compiledErr  error
)

// JSONSchema returns the JSON Schema for the Config document, generated once
// by reflection over the yaml field names. Served by the CLI for editor
// tooling and used to validate loaded documents.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
		}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

func compiledSchema() (*schemav5.Schema, error) {
	compiledOnce.Do(func() {
		raw, err := JSONSchema()
		if err != nil {
			compiledErr = err
			return
		}
		compiled, compiledErr = schemav5.CompileString("steward_config.json", string(raw))
	})
	return compiled, compiledErr
}

// ValidateDocument checks an expanded YAML document against the generated
// schema, catching misspelled keys and wrong value types before decode.
// Null values are dropped first: an unset ${VAR} expansion leaves the field
// at its default rather than failing the type check.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	doc = dropNulls(doc)
	if doc == nil {
		return nil
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config document: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode config document: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if item == nil {
				continue
			}
			out[k] = dropNulls(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, dropNulls(item))
		}
		return out
	default:
		return v
	}
}
