package air

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Embedded JSON Schema documents for the manifest surface. Definition node
// bodies are validated structurally by their Go decoders; these schemas guard
// the outer documents that cross trust boundaries.

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["air_version"],
  "properties": {
    "air_version": {"type": "string", "minLength": 1},
    "schemas":  {"$ref": "#/$defs/refList"},
    "modules":  {"$ref": "#/$defs/refList"},
    "plans":    {"$ref": "#/$defs/refList"},
    "effects":  {"$ref": "#/$defs/refList"},
    "caps":     {"$ref": "#/$defs/refList"},
    "policies": {"$ref": "#/$defs/refList"},
    "triggers": {"$ref": "#/$defs/refList"}
  },
  "additionalProperties": false,
  "$defs": {
    "refList": {"type": "array", "items": {"$ref": "#/$defs/ref"}},
    "ref": {
      "type": "object",
      "required": ["kind", "name", "hash"],
      "properties": {
        "kind": {"enum": ["defschema", "defmodule", "defcap", "defpolicy", "defeffect", "deftrigger", "defplan"]},
        "name": {"type": "string", "pattern": "^[^/@]+/[^/@]+@[0-9]+$"},
        "hash": {"type": "string", "pattern": "^(sha256:)?[0-9a-f]{64}$"}
      },
      "additionalProperties": false
    }
  }
}`

const patchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["base_manifest_hash", "patches"],
  "properties": {
    "base_manifest_hash": {"type": "string", "pattern": "^(sha256:)?[0-9a-f]{64}$"},
    "require_hashes": {"type": "boolean"},
    "patches": {
      "type": "array",
      "items": {
        "type": "object",
        "minProperties": 1,
        "properties": {
          "add_def": {
            "type": "object",
            "required": ["kind", "node"],
            "properties": {
              "kind": {"type": "string"},
              "node": {"type": "object"}
            }
          },
          "set_manifest_refs": {
            "type": "object",
            "properties": {
              "add": {"type": "array"},
              "remove": {"type": "array"}
            }
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	manifestSchema = mustCompileSchema("manifest.schema.json", manifestSchemaJSON)
	patchSchema    = mustCompileSchema("patch.schema.json", patchSchemaJSON)
)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

func validateAgainst(schema *jsonschema.Schema, doc []byte, what string) error {
	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("air: %s is not valid JSON: %w", what, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("air: %s schema violation: %w", what, err)
	}
	return nil
}

// ValidateManifestDoc checks a raw manifest document against the manifest
// schema before decoding.
func ValidateManifestDoc(doc []byte) error {
	return validateAgainst(manifestSchema, doc, "manifest")
}

// ValidatePatchDoc checks a raw patch document against the patch schema.
func ValidatePatchDoc(doc []byte) error {
	return validateAgainst(patchSchema, doc, "patch")
}

// CompileValueSchema compiles a DefSchema's type document for validating
// event or state values against it.
func CompileValueSchema(name Name, typeDoc json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resource := string(name) + ".schema.json"
	if err := c.AddResource(resource, strings.NewReader(string(typeDoc))); err != nil {
		return nil, fmt.Errorf("air: schema %s: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("air: schema %s: %w", name, err)
	}
	return compiled, nil
}
