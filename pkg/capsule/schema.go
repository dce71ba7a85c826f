package capsule

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anumate/control-plane/pkg/errs"
)

// capsuleSchema is the structural contract checked before business rules.
const capsuleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "dependencies": {"type": "array", "items": {"type": "string"}},
    "tools": {"type": "array", "items": {"type": "string"}},
    "labels": {"type": "object", "additionalProperties": {"type": "string"}},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "tool"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "tool": {"type": "string", "minLength": 1},
          "parameters": {"type": "object"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "requires_approval": {"type": "boolean"},
          "risk": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
          "timeout_seconds": {"type": "integer", "minimum": 0},
          "max_retries": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("capsule.schema.json", capsuleSchema)

// ValidateSchema checks the decoded capsule document against the JSON
// schema. doc is the generic YAML/JSON form, not the typed struct.
func ValidateSchema(doc any) error {
	// jsonschema expects JSON-decoded values (map[string]any with float64
	// numbers); round-trip through encoding/json normalizes YAML output.
	raw, err := json.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "CAPSULE_SCHEMA_INVALID", "capsule not serializable", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return errs.Wrap(errs.KindValidation, "CAPSULE_SCHEMA_INVALID", "capsule not decodable", err)
	}

	if err := compiledSchema.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		detail := err.Error()
		if ok := errsAs(err, &ve); ok {
			detail = flatten(ve)
		}
		return errs.Newf(errs.KindValidation, "CAPSULE_SCHEMA_INVALID", "schema validation failed: %s", detail)
	}
	return nil
}

func errsAs(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func flatten(ve *jsonschema.ValidationError) string {
	leaves := ve.BasicOutput().Errors
	msgs := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if l.Error != "" {
			msgs = append(msgs, l.KeywordLocation+": "+l.Error)
		}
	}
	return strings.Join(msgs, "; ")
}
