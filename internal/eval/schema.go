package eval

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/xerrors"
)

// responseSchemaJSON is the contract the external evaluator's per-system
// JSON output must satisfy. spec.md §4.D: "JSON is strictly validated
// against the DerivationMeta schema; any schema violation is fatal" — a
// response that fails this check aborts the whole dispatch rather than
// being partially trusted.
const responseSchemaJSON = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "exists":   {"type": "boolean"},
      "broken":   {"type": "boolean"},
      "alias":    {"type": "boolean"},
      "drvPath":  {"type": "string"},
      "outPaths": {
        "type": "object",
        "additionalProperties": {"type": "string"}
      }
    },
    "required": ["exists", "broken"],
    "additionalProperties": false
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("evaluator-response.json", strings.NewReader(responseSchemaJSON)); err != nil {
			compileErr = xerrors.Errorf("compiling evaluator response schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("evaluator-response.json")
	})
	return compiledSchema, compileErr
}
