package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var schemaJSON = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		ExpandedStruct: true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "nexusd configuration"
	return json.MarshalIndent(schema, "", "  ")
})

// JSONSchema returns the JSON Schema of the configuration file, for editor
// completion and `nexusd config schema`.
func JSONSchema() ([]byte, error) {
	return schemaJSON()
}
