package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of a config file. Durations are nanoseconds or strings such
// as "60s".
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}

// SchemaJSON returns Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
