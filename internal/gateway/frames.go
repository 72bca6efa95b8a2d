package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const clientFrameSchema = `{
  "type": "object",
  "properties": {
    "type": {"enum": ["message"]},
    "id": {"type": "string", "maxLength": 128},
    "content": {"type": "string"}
  },
  "required": ["content"]
}`

var compileClientFrameSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("client_frame.json", clientFrameSchema)
})

// decodeClientFrame validates raw against the client frame schema before
// decoding it.
func decodeClientFrame(raw []byte) (clientFrame, error) {
	var frame clientFrame
	schema, err := compileClientFrameSchema()
	if err != nil {
		return frame, fmt.Errorf("compile frame schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return frame, err
	}
	if err := schema.Validate(doc); err != nil {
		return frame, err
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}
