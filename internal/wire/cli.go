package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// CliRequest is the single line a one-shot CLI client sends.
type CliRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

// CliResponse is the single line the engine answers a CliRequest with.
type CliResponse struct {
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Param returns the named parameter or an empty string.
func (r CliRequest) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// DecodeCLIRequest parses a CLI request line. A request without a command
// is malformed.
func DecodeCLIRequest(line []byte) (CliRequest, error) {
	var req CliRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return CliRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Command == "" {
		return CliRequest{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return req, nil
}

// DecodeCLIResponse parses a CLI response line.
func DecodeCLIResponse(line []byte) (CliResponse, error) {
	var resp CliResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return CliResponse{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}

// WriteCLI writes any CLI value as one JSON line.
func WriteCLI(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode cli: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
