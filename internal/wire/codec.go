package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 4 * 1024 * 1024

var (
	// ErrUnknownType is returned for a well-formed object whose discriminator
	// is missing or not one of the known variants.
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrMalformed is returned when a line is not a JSON object or a field
	// has the wrong shape.
	ErrMalformed = errors.New("wire: malformed message")
)

// Encode serializes msg as a single JSON object terminated by a newline.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.Type(), err)
	}
	body, err = sjson.SetBytes(body, "type", string(msg.Type()))
	if err != nil {
		return nil, fmt.Errorf("wire: tag %s: %w", msg.Type(), err)
	}
	return append(body, '\n'), nil
}

// Decode parses one protocol line. Unknown fields are ignored.
func Decode(line []byte) (Message, error) {
	if !gjson.ValidBytes(line) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil, ErrMalformed
	}
	tag := root.Get("type")
	if tag.Type != gjson.String {
		return nil, ErrUnknownType
	}

	switch Type(tag.Str) {
	case TypeInbound:
		return decodeAs[Inbound](line)
	case TypeOutbound:
		return decodeAs[Outbound](line)
	case TypeCommand:
		return decodeAs[Command](line)
	case TypeRegister:
		return decodeAs[Register](line)
	case TypeShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag.Str)
	}
}

func decodeAs[T Message](line []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// Write encodes msg and writes it with a single Write call.
func Write(w io.Writer, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// NewScanner returns a line scanner sized for protocol traffic.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return scanner
}

// PeekType reports the discriminator of a line without fully decoding it.
// The boolean is false when the line carries no string "type" field.
func PeekType(line []byte) (Type, bool) {
	tag := gjson.GetBytes(line, "type")
	if tag.Type != gjson.String {
		return "", false
	}
	return Type(tag.Str), true
}
