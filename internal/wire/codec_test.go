package wire

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		msg  Message
	}{
		{"inbound", Inbound{ID: "m1", Channel: "telegram", ChatID: "42", Content: "hello", Timestamp: ts}},
		{"outbound", Outbound{ReplyTo: "m1", Channel: "telegram", ChatID: "42", Content: "hi", Metadata: map[string]string{"k": "v"}}},
		{"outbound minimal", Outbound{Channel: "web", ChatID: "7", Content: "x"}},
		{"command", Command{Channel: "web", ChatID: "7", Name: "model", Args: "anthropic/claude"}},
		{"register", Register{Name: "gateway"}},
		{"shutdown", Shutdown{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.HasSuffix(data, []byte("\n")) {
				t.Fatalf("Encode() output missing newline: %q", data)
			}
			if bytes.Count(data, []byte("\n")) != 1 {
				t.Fatalf("Encode() output spans lines: %q", data)
			}
			if typ, ok := PeekType(data); !ok || typ != tt.msg.Type() {
				t.Fatalf("PeekType() = %q, %v; want %q", typ, ok, tt.msg.Type())
			}
			got, err := Decode(bytes.TrimSpace(data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("Decode() = %#v, want %#v", got, tt.msg)
			}
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	line := []byte(`{"type":"inbound","id":"1","channel":"c","chat_id":"9","content":"yo","timestamp":"2025-01-01T00:00:00Z","extra":{"nested":true}}`)
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	in, ok := msg.(Inbound)
	if !ok {
		t.Fatalf("Decode() returned %T, want Inbound", msg)
	}
	if in.ChatID != "9" || in.Content != "yo" {
		t.Errorf("unexpected inbound: %+v", in)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"not json", `nope`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"missing type", `{"chat_id":"1"}`, ErrUnknownType},
		{"numeric type", `{"type":3}`, ErrUnknownType},
		{"unknown type", `{"type":"telepathy"}`, ErrUnknownType},
		{"wrong field shape", `{"type":"inbound","chat_id":12}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCLIRequest(t *testing.T) {
	var buf bytes.Buffer
	req := CliRequest{Command: "chat", Params: map[string]string{"chat_id": "1", "content": "hi"}}
	if err := WriteCLI(&buf, req); err != nil {
		t.Fatalf("WriteCLI() error = %v", err)
	}
	got, err := DecodeCLIRequest(bytes.TrimSpace(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeCLIRequest() error = %v", err)
	}
	if got.Command != "chat" || got.Param("content") != "hi" || got.Param("missing") != "" {
		t.Errorf("unexpected request: %+v", got)
	}

	if _, err := DecodeCLIRequest([]byte(`{"params":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for missing command, got %v", err)
	}
}

func TestNewScannerHandlesLongLines(t *testing.T) {
	long := strings.Repeat("a", 256*1024)
	input := `{"type":"inbound","content":"` + long + `"}` + "\n" + `{"type":"shutdown"}` + "\n"
	scanner := NewScanner(strings.NewReader(input))
	var lines int
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}
