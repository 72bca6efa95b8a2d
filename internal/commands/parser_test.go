package commands

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input  string
		want   Parsed
		wantOK bool
	}{
		{input: "/help", want: Parsed{Name: "help"}, wantOK: true},
		{input: "  /Model anthropic/claude  ", want: Parsed{Name: "model", Args: "anthropic/claude"}, wantOK: true},
		{input: "/new@nexus_bot", want: Parsed{Name: "new"}, wantOK: true},
		{input: "/status\nmore text", want: Parsed{Name: "status", Args: "more text"}, wantOK: true},
		{input: "/tmp/file.txt", wantOK: false},
		{input: "/", wantOK: false},
		{input: "/123", wantOK: false},
		{input: "hello /help", wantOK: false},
		{input: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			if IsCommand(tt.input) != tt.wantOK {
				t.Errorf("IsCommand(%q) mismatch", tt.input)
			}
		})
	}
}

func TestSplitArgs(t *testing.T) {
	got := SplitArgs("  a  b\tc ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("SplitArgs() = %q", got)
	}
	if len(SplitArgs("")) != 0 {
		t.Error("SplitArgs(\"\") should be empty")
	}
}
