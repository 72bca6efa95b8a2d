package commands

import (
	"regexp"
	"strings"
)

// DefaultPrefix starts a command in chat text.
const DefaultPrefix = "/"

var commandRe = regexp.MustCompile(`^/([a-zA-Z][a-zA-Z0-9_-]*)(?:@[A-Za-z0-9_]+)?(?:\s+([\s\S]*))?$`)

// Parsed is a command detected at the start of a message.
type Parsed struct {
	// Name is the lowercased command name without prefix
	Name string

	// Args is the trimmed argument text
	Args string
}

// Parse detects a command at the start of text. A trailing "@botname" on the
// command word is ignored. ok is false for ordinary messages, including a
// lone "/" and paths such as "/tmp/x".
func Parse(text string) (Parsed, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, DefaultPrefix) {
		return Parsed{}, false
	}
	match := commandRe.FindStringSubmatch(text)
	if match == nil {
		return Parsed{}, false
	}
	return Parsed{
		Name: strings.ToLower(match[1]),
		Args: strings.TrimSpace(match[2]),
	}, true
}

// IsCommand reports whether text starts with a command.
func IsCommand(text string) bool {
	_, ok := Parse(text)
	return ok
}

// SplitArgs splits argument text on whitespace.
func SplitArgs(args string) []string {
	return strings.Fields(args)
}
