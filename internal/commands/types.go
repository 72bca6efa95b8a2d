// Package commands provides slash command parsing and routing.
package commands

import (
	"context"
)

// Command is a registered slash command.
type Command struct {
	// Name is the command name without the leading slash (e.g., "help")
	Name string

	// Aliases are alternative names for the command
	Aliases []string

	// Description is a short description shown by /help
	Description string

	// Usage shows how to use the command
	Usage string

	// AcceptsArgs indicates if the command accepts arguments
	AcceptsArgs bool

	// Hidden hides the command from help listings
	Hidden bool

	Handler Handler
}

// Handler processes a command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is a parsed command bound to the chat it came from.
type Invocation struct {
	// Command is the matched command definition
	Command *Command

	// Name is the actual name or alias used to invoke
	Name string

	// Args is the text after the command name
	Args string

	Channel string
	ChatID  string
}

// Result is the output of a command execution.
type Result struct {
	// Text is the reply sent back to the chat
	Text string
}
