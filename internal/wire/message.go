// Package wire defines the line-delimited JSON protocol spoken between the
// gateway and the engine.
//
// Every peer message is a single JSON object carrying a "type" discriminator,
// terminated by a newline. CLI requests and responses are plain JSON objects
// without a discriminator and are exchanged exactly once per connection.
package wire

import "time"

// Type is the discriminator value carried in the "type" field.
type Type string

const (
	TypeInbound  Type = "inbound"
	TypeOutbound Type = "outbound"
	TypeCommand  Type = "command"
	TypeRegister Type = "register"
	TypeShutdown Type = "shutdown"
)

// Message is the closed set of peer messages.
type Message interface {
	Type() Type
	isMessage()
}

// Inbound is a user message received by the gateway from a chat channel.
type Inbound struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Outbound is a reply the engine asks the gateway to deliver.
type Outbound struct {
	ReplyTo  string            `json:"reply_to,omitempty"`
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Command is a slash command typed into a chat, forwarded verbatim.
type Command struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Name    string `json:"name"`
	Args    string `json:"args,omitempty"`
}

// Register is the first line a gateway sends after connecting.
type Register struct {
	Name string `json:"name"`
}

// Shutdown tells the peer the sender is going away.
type Shutdown struct{}

func (Inbound) Type() Type  { return TypeInbound }
func (Outbound) Type() Type { return TypeOutbound }
func (Command) Type() Type  { return TypeCommand }
func (Register) Type() Type { return TypeRegister }
func (Shutdown) Type() Type { return TypeShutdown }

func (Inbound) isMessage()  {}
func (Outbound) isMessage() {}
func (Command) isMessage()  {}
func (Register) isMessage() {}
func (Shutdown) isMessage() {}
