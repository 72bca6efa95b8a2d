package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by Execute for unregistered names.
var ErrUnknownCommand = errors.New("unknown command")

// Registry manages command registrations and execution.
type Registry struct {
	commands map[string]*Command // name -> command
	aliases  map[string]string   // alias -> name
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return errors.New("command is nil")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q: handler is required", cmd.Name)
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return errors.New("command name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if existing, exists := r.aliases[name]; exists {
		return fmt.Errorf("command name %q conflicts with alias for %q", name, existing)
	}
	cmd.Name = name
	r.commands[name] = cmd

	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" || alias == name {
			continue
		}
		if _, exists := r.commands[alias]; exists {
			r.logger.Warn("alias conflicts with command", "alias", alias, "command", name)
			continue
		}
		if _, exists := r.aliases[alias]; exists {
			r.logger.Warn("alias already registered", "alias", alias, "command", name)
			continue
		}
		r.aliases[alias] = name
	}
	return nil
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, exists := r.commands[name]; exists {
		return cmd, true
	}
	if realName, exists := r.aliases[name]; exists {
		cmd, ok := r.commands[realName]
		return cmd, ok
	}
	return nil, false
}

// List returns registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool {
		return commands[i].Name < commands[j].Name
	})
	return commands
}

// Execute runs the command named by inv. Argument misuse produces a reply,
// not an error.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv == nil {
		return nil, errors.New("invocation is nil")
	}
	cmd, exists := r.Get(inv.Name)
	if !exists {
		return nil, fmt.Errorf("%w: /%s", ErrUnknownCommand, inv.Name)
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return &Result{Text: fmt.Sprintf("Command /%s does not accept arguments", cmd.Name)}, nil
	}
	inv.Command = cmd
	return cmd.Handler(ctx, inv)
}

// Help renders the visible commands, one per line.
func (r *Registry) Help() string {
	var sb strings.Builder
	sb.WriteString("Available commands:")
	for _, cmd := range r.List() {
		if cmd.Hidden {
			continue
		}
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		sb.WriteString("\n")
		sb.WriteString(usage)
		if cmd.Description != "" {
			sb.WriteString(" - ")
			sb.WriteString(cmd.Description)
		}
	}
	return sb.String()
}
