// Package commands provides command parsing and routing for Kodama
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Command represents a parsed command
type Command struct {
	Name       string
	Subcommand string
	Args       []string
	RawText    string
}

// ErrNotACommand is returned by Parse when the message does not start with the
// command prefix. Callers should use errors.Is to distinguish this expected
// case from real errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// Handler is a function that handles a command
type Handler func(ctx context.Context, cmd *Command, evt *event.Event) (string, error)

// Router routes commands to handlers
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a new command router
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Register registers a command handler. Use "name.sub" to register a
// subcommand handler; Route prefers the longest matching key.
func (r *Router) Register(command string, handler Handler) {
	r.handlers[command] = handler
}

// Parse parses a message into a command
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	// Check if message starts with our prefix
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	// Remove prefix
	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	if text == "" {
		return nil, fmt.Errorf("empty command")
	}

	parts := strings.Fields(text)
	cmd := &Command{
		Name:    parts[0],
		Args:    parts[1:],
		RawText: text,
	}
	return cmd, nil
}

// Route parses and routes a command to its handler.
//
// Arguments stay free-form text: "post something nice about today" keeps
// every word after the command name as an argument, so handlers that take a
// hint can reassemble it with Rest.
func (r *Router) Route(ctx context.Context, text string, evt *event.Event) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}

	// Prefer a subcommand handler when one is registered, otherwise fall
	// back to the bare command name.
	if len(cmd.Args) > 0 {
		key := cmd.Name + "." + cmd.Args[0]
		if handler, ok := r.handlers[key]; ok {
			cmd.Subcommand = cmd.Args[0]
			cmd.Args = cmd.Args[1:]
			return handler(ctx, cmd, evt)
		}
	}

	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("unknown command: %s", cmd.Name)
	}
	return handler(ctx, cmd, evt)
}

// GetArg returns an argument by index
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// Rest returns the arguments from index onward rejoined as free text
func (c *Command) Rest(index int) string {
	if index < 0 || index >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[index:], " ")
}

// FullCommand returns the full command string
func (c *Command) FullCommand() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand
	}
	return c.Name
}
