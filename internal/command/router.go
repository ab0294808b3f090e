// Package command parses and dispatches leading-slash session commands.
// Handlers run synchronously, outside the lane queue; the runner registers
// closures over its own session machinery.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownCommand is returned by Dispatch for unregistered commands.
var ErrUnknownCommand = errors.New("command: unknown command")

// Request carries one parsed command invocation.
type Request struct {
	SessionKey string
	Name       string
	Args       []string
	Raw        string
}

// Handler executes one command and returns the user-visible reply.
type Handler func(ctx context.Context, req Request) (string, error)

// Definition declares a command's surface.
type Definition struct {
	Name        string
	Args        string // e.g. "<mode>"; empty for none
	Hidden      bool   // omitted from /help
	BypassQueue bool   // /new and /compact wait for in-flight work themselves
	Handler     Handler
}

// Router maps command names to definitions.
type Router struct {
	defs map[string]Definition
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{defs: make(map[string]Definition)}
}

// Register adds or replaces a command.
func (r *Router) Register(def Definition) {
	r.defs[def.Name] = def
}

// Parse splits a "/name arg..." message. ok is false when content is not a
// command at all. Telegram-style "/name@bot" suffixes are stripped.
func Parse(sessionKey, content string) (Request, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return Request{}, false
	}
	fields := strings.Fields(trimmed)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return Request{
		SessionKey: sessionKey,
		Name:       strings.ToLower(name),
		Args:       fields[1:],
		Raw:        trimmed,
	}, name != ""
}

// Dispatch runs the handler for req.
func (r *Router) Dispatch(ctx context.Context, req Request) (string, error) {
	def, ok := r.defs[req.Name]
	if !ok {
		return "", fmt.Errorf("%w: /%s", ErrUnknownCommand, req.Name)
	}
	return def.Handler(ctx, req)
}

// Lookup returns the definition for a command name.
func (r *Router) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Help renders the non-hidden commands, sorted by name.
func (r *Router) Help() string {
	var names []string
	for name, def := range r.defs {
		if !def.Hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		def := r.defs[name]
		if def.Args != "" {
			fmt.Fprintf(&b, "/%s %s\n", name, def.Args)
		} else {
			fmt.Fprintf(&b, "/%s\n", name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NormalizeQueueMode lowercases a /queue argument and resolves the
// default|reset aliases to collect.
func NormalizeQueueMode(arg string) string {
	mode := strings.ToLower(strings.TrimSpace(arg))
	if mode == "default" || mode == "reset" {
		return "collect"
	}
	return mode
}
