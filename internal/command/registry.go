package command

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"tabbridge/internal/protocol"
)

// Registry is the catalog of named commands. It is built explicitly at
// startup and passed by reference wherever dispatch occurs.
type Registry struct {
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command. A duplicate name is rejected; the registry never
// silently overwrites.
func (r *Registry) Register(cmd Command) error {
	name := cmd.Name()
	if name == "" {
		return fmt.Errorf("command with empty name")
	}
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("duplicate command name: %s", name)
	}
	r.commands[name] = cmd
	return nil
}

// MustRegister panics on a duplicate. For static startup wiring only.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Descriptors returns tool descriptors for every command, sorted by name.
func (r *Registry) Descriptors() []protocol.ToolDescriptor {
	out := make([]protocol.ToolDescriptor, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, protocol.ToolDescriptor{
			Name:        cmd.Name(),
			Description: cmd.Description(),
			InputSchema: cmd.InputSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch looks the command up, validates its declared dependencies against
// cc, and runs it. Duration and outcome are logged for observability.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}, cc *Context) (*Result, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, protocol.NewValidationError(protocol.CodeUnknownTool,
			fmt.Sprintf("unknown tool: %s", name),
			map[string]interface{}{"tool_name": name})
	}

	if err := cc.validate(cmd.Needs()); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := cmd.Execute(ctx, cc, args)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		log.Printf("command %s failed in %s: %v", name, elapsed.Round(time.Millisecond), err)
	case res != nil && !res.Success:
		log.Printf("command %s returned failure in %s: %s", name, elapsed.Round(time.Millisecond), res.Message)
	default:
		log.Printf("command %s completed in %s", name, elapsed.Round(time.Millisecond))
	}
	return res, err
}
