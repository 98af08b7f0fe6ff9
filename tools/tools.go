// Package tools dispatches client-side functions that the voice agent asks
// the bridge to run during a conversation.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTool is returned when the agent requests a function that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Handler runs a tool with decoded arguments and returns the text handed back
// to the agent.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a client-side function exposed to the agent.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
	Handler    Handler
}

// Definition is the wire shape of a function in the agent's settings.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds the tools available to one agent session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry containing tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, Parameters: params})
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke decodes rawArgs and runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name, rawArgs string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || t.Handler == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args, err := ParseArguments(rawArgs)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return t.Handler(ctx, args)
}

// ParseArguments decodes a function-call argument object. Models sometimes
// stream two argument objects back to back; when strict decoding fails, the
// first balanced {...} span is decoded instead.
func ParseArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	args := map[string]any{}
	strictErr := json.Unmarshal([]byte(trimmed), &args)
	if strictErr == nil {
		return args, nil
	}

	span, ok := firstBalancedObject(trimmed)
	if !ok {
		return nil, fmt.Errorf("parse arguments: %w", strictErr)
	}
	args = map[string]any{}
	if err := json.Unmarshal([]byte(span), &args); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	return args, nil
}

// firstBalancedObject returns the first {...} span whose braces balance,
// ignoring braces inside JSON strings.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
