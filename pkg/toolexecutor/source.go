package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Source is a remote tool server, such as an MCP client.
type Source interface {
	Name() string
	Discover(ctx context.Context) (map[string]SourceTool, error)
	Call(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// SourceTool is one tool advertised by a Source.
type SourceTool struct {
	Description string
	InputSchema map[string]interface{}
}

// RegisterSource registers every tool src advertises. A name that clashes
// with an existing tool is prefixed with the source name.
func (r *Registry) RegisterSource(ctx context.Context, src Source) ([]string, error) {
	if src == nil {
		return nil, fmt.Errorf("tool source is required")
	}
	sourceName := strings.TrimSpace(src.Name())
	if sourceName == "" {
		return nil, fmt.Errorf("tool source name is required")
	}

	tools, err := src.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tools from %s: %w", sourceName, err)
	}

	registered := make([]string, 0, len(tools))
	for _, originalName := range sortedKeys(tools) {
		tool := tools[originalName]
		name := originalName
		if _, exists := r.Get(name); exists {
			name = sourceName + "_" + originalName
		}

		remote := originalName
		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("%s tool from %s", originalName, sourceName)
		}
		def := ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: tool.InputSchema,
			Source:      sourceName,
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return src.Call(ctx, remote, args)
			},
		}
		if def.InputSchema == nil {
			def.InputSchema = map[string]interface{}{"type": "object"}
		}
		if err := r.Register(def); err != nil {
			return registered, fmt.Errorf("register %s tool %s: %w", sourceName, name, err)
		}
		registered = append(registered, name)
	}
	return registered, nil
}

func sortedKeys(tools map[string]SourceTool) []string {
	keys := make([]string, 0, len(tools))
	for k := range tools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
