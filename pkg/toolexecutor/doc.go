// Package toolexecutor registers tools and runs the tool calls a model asks for.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are validated against the tool's JSON schema before the handler runs.
// - A call id runs at most once per Executor; repeats are rejected without invoking the handler.
// - Every failure (unknown tool, bad arguments, handler error) is returned as a
//   Result in output-error state, never as a Go error.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.Register(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
//			return args["text"], nil
//		},
//	})
//	exec := toolexecutor.New(toolexecutor.Config{Registry: reg, Store: st, Activities: acts})
//	res := exec.Execute(ctx, "echo", "call-1", json.RawMessage(`{"text":"hi"}`))
package toolexecutor
